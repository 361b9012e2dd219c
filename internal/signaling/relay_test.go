package signaling

import (
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const hostCandidate = "candidate:1 1 udp 2130706431 192.0.2.1 50000 typ host"

func newOffer(t *testing.T) webrtc.SessionDescription {
	t.Helper()
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pc.Close() })

	_, err = pc.CreateDataChannel("files", nil)
	require.NoError(t, err)
	offer, err := pc.CreateOffer(nil)
	require.NoError(t, err)
	return offer
}

func newRelayEnv(t *testing.T, validate bool) (*SignalingRelay, *fakeConn, *fakeConn) {
	t.Helper()
	r := newTestRegistry()
	alice := registerPeer(t, r, "alice")
	bob := registerPeer(t, r, "bob")
	return NewSignalingRelay(r, validate, quietLogger(), nil), alice, bob
}

func TestForwardOffer(t *testing.T) {
	relay, alice, bob := newRelayEnv(t, true)
	offer := newOffer(t)

	sig := Signal{
		"type":  TypeRTCOffer,
		"to":    "bob",
		"offer": map[string]any{"type": "offer", "sdp": offer.SDP},
		"extra": "kept",
	}
	require.NoError(t, relay.Forward("alice", sig))

	got := last[Signal](t, bob)
	assert.Equal(t, TypeRTCOffer, got["type"])
	assert.Equal(t, "alice", got["from"])
	assert.Equal(t, "kept", got["extra"])
	assert.Equal(t, sig["offer"], got["offer"])

	_, stamped := sig["from"]
	assert.False(t, stamped, "caller's signal is not modified")
	assert.Empty(t, alice.messages())
}

func TestForwardBareSDPString(t *testing.T) {
	relay, _, bob := newRelayEnv(t, true)
	offer := newOffer(t)

	require.NoError(t, relay.Forward("alice", Signal{"type": TypeRTCOffer, "to": "bob", "sdp": offer.SDP}))
	assert.Len(t, bob.messages(), 1)
}

func TestForwardRejectsInvalidSDP(t *testing.T) {
	relay, _, bob := newRelayEnv(t, true)
	offer := newOffer(t)

	tests := []struct {
		name string
		sig  Signal
	}{
		{"garbage", Signal{"type": TypeRTCOffer, "to": "bob", "offer": "not sdp"}},
		{"wrong type", Signal{"type": TypeRTCAnswer, "to": "bob", "answer": map[string]any{"type": "offer", "sdp": offer.SDP}}},
		{"not a string", Signal{"type": TypeRTCOffer, "to": "bob", "offer": 42.0}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := relay.Forward("alice", tc.sig)
			require.ErrorIs(t, err, ErrInvalidSDP)
			assert.Equal(t, KindProtocol, KindOf(err))
		})
	}
	assert.Empty(t, bob.messages())
}

func TestForwardCandidate(t *testing.T) {
	relay, _, bob := newRelayEnv(t, true)

	require.NoError(t, relay.Forward("alice", Signal{"type": TypeRTCCandidate, "to": "bob", "candidate": hostCandidate}))
	require.NoError(t, relay.Forward("alice", Signal{
		"type":      TypeRTCCandidate,
		"to":        "bob",
		"candidate": map[string]any{"candidate": hostCandidate, "sdpMid": "0", "sdpMLineIndex": 0.0},
	}))
	// End of candidates.
	require.NoError(t, relay.Forward("alice", Signal{"type": TypeRTCCandidate, "to": "bob", "candidate": ""}))
	assert.Len(t, bob.messages(), 3)

	err := relay.Forward("alice", Signal{"type": TypeRTCCandidate, "to": "bob", "candidate": "candidate:nonsense"})
	require.ErrorIs(t, err, ErrInvalidCandidate)
	assert.Len(t, bob.messages(), 3)
}

func TestForwardWithoutValidation(t *testing.T) {
	relay, _, bob := newRelayEnv(t, false)

	require.NoError(t, relay.Forward("alice", Signal{"type": TypeRTCOffer, "to": "bob", "offer": "not sdp"}))
	require.NoError(t, relay.Forward("alice", Signal{"type": TypeRTCCandidate, "to": "bob", "candidate": "junk"}))
	assert.Len(t, bob.messages(), 2)
}

func TestForwardErrors(t *testing.T) {
	relay, _, _ := newRelayEnv(t, true)

	err := relay.Forward("alice", Signal{"type": TypeRTCCandidate})
	require.ErrorIs(t, err, ErrMissingField)

	err = relay.Forward("alice", Signal{"type": TypeRTCCandidate, "to": "carol", "candidate": hostCandidate})
	require.ErrorIs(t, err, ErrTargetNotFound)
	assert.Equal(t, KindNotFound, KindOf(err))
}
