package relayclient

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BioHazard786/warprelay/internal/server"
	"github.com/BioHazard786/warprelay/internal/signaling"
)

func startRelay(t *testing.T) string {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	hub := signaling.NewHub(signaling.Options{Logger: logger})
	ts := httptest.NewServer(server.New("", hub, nil, signaling.ClientOptions{}, logger).Handler())
	t.Cleanup(ts.Close)
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func TestLookupHostLiteralIP(t *testing.T) {
	ip, err := lookupHost(context.Background(), "127.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", ip)

	ip, err = lookupHost(context.Background(), "::1")
	require.NoError(t, err)
	assert.Equal(t, "::1", ip)
}

func TestDialThroughResolver(t *testing.T) {
	url := startRelay(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := Dial(ctx, url, Options{})
	require.NoError(t, err)
	defer c.Close()
	assert.Equal(t, "json", c.Codec().Name())

	id, err := c.Register(ctx, "probe", map[string]any{"id": "ignored", "platform": "cli"})
	require.NoError(t, err)
	assert.Equal(t, "probe", id.DeviceID)
	assert.NotEmpty(t, id.Name)
}

func TestAwaitReturnsServerError(t *testing.T) {
	url := startRelay(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := Dial(ctx, url, Options{Subprotocol: signaling.SubprotocolMsgpack, SystemDNS: true})
	require.NoError(t, err)
	defer c.Close()
	_, err = c.Register(ctx, "a", nil)
	require.NoError(t, err)

	require.NoError(t, c.Send(ctx, map[string]any{"type": signaling.TypeJoinRoom, "roomId": "12345"}))
	_, err = c.Await(ctx, signaling.TypeRoomJoined)

	var serverErr *ServerError
	require.ErrorAs(t, err, &serverErr)
	assert.Equal(t, signaling.TypeRoomError, serverErr.Type)
	assert.Equal(t, "Room not found", serverErr.Message)
	assert.Equal(t, "room-error: Room not found", err.Error())
}

func TestSendAfterClose(t *testing.T) {
	url := startRelay(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := Dial(ctx, url, Options{SystemDNS: true})
	require.NoError(t, err)
	require.NoError(t, c.Close())
	assert.NoError(t, c.Close(), "second close is a no-op")

	// The outgoing buffer may still accept a frame; once full, Send reports the close.
	var sendErr error
	for i := 0; i < 100 && sendErr == nil; i++ {
		sendErr = c.Send(ctx, map[string]any{"type": signaling.TypeCreateRoom})
	}
	assert.ErrorIs(t, sendErr, ErrClosed)

	_, err = c.Await(ctx, signaling.TypeSelfIdentity)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestDialFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := Dial(ctx, "ws://127.0.0.1:1/ws", Options{})
	assert.Error(t, err)
}
