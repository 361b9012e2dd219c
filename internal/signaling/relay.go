package signaling

import (
	"fmt"
	"log/slog"
	"maps"
	"strings"

	"github.com/pion/ice/v4"
	"github.com/pion/webrtc/v4"

	"github.com/BioHazard786/warprelay/internal/metrics"
)

// SignalingRelay forwards WebRTC negotiation messages between devices. It
// keeps no state: a message for a device that is gone is dropped.
type SignalingRelay struct {
	registry *Registry
	send     sender
	validate bool
}

// NewSignalingRelay creates a relay. With validate set, session descriptions
// and ICE candidates must parse before they are forwarded.
func NewSignalingRelay(registry *Registry, validate bool, logger *slog.Logger, m *metrics.Metrics) *SignalingRelay {
	return &SignalingRelay{
		registry: registry,
		send:     sender{registry: registry, log: logger, metrics: m},
		validate: validate,
	}
}

// Forward sends sig to the device named by its "to" field, stamped with
// "from" = fromID. Every other field is passed through untouched.
func (r *SignalingRelay) Forward(fromID string, sig Signal) error {
	kind, _ := sig["type"].(string)
	to, _ := sig["to"].(string)
	if to == "" {
		return protocolError(kind, fmt.Errorf("%w: to", ErrMissingField))
	}
	if r.validate {
		if err := validateSignal(kind, sig); err != nil {
			return protocolError(kind, err)
		}
	}

	conn, ok := r.registry.Lookup(to)
	if !ok {
		return notFoundError(kind, ErrTargetNotFound)
	}
	out := maps.Clone(sig)
	out["from"] = fromID
	return r.send.sendConn(to, conn, out)
}

func validateSignal(kind string, sig Signal) error {
	switch kind {
	case TypeRTCOffer:
		return validateDescription(sig, webrtc.SDPTypeOffer, "offer")
	case TypeRTCAnswer:
		return validateDescription(sig, webrtc.SDPTypeAnswer, "answer")
	case TypeRTCCandidate:
		return validateCandidate(sig)
	}
	return nil
}

// validateDescription checks the session description carried under key (or
// "sdp"), either as a bare SDP string or as {type, sdp}. A message without
// one is left alone.
func validateDescription(sig Signal, want webrtc.SDPType, key string) error {
	raw, ok := sig[key]
	if !ok {
		if raw, ok = sig["sdp"]; !ok {
			return nil
		}
	}

	desc := webrtc.SessionDescription{Type: want}
	switch v := raw.(type) {
	case string:
		desc.SDP = v
	case map[string]any:
		if typ, _ := v["type"].(string); typ != "" && webrtc.NewSDPType(typ) != want {
			return fmt.Errorf("%w: type %q, want %q", ErrInvalidSDP, typ, want)
		}
		desc.SDP, _ = v["sdp"].(string)
	default:
		return fmt.Errorf("%w: unexpected %T", ErrInvalidSDP, raw)
	}

	if _, err := desc.Unmarshal(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSDP, err)
	}
	return nil
}

// validateCandidate parses the candidate line. An empty candidate marks the
// end of gathering and is valid.
func validateCandidate(sig Signal) error {
	raw, ok := sig["candidate"]
	if !ok || raw == nil {
		return nil
	}

	var line string
	switch v := raw.(type) {
	case string:
		line = v
	case map[string]any:
		line, _ = v["candidate"].(string)
	default:
		return fmt.Errorf("%w: unexpected %T", ErrInvalidCandidate, raw)
	}

	line = strings.TrimPrefix(line, "candidate:")
	if line == "" {
		return nil
	}
	if _, err := ice.UnmarshalCandidate(line); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCandidate, err)
	}
	return nil
}
