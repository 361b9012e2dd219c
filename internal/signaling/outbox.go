package signaling

import (
	"log/slog"

	"github.com/BioHazard786/warprelay/internal/metrics"
)

type delivery struct {
	to  string
	msg any
}

// outbox collects messages built under a lock so they can be sent after it
// is released.
type outbox []delivery

func (o *outbox) add(to string, msg any) {
	*o = append(*o, delivery{to: to, msg: msg})
}

// sender resolves device ids and queues messages, logging failures.
type sender struct {
	registry *Registry
	log      *slog.Logger
	metrics  *metrics.Metrics
}

// sendTo delivers msg to deviceID. A missing device is a NotFound error and a
// failed queue a Delivery error; both are logged here and returned for
// callers that need to react.
func (s sender) sendTo(deviceID string, msg any) error {
	conn, ok := s.registry.Lookup(deviceID)
	if !ok {
		return notFoundError("send", ErrTargetNotFound)
	}
	return s.sendConn(deviceID, conn, msg)
}

func (s sender) sendConn(deviceID string, conn Conn, msg any) error {
	if err := conn.Send(msg); err != nil {
		s.metrics.DeliveryFailure()
		s.log.Warn("delivery failed", "device_id", deviceID, "err", err)
		return deliveryError("send", err)
	}
	return nil
}

// flush sends every message in order and returns the ids that could not be reached.
func (s sender) flush(o outbox) []string {
	var failed []string
	for _, d := range o {
		if err := s.sendTo(d.to, d.msg); err != nil {
			failed = append(failed, d.to)
		}
	}
	return failed
}
