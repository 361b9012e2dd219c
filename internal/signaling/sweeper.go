package signaling

import (
	"context"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/BioHazard786/warprelay/internal/metrics"
)

// DefaultSweepInterval is how often dead connections are looked for.
const DefaultSweepInterval = 60 * time.Second

// Sweeper periodically evicts devices whose connection died without a close
// event reaching the hub, and expires idle transfers.
type Sweeper struct {
	interval  time.Duration
	clock     clock.Clock
	registry  *Registry
	transfers *TransferCoordinator
	evict     func(PeerHandle)
	log       *slog.Logger
	metrics   *metrics.Metrics
}

func NewSweeper(interval time.Duration, clk clock.Clock, registry *Registry, transfers *TransferCoordinator, evict func(PeerHandle), logger *slog.Logger, m *metrics.Metrics) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Sweeper{
		interval:  interval,
		clock:     clk,
		registry:  registry,
		transfers: transfers,
		evict:     evict,
		log:       logger,
		metrics:   m,
	}
}

// Run sweeps every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := s.clock.Ticker(s.interval)
	defer ticker.Stop()

	s.log.Info("liveness sweeper started", "interval", s.interval)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := s.Sweep(); n > 0 {
				s.log.Info("evicted dead connections", "count", n)
			}
		}
	}
}

// Sweep runs one pass and returns the number of evicted devices.
func (s *Sweeper) Sweep() int {
	evicted := 0
	for _, h := range s.registry.Handles() {
		if !h.Conn.IsClosed() {
			continue
		}
		if s.evictOne(h) {
			evicted++
		}
	}
	if s.transfers != nil {
		s.safely("reap transfers", func() { s.transfers.ReapIdle() })
	}
	return evicted
}

func (s *Sweeper) evictOne(h PeerHandle) bool {
	s.log.Debug("evicting dead connection", "device_id", h.DeviceID)
	ok := s.safely("evict "+h.DeviceID, func() { s.evict(h) })
	if ok {
		s.metrics.Eviction()
	}
	return ok
}

// safely runs fn, turning a panic into a logged failure so one bad peer
// cannot stop the sweeper.
func (s *Sweeper) safely(what string, fn func()) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("sweeper recovered from panic", "op", what, "panic", r)
			ok = false
		}
	}()
	fn()
	return true
}
