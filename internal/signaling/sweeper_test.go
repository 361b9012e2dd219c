package signaling

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSweepEvictsClosedConnections(t *testing.T) {
	r := newTestRegistry()
	alive := registerPeer(t, r, "alive")
	dead := registerPeer(t, r, "dead")
	dead.close()

	var evicted []string
	s := NewSweeper(time.Minute, clock.NewMock(), r, nil, func(p PeerHandle) {
		evicted = append(evicted, p.DeviceID)
		r.RemoveIfCurrent(p.DeviceID, p.Conn)
	}, quietLogger(), nil)

	assert.Equal(t, 1, s.Sweep())
	assert.Equal(t, []string{"dead"}, evicted)
	assert.Equal(t, 1, r.Len())
	assert.False(t, alive.IsClosed())

	assert.Equal(t, 0, s.Sweep(), "nothing left to evict")
}

func TestSweepRecoversFromPanic(t *testing.T) {
	r := newTestRegistry()
	for _, id := range []string{"a", "b", "c"} {
		registerPeer(t, r, id).close()
	}

	var calls int
	s := NewSweeper(time.Minute, clock.NewMock(), r, nil, func(p PeerHandle) {
		calls++
		if p.DeviceID == "b" {
			panic("boom")
		}
	}, quietLogger(), nil)

	var n int
	require.NotPanics(t, func() { n = s.Sweep() })
	assert.Equal(t, 3, calls, "every dead peer is visited")
	assert.Equal(t, 2, n)
}

func TestSweepReapsIdleTransfers(t *testing.T) {
	r := newTestRegistry()
	registerPeer(t, r, "alice")
	bob := registerPeer(t, r, "bob")
	mock := clock.NewMock()
	coord := NewTransferCoordinator(r, TransferOptions{Mode: ModeBuffered, IdleTimeout: time.Minute, Clock: mock}, quietLogger(), nil)
	require.NoError(t, coord.HandleChunk(push("t1", 0, 2, "a")))

	s := NewSweeper(time.Minute, mock, r, coord, func(PeerHandle) {}, quietLogger(), nil)
	mock.Add(2 * time.Minute)
	s.Sweep()

	assert.Equal(t, 0, coord.Len())
	assert.Equal(t, "transfer timed out", last[*TransferError](t, bob).Error)
}

func TestSweeperRunTicks(t *testing.T) {
	r := newTestRegistry()
	registerPeer(t, r, "dead").close()
	mock := clock.NewMock()

	var evictions atomic.Int32
	s := NewSweeper(30*time.Second, mock, r, nil, func(p PeerHandle) {
		evictions.Add(1)
		r.RemoveIfCurrent(p.DeviceID, p.Conn)
	}, quietLogger(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	var runErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		runErr = s.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		mock.Add(30 * time.Second)
		return evictions.Load() == 1
	}, time.Second, 10*time.Millisecond)

	cancel()
	wg.Wait()
	assert.NoError(t, runErr)
}

func TestNewSweeperDefaults(t *testing.T) {
	s := NewSweeper(0, nil, newTestRegistry(), nil, func(PeerHandle) {}, quietLogger(), nil)
	assert.Equal(t, DefaultSweepInterval, s.interval)
	assert.NotNil(t, s.clock)
}
