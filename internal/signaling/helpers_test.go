package signaling

import (
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeConn records every message sent to it.
type fakeConn struct {
	mu      sync.Mutex
	msgs    []any
	closed  bool
	sendErr error
	panics  bool
}

func (c *fakeConn) Send(msg any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnClosed
	}
	if c.panics {
		panic("send exploded")
	}
	if c.sendErr != nil {
		return c.sendErr
	}
	c.msgs = append(c.msgs, msg)
	return nil
}

func (c *fakeConn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *fakeConn) failWith(err error) {
	c.mu.Lock()
	c.sendErr = err
	c.mu.Unlock()
}

func (c *fakeConn) panicOnSend(on bool) {
	c.mu.Lock()
	c.panics = on
	c.mu.Unlock()
}

func (c *fakeConn) messages() []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]any(nil), c.msgs...)
}

func (c *fakeConn) reset() {
	c.mu.Lock()
	c.msgs = nil
	c.mu.Unlock()
}

// types lists the "type" of every recorded message in order.
func (c *fakeConn) types() []string {
	var out []string
	for _, m := range c.messages() {
		out = append(out, messageType(m))
	}
	return out
}

func messageType(m any) string {
	data, err := json.Marshal(m)
	if err != nil {
		return ""
	}
	var head struct {
		Type string `json:"type"`
	}
	_ = json.Unmarshal(data, &head)
	return head.Type
}

// ofType returns the recorded messages of type T.
func ofType[T any](c *fakeConn) []T {
	var out []T
	for _, m := range c.messages() {
		if v, ok := m.(T); ok {
			out = append(out, v)
		}
	}
	return out
}

// last returns the most recent message of type T and fails if there is none.
func last[T any](t *testing.T, c *fakeConn) T {
	t.Helper()
	all := ofType[T](c)
	require.NotEmpty(t, all, "no %T recorded", *new(T))
	return all[len(all)-1]
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// registerPeer registers id on a fresh fakeConn.
func registerPeer(t *testing.T, r *Registry, id string) *fakeConn {
	t.Helper()
	c := &fakeConn{}
	_, _, err := r.Register(id, nil, c)
	require.NoError(t, err)
	return c
}

func newTestRegistry() *Registry {
	return NewRegistry(NewNameAllocator(DefaultNamePool()))
}
