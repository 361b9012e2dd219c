package signaling

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHub(opts Options) *Hub {
	opts.Logger = quietLogger()
	if opts.Clock == nil {
		opts.Clock = clock.NewMock()
	}
	return NewHub(opts)
}

func sendJSON(t *testing.T, h *Hub, s *Session, msg map[string]any) {
	t.Helper()
	data, err := JSON.Marshal(msg)
	require.NoError(t, err)
	h.HandleMessage(s, JSON, data)
}

func sendMsgpack(t *testing.T, h *Hub, s *Session, msg map[string]any) {
	t.Helper()
	data, err := Msgpack.Marshal(msg)
	require.NoError(t, err)
	h.HandleMessage(s, Msgpack, data)
}

func connect(h *Hub, connID string) (*Session, *fakeConn) {
	c := &fakeConn{}
	return h.Connect(connID, c), c
}

func registerDevice(t *testing.T, h *Hub, id string) (*Session, *fakeConn) {
	t.Helper()
	s, c := connect(h, "conn-"+id)
	sendJSON(t, h, s, map[string]any{"type": TypeRegister, "device": map[string]any{"id": id, "platform": "test"}})
	require.Equal(t, id, s.DeviceID())
	return s, c
}

func lastError(t *testing.T, c *fakeConn) *ErrorMessage {
	t.Helper()
	return last[*ErrorMessage](t, c)
}

func TestHubRegister(t *testing.T) {
	h := newTestHub(Options{})
	_, a := registerDevice(t, h, "a")

	assert.Equal(t, []string{TypeSelfIdentity, TypeDevices}, a.types())
	self := last[*SelfIdentity](t, a)
	assert.Equal(t, "a", self.DeviceID)
	assert.NotEmpty(t, self.Name)
	assert.Empty(t, last[*DeviceList](t, a).Devices)

	_, b := registerDevice(t, h, "b")
	assert.Equal(t, []string{"b"}, viewIDs(last[*DeviceList](t, a).Devices))
	bView := last[*DeviceList](t, b).Devices
	require.Len(t, bView, 1)
	assert.Equal(t, "a", bView[0].ID)
	assert.Equal(t, self.Name, bView[0].Name)
	assert.Equal(t, "test", bView[0].Metadata["platform"])
}

func TestHubRegisterWithoutID(t *testing.T) {
	h := newTestHub(Options{})
	s, c := connect(h, "c1")

	sendJSON(t, h, s, map[string]any{"type": TypeRegister, "device": map[string]any{"platform": "web"}})
	assert.Equal(t, "missing required field: device.id", lastError(t, c).Message)
	assert.Empty(t, s.DeviceID())
}

func TestHubRequiresRegistration(t *testing.T) {
	h := newTestHub(Options{})
	s, c := connect(h, "c1")

	for _, typ := range []string{TypeCreateRoom, TypeJoinRoom, TypeLeaveRoom, TypeFileTransfer, TypeRTCOffer} {
		c.reset()
		sendJSON(t, h, s, map[string]any{"type": typ, "roomId": "12345"})
		assert.Equal(t, []string{TypeError}, c.types(), typ)
		assert.Equal(t, "Device not registered", lastError(t, c).Message, typ)
	}
	assert.Equal(t, 0, h.rooms.Len())
}

func TestHubUnknownType(t *testing.T) {
	h := newTestHub(Options{})
	s, c := registerDevice(t, h, "a")
	c.reset()

	sendJSON(t, h, s, map[string]any{"type": "teleport"})
	assert.Equal(t, "Unknown message type", lastError(t, c).Message)
}

func TestHubDropsMalformedFrames(t *testing.T) {
	h := newTestHub(Options{})
	s, c := registerDevice(t, h, "a")
	c.reset()

	h.HandleMessage(s, JSON, []byte("{not json"))
	h.HandleMessage(s, Msgpack, []byte{0xc1})
	assert.Empty(t, c.messages())
}

func TestHubRoomErrors(t *testing.T) {
	h := newTestHub(Options{})
	s, c := registerDevice(t, h, "a")
	c.reset()

	sendJSON(t, h, s, map[string]any{"type": TypeJoinRoom, "roomId": "99999"})
	msg := lastError(t, c)
	assert.Equal(t, TypeRoomError, msg.Type)
	assert.Equal(t, "Room not found", msg.Message)

	sendJSON(t, h, s, map[string]any{"type": TypeLeaveRoom})
	msg = lastError(t, c)
	assert.Equal(t, TypeRoomError, msg.Type)
	assert.Equal(t, "Not in a room", msg.Message)

	sendJSON(t, h, s, map[string]any{"type": TypeJoinRoom})
	assert.Equal(t, "missing required field: roomId", lastError(t, c).Message)
}

func TestHubRoomFlowAndDisconnect(t *testing.T) {
	h := newTestHub(Options{})
	sa, a := registerDevice(t, h, "a")
	sb, b := registerDevice(t, h, "b")

	sendJSON(t, h, sa, map[string]any{"type": TypeCreateRoom})
	roomID := last[*RoomEvent](t, a).RoomID
	require.NotEmpty(t, roomID)

	sendJSON(t, h, sb, map[string]any{"type": TypeJoinRoom, "roomId": roomID})
	assert.Equal(t, TypeRoomJoined, last[*RoomEvent](t, b).Type)
	assert.Equal(t, []string{"a"}, viewIDs(last[*RoomMembers](t, b).Devices))
	b.reset()

	h.Disconnect(sa)
	h.Disconnect(sa)

	assert.Equal(t, []string{TypeDeviceLeft, TypeRoomMembers, TypeDevices}, b.types())
	assert.Empty(t, last[*RoomMembers](t, b).Devices)
	assert.Empty(t, last[*DeviceList](t, b).Devices)
	assert.Equal(t, 1, h.registry.Len())

	// A torn-down session ignores input.
	a.reset()
	sendJSON(t, h, sa, map[string]any{"type": TypeCreateRoom})
	assert.Empty(t, a.messages())
}

func TestHubRelaysSignalsOverMsgpack(t *testing.T) {
	h := newTestHub(Options{ValidateSignals: true})
	sa, a := registerDevice(t, h, "a")
	_, b := registerDevice(t, h, "b")
	a.reset()
	b.reset()

	sendMsgpack(t, h, sa, map[string]any{"type": TypeRTCCandidate, "to": "b", "candidate": hostCandidate})
	sig := last[Signal](t, b)
	assert.Equal(t, "a", sig["from"])
	assert.Equal(t, hostCandidate, sig["candidate"])

	sendMsgpack(t, h, sa, map[string]any{"type": TypeRTCCandidate, "to": "b", "candidate": "candidate:junk"})
	assert.Equal(t, "invalid ice candidate", lastError(t, a).Message)

	sendJSON(t, h, sa, map[string]any{"type": TypeRTCCandidate, "to": "nobody", "candidate": hostCandidate})
	assert.Equal(t, "target device not found", lastError(t, a).Message)
}

func TestHubBufferedTransfer(t *testing.T) {
	h := newTestHub(Options{TransferMode: ModeBuffered})
	sa, a := registerDevice(t, h, "a")
	_, b := registerDevice(t, h, "b")

	header := func(i int) map[string]any {
		return map[string]any{"id": "t1", "fileName": "f.bin", "fileSize": 6, "currentChunk": i, "totalChunks": 2}
	}
	// JSON carries bytes as base64, or as a plain number array.
	sendJSON(t, h, sa, map[string]any{"type": TypeFileTransfer, "targetDevice": "b", "transfer": header(1), "chunk": []byte("def")})
	sendJSON(t, h, sa, map[string]any{"type": TypeFileTransfer, "targetDevice": "b", "transfer": header(0), "chunk": []int{97, 98, 99}})

	assert.Len(t, ofType[*ChunkReceived](a), 2)
	file := last[*FileReceived](t, b)
	assert.Equal(t, "abcdef", string(file.FileData))
	assert.Equal(t, "a", file.From)
}

func TestHubPassthroughTransferOverMsgpack(t *testing.T) {
	h := newTestHub(Options{})
	sa, a := registerDevice(t, h, "a")
	_, b := registerDevice(t, h, "b")

	sendMsgpack(t, h, sa, map[string]any{
		"type":         TypeFileTransfer,
		"targetDevice": "b",
		"transfer":     map[string]any{"id": "t1", "fileName": "f", "fileSize": 3, "currentChunk": 0, "totalChunks": 2},
		"chunk":        []byte{1, 2, 3},
	})
	chunk := last[*FileChunk](t, b)
	assert.Equal(t, []byte{1, 2, 3}, chunk.Chunk)

	sendJSON(t, h, sa, map[string]any{"type": TypeTransferEnd, "transferId": "t1"})
	assert.Equal(t, "t1", last[*TransferComplete](t, b).TransferID)

	sendJSON(t, h, sa, map[string]any{"type": TypeTransferEnd, "transferId": "t1"})
	assert.Equal(t, ErrTransferNotFound.Error(), last[*TransferError](t, a).Error)

	sendJSON(t, h, sa, map[string]any{"type": TypeFileTransfer, "targetDevice": "b"})
	assert.Equal(t, "missing required field: transfer.id", lastError(t, a).Message)
}

func TestHubDisconnectCancelsTransfers(t *testing.T) {
	h := newTestHub(Options{TransferMode: ModeBuffered})
	sa, _ := registerDevice(t, h, "a")
	_, b := registerDevice(t, h, "b")

	sendJSON(t, h, sa, map[string]any{
		"type":         TypeFileTransfer,
		"targetDevice": "b",
		"transfer":     map[string]any{"id": "t1", "currentChunk": 0, "totalChunks": 3},
		"chunk":        []byte("x"),
	})
	require.Equal(t, 1, h.transfers.Len())

	h.Disconnect(sa)
	assert.Equal(t, 0, h.transfers.Len())
	assert.Equal(t, "peer disconnected", last[*TransferError](t, b).Error)
}

func TestHubDisplacedConnection(t *testing.T) {
	h := newTestHub(Options{})
	oldSession, oldConn := registerDevice(t, h, "a")
	newSession, newConn := connect(h, "conn-a2")
	sendJSON(t, h, newSession, map[string]any{"type": TypeRegister, "device": map[string]any{"id": "a"}})

	assert.Equal(t, last[*SelfIdentity](t, oldConn).Name, last[*SelfIdentity](t, newConn).Name, "name is kept")

	oldConn.reset()
	sendJSON(t, h, oldSession, map[string]any{"type": TypeCreateRoom})
	assert.Equal(t, "Device not registered", lastError(t, oldConn).Message)

	h.Disconnect(oldSession)
	conn, ok := h.registry.Lookup("a")
	require.True(t, ok, "old connection does not remove its replacement")
	assert.Same(t, newConn, conn)
}

func TestHubReRegisterUnderNewID(t *testing.T) {
	h := newTestHub(Options{})
	s, _ := registerDevice(t, h, "a")
	_, b := registerDevice(t, h, "b")

	sendJSON(t, h, s, map[string]any{"type": TypeRegister, "device": map[string]any{"id": "a2"}})

	_, ok := h.registry.Lookup("a")
	assert.False(t, ok)
	assert.Equal(t, []string{"a2"}, viewIDs(last[*DeviceList](t, b).Devices))
}

func TestHubSweepEvictsDeadConnection(t *testing.T) {
	h := newTestHub(Options{SweepInterval: time.Minute})
	_, a := registerDevice(t, h, "a")
	_, b := registerDevice(t, h, "b")
	b.reset()

	a.close()
	assert.Equal(t, 1, h.Sweep())
	assert.Equal(t, 1, h.registry.Len())
	assert.Empty(t, last[*DeviceList](t, b).Devices)
}

func TestHubRecoversFromHandlerPanic(t *testing.T) {
	h := newTestHub(Options{})
	s, c := connect(h, "conn-a")
	c.panicOnSend(true)

	require.NotPanics(t, func() {
		sendJSON(t, h, s, map[string]any{"type": TypeRegister, "device": map[string]any{"id": "a"}})
	})
	assert.Equal(t, "a", s.DeviceID())

	c.panicOnSend(false)
	data, err := JSON.Marshal(map[string]any{"type": TypeCreateRoom})
	require.NoError(t, err)
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.HandleMessage(s, JSON, data)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("session stayed locked after a recovered panic")
	}
	assert.Contains(t, c.types(), TypeRoomCreated)
}

func TestHubReject(t *testing.T) {
	h := newTestHub(Options{})
	s, c := registerDevice(t, h, "a")

	h.Reject(s, ErrRateLimited)
	assert.Equal(t, "Rate limit exceeded", lastError(t, c).Message)
}

func TestHubStats(t *testing.T) {
	h := newTestHub(Options{TransferMode: ModeBuffered})
	sa, _ := registerDevice(t, h, "a")
	registerDevice(t, h, "b")
	sendJSON(t, h, sa, map[string]any{"type": TypeCreateRoom})

	stats := h.Stats()
	assert.Equal(t, ModeBuffered, stats.Mode)
	assert.Len(t, stats.Peers, 2)
	require.Len(t, stats.Rooms, 1)
	assert.Len(t, stats.Rooms[0].Members, 1)
	assert.Empty(t, stats.Transfers)
	assert.Equal(t, len(DefaultNamePool())-2, stats.NamesFree)
}

func TestHubCloseAllSkipsNonClosers(t *testing.T) {
	h := newTestHub(Options{})
	registerDevice(t, h, "a")
	assert.Equal(t, 0, h.CloseAll())
}
