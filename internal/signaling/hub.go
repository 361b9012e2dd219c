package signaling

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/BioHazard786/warprelay/internal/metrics"
)

// Options configures a Hub. Zero values fall back to the defaults noted on
// each field.
type Options struct {
	// TransferMode defaults to ModePassthrough.
	TransferMode        Mode
	MaxBufferedBytes    int64
	TransferIdleTimeout time.Duration

	// MaxTransferChunks defaults to DefaultMaxChunks.
	MaxTransferChunks int

	// SweepInterval defaults to DefaultSweepInterval.
	SweepInterval time.Duration

	ValidateSignals bool

	// NamePool defaults to DefaultNamePool().
	NamePool []string

	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Hub is the central brain of the relay. It owns every component and routes
// each inbound message to the one responsible for it.
type Hub struct {
	names     *NameAllocator
	registry  *Registry
	rooms     *RoomManager
	transfers *TransferCoordinator
	relay     *SignalingRelay
	sweeper   *Sweeper

	send    sender
	log     *slog.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	sessions map[Conn]*Session
}

// NewHub wires the components together.
func NewHub(opts Options) *Hub {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	pool := opts.NamePool
	if len(pool) == 0 {
		pool = DefaultNamePool()
	}
	mode := opts.TransferMode
	if mode == "" {
		mode = ModePassthrough
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}

	h := &Hub{
		names:    NewNameAllocator(pool),
		log:      logger,
		metrics:  opts.Metrics,
		sessions: make(map[Conn]*Session),
	}
	h.registry = NewRegistry(h.names)
	h.send = sender{registry: h.registry, log: logger, metrics: opts.Metrics}
	h.rooms = NewRoomManager(h.registry, logger, opts.Metrics)
	h.transfers = NewTransferCoordinator(h.registry, TransferOptions{
		Mode:             mode,
		MaxBufferedBytes: opts.MaxBufferedBytes,
		IdleTimeout:      opts.TransferIdleTimeout,
		MaxChunks:        opts.MaxTransferChunks,
		Clock:            clk,
	}, logger, opts.Metrics)
	h.relay = NewSignalingRelay(h.registry, opts.ValidateSignals, logger, opts.Metrics)
	h.sweeper = NewSweeper(opts.SweepInterval, clk, h.registry, h.transfers, h.evict, logger, opts.Metrics)
	return h
}

// Run drives the liveness sweeper until ctx is done.
func (h *Hub) Run(ctx context.Context) error {
	return h.sweeper.Run(ctx)
}

// Sweep runs one liveness pass immediately.
func (h *Hub) Sweep() int {
	return h.sweeper.Sweep()
}

// Session is the hub's per-connection state. Its mutex serializes message
// handling with teardown, so a torn-down session ignores further input.
type Session struct {
	mu       sync.Mutex
	id       string
	conn     Conn
	deviceID string
	closed   bool
	log      *slog.Logger
}

// ID returns the connection id the session was opened with.
func (s *Session) ID() string { return s.id }

// DeviceID returns the device registered on this session, if any.
func (s *Session) DeviceID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deviceID
}

// Connect opens a session for a new connection. Nothing is registered until
// the peer sends register.
func (h *Hub) Connect(connID string, conn Conn) *Session {
	s := &Session{id: connID, conn: conn, log: h.log.With("conn_id", connID)}
	h.mu.Lock()
	h.sessions[conn] = s
	h.mu.Unlock()
	s.log.Debug("connection opened")
	return s
}

// Disconnect tears the session down: the device leaves its room, its
// transfers are cancelled and everyone gets a fresh device list. Repeated
// calls are no-ops.
func (h *Hub) Disconnect(s *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true

	h.mu.Lock()
	if h.sessions[s.conn] == s {
		delete(h.sessions, s.conn)
	}
	h.mu.Unlock()

	if s.deviceID != "" {
		h.release(s.deviceID, s.conn)
	}
	s.log.Debug("connection closed", "device_id", s.deviceID)
}

// CloseAll closes every open connection that supports it. Their read pumps
// then run the normal teardown.
func (h *Hub) CloseAll() int {
	h.mu.Lock()
	conns := make([]Conn, 0, len(h.sessions))
	for c := range h.sessions {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	closed := 0
	for _, c := range conns {
		if cl, ok := c.(io.Closer); ok {
			_ = cl.Close()
			closed++
		}
	}
	return closed
}

// evict is the sweeper's teardown path for a connection that died silently.
func (h *Hub) evict(p PeerHandle) {
	h.mu.Lock()
	s, ok := h.sessions[p.Conn]
	h.mu.Unlock()
	if ok {
		h.Disconnect(s)
		return
	}
	h.release(p.DeviceID, p.Conn)
}

// release removes deviceID if conn still owns it and cleans up after it.
func (h *Hub) release(deviceID string, conn Conn) bool {
	info, ok := h.registry.RemoveIfCurrent(deviceID, conn)
	if !ok {
		return false
	}
	h.metrics.SetPeers(h.registry.Len())
	h.rooms.HandleDisconnect(deviceID)
	if n := h.transfers.CancelAllFor(deviceID); n > 0 {
		h.log.Info("cancelled transfers", "device_id", deviceID, "count", n)
	}
	h.broadcastDevices()
	h.log.Info("device left", "device_id", deviceID, "name", info.Name)
	return true
}

// HandleMessage decodes one inbound frame and dispatches it. Frames that do
// not decode are logged and dropped; every other failure becomes a reply.
func (h *Hub) HandleMessage(s *Session, codec Codec, data []byte) {
	var env Envelope
	if err := codec.Unmarshal(data, &env); err != nil {
		h.metrics.ProtocolError("malformed")
		s.log.Debug("dropping malformed frame", "codec", codec.Name(), "err", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			h.metrics.ProtocolError("panic")
			s.log.Error("recovered from panic while handling message", "type", env.Type, "device_id", s.deviceID, "panic", r)
		}
	}()
	if s.closed {
		return
	}
	h.metrics.Message(env.Type)

	if err := h.dispatch(s, codec, data, env); err != nil {
		h.reply(s, env.Type, err)
	}
}

// Reject answers a frame that was refused before decoding, such as one over
// the rate limit.
func (h *Hub) Reject(s *Session, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	h.reply(s, "", err)
}

func (h *Hub) dispatch(s *Session, codec Codec, data []byte, env Envelope) error {
	if env.Type == TypeRegister {
		return h.register(s, env)
	}
	if !isKnownType(env.Type) {
		return protocolError(env.Type, ErrUnknownType)
	}
	if !h.registered(s) {
		return protocolError(env.Type, ErrNotRegistered)
	}

	switch env.Type {
	case TypeCreateRoom:
		_, err := h.rooms.CreateRoom(s.deviceID)
		return err
	case TypeJoinRoom:
		if env.RoomID == "" {
			return protocolError(env.Type, fmt.Errorf("%w: roomId", ErrMissingField))
		}
		return h.rooms.JoinRoom(s.deviceID, env.RoomID)
	case TypeLeaveRoom:
		return h.rooms.LeaveRoom(s.deviceID)
	case TypeFileTransfer:
		if env.Transfer == nil || env.Transfer.ID == "" {
			return protocolError(env.Type, fmt.Errorf("%w: transfer.id", ErrMissingField))
		}
		err := h.transfers.HandleChunk(ChunkPush{
			Sender: s.deviceID,
			Target: env.TargetDevice,
			Header: *env.Transfer,
			Data:   env.Chunk,
		})
		h.logTransfer(s, env.Transfer.ID, err)
		return nil
	case TypeTransferEnd:
		if env.TransferID == "" {
			return protocolError(env.Type, fmt.Errorf("%w: transferId", ErrMissingField))
		}
		h.logTransfer(s, env.TransferID, h.transfers.Finish(s.deviceID, env.TransferID))
		return nil
	case TypeRTCOffer, TypeRTCAnswer, TypeRTCCandidate:
		var sig Signal
		if err := codec.Unmarshal(data, &sig); err != nil {
			return protocolError(env.Type, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err))
		}
		return h.relay.Forward(s.deviceID, sig)
	}
	return protocolError(env.Type, ErrUnknownType)
}

// logTransfer records a transfer failure. The coordinator has already told
// the sender with transfer-error.
func (h *Hub) logTransfer(s *Session, transferID string, err error) {
	if err == nil {
		return
	}
	h.metrics.ProtocolError(KindOf(err).String())
	s.log.Debug("transfer message failed", "device_id", s.deviceID, "transfer_id", transferID, "err", err)
}

func (h *Hub) register(s *Session, env Envelope) error {
	id, _ := env.Device["id"].(string)
	if id == "" {
		return protocolError(TypeRegister, fmt.Errorf("%w: device.id", ErrMissingField))
	}
	if s.deviceID != "" && s.deviceID != id {
		h.release(s.deviceID, s.conn)
		s.deviceID = ""
	}

	name, displaced, err := h.registry.Register(id, env.Device, s.conn)
	if err != nil {
		return &Error{Op: TypeRegister, Kind: KindProtocol, Err: err}
	}
	s.deviceID = id
	h.metrics.SetPeers(h.registry.Len())
	if displaced != nil {
		s.log.Info("device re-registered from a new connection", "device_id", id)
	}
	s.log.Info("device registered", "device_id", id, "name", name)

	if err := h.send.sendConn(id, s.conn, &SelfIdentity{Type: TypeSelfIdentity, DeviceID: id, Name: name}); err != nil {
		return err
	}
	h.broadcastDevices()
	return nil
}

// registered reports whether the session's device is still bound to this
// connection. A connection displaced by a newer registration is not.
func (h *Hub) registered(s *Session) bool {
	if s.deviceID == "" {
		return false
	}
	conn, ok := h.registry.Lookup(s.deviceID)
	return ok && conn == s.conn
}

// broadcastDevices sends every registered device the full list without itself.
func (h *Hub) broadcastDevices() {
	all := h.registry.Snapshot("")
	for _, p := range h.registry.Handles() {
		_ = h.send.sendConn(p.DeviceID, p.Conn, &DeviceList{Type: TypeDevices, Devices: ComputeView(all, p.DeviceID)})
	}
}

func isKnownType(t string) bool {
	switch t {
	case TypeCreateRoom, TypeJoinRoom, TypeLeaveRoom,
		TypeFileTransfer, TypeTransferEnd,
		TypeRTCOffer, TypeRTCAnswer, TypeRTCCandidate:
		return true
	}
	return false
}

// replies maps errors to what the peer is told. The first match wins.
var replies = []struct {
	err    error
	typ    string
	text   string
	reason string
}{
	{ErrRoomNotFound, TypeRoomError, "Room not found", "room_not_found"},
	{ErrNotInRoom, TypeRoomError, "Not in a room", "not_in_room"},
	{ErrRoomIDsExhausted, TypeRoomError, "No room available", "rooms_exhausted"},
	{ErrNotRegistered, TypeError, "Device not registered", "not_registered"},
	{ErrUnknownType, TypeError, "Unknown message type", "unknown_type"},
	{ErrRateLimited, TypeError, "Rate limit exceeded", "rate_limited"},
	{ErrTargetNotFound, TypeError, "target device not found", "target_not_found"},
	{ErrInvalidSDP, TypeError, "invalid session description", "invalid_sdp"},
	{ErrInvalidCandidate, TypeError, "invalid ice candidate", "invalid_candidate"},
	{ErrPoolExhausted, TypeError, "No display name available", "names_exhausted"},
}

// reply maps err to a wire message for the session's connection. Delivery
// failures are only logged; the connection is already in trouble.
func (h *Hub) reply(s *Session, msgType string, err error) {
	if KindOf(err) == KindDelivery {
		return
	}

	typ, text, reason := TypeError, err.Error(), KindOf(err).String()
	for _, r := range replies {
		if errors.Is(err, r.err) {
			typ, text, reason = r.typ, r.text, r.reason
			break
		}
	}
	var e *Error
	if errors.As(err, &e) && text == err.Error() {
		text = e.Err.Error()
	}

	h.metrics.ProtocolError(reason)
	s.log.Debug("rejecting message", "type", msgType, "device_id", s.deviceID, "err", err)
	if sendErr := s.conn.Send(&ErrorMessage{Type: typ, Message: text}); sendErr != nil {
		h.metrics.DeliveryFailure()
		s.log.Warn("delivery failed", "device_id", s.deviceID, "err", sendErr)
	}
}
