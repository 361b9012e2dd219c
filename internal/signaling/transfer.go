package signaling

import (
	"bytes"
	"cmp"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/BioHazard786/warprelay/internal/metrics"
)

// Mode selects how file chunks reach the target.
type Mode string

const (
	// ModePassthrough forwards every chunk as it arrives; the target assembles the file.
	ModePassthrough Mode = "passthrough"
	// ModeBuffered keeps chunks on the relay and delivers the assembled file once.
	ModeBuffered Mode = "buffered"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModePassthrough, ModeBuffered:
		return Mode(s), nil
	default:
		return "", fmt.Errorf("unknown transfer mode %q (want %q or %q)", s, ModePassthrough, ModeBuffered)
	}
}

// transfer is one in-flight file, keyed by its client supplied id.
type transfer struct {
	mu sync.Mutex

	id       string
	sender   string
	target   string
	fileName string
	fileSize int64
	total    int

	received int
	seen     map[int]struct{}
	chunks   map[int][]byte // buffered mode only
	bytes    int64

	lastActivity time.Time
	done         bool
}

// markSeen flags index as received and reports whether it was new.
func (t *transfer) markSeen(index int) bool {
	if _, ok := t.seen[index]; ok {
		return false
	}
	t.seen[index] = struct{}{}
	t.received++
	return true
}

func (t *transfer) complete() bool {
	return t.received == t.total
}

// assemble concatenates the buffered chunks in index order.
func (t *transfer) assemble() ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(int(t.bytes))
	for i := 0; i < t.total; i++ {
		if _, ok := t.seen[i]; !ok {
			return nil, &IntegrityError{TransferID: t.id, Index: i}
		}
		buf.Write(t.chunks[i])
	}
	return buf.Bytes(), nil
}

// strategy decides what the target of a transfer receives.
type strategy interface {
	mode() Mode
	// accept records an in-range chunk and returns the message for the
	// target, if any, and whether the transfer is finished.
	accept(t *transfer, index int, data []byte) (msg any, finished bool, err error)
	// finish handles an explicit end of transfer from the sender.
	finish(t *transfer) (msg any, err error)
}

type bufferedStrategy struct {
	maxBytes int64
}

func (bufferedStrategy) mode() Mode { return ModeBuffered }

func (s bufferedStrategy) accept(t *transfer, index int, data []byte) (any, bool, error) {
	if t.chunks == nil {
		t.chunks = make(map[int][]byte)
	}
	size := t.bytes - int64(len(t.chunks[index])) + int64(len(data))
	if s.maxBytes > 0 && size > s.maxBytes {
		return nil, false, ErrTransferTooLarge
	}
	// Duplicates overwrite the earlier payload but count once.
	t.chunks[index] = data
	t.bytes = size
	t.markSeen(index)
	if !t.complete() {
		return nil, false, nil
	}
	msg, err := s.finish(t)
	return msg, true, err
}

func (bufferedStrategy) finish(t *transfer) (any, error) {
	data, err := t.assemble()
	if err != nil {
		return nil, err
	}
	return &FileReceived{
		Type:       TypeFileReceived,
		TransferID: t.id,
		From:       t.sender,
		FileName:   t.fileName,
		FileSize:   t.fileSize,
		FileData:   data,
	}, nil
}

type passthroughStrategy struct{}

func (passthroughStrategy) mode() Mode { return ModePassthrough }

func (passthroughStrategy) accept(t *transfer, index int, data []byte) (any, bool, error) {
	// Duplicates are forwarded again but count once, bytes included.
	if t.markSeen(index) {
		t.bytes += int64(len(data))
	}
	return &FileChunk{
		Type:        TypeFileChunk,
		TransferID:  t.id,
		From:        t.sender,
		FileName:    t.fileName,
		FileSize:    t.fileSize,
		ChunkIndex:  index,
		TotalChunks: t.total,
		Chunk:       data,
	}, t.complete(), nil
}

func (passthroughStrategy) finish(t *transfer) (any, error) {
	return &TransferComplete{
		Type:        TypeTransferComplete,
		TransferID:  t.id,
		From:        t.sender,
		TotalChunks: t.total,
	}, nil
}

// ChunkPush is one inbound file chunk.
type ChunkPush struct {
	Sender string
	Target string
	Header TransferHeader
	Data   []byte
}

// TransferOptions configures a TransferCoordinator.
type TransferOptions struct {
	Mode Mode

	// MaxBufferedBytes caps the payload held for one transfer in buffered
	// mode. Zero means no limit.
	MaxBufferedBytes int64

	// IdleTimeout is how long a transfer may go without a chunk before
	// ReapIdle discards it. Zero disables reaping.
	IdleTimeout time.Duration

	// MaxChunks caps totalChunks for one transfer. Zero means DefaultMaxChunks.
	MaxChunks int

	Clock clock.Clock
}

// DefaultMaxChunks bounds the chunk count a client may announce.
const DefaultMaxChunks = 1 << 20

// TransferCoordinator tracks in-flight chunked transfers.
type TransferCoordinator struct {
	mu        sync.Mutex
	transfers map[string]*transfer

	strategy    strategy
	maxChunks   int
	idleTimeout time.Duration
	clock       clock.Clock

	registry *Registry
	send     sender
	log      *slog.Logger
	metrics  *metrics.Metrics
}

func NewTransferCoordinator(registry *Registry, opts TransferOptions, logger *slog.Logger, m *metrics.Metrics) *TransferCoordinator {
	var st strategy = passthroughStrategy{}
	if opts.Mode == ModeBuffered {
		st = bufferedStrategy{maxBytes: opts.MaxBufferedBytes}
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	maxChunks := opts.MaxChunks
	if maxChunks <= 0 {
		maxChunks = DefaultMaxChunks
	}
	// Every chunk but the last carries at least one byte.
	if opts.Mode == ModeBuffered && opts.MaxBufferedBytes > 0 && opts.MaxBufferedBytes < int64(maxChunks) {
		maxChunks = int(opts.MaxBufferedBytes)
	}
	return &TransferCoordinator{
		transfers:   make(map[string]*transfer),
		strategy:    st,
		maxChunks:   maxChunks,
		idleTimeout: opts.IdleTimeout,
		clock:       clk,
		registry:    registry,
		send:        sender{registry: registry, log: logger, metrics: m},
		log:         logger,
		metrics:     m,
	}
}

func (c *TransferCoordinator) Mode() Mode {
	return c.strategy.mode()
}

// HandleChunk accepts one chunk from p.Sender, acknowledging it to the
// sender and forwarding whatever the delivery mode produces to the target.
// Failures are reported to the sender as transfer-error and returned.
func (c *TransferCoordinator) HandleChunk(p ChunkPush) error {
	h := p.Header
	if h.ID == "" {
		return protocolError("file transfer", fmt.Errorf("%w: transfer.id", ErrMissingField))
	}

	targetConn, ok := c.registry.Lookup(p.Target)
	if !ok {
		c.discard(h.ID, p.Sender)
		c.reject(p.Sender, h.ID, "target not found")
		return notFoundError("file transfer", ErrTargetNotFound)
	}
	if h.TotalChunks < 1 || h.CurrentChunk < 0 || h.CurrentChunk >= h.TotalChunks {
		c.reject(p.Sender, h.ID, ErrChunkOutOfRange.Error())
		return protocolError("file transfer", ErrChunkOutOfRange)
	}
	if h.TotalChunks > c.maxChunks {
		c.reject(p.Sender, h.ID, ErrTransferTooLarge.Error())
		return protocolError("file transfer", ErrTransferTooLarge)
	}

	t, err := c.acquire(p)
	if err != nil {
		c.reject(p.Sender, h.ID, err.Error())
		return protocolError("file transfer", err)
	}

	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		c.reject(p.Sender, h.ID, "transfer cancelled")
		return protocolError("file transfer", ErrTransferNotFound)
	}
	msg, finished, err := c.strategy.accept(t, h.CurrentChunk, p.Data)
	t.lastActivity = c.clock.Now()
	if err != nil || finished {
		t.done = true
	}
	t.mu.Unlock()

	if err != nil || finished {
		c.remove(t)
	}
	if err != nil {
		c.metrics.TransferFinished(metrics.OutcomeAborted)
		c.reject(p.Sender, h.ID, err.Error())
		c.log.Warn("transfer aborted", "transfer_id", h.ID, "err", err)
		if KindOf(err) == KindIntegrity {
			return err
		}
		return protocolError("file transfer", err)
	}
	c.metrics.Chunk(string(c.strategy.mode()), len(p.Data))

	ack := &ChunkReceived{Type: TypeChunkReceived, TransferID: h.ID, ChunkIndex: h.CurrentChunk}
	if c.strategy.mode() == ModePassthrough {
		if err := c.forward(t, targetConn, msg, finished); err != nil {
			return err
		}
		_ = c.send.sendTo(p.Sender, ack)
	} else {
		_ = c.send.sendTo(p.Sender, ack)
		if msg != nil {
			if err := c.forward(t, targetConn, msg, finished); err != nil {
				return err
			}
		}
	}

	if finished {
		c.metrics.TransferFinished(metrics.OutcomeCompleted)
		c.log.Info("transfer completed", "transfer_id", h.ID, "sender", t.sender, "target", t.target, "chunks", t.total)
	}
	return nil
}

// forward delivers msg to the target. A failed delivery means the target is
// gone for this transfer, so it is aborted.
func (c *TransferCoordinator) forward(t *transfer, target Conn, msg any, finished bool) error {
	err := c.send.sendConn(t.target, target, msg)
	if err == nil {
		return nil
	}
	if !finished {
		t.mu.Lock()
		t.done = true
		t.mu.Unlock()
		c.remove(t)
	}
	c.metrics.TransferFinished(metrics.OutcomeAborted)
	c.reject(t.sender, t.id, "target unreachable")
	return err
}

// Finish handles an explicit end of transfer from sender. In buffered mode
// the file is assembled now and any missing chunk is reported.
func (c *TransferCoordinator) Finish(senderID, transferID string) error {
	c.mu.Lock()
	t, ok := c.transfers[transferID]
	c.mu.Unlock()
	if !ok || t.sender != senderID {
		c.reject(senderID, transferID, ErrTransferNotFound.Error())
		return notFoundError("transfer end", ErrTransferNotFound)
	}

	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		c.reject(senderID, transferID, ErrTransferNotFound.Error())
		return notFoundError("transfer end", ErrTransferNotFound)
	}
	msg, err := c.strategy.finish(t)
	t.done = true
	t.mu.Unlock()
	c.remove(t)

	if err != nil {
		c.metrics.TransferFinished(metrics.OutcomeAborted)
		c.reject(senderID, transferID, err.Error())
		c.log.Warn("transfer aborted", "transfer_id", transferID, "err", err)
		return err
	}
	if err := c.send.sendTo(t.target, msg); err != nil {
		c.reject(senderID, transferID, "target unreachable")
		return err
	}
	c.metrics.TransferFinished(metrics.OutcomeCompleted)
	return nil
}

// acquire returns the transfer for p, creating it on first use.
func (c *TransferCoordinator) acquire(p ChunkPush) (*transfer, error) {
	h := p.Header
	c.mu.Lock()
	defer c.mu.Unlock()

	if t, ok := c.transfers[h.ID]; ok {
		if t.sender != p.Sender || t.target != p.Target || t.total != h.TotalChunks {
			return nil, ErrTransferConflict
		}
		return t, nil
	}
	t := &transfer{
		id:           h.ID,
		sender:       p.Sender,
		target:       p.Target,
		fileName:     h.FileName,
		fileSize:     h.FileSize,
		total:        h.TotalChunks,
		seen:         make(map[int]struct{}),
		lastActivity: c.clock.Now(),
	}
	c.transfers[h.ID] = t
	c.metrics.SetTransfers(len(c.transfers))
	return t, nil
}

func (c *TransferCoordinator) remove(t *transfer) {
	c.mu.Lock()
	if c.transfers[t.id] == t {
		delete(c.transfers, t.id)
	}
	c.metrics.SetTransfers(len(c.transfers))
	c.mu.Unlock()
}

// discard drops the transfer id of sender, if any.
func (c *TransferCoordinator) discard(id, sender string) {
	c.mu.Lock()
	t, ok := c.transfers[id]
	if ok && t.sender == sender {
		delete(c.transfers, id)
	} else {
		ok = false
	}
	c.metrics.SetTransfers(len(c.transfers))
	c.mu.Unlock()

	if ok {
		t.mu.Lock()
		t.done = true
		t.mu.Unlock()
		c.metrics.TransferFinished(metrics.OutcomeAborted)
	}
}

func (c *TransferCoordinator) reject(to, transferID, reason string) {
	_ = c.send.sendTo(to, newTransferError(transferID, reason))
}

// CancelAllFor discards every transfer sent by or to deviceID. The other
// party of each transfer is told with transfer-error.
func (c *TransferCoordinator) CancelAllFor(deviceID string) int {
	cancelled := c.take(func(t *transfer) bool {
		return t.sender == deviceID || t.target == deviceID
	})
	for _, t := range cancelled {
		c.metrics.TransferFinished(metrics.OutcomeCancelled)
		other := t.sender
		if other == deviceID {
			other = t.target
		}
		if other != deviceID {
			c.reject(other, t.id, "peer disconnected")
		}
		c.log.Info("transfer cancelled", "transfer_id", t.id, "device_id", deviceID)
	}
	return len(cancelled)
}

// ReapIdle discards transfers that have not seen a chunk within the idle
// timeout, telling both parties.
func (c *TransferCoordinator) ReapIdle() int {
	if c.idleTimeout <= 0 {
		return 0
	}
	now := c.clock.Now()
	expired := c.take(func(t *transfer) bool {
		return now.Sub(t.lastActivity) > c.idleTimeout
	})
	for _, t := range expired {
		c.metrics.TransferFinished(metrics.OutcomeExpired)
		c.reject(t.sender, t.id, "transfer timed out")
		c.reject(t.target, t.id, "transfer timed out")
		c.log.Info("transfer expired", "transfer_id", t.id)
	}
	return len(expired)
}

// take removes and returns every transfer matching pred, marking each done.
func (c *TransferCoordinator) take(pred func(t *transfer) bool) []*transfer {
	c.mu.Lock()
	var out []*transfer
	for id, t := range c.transfers {
		t.mu.Lock()
		match := !t.done && pred(t)
		if match {
			t.done = true
		}
		t.mu.Unlock()
		if match {
			delete(c.transfers, id)
			out = append(out, t)
		}
	}
	c.metrics.SetTransfers(len(c.transfers))
	c.mu.Unlock()
	return out
}

func (c *TransferCoordinator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.transfers)
}

// Stats lists in-flight transfers ordered by id.
func (c *TransferCoordinator) Stats() []TransferStats {
	c.mu.Lock()
	out := make([]TransferStats, 0, len(c.transfers))
	for _, t := range c.transfers {
		t.mu.Lock()
		out = append(out, TransferStats{
			ID:       t.id,
			FileName: t.fileName,
			Sender:   t.sender,
			Target:   t.target,
			Received: t.received,
			Total:    t.total,
			Bytes:    t.bytes,
		})
		t.mu.Unlock()
	}
	c.mu.Unlock()
	slices.SortFunc(out, func(a, b TransferStats) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

// IsIntegrityError reports whether err is a missing-chunk failure.
func IsIntegrityError(err error) bool {
	var ie *IntegrityError
	return errors.As(err, &ie)
}
