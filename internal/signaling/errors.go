package signaling

import (
	"errors"
	"fmt"
)

var (
	ErrPoolExhausted     = errors.New("name pool exhausted")
	ErrRoomIDsExhausted  = errors.New("room id space exhausted")
	ErrRoomNotFound      = errors.New("room not found")
	ErrNotInRoom         = errors.New("not in a room")
	ErrTargetNotFound    = errors.New("target device not found")
	ErrNotRegistered     = errors.New("device not registered")
	ErrUnknownType       = errors.New("unknown message type")
	ErrMissingField      = errors.New("missing required field")
	ErrConnClosed        = errors.New("connection closed")
	ErrSendQueueFull     = errors.New("send queue full")
	ErrChunkOutOfRange   = errors.New("chunk index out of range")
	ErrTransferConflict  = errors.New("transfer id in use")
	ErrTransferTooLarge  = errors.New("transfer too large")
	ErrTransferNotFound  = errors.New("transfer not found")
	ErrInvalidSDP        = errors.New("invalid session description")
	ErrInvalidCandidate  = errors.New("invalid ice candidate")
	ErrRateLimited       = errors.New("rate limit exceeded")
	ErrMalformedEnvelope = errors.New("malformed message")
)

// Kind classifies an Error for logging and for the reply sent to the peer.
type Kind int

const (
	KindProtocol Kind = iota + 1
	KindNotFound
	KindIntegrity
	KindDelivery
)

func (k Kind) String() string {
	switch k {
	case KindProtocol:
		return "protocol"
	case KindNotFound:
		return "not_found"
	case KindIntegrity:
		return "transfer_integrity"
	case KindDelivery:
		return "delivery"
	default:
		return "unknown"
	}
}

// Error is the error type returned by the relay components.
type Error struct {
	Op   string
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func protocolError(op string, err error) *Error {
	return &Error{Op: op, Kind: KindProtocol, Err: err}
}

func notFoundError(op string, err error) *Error {
	return &Error{Op: op, Kind: KindNotFound, Err: err}
}

func deliveryError(op string, err error) *Error {
	return &Error{Op: op, Kind: KindDelivery, Err: err}
}

// IntegrityError reports a chunk index that was absent when a transfer was assembled.
type IntegrityError struct {
	TransferID string
	Index      int
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("missing chunk %d", e.Index)
}

// KindOf returns the Kind of err, or 0 if err carries none.
func KindOf(err error) Kind {
	var ie *IntegrityError
	if errors.As(err, &ie) {
		return KindIntegrity
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}
