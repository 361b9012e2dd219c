// Package relayclient is a Go peer for the relay, used by the probe command
// and by end-to-end tests.
package relayclient

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/BioHazard786/warprelay/internal/signaling"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 << 20
)

var ErrClosed = errors.New("relay client closed")

// ServerError is an error or room-error message received from the relay.
type ServerError struct {
	Type    string
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Message is one frame received from the relay.
type Message struct {
	Type  string
	Data  []byte
	codec signaling.Codec
}

// Decode unmarshals the frame into v.
func (m Message) Decode(v any) error {
	return m.codec.Unmarshal(m.Data, v)
}

// Options configures Dial.
type Options struct {
	// Subprotocol selects the wire codec. Empty means JSON.
	Subprotocol string

	// SystemDNS disables the public DNS fallback.
	SystemDNS bool
}

// Client manages the WebSocket connection to the relay.
type Client struct {
	conn     *websocket.Conn
	codec    signaling.Codec
	incoming chan Message
	outgoing chan []byte
	done     chan struct{}

	closeOnce sync.Once
}

// Dial connects to the relay's websocket endpoint and starts the pumps.
func Dial(ctx context.Context, wsURL string, opts Options) (*Client, error) {
	sub := opts.Subprotocol
	if sub == "" {
		sub = signaling.SubprotocolJSON
	}
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		Subprotocols:     []string{sub},
	}
	if !opts.SystemDNS {
		dialer.NetDialContext = dialContext
	}

	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	c := &Client{
		conn:     conn,
		codec:    signaling.CodecForSubprotocol(conn.Subprotocol()),
		incoming: make(chan Message, 64),
		outgoing: make(chan []byte, 64),
		done:     make(chan struct{}),
	}
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go c.readPump()
	go c.writePump()
	return c, nil
}

// Codec returns the codec negotiated with the relay.
func (c *Client) Codec() signaling.Codec {
	return c.codec
}

// readPump reads messages from the WebSocket connection.
func (c *Client) readPump() {
	defer func() {
		c.Close()
		close(c.incoming)
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	for {
		frameType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		codec := signaling.CodecForFrame(frameType)
		var head struct {
			Type string `json:"type"`
		}
		if err := codec.Unmarshal(data, &head); err != nil {
			continue
		}
		select {
		case c.incoming <- Message{Type: head.Type, Data: data, codec: codec}:
		case <-c.done:
			return
		}
	}
}

// writePump writes messages to the WebSocket connection and sends periodic pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case data := <-c.outgoing:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(c.codec.FrameType(), data); err != nil {
				c.Close()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}

// Send encodes msg with the negotiated codec and queues it.
func (c *Client) Send(ctx context.Context, msg any) error {
	data, err := c.codec.Marshal(msg)
	if err != nil {
		return err
	}
	select {
	case c.outgoing <- data:
		return nil
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Incoming returns the channel of received messages. It is closed when the
// connection ends.
func (c *Client) Incoming() <-chan Message {
	return c.incoming
}

// Await returns the next message of type want, skipping others. An error or
// room-error message from the relay is returned as a *ServerError.
func (c *Client) Await(ctx context.Context, want string) (Message, error) {
	for {
		select {
		case msg, ok := <-c.incoming:
			if !ok {
				return Message{}, ErrClosed
			}
			if msg.Type == want {
				return msg, nil
			}
			if msg.Type == signaling.TypeError || msg.Type == signaling.TypeRoomError {
				var e signaling.ErrorMessage
				_ = msg.Decode(&e)
				return Message{}, &ServerError{Type: msg.Type, Message: e.Message}
			}
		case <-ctx.Done():
			return Message{}, ctx.Err()
		}
	}
}

// Register announces the device and waits for the relay to assign its name.
func (c *Client) Register(ctx context.Context, deviceID string, metadata map[string]any) (signaling.SelfIdentity, error) {
	device := map[string]any{"id": deviceID}
	for k, v := range metadata {
		if k != "id" {
			device[k] = v
		}
	}
	if err := c.Send(ctx, map[string]any{"type": signaling.TypeRegister, "device": device}); err != nil {
		return signaling.SelfIdentity{}, err
	}
	msg, err := c.Await(ctx, signaling.TypeSelfIdentity)
	if err != nil {
		return signaling.SelfIdentity{}, err
	}
	var id signaling.SelfIdentity
	if err := msg.Decode(&id); err != nil {
		return signaling.SelfIdentity{}, err
	}
	return id, nil
}

// Close closes the WebSocket connection and cleans up resources.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		// WriteControl may run concurrently with the write pump.
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		err = c.conn.Close()
	})
	return err
}
