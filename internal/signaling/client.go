package signaling

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// DefaultMaxMessageSize bounds one inbound frame. Buffered transfers
	// carry file chunks, so this is well above what SDP needs.
	DefaultMaxMessageSize = 1 << 20

	DefaultSendQueueSize     = 256
	DefaultMessagesPerSecond = 200
)

// ClientOptions tunes a connection. Zero values use the defaults above; a
// negative MessagesPerSecond disables rate limiting.
type ClientOptions struct {
	MaxMessageSize    int64
	SendQueueSize     int
	MessagesPerSecond float64
}

// Client is a wrapper for a single websocket connection (a peer).
type Client struct {
	// ID identifies the connection in logs. It is not the device id.
	ID string

	hub     *Hub
	conn    *websocket.Conn
	codec   Codec
	session *Session
	log     *slog.Logger

	// send is a buffered channel of encoded outbound frames, drained by
	// WritePump. It is never closed; done signals shutdown instead.
	send chan []byte
	done chan struct{}

	closeOnce sync.Once
	closed    atomic.Bool

	limiter *rate.Limiter
	maxSize int64
}

// NewClient wraps conn and opens its hub session. The caller starts the pumps.
func NewClient(hub *Hub, conn *websocket.Conn, codec Codec, opts ClientOptions) *Client {
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = DefaultMaxMessageSize
	}
	if opts.SendQueueSize <= 0 {
		opts.SendQueueSize = DefaultSendQueueSize
	}
	if opts.MessagesPerSecond == 0 {
		opts.MessagesPerSecond = DefaultMessagesPerSecond
	}

	c := &Client{
		ID:      uuid.NewString(),
		hub:     hub,
		conn:    conn,
		codec:   codec,
		send:    make(chan []byte, opts.SendQueueSize),
		done:    make(chan struct{}),
		maxSize: opts.MaxMessageSize,
	}
	if opts.MessagesPerSecond > 0 {
		burst := max(int(opts.MessagesPerSecond), 1)
		c.limiter = rate.NewLimiter(rate.Limit(opts.MessagesPerSecond), burst)
	}
	c.log = hub.log.With("conn_id", c.ID, "codec", codec.Name())
	c.session = hub.Connect(c.ID, c)
	return c
}

// Send encodes msg and queues it for WritePump. It never blocks: a full
// queue or a closed connection is reported as an error.
func (c *Client) Send(msg any) error {
	if c.closed.Load() {
		return ErrConnClosed
	}
	data, err := c.codec.Marshal(msg)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// IsClosed reports whether the connection has shut down.
func (c *Client) IsClosed() bool {
	return c.closed.Load()
}

// Close stops both pumps and closes the socket. It is safe to call more than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// ReadPump pumps messages from the websocket connection to the hub.
//
// The application runs ReadPump in a per-connection goroutine. The application
// ensures that there is at most one reader on a connection by executing all
// reads from this goroutine.
func (c *Client) ReadPump() {
	defer func() {
		c.Close()
		c.hub.Disconnect(c.session)
	}()

	c.conn.SetReadLimit(c.maxSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		frameType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.log.Warn("read failed", "err", err)
			}
			return
		}
		if c.limiter != nil && !c.limiter.Allow() {
			c.hub.Reject(c.session, ErrRateLimited)
			continue
		}
		c.hub.HandleMessage(c.session, CodecForFrame(frameType), data)
	}
}

// WritePump pumps messages from the hub to the websocket connection.
//
// A goroutine running WritePump is started for each connection. The
// application ensures that there is at most one writer to a connection by
// executing all writes from this goroutine.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(c.codec.FrameType(), data); err != nil {
				c.log.Debug("write failed", "err", err)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}
