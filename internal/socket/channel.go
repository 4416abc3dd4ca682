package socket

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/amora-app/amora-go/internal/bus"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Namespace is the bus kind prefix for inbound server events. An inbound
// frame with event "new_message" is published as "socket.new_message" with
// the raw JSON data as payload; the owning component decodes it.
const Namespace = "socket."

const (
	// Time allowed to write a message to the server.
	writeWait = 5 * time.Second

	// Send pings with this period. Must be less than pongWait.
	pingPeriod = 20 * time.Second

	// Time allowed to read the next pong from the server.
	pongWait = 25 * time.Second

	// Max inbound frame size. SDP payloads can run several KB.
	readLimit = 1 << 20

	// Outbound frames buffered across disconnects before dropping.
	outboxSize = 256

	maxBackoff = 30 * time.Second
)

// Frame is the wire format for both directions.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type identifyPayload struct {
	UserID string `json:"userId"`
}

// Channel is the single persistent connection to the server. It owns
// reconnection and session re-identification; components publish with Emit
// and observe inbound events through the bus.
type Channel struct {
	url    string
	token  string
	userID string
	bus    *bus.Bus
	logger *zap.Logger

	outbox chan Frame
	cancel context.CancelFunc
}

// NewChannel creates a channel for the given socket URL and credentials.
func NewChannel(socketURL, token, userID string, b *bus.Bus, logger *zap.Logger) *Channel {
	return &Channel{
		url:    socketURL,
		token:  token,
		userID: userID,
		bus:    b,
		logger: logger,
		outbox: make(chan Frame, outboxSize),
	}
}

// Start begins the connect/reconnect loop.
func (c *Channel) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	go c.run(ctx)
}

// Stop terminates the connection and the reconnect loop.
func (c *Channel) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
}

// Emit sends an event to the server. Fire-and-forget: while disconnected the
// frame is queued and flushed on reconnect; when the queue is full the frame
// is dropped with a log line. Emit never fails into the caller.
func (c *Channel) Emit(event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		c.logger.Error("drop unencodable frame", zap.String("event", event), zap.Error(err))
		return
	}
	select {
	case c.outbox <- Frame{Event: event, Data: data}:
	default:
		c.logger.Warn("outbox full, dropping frame", zap.String("event", event))
	}
}

func (c *Channel) run(ctx context.Context) {
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return
		}

		header := http.Header{}
		header.Set("Authorization", "Bearer "+c.token)
		conn, resp, err := websocket.DefaultDialer.DialContext(ctx, c.url, header)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err != nil {
			c.logger.Warn("socket dial failed", zap.Error(err), zap.Duration("retry_in", backoff))
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second

		c.session(ctx, conn)
	}
}

// session runs one connected websocket until it breaks or ctx is done.
func (c *Channel) session(ctx context.Context, conn *websocket.Conn) {
	defer func() { _ = conn.Close() }()

	c.logger.Info("socket connected")
	c.bus.Publish(bus.Event{Kind: "channel.connected", Timestamp: time.Now()})
	defer c.bus.Publish(bus.Event{Kind: "channel.disconnected", Timestamp: time.Now()})

	// Re-establish the server-side session binding on every connect.
	c.Emit("identify", identifyPayload{UserID: c.userID})

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go c.writePump(sessCtx, conn)

	conn.SetReadLimit(readLimit)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Warn("socket read failed", zap.Error(err))
			}
			return
		}
		var f Frame
		if err := json.Unmarshal(raw, &f); err != nil || f.Event == "" {
			c.logger.Warn("discarding malformed frame", zap.ByteString("raw", raw))
			continue
		}
		c.bus.Publish(bus.Event{
			Kind:      Namespace + f.Event,
			Timestamp: time.Now(),
			Payload:   f.Data,
		})
	}
}

// writePump drains the outbox and keeps the connection alive with pings.
// It is the only goroutine writing to conn during a session.
func (c *Channel) writePump(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case f := <-c.outbox:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(f); err != nil {
				c.logger.Warn("socket write failed", zap.String("event", f.Event), zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-ctx.Done():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
