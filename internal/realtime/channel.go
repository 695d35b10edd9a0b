package realtime

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/fixlink/fixlink-client/internal/models"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// State is the channel connection state
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateOpen       State = "open"
	StateClosing    State = "closing"
	StateClosed     State = "closed"
)

// SendClass decides what happens to an outbound message while the channel is
// not open: queueable messages wait in the bounded buffer, ephemeral signals
// are dropped.
type SendClass int

const (
	// Queueable: buffered until the channel reopens (chat messages)
	Queueable SendClass = iota
	// Ephemeral: dropped unless immediately sendable (typing signals)
	Ephemeral
)

// AuthRejectedError marks a handshake the server refused for auth reasons.
// The channel fails fast instead of reconnecting; the owner must obtain a
// fresh token and re-issue the channel.
type AuthRejectedError struct {
	Status int
}

func (e *AuthRejectedError) Error() string {
	return fmt.Sprintf("websocket handshake rejected with status %d", e.Status)
}

// TokenProvider returns the access token to dial with, read at dial time so
// a reconnect after a token refresh always carries the fresh token.
type TokenProvider func() (string, bool)

type outbound struct {
	key     string
	payload []byte
}

// Channel owns one WebSocket connection for one logical stream. It
// reconnects after unexpected closes with a fixed delay, normalizes inbound
// frames, and hands them to the owner in the order the transport delivered
// them. Delivery order relative to REST responses is never assumed;
// consumers merge the two paths by identity.
type Channel struct {
	name           string
	endpoint       string
	tokens         TokenProvider
	reconnectDelay time.Duration
	queueSize      int
	logger         *zap.Logger

	dialer *websocket.Dialer

	onFrame func(models.Frame)
	onError func(error)
	onState func(State)

	conn           *websocket.Conn
	state          State
	ownerClosed    bool
	reconnectTimer *time.Timer
	sendQueue      []outbound
	mu             sync.Mutex

	writeMu sync.Mutex
	wg      sync.WaitGroup
}

// NewChannel creates a channel for the stream at endpoint (a ws:// or wss://
// URL). It stays idle until Open is called.
func NewChannel(
	name string,
	endpoint string,
	tokens TokenProvider,
	reconnectDelay time.Duration,
	queueSize int,
	logger *zap.Logger,
) *Channel {
	return &Channel{
		name:           name,
		endpoint:       endpoint,
		tokens:         tokens,
		reconnectDelay: reconnectDelay,
		queueSize:      queueSize,
		logger:         logger.With(zap.String("channel", name)),
		dialer: &websocket.Dialer{
			HandshakeTimeout: 15 * time.Second,
		},
		state: StateIdle,
	}
}

// OnFrame registers the inbound frame handler. Frames are delivered from a
// single goroutine in receive order.
func (c *Channel) OnFrame(fn func(models.Frame)) {
	c.mu.Lock()
	c.onFrame = fn
	c.mu.Unlock()
}

// OnError registers the handler for surfaced failures: auth-rejected
// handshakes and server-pushed error frames.
func (c *Channel) OnError(fn func(error)) {
	c.mu.Lock()
	c.onError = fn
	c.mu.Unlock()
}

// OnStateChange registers the connection state observer
func (c *Channel) OnStateChange(fn func(State)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

// State returns the current connection state
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Open starts the channel. The dial itself runs asynchronously; progress is
// observable through OnStateChange.
func (c *Channel) Open() {
	c.mu.Lock()
	if c.ownerClosed || c.state != StateIdle {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	go c.connect()
}

// Close tears the channel down for good: the socket is closed and any
// pending reconnect timer is cancelled. A closed channel never reconnects.
func (c *Channel) Close() {
	c.mu.Lock()
	if c.ownerClosed {
		c.mu.Unlock()
		return
	}
	c.ownerClosed = true
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	conn := c.conn
	c.mu.Unlock()

	c.setState(StateClosing)

	if conn != nil {
		c.writeMu.Lock()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		conn.Close()
	}

	c.wg.Wait()
	c.setState(StateClosed)
	c.logger.Info("Channel closed")
}

// Send transmits a frame, or handles it per class while not open. The key
// identifies the logical slot for newest-wins queueing ("typing", a
// correlation token, etc).
func (c *Channel) Send(key string, class SendClass, frameType models.FrameType, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	raw, err := json.Marshal(models.Frame{Type: frameType, Data: data})
	if err != nil {
		return fmt.Errorf("failed to marshal frame: %w", err)
	}

	c.mu.Lock()
	if c.state != StateOpen {
		defer c.mu.Unlock()
		if class == Ephemeral {
			c.logger.Debug("Dropping ephemeral send, channel not open",
				zap.String("key", key),
				zap.String("state", string(c.state)),
			)
			return nil
		}
		c.enqueueLocked(outbound{key: key, payload: raw})
		return nil
	}
	conn := c.conn
	c.mu.Unlock()

	return c.write(conn, raw)
}

func (c *Channel) write(conn *websocket.Conn, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("websocket write failed: %w", err)
	}
	return nil
}

// enqueueLocked buffers an outbound message, replacing any queued message
// with the same key and evicting the oldest entry when the buffer is full.
func (c *Channel) enqueueLocked(msg outbound) {
	for i, queued := range c.sendQueue {
		if queued.key == msg.key {
			c.sendQueue[i] = msg
			return
		}
	}
	if len(c.sendQueue) >= c.queueSize {
		c.logger.Warn("Send queue full, evicting oldest message")
		c.sendQueue = c.sendQueue[1:]
	}
	c.sendQueue = append(c.sendQueue, msg)
}

func (c *Channel) connect() {
	c.mu.Lock()
	if c.ownerClosed {
		c.mu.Unlock()
		return
	}
	c.reconnectTimer = nil
	c.mu.Unlock()

	c.setState(StateConnecting)

	// The token is read here, at dial time, never cached across a refresh
	token, ok := c.tokens()
	if !ok {
		c.logger.Warn("No access token available for channel dial")
		c.surfaceError(&AuthRejectedError{Status: http.StatusUnauthorized})
		c.setState(StateClosed)
		return
	}

	dialURL, err := c.buildURL(token)
	if err != nil {
		c.surfaceError(err)
		c.setState(StateClosed)
		return
	}

	conn, resp, err := c.dialer.Dial(dialURL, nil)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			// Fail fast: the owner must re-issue the channel with a
			// fresh token rather than loop here silently.
			c.logger.Warn("Channel handshake rejected",
				zap.Int("status", resp.StatusCode),
			)
			c.surfaceError(&AuthRejectedError{Status: resp.StatusCode})
			c.setState(StateClosed)
			return
		}
		c.logger.Warn("Channel dial failed", zap.Error(err))
		c.setState(StateClosed)
		c.scheduleReconnect()
		return
	}

	c.mu.Lock()
	if c.ownerClosed {
		c.mu.Unlock()
		conn.Close()
		return
	}
	c.conn = conn
	queued := c.sendQueue
	c.sendQueue = nil
	c.mu.Unlock()

	c.setState(StateOpen)
	c.logger.Info("Channel open")

	// Flush messages buffered while disconnected, oldest first
	for _, msg := range queued {
		if err := c.write(conn, msg.payload); err != nil {
			c.logger.Warn("Failed to flush queued message",
				zap.String("key", msg.key),
				zap.Error(err),
			)
			c.mu.Lock()
			c.enqueueLocked(msg)
			c.mu.Unlock()
			break
		}
	}

	c.wg.Add(1)
	go c.readLoop(conn)
}

func (c *Channel) readLoop(conn *websocket.Conn) {
	defer c.wg.Done()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			ownerClosed := c.ownerClosed
			if c.conn == conn {
				c.conn = nil
			}
			c.mu.Unlock()

			if ownerClosed {
				return
			}

			c.logger.Warn("Channel connection lost", zap.Error(err))
			conn.Close()
			c.setState(StateClosed)
			c.scheduleReconnect()
			return
		}

		c.handleFrame(data)
	}
}

// handleFrame normalizes one inbound frame. Malformed JSON is logged and
// dropped without closing the socket; unknown types are ignored so the
// server can evolve the protocol.
func (c *Channel) handleFrame(data []byte) {
	var frame models.Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		c.logger.Warn("Dropping malformed frame", zap.Error(err))
		return
	}

	switch frame.Type {
	case models.FrameMessage, models.FrameTyping, models.FrameRead,
		models.FrameLocationUpdate, models.FrameStatusUpdate:
		c.mu.Lock()
		fn := c.onFrame
		c.mu.Unlock()
		if fn != nil {
			fn(frame)
		}
	case models.FrameError:
		var payload models.ErrorPayload
		if err := json.Unmarshal(frame.Data, &payload); err != nil {
			c.logger.Warn("Dropping malformed error frame", zap.Error(err))
			return
		}
		c.logger.Warn("Server error frame",
			zap.String("code", payload.Code),
			zap.String("message", payload.Message),
		)
		c.surfaceError(fmt.Errorf("server error %s: %s", payload.Code, payload.Message))
	default:
		c.logger.Debug("Ignoring unknown frame type",
			zap.String("type", string(frame.Type)),
		)
	}
}

// scheduleReconnect arms the single reconnect timer. At most one attempt per
// delay window, guarding against rapid flapping.
func (c *Channel) scheduleReconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ownerClosed || c.reconnectTimer != nil {
		return
	}

	c.logger.Info("Scheduling reconnect",
		zap.Duration("delay", c.reconnectDelay),
	)
	c.reconnectTimer = time.AfterFunc(c.reconnectDelay, c.connect)
}

func (c *Channel) buildURL(token string) (string, error) {
	u, err := url.Parse(c.endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid channel endpoint: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Channel) setState(state State) {
	c.mu.Lock()
	old := c.state
	// closing/closed are terminal once the owner tore the channel down
	if c.ownerClosed && (old == StateClosed) {
		c.mu.Unlock()
		return
	}
	c.state = state
	fn := c.onState
	c.mu.Unlock()

	if old != state && fn != nil {
		fn(state)
	}
}

func (c *Channel) surfaceError(err error) {
	c.mu.Lock()
	fn := c.onError
	c.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}
