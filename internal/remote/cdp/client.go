// Package cdp speaks the Chrome DevTools Protocol over a websocket and
// exposes browser execution contexts through the remote evaluation contract.
package cdp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/seantiz/vigil/internal/remote"
)

const handshakeTimeout = 10 * time.Second

// request is an outbound protocol command.
type request struct {
	ID        int64  `json:"id"`
	Method    string `json:"method"`
	Params    any    `json:"params,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
}

// message is any inbound frame: a command response when ID is set, an event
// otherwise.
type message struct {
	ID        int64           `json:"id,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *rpcError       `json:"error,omitempty"`
	Method    string          `json:"method,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data,omitempty"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("cdp: %s (code %d)", e.Message, e.Code)
}

// EventHandler receives a protocol event's payload.
type EventHandler func(sessionID string, params json.RawMessage)

// Client is a DevTools protocol connection. One reader goroutine owns the
// websocket receive side; writes are serialized by a mutex.
type Client struct {
	conn   *websocket.Conn
	logger *slog.Logger

	writeMu sync.Mutex

	mu       sync.Mutex
	nextID   int64
	pending  map[int64]chan message
	handlers map[string][]EventHandler
	closed   bool
	readErr  error

	done chan struct{}
}

// Dial connects to a DevTools websocket endpoint.
func Dial(ctx context.Context, wsURL string, logger *slog.Logger) (*Client, error) {
	d := websocket.Dialer{
		HandshakeTimeout: handshakeTimeout,
		ReadBufferSize:   1 << 20,
		WriteBufferSize:  1 << 20,
	}
	return dial(ctx, &d, wsURL, logger)
}

func dial(ctx context.Context, d *websocket.Dialer, wsURL string, logger *slog.Logger) (*Client, error) {
	conn, resp, err := d.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing devtools endpoint %s: %w", wsURL, err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	c := &Client{
		conn:     conn,
		logger:   logger,
		pending:  make(map[int64]chan message),
		handlers: make(map[string][]EventHandler),
		done:     make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Call issues a protocol command and decodes its result into out, which may
// be nil when the result does not matter. sessionID scopes the command to an
// attached target; empty targets the browser itself.
func (c *Client) Call(ctx context.Context, sessionID, method string, params, out any) error {
	c.mu.Lock()
	if c.closed {
		err := c.readErr
		c.mu.Unlock()
		if err == nil {
			err = fmt.Errorf("cdp: connection closed")
		}
		return err
	}
	c.nextID++
	id := c.nextID
	ch := make(chan message, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	req := request{ID: id, Method: method, Params: params, SessionID: sessionID}
	c.writeMu.Lock()
	err := c.conn.WriteJSON(req)
	c.writeMu.Unlock()
	if err != nil {
		c.dropPending(id)
		return fmt.Errorf("sending %s: %w", method, err)
	}

	select {
	case msg := <-ch:
		if msg.Error != nil {
			// Stale-context failures arrive as protocol errors here; give
			// callers the structured kind so they can treat them as
			// transient.
			return fmt.Errorf("%s: %w", method, remote.Classify(msg.Error.Message))
		}
		if out != nil && len(msg.Result) > 0 {
			if err := json.Unmarshal(msg.Result, out); err != nil {
				return fmt.Errorf("decoding %s result: %w", method, err)
			}
		}
		return nil
	case <-c.done:
		c.mu.Lock()
		err := c.readErr
		c.mu.Unlock()
		if err == nil {
			err = fmt.Errorf("cdp: connection closed")
		}
		return err
	case <-ctx.Done():
		c.dropPending(id)
		return ctx.Err()
	}
}

// OnEvent registers fn for every occurrence of the named protocol event.
// Handlers run on the reader goroutine and must not block.
func (c *Client) OnEvent(method string, fn EventHandler) {
	c.mu.Lock()
	c.handlers[method] = append(c.handlers[method], fn)
	c.mu.Unlock()
}

// Done is closed once the connection is gone, whether by Close or by a read
// failure.
func (c *Client) Done() <-chan struct{} { return c.done }

// Close tears the connection down. In-flight calls fail.
func (c *Client) Close() error {
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.conn.Close()
}

func (c *Client) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.shutdown(err)
			return
		}

		var msg message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warn("discarding malformed devtools frame", "error", err)
			continue
		}

		if msg.ID != 0 {
			c.mu.Lock()
			ch := c.pending[msg.ID]
			delete(c.pending, msg.ID)
			c.mu.Unlock()
			if ch != nil {
				ch <- msg
			}
			continue
		}

		c.mu.Lock()
		handlers := append([]EventHandler(nil), c.handlers[msg.Method]...)
		c.mu.Unlock()
		for _, fn := range handlers {
			fn(msg.SessionID, msg.Params)
		}
	}
}

func (c *Client) shutdown(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.readErr = err
	c.pending = make(map[int64]chan message)
	c.mu.Unlock()

	close(c.done)
	_ = c.conn.Close()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		c.logger.Info("devtools connection closed", "error", err)
	}
}

func (c *Client) dropPending(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}
