package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	sendBuffer = 256
)

// ErrClosed is returned by calls on a closed connection.
var ErrClosed = errors.New("rpc: connection closed")

// Handler serves inbound requests and notifications.
type Handler interface {
	Handle(ctx context.Context, method string, args []json.RawMessage) (any, error)
}

// Conn is one front-end connection.
type Conn struct {
	id      string
	ws      *websocket.Conn
	handler Handler
	logger  *slog.Logger

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	seq     atomic.Int64
	mu      sync.Mutex
	pending map[string]chan Frame
}

func newConn(ws *websocket.Conn, handler Handler, logger *slog.Logger) *Conn {
	return &Conn{
		id:      uuid.NewString(),
		ws:      ws,
		handler: handler,
		logger:  logger,
		send:    make(chan []byte, sendBuffer),
		done:    make(chan struct{}),
		pending: make(map[string]chan Frame),
	}
}

// ID returns the connection id.
func (c *Conn) ID() string { return c.id }

// Done is closed when the connection has gone away.
func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

// serve pumps the connection until it closes or ctx ends.
func (c *Conn) serve(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer c.close()

	go c.writePump(ctx)

	c.ws.SetReadLimit(64 << 20)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("rpc: read failed", slog.String("conn", c.id), slog.String("error", err.Error()))
			}
			return
		}
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.logger.Warn("rpc: malformed frame", slog.String("conn", c.id), slog.String("error", err.Error()))
			continue
		}
		switch f.Type {
		case frameRequest:
			go c.dispatch(ctx, f)
		case frameResponse:
			c.resolve(f)
		default:
			c.logger.Warn("rpc: unknown frame type", slog.String("conn", c.id), slog.String("type", f.Type))
		}
	}
}

func (c *Conn) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			c.close()
			return
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.logger.Warn("rpc: write failed", slog.String("conn", c.id), slog.String("error", err.Error()))
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		}
	}
}

func (c *Conn) dispatch(ctx context.Context, f Frame) {
	result, err := c.handler.Handle(ctx, f.Method, f.Args)
	if err != nil {
		c.logger.Warn("rpc: request failed", slog.String("method", f.Method), slog.String("error", err.Error()))
	}
	if len(f.ID) == 0 {
		return
	}
	b, err := response(f.ID, result, err)
	if err != nil {
		c.logger.Error("rpc: encode response", slog.String("method", f.Method), slog.String("error", err.Error()))
		return
	}
	_ = c.enqueue(ctx, b)
}

func (c *Conn) resolve(f Frame) {
	key := string(f.ID)
	c.mu.Lock()
	ch, ok := c.pending[key]
	delete(c.pending, key)
	c.mu.Unlock()
	if !ok {
		c.logger.Debug("rpc: response without call", slog.String("id", key))
		return
	}
	ch <- f
}

func (c *Conn) enqueue(ctx context.Context, b []byte) error {
	select {
	case c.send <- b:
		return nil
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Call invokes method on the front-end and decodes its result into result,
// which may be nil.
func (c *Conn) Call(ctx context.Context, method string, result any, args ...any) error {
	id := json.RawMessage(strconv.FormatInt(c.seq.Add(1), 10))
	b, err := request(id, method, args)
	if err != nil {
		return err
	}

	ch := make(chan Frame, 1)
	c.mu.Lock()
	c.pending[string(id)] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, string(id))
		c.mu.Unlock()
	}()

	if err := c.enqueue(ctx, b); err != nil {
		return err
	}
	select {
	case f := <-ch:
		if f.Error != nil {
			return f.Error
		}
		if result == nil || len(f.Result) == 0 {
			return nil
		}
		if err := json.Unmarshal(f.Result, result); err != nil {
			return fmt.Errorf("rpc: decode %s result: %w", method, err)
		}
		return nil
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Notify sends a notification without waiting. It drops the message when
// the connection is backed up.
func (c *Conn) Notify(method string, args ...any) {
	b, err := request(nil, method, args)
	if err != nil {
		c.logger.Error(err.Error())
		return
	}
	select {
	case c.send <- b:
	case <-c.done:
	default:
		c.logger.Warn("rpc: send buffer full, dropping notification", slog.String("conn", c.id), slog.String("method", method))
	}
}
