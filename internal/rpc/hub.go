package rpc

import (
	"context"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/starford/cellar/internal/cellid"
	"github.com/starford/cellar/internal/executor"
)

// Hub tracks the connected front-ends and fans calls out to all of them.
//
// A single goroutine owns the connection registry; public methods talk to
// it over channels.
type Hub struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader

	registerCh   chan *Conn
	unregisterCh chan *Conn
	listCh       chan chan []*Conn

	stopCh  chan struct{}
	stopped chan struct{}
	closed  atomic.Bool
}

// NewHub creates a hub and starts its registry loop.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		registerCh:   make(chan *Conn),
		unregisterCh: make(chan *Conn),
		listCh:       make(chan chan []*Conn),
		stopCh:       make(chan struct{}),
		stopped:      make(chan struct{}),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	defer close(h.stopped)

	conns := make(map[*Conn]struct{})
	var order []*Conn

	for {
		select {
		case <-h.stopCh:
			for c := range conns {
				c.close()
			}
			return

		case c := <-h.registerCh:
			conns[c] = struct{}{}
			order = append(order, c)

		case c := <-h.unregisterCh:
			if _, ok := conns[c]; ok {
				delete(conns, c)
				for i, o := range order {
					if o == c {
						order = append(order[:i], order[i+1:]...)
						break
					}
				}
			}

		case resp := <-h.listCh:
			out := make([]*Conn, len(order))
			copy(out, order)
			resp <- out
		}
	}
}

// Close disconnects every front-end and stops the registry loop.
func (h *Hub) Close() {
	if h.closed.CompareAndSwap(false, true) {
		close(h.stopCh)
	}
	<-h.stopped
}

func (h *Hub) register(c *Conn) bool {
	if h.closed.Load() {
		return false
	}
	select {
	case h.registerCh <- c:
		return true
	case <-h.stopped:
		return false
	}
}

func (h *Hub) unregister(c *Conn) {
	if h.closed.Load() {
		return
	}
	select {
	case h.unregisterCh <- c:
	case <-h.stopped:
	}
}

// Conns returns the connected front-ends in connection order.
func (h *Hub) Conns() []*Conn {
	if h.closed.Load() {
		return nil
	}
	resp := make(chan []*Conn, 1)
	select {
	case h.listCh <- resp:
	case <-h.stopped:
		return nil
	}
	select {
	case conns := <-resp:
		return conns
	case <-h.stopped:
		return nil
	}
}

// Count returns the number of connected front-ends.
func (h *Hub) Count() int {
	return len(h.Conns())
}

// Endpoint upgrades requests to WebSocket connections served by handler.
func (h *Hub) Endpoint(ctx context.Context, handler Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := h.upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.logger.Warn("rpc: upgrade failed", slog.String("error", err.Error()))
			return
		}
		c := newConn(ws, handler, h.logger)
		if !h.register(c) {
			c.close()
			return
		}
		h.logger.Info("rpc: front-end connected", slog.String("conn", c.id), slog.String("remote", r.RemoteAddr))
		defer func() {
			h.unregister(c)
			h.logger.Info("rpc: front-end disconnected", slog.String("conn", c.id))
		}()
		c.serve(ctx)
	})
}

// callAll invokes method on every front-end concurrently. Failed calls are
// logged and count as absent front-ends.
func (h *Hub) callAll(ctx context.Context, method string, decode func() any, args ...any) []any {
	conns := h.Conns()
	results := make([]any, len(conns))
	var g errgroup.Group
	for i, c := range conns {
		g.Go(func() error {
			var res any
			if decode != nil {
				res = decode()
			}
			if err := c.Call(ctx, method, res, args...); err != nil {
				h.logger.Warn("rpc: call failed",
					slog.String("conn", c.id),
					slog.String("method", method),
					slog.String("error", err.Error()),
				)
				return nil
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (h *Hub) notifyAll(method string, args ...any) {
	for _, c := range h.Conns() {
		c.Notify(method, args...)
	}
}

// StartCellExecution asks every front-end whether the cell may run. A
// front-end that fails to answer does not veto.
func (h *Hub) StartCellExecution(ctx context.Context, path, cellID string, force bool) bool {
	results := h.callAll(ctx, "startCellExecution", func() any { return new(bool) }, path, cellID, force)
	for _, r := range results {
		if ok, isBool := r.(*bool); isBool && !*ok {
			return false
		}
	}
	return true
}

func (h *Hub) OutputStdout(path, cellID, text string) {
	h.notifyAll("outputStdout", path, cellID, text)
}

func (h *Hub) OutputStderr(path, cellID, text string) {
	h.notifyAll("outputStderr", path, cellID, text)
}

func (h *Hub) UpdateCellOutput(ctx context.Context, path, cellID string, out executor.CellOutput) {
	h.callAll(ctx, "updateCellOutput", nil, path, cellID, out)
}

func (h *Hub) EndCellExecution(ctx context.Context, path, cellID string, out *executor.CellOutput) {
	h.callAll(ctx, "endCellExecution", nil, path, cellID, out)
}

// MarkCellsDirty tells the front-ends that the cells hold stale output.
func (h *Hub) MarkCellsDirty(_ context.Context, keys []cellid.Key) {
	if len(keys) == 0 {
		return
	}
	h.notifyAll("markCellsDirty", keys)
}
