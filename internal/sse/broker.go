// Package sse implements the Server-Sent Events stream that tells
// client-rendered cell frames to reload.
package sse

import (
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"sync/atomic"
	"time"
)

// Event types sent to viewers.
const (
	EventModuleUpdated = "module.updated"
	EventFullReload    = "full-reload"
)

const (
	// updateWindow coalesces module updates published in quick succession,
	// such as one per edited cell of a single executeCells request.
	updateWindow = 25 * time.Millisecond
	keepAlive    = 15 * time.Second
	retryMillis  = 1000
	viewerBuffer = 64
)

// ModuleUpdate lists the browser modules that must be reloaded.
type ModuleUpdate struct {
	IDs []string `json:"ids"`
}

type viewer struct {
	ch chan []byte
	// module is the id the viewer renders. Empty means every update.
	module string
}

func (v *viewer) wants(ids []string) bool {
	return v.module == "" || slices.Contains(ids, v.module)
}

// Broker fans HMR events out to connected frames.
//
// A single loop goroutine owns the viewer set, the pending module batch and
// the reload throttle. Public methods talk to it over channels.
type Broker struct {
	reloadMin time.Duration

	joinCh   chan *viewer
	leaveCh  chan *viewer
	updateCh chan []string
	reloadCh chan struct{}
	countCh  chan chan int

	stopCh  chan struct{}
	stopped chan struct{}
	closed  atomic.Bool
}

// NewBroker creates a broker that sends at most one full-reload per
// reloadThrottle interval.
func NewBroker(reloadThrottle time.Duration) *Broker {
	if reloadThrottle <= 0 {
		reloadThrottle = 500 * time.Millisecond
	}
	b := &Broker{
		reloadMin: reloadThrottle,
		joinCh:    make(chan *viewer),
		leaveCh:   make(chan *viewer),
		updateCh:  make(chan []string, 256),
		reloadCh:  make(chan struct{}, 16),
		countCh:   make(chan chan int),
		stopCh:    make(chan struct{}),
		stopped:   make(chan struct{}),
	}
	go b.loop()
	return b
}

func (b *Broker) loop() {
	defer close(b.stopped)

	viewers := make(map[*viewer]struct{})
	var (
		seq        uint64
		lastReload time.Time
		pending    []string
		flush      <-chan time.Time
	)

	send := func(event string, data any, ids []string) {
		payload, err := json.Marshal(data)
		if err != nil {
			return
		}
		seq++
		frame := []byte(fmt.Sprintf("id: %d\nevent: %s\ndata: %s\n\n", seq, event, payload))
		for v := range viewers {
			if ids != nil && !v.wants(ids) {
				continue
			}
			select {
			case v.ch <- frame:
			default:
				// A stalled frame misses this event and reloads on the next one.
			}
		}
	}

	for {
		select {
		case <-b.stopCh:
			for v := range viewers {
				close(v.ch)
			}
			return

		case v := <-b.joinCh:
			viewers[v] = struct{}{}

		case v := <-b.leaveCh:
			if _, ok := viewers[v]; ok {
				delete(viewers, v)
				close(v.ch)
			}

		case ids := <-b.updateCh:
			for _, id := range ids {
				if !slices.Contains(pending, id) {
					pending = append(pending, id)
				}
			}
			if flush == nil {
				flush = time.After(updateWindow)
			}

		case <-flush:
			send(EventModuleUpdated, ModuleUpdate{IDs: pending}, pending)
			pending, flush = nil, nil

		case <-b.reloadCh:
			if now := time.Now(); now.Sub(lastReload) >= b.reloadMin {
				lastReload = now
				// A full reload supersedes any module batch still waiting.
				pending, flush = nil, nil
				send(EventFullReload, struct{}{}, nil)
			}

		case resp := <-b.countCh:
			resp <- len(viewers)
		}
	}
}

// Close stops the loop and ends every open stream.
func (b *Broker) Close() {
	if b.closed.CompareAndSwap(false, true) {
		close(b.stopCh)
	}
	<-b.stopped
}

// subscribe registers a viewer of module. The returned channel is closed
// when the viewer leaves or the broker stops.
func (b *Broker) subscribe(module string) *viewer {
	v := &viewer{ch: make(chan []byte, viewerBuffer), module: module}
	if b.closed.Load() {
		close(v.ch)
		return v
	}
	select {
	case b.joinCh <- v:
	case <-b.stopped:
		close(v.ch)
	}
	return v
}

func (b *Broker) unsubscribe(v *viewer) {
	if b.closed.Load() {
		return
	}
	select {
	case b.leaveCh <- v:
	case <-b.stopped:
	}
}

// ViewerCount returns the number of open streams.
func (b *Broker) ViewerCount() int {
	if b.closed.Load() {
		return 0
	}
	resp := make(chan int, 1)
	select {
	case b.countCh <- resp:
	case <-b.stopped:
		return 0
	}
	select {
	case n := <-resp:
		return n
	case <-b.stopped:
		return 0
	}
}

// PublishModuleUpdate tells viewers that the given browser modules changed.
// Updates arriving within a short window are merged into one event.
func (b *Broker) PublishModuleUpdate(ids []string) {
	if len(ids) == 0 || b.closed.Load() {
		return
	}
	select {
	case b.updateCh <- slices.Clone(ids):
	case <-b.stopped:
	}
}

// PublishFullReload asks every viewer to reload, throttled.
func (b *Broker) PublishFullReload() {
	if b.closed.Load() {
		return
	}
	select {
	case b.reloadCh <- struct{}{}:
	case <-b.stopped:
	default:
		// A reload is already queued.
	}
}

// ServeHTTP streams events to one frame. The module query parameter limits
// module updates to those that include that module id.
func (b *Broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "retry: %d\n\n", retryMillis)
	flusher.Flush()

	v := b.subscribe(r.URL.Query().Get("module"))
	defer b.unsubscribe(v)

	ping := time.NewTicker(keepAlive)
	defer ping.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			_, _ = w.Write([]byte(": ping\n\n"))
			flusher.Flush()
		case frame, ok := <-v.ch:
			if !ok {
				return
			}
			_, _ = w.Write(frame)
			flusher.Flush()
		}
	}
}
