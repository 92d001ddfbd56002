// Package executor runs notebook cells and reports their output to the
// connected front-ends.
//
// Each execution moves through a small state machine. A cell key can have
// at most one execution in flight; a second request for the same key is
// skipped rather than queued.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"

	"github.com/starford/cellar/internal/cellid"
	"github.com/starford/cellar/internal/host"
	"github.com/starford/cellar/internal/journal"
	"github.com/starford/cellar/internal/rewrite"
)

const endTimeout = 5 * time.Second

// Frontends is the set of connected notebook front-ends.
type Frontends interface {
	// StartCellExecution asks every front-end for permission to run. It is
	// true when all of them agree or none is connected.
	StartCellExecution(ctx context.Context, path, cellID string, force bool) bool
	// OutputStdout and OutputStderr must not block.
	OutputStdout(path, cellID, text string)
	OutputStderr(path, cellID, text string)
	UpdateCellOutput(ctx context.Context, path, cellID string, out CellOutput)
	EndCellExecution(ctx context.Context, path, cellID string, out *CellOutput)
}

// Sources supplies fresh descriptions of cell modules.
type Sources interface {
	Describe(id cellid.ID) (*rewrite.SourceDescription, error)
}

// Runtime is the part of the module host the coordinator drives.
type Runtime interface {
	Import(ctx context.Context, id string, out host.Output) (goja.Value, error)
	Await(ctx context.Context, out host.Output, v goja.Value) (goja.Value, error)
	Run(ctx context.Context, out host.Output, fn func(vm *goja.Runtime) error) error
	RelativeID(id string) string
}

// Journal records finished executions.
type Journal interface {
	Record(ctx context.Context, e journal.Entry) error
}

// Options configures a Coordinator.
type Options struct {
	// Origin is sent to client cells so their frame can load the module.
	Origin  string
	Journal Journal
	Logger  *slog.Logger
}

// Outcome describes how one execution ended.
type Outcome struct {
	Key     cellid.Key
	Status  string
	Output  *CellOutput
	Updates []CellOutput
}

// Coordinator runs cell executions.
type Coordinator struct {
	rt      Runtime
	sources Sources
	fe      Frontends
	origin  string
	journal Journal
	logger  *slog.Logger

	mu      sync.Mutex
	records map[cellid.Key]*record
}

// New creates a Coordinator.
func New(rt Runtime, sources Sources, fe Frontends, opts Options) *Coordinator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		rt:      rt,
		sources: sources,
		fe:      fe,
		origin:  opts.Origin,
		journal: opts.Journal,
		logger:  logger,
		records: make(map[cellid.Key]*record),
	}
}

// record is one in-flight execution. It doubles as the console sink of the
// module it runs.
type record struct {
	key     cellid.Key
	fe      Frontends
	ctx     context.Context
	cancel  context.CancelFunc
	started time.Time

	mu      sync.Mutex
	state   State
	stdout  strings.Builder
	stderr  strings.Builder
	updates []CellOutput
}

func (r *record) Stdout(text string) {
	r.mu.Lock()
	r.stdout.WriteString(text)
	r.mu.Unlock()
	r.fe.OutputStdout(r.key.Path, r.key.CellID, text)
}

func (r *record) Stderr(text string) {
	r.mu.Lock()
	r.stderr.WriteString(text)
	r.mu.Unlock()
	r.fe.OutputStderr(r.key.Path, r.key.CellID, text)
}

// streams returns the accumulated console items.
func (r *record) streams() []OutputItem {
	r.mu.Lock()
	defer r.mu.Unlock()
	var items []OutputItem
	if r.stdout.Len() > 0 {
		items = append(items, TextItem(MimeStdout, r.stdout.String()))
	}
	if r.stderr.Len() > 0 {
		items = append(items, TextItem(MimeStderr, r.stderr.String()))
	}
	return items
}

// State reports the state of the execution in flight for key.
func (c *Coordinator) State(key cellid.Key) (State, bool) {
	c.mu.Lock()
	rec, ok := c.records[key]
	c.mu.Unlock()
	if !ok {
		return Idle, false
	}
	return rec.current(), true
}

// Cancel cancels the executions in flight for keys and returns how many
// were found.
func (c *Coordinator) Cancel(keys []cellid.Key) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, key := range keys {
		if rec, ok := c.records[key]; ok {
			rec.cancel()
			n++
		}
	}
	return n
}

func (c *Coordinator) reserve(ctx context.Context, key cellid.Key) (*record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.records[key]; busy {
		return nil, false
	}
	rctx, cancel := context.WithCancel(ctx)
	rec := &record{key: key, fe: c.fe, ctx: rctx, cancel: cancel, started: time.Now()}
	c.records[key] = rec
	return rec, true
}

func (c *Coordinator) release(rec *record) {
	rec.cancel()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.records[rec.key] == rec {
		delete(c.records, rec.key)
	}
}

// Execute runs the cell id and blocks until its execution has ended.
func (c *Coordinator) Execute(ctx context.Context, id cellid.ID, force bool) Outcome {
	started := time.Now()
	rec, ok := c.reserve(ctx, id.Key)
	if !ok {
		c.logger.Debug("executor: already running", slog.String("cell", id.Key.String()))
		out := Outcome{Key: id.Key, Status: journal.StatusSkipped}
		c.remember(out, started, "")
		return out
	}
	defer c.release(rec)

	if err := rec.transition(Idle, StartRequested); err != nil {
		c.logger.Error(err.Error())
	}
	if !c.fe.StartCellExecution(rec.ctx, id.Path, id.CellID, force) {
		_ = rec.transition(StartRequested, Skipped)
		out := Outcome{Key: id.Key, Status: journal.StatusSkipped}
		c.remember(out, started, "")
		return out
	}

	out := c.run(rec, id)
	_ = rec.finish(Completed)

	endCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), endTimeout)
	defer cancel()
	c.fe.EndCellExecution(endCtx, id.Path, id.CellID, out.Output)

	mime := ""
	if out.Output != nil && len(out.Output.Items) > 0 {
		mime = out.Output.Items[len(out.Output.Items)-1].Mime
	}
	c.remember(out, started, mime)
	return out
}

func (c *Coordinator) remember(out Outcome, started time.Time, mime string) {
	if c.journal == nil {
		return
	}
	e := journal.Entry{
		Path:       out.Key.Path,
		CellID:     out.Key.CellID,
		Status:     out.Status,
		Mime:       mime,
		StartedAt:  started,
		DurationMS: time.Since(started).Milliseconds(),
	}
	if out.Status == journal.StatusError && out.Output != nil {
		e.Error = errorName(out.Output.Items)
	}
	ctx, cancel := context.WithTimeout(context.Background(), endTimeout)
	defer cancel()
	if err := c.journal.Record(ctx, e); err != nil {
		c.logger.Warn("executor: journal write failed", slog.String("cell", out.Key.String()), slog.String("error", err.Error()))
	}
}

func errorName(items []OutputItem) string {
	for _, item := range items {
		if item.Mime != MimeError {
			continue
		}
		var body errorBody
		if json.Unmarshal(item.Data, &body) == nil {
			return body.Name
		}
	}
	return ""
}

// run performs the Running and Streaming phases and builds the outcome.
func (c *Coordinator) run(rec *record, id cellid.ID) Outcome {
	if err := rec.transition(StartRequested, Running); err != nil {
		c.logger.Error(err.Error())
	}

	desc, err := c.sources.Describe(id)
	if err != nil {
		return c.failed(rec, goErrorItem(err))
	}
	if desc.Kind == rewrite.KindClient {
		payload, _ := json.Marshal(map[string]string{
			"id":     c.rt.RelativeID(id.String()),
			"origin": c.origin,
		})
		return c.completed(rec, &OutputItem{Mime: MimeClient, Data: payload})
	}

	exports, err := c.rt.Import(rec.ctx, id.String(), rec)
	if err != nil {
		return c.fromError(rec, err)
	}

	var value goja.Value
	err = c.rt.Run(rec.ctx, rec, func(vm *goja.Runtime) error {
		if obj, ok := exports.(*goja.Object); ok {
			value = obj.Get("default")
		}
		return nil
	})
	if err != nil {
		return c.fromError(rec, err)
	}
	return c.settle(rec, value, true)
}

// settle classifies value, awaiting it once if it is a promise.
func (c *Coordinator) settle(rec *record, value goja.Value, await bool) Outcome {
	var res classified
	err := c.rt.Run(rec.ctx, rec, func(*goja.Runtime) error {
		res = classify(value)
		return nil
	})
	if err != nil {
		return c.fromError(rec, err)
	}
	switch {
	case res.promise && await:
		v, err := c.rt.Await(rec.ctx, rec, value)
		if err != nil {
			return c.fromError(rec, err)
		}
		return c.settle(rec, v, false)
	case res.iterator != nil:
		return c.stream(rec, res.iterator)
	default:
		return c.completed(rec, res.item)
	}
}

// stream drives an iterator, sending every defined value as an update.
func (c *Coordinator) stream(rec *record, it *goja.Object) Outcome {
	if err := rec.transition(Running, Streaming); err != nil {
		c.logger.Error(err.Error())
	}
	for {
		var step goja.Value
		err := c.rt.Run(rec.ctx, rec, func(vm *goja.Runtime) error {
			next, ok := goja.AssertFunction(it.Get("next"))
			if !ok {
				return errors.New("iterator: next is not a function")
			}
			v, err := next(it)
			step = v
			return err
		})
		if err == nil {
			step, err = c.rt.Await(rec.ctx, rec, step)
		}
		if err != nil {
			c.closeIterator(rec, it)
			return c.fromError(rec, err)
		}

		var done bool
		var value goja.Value
		err = c.rt.Run(rec.ctx, rec, func(vm *goja.Runtime) error {
			obj := step.ToObject(vm)
			if d := obj.Get("done"); d != nil {
				done = d.ToBoolean()
			}
			value = obj.Get("value")
			return nil
		})
		if err == nil {
			value, err = c.rt.Await(rec.ctx, rec, value)
		}
		if err != nil {
			c.closeIterator(rec, it)
			return c.fromError(rec, err)
		}

		// The step that ends the iterator may still carry a return value.
		var item *OutputItem
		err = c.rt.Run(rec.ctx, rec, func(*goja.Runtime) error {
			item = itemOf(value)
			return nil
		})
		if err != nil {
			c.closeIterator(rec, it)
			return c.fromError(rec, err)
		}
		if item != nil {
			c.update(rec, *item)
		}
		if done {
			return c.finished(rec, journal.StatusCompleted, nil)
		}
	}
}

func (c *Coordinator) update(rec *record, item OutputItem) {
	update := CellOutput{Items: []OutputItem{item}}
	rec.mu.Lock()
	rec.updates = append(rec.updates, update)
	rec.mu.Unlock()
	c.fe.UpdateCellOutput(rec.ctx, rec.key.Path, rec.key.CellID, update)
	_ = rec.transition(Streaming, Streaming)
}

// closeIterator calls return() on a cancelled iterator. Errors are ignored.
func (c *Coordinator) closeIterator(rec *record, it *goja.Object) {
	if rec.ctx.Err() == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), endTimeout)
	defer cancel()
	_ = c.rt.Run(ctx, nil, func(vm *goja.Runtime) error {
		if ret, ok := goja.AssertFunction(it.Get("return")); ok {
			_, _ = ret(it)
		}
		return nil
	})
}

func (c *Coordinator) completed(rec *record, item *OutputItem) Outcome {
	return c.finished(rec, journal.StatusCompleted, item)
}

func (c *Coordinator) failed(rec *record, item OutputItem) Outcome {
	return c.finished(rec, journal.StatusError, &item)
}

// fromError turns a failure into an error output, or into a cancelled
// outcome when the execution was cancelled.
func (c *Coordinator) fromError(rec *record, err error) Outcome {
	if rec.ctx.Err() != nil {
		return c.cancelled(rec)
	}
	v, thrown := host.Thrown(err)
	if !thrown {
		return c.failed(rec, goErrorItem(err))
	}
	var item OutputItem
	ctx, cancel := context.WithTimeout(context.Background(), endTimeout)
	defer cancel()
	if runErr := c.rt.Run(ctx, rec, func(*goja.Runtime) error {
		item = thrownItem(v)
		return nil
	}); runErr != nil {
		item = goErrorItem(err)
	}
	return c.failed(rec, item)
}

func (c *Coordinator) cancelled(rec *record) Outcome {
	rec.mu.Lock()
	updates := rec.updates
	rec.mu.Unlock()
	return Outcome{Key: rec.key, Status: journal.StatusCancelled, Updates: updates}
}

// finished assembles the final output: console streams first, then item.
func (c *Coordinator) finished(rec *record, status string, item *OutputItem) Outcome {
	if rec.ctx.Err() != nil {
		return c.cancelled(rec)
	}
	items := rec.streams()
	if item != nil && len(item.Data) > 0 {
		items = append(items, *item)
	}
	rec.mu.Lock()
	updates := rec.updates
	rec.mu.Unlock()
	out := Outcome{Key: rec.key, Status: status, Updates: updates}
	if len(items) > 0 {
		out.Output = &CellOutput{Items: items}
	}
	return out
}
