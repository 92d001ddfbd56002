// Package notebook applies front-end edits to the cell store and runs the
// cells they affect.
package notebook

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"golang.org/x/sync/errgroup"

	"github.com/starford/cellar/internal/apperr"
	"github.com/starford/cellar/internal/cells"
	"github.com/starford/cellar/internal/cellid"
	"github.com/starford/cellar/internal/executor"
	"github.com/starford/cellar/internal/journal"
	"github.com/starford/cellar/internal/rewrite"
	"github.com/starford/cellar/internal/tracker"
)

const notifyTimeout = 5 * time.Second

var languages = []any{cellid.JavaScript, cellid.TypeScript, cellid.JavaScriptReact, cellid.TypeScriptReact}

// Cell addresses a cell in a request. Code is nil when the cell is run
// without an edit.
type Cell struct {
	Path     string          `json:"path"`
	CellID   string          `json:"cellId"`
	Language cellid.Language `json:"language"`
	Code     *string         `json:"code,omitempty"`
}

// Validate checks the addressing fields.
func (c Cell) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Path, validation.Required),
		validation.Field(&c.CellID, validation.Required, validation.Match(cellid.CellIDPattern)),
		validation.Field(&c.Language, validation.Required, validation.In(languages...)),
	)
}

// ModuleID returns the module id of the cell.
func (c Cell) ModuleID() (cellid.ID, error) {
	return cellid.ForLanguage(c.Path, c.CellID, c.Language)
}

// Runtime is the module host as seen by the service.
type Runtime interface {
	tracker.Graph
	Forget(id string)
	PropagateUpdate(id string)
	FileChanged(abs string)
}

// Executor runs cells.
type Executor interface {
	Execute(ctx context.Context, id cellid.ID, force bool) executor.Outcome
	Cancel(keys []cellid.Key) int
}

// Notifier tells front-ends which cells hold stale output.
type Notifier interface {
	MarkCellsDirty(ctx context.Context, keys []cellid.Key)
}

// Service is the notebook runtime's entry point for edits and runs.
type Service struct {
	store  *cells.Store
	rt     Runtime
	notify Notifier
	logger *slog.Logger

	execMu sync.RWMutex
	exec   Executor
}

// New creates a service. SetExecutor must be called before cells are run.
func New(store *cells.Store, rt Runtime, notify Notifier, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, rt: rt, notify: notify, logger: logger}
}

// SetExecutor installs the executor. The executor reads cell sources back
// through Describe, so it is created after the service.
func (s *Service) SetExecutor(e Executor) {
	s.execMu.Lock()
	defer s.execMu.Unlock()
	s.exec = e
}

func (s *Service) executor() (Executor, error) {
	s.execMu.RLock()
	defer s.execMu.RUnlock()
	if s.exec == nil {
		return nil, fmt.Errorf("notebook: no executor: %w", apperr.ErrConfiguration)
	}
	return s.exec, nil
}

type run struct {
	id    cellid.ID
	force bool
}

// ExecuteCells stores the edits in cs, runs the edited cells and, when
// executeDirty is set, the cells that depend on them. Cells whose output
// went stale without being run are reported to the front-ends.
func (s *Service) ExecuteCells(ctx context.Context, cs []Cell, force, executeDirty bool) ([]executor.Outcome, error) {
	exec, err := s.executor()
	if err != nil {
		return nil, err
	}
	ids, err := moduleIDs(cs)
	if err != nil {
		return nil, err
	}

	dirty := tracker.NewDirtySet()
	for i, c := range cs {
		id := ids[i]
		if c.Code != nil {
			s.store.Set(id, *c.Code)
			s.rt.PropagateUpdate(id.String())
		}
		dirty.Merge(tracker.Invalidate(s.rt, id.String()))
	}
	for _, id := range ids {
		dirty.Remove(id.Key)
	}

	runs := make([]run, 0, len(ids)+dirty.Len())
	for _, id := range ids {
		runs = append(runs, run{id: id, force: force})
	}
	if executeDirty {
		for _, id := range dirty.IDs() {
			runs = append(runs, run{id: id})
		}
	}

	outcomes := make([]executor.Outcome, len(runs))
	var g errgroup.Group
	for i, r := range runs {
		g.Go(func() error {
			outcomes[i] = exec.Execute(ctx, r.id, r.force)
			return nil
		})
	}
	_ = g.Wait()

	var stale []cellid.Key
	for i, r := range runs {
		if !r.force && outcomes[i].Status == journal.StatusSkipped {
			stale = append(stale, r.id.Key)
		}
	}
	if !executeDirty {
		stale = append(stale, dirty.Keys()...)
	}
	s.markDirty(ctx, stale)
	return outcomes, nil
}

// RemoveCells deletes cs and reports the cells that imported them as dirty.
func (s *Service) RemoveCells(ctx context.Context, cs []Cell) error {
	ids, err := moduleIDs(cs)
	if err != nil {
		return err
	}

	dirty := tracker.NewDirtySet()
	for _, id := range ids {
		var exports []string
		if c, ok := s.store.Get(id); ok {
			exports = c.Exports
		}
		s.store.Delete(id.Key)
		dirty.Merge(tracker.Invalidate(s.rt, id.String()))
		s.rt.Forget(id.String())
		dirty.Merge(s.restale(id, nil, exports))
	}
	for _, id := range ids {
		dirty.Remove(id.Key)
	}
	s.markDirty(ctx, dirty.Keys())
	return nil
}

// CancelCells cancels the executions in flight for keys.
func (s *Service) CancelCells(keys []cellid.Key) int {
	exec, err := s.executor()
	if err != nil {
		return 0
	}
	return exec.Cancel(keys)
}

// Describe returns the rewritten module of id, rewriting it against its
// siblings' exports when no fresh rewrite is memoized. A rewrite that
// changes what the cell exports invalidates the siblings that relied on
// the old exports.
func (s *Service) Describe(id cellid.ID) (*rewrite.SourceDescription, error) {
	c, ok := s.store.Get(id)
	if !ok {
		return nil, fmt.Errorf("notebook: cell %s: %w", id, apperr.ErrModuleNotFound)
	}
	if c.Source != nil {
		return c.Source, nil
	}

	table := s.store.ForPath(id.Path).ExportTable(id.CellID)
	desc, err := rewrite.Rewrite(c.Code, c.Language, id.String(), id.CellID, table)
	if err != nil {
		return nil, err
	}

	prev, stored := s.store.StoreSource(id, c.Code, desc)
	if !stored {
		return desc, nil
	}
	added, removed := diff(prev, desc.ExportedNames)
	if len(added) == 0 && len(removed) == 0 {
		return desc, nil
	}
	dirty := s.restale(id, added, removed)
	if dirty.Len() > 0 {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
			defer cancel()
			s.markDirty(ctx, dirty.Keys())
		}()
	}
	return desc, nil
}

// restale drops the rewrites of siblings that depend on how the exports of
// id changed, evicts them and returns everything that is now dirty.
func (s *Service) restale(id cellid.ID, added, removed []string) *tracker.DirtySet {
	dirty := tracker.NewDirtySet()
	if len(added) == 0 && len(removed) == 0 {
		return dirty
	}
	for _, dep := range s.store.ForPath(id.Path).Dependents(id, added, removed) {
		s.logger.Debug("notebook: sibling rewrite is stale",
			slog.String("cell", dep.Key.String()),
			slog.String("exporter", id.Key.String()),
		)
		s.store.ClearSource(dep.Key)
		dirty.Add(dep)
		dirty.Merge(tracker.Invalidate(s.rt, dep.String()))
	}
	return dirty
}

// FileChanged invalidates the on-disk module abs and everything that
// imports it.
func (s *Service) FileChanged(abs string) {
	dirty := tracker.Invalidate(s.rt, abs)
	s.rt.FileChanged(abs)
	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()
	s.markDirty(ctx, dirty.Keys())
}

// Cells lists the cells of the document path in creation order.
func (s *Service) Cells(path string) []cells.Cell {
	return s.store.ForPath(path).Cells()
}

// Lookup finds a cell by key regardless of its language.
func (s *Service) Lookup(key cellid.Key) (cells.Cell, bool) {
	for _, c := range s.store.ForPath(key.Path).Cells() {
		if c.ID.CellID == key.CellID {
			return c, true
		}
	}
	return cells.Cell{}, false
}

// Paths lists the documents that hold cells.
func (s *Service) Paths() []string {
	return s.store.Paths()
}

func (s *Service) markDirty(ctx context.Context, keys []cellid.Key) {
	if len(keys) == 0 || s.notify == nil {
		return
	}
	s.notify.MarkCellsDirty(ctx, dedupe(keys))
}

func moduleIDs(cs []Cell) ([]cellid.ID, error) {
	ids := make([]cellid.ID, len(cs))
	for i, c := range cs {
		if err := c.Validate(); err != nil {
			return nil, fmt.Errorf("notebook: cell %d: %v: %w", i, err, apperr.ErrInvalidInput)
		}
		id, err := c.ModuleID()
		if err != nil {
			return nil, err
		}
		ids[i] = id
	}
	return ids, nil
}

func diff(prev, next []string) (added, removed []string) {
	for _, n := range next {
		if !slices.Contains(prev, n) {
			added = append(added, n)
		}
	}
	for _, p := range prev {
		if !slices.Contains(next, p) {
			removed = append(removed, p)
		}
	}
	return added, removed
}

func dedupe(keys []cellid.Key) []cellid.Key {
	seen := make(map[cellid.Key]bool, len(keys))
	out := keys[:0:0]
	for _, k := range keys {
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k)
	}
	return out
}
