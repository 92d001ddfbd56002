package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/cellar/internal/apperr"
	"github.com/starford/cellar/internal/cellid"
	"github.com/starford/cellar/internal/executor"
	"github.com/starford/cellar/internal/notebook"
)

// Notebook is the service behind the server methods.
type Notebook interface {
	ExecuteCells(ctx context.Context, cs []notebook.Cell, force, executeDirty bool) ([]executor.Outcome, error)
	RemoveCells(ctx context.Context, cs []notebook.Cell) error
	CancelCells(keys []cellid.Key) int
}

// Server implements the methods front-ends may call.
type Server struct {
	nb     Notebook
	logger *slog.Logger
}

// NewServer creates a Server.
func NewServer(nb Notebook, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{nb: nb, logger: logger}
}

// Handle dispatches one request.
func (s *Server) Handle(ctx context.Context, method string, args []json.RawMessage) (any, error) {
	switch method {
	case "ping":
		s.logger.Debug("rpc: ping")
		return "pong", nil

	case "executeCells":
		var cs []notebook.Cell
		var force, executeDirty bool
		if err := decodeArgs(method, args, &cs, &force, &executeDirty); err != nil {
			return nil, err
		}
		if err := validation.Validate(cs, validation.Required); err != nil {
			return nil, invalid(method, err)
		}
		// Runs outlive the connection that asked for them.
		_, err := s.nb.ExecuteCells(context.WithoutCancel(ctx), cs, force, executeDirty)
		return nil, err

	case "removeCells":
		var cs []notebook.Cell
		if err := decodeArgs(method, args, &cs); err != nil {
			return nil, err
		}
		if err := validation.Validate(cs, validation.Required); err != nil {
			return nil, invalid(method, err)
		}
		return nil, s.nb.RemoveCells(context.WithoutCancel(ctx), cs)

	case "cancelCells":
		var keys []cellid.Key
		if err := decodeArgs(method, args, &keys); err != nil {
			return nil, err
		}
		for i, k := range keys {
			if err := validateKey(k); err != nil {
				return nil, invalid(method, fmt.Errorf("%d: %w", i, err))
			}
		}
		return s.nb.CancelCells(keys), nil

	default:
		return nil, fmt.Errorf("rpc: unknown method %q: %w", method, apperr.ErrNotFound)
	}
}

func validateKey(k cellid.Key) error {
	return validation.ValidateStruct(&k,
		validation.Field(&k.Path, validation.Required),
		validation.Field(&k.CellID, validation.Required, validation.Match(cellid.CellIDPattern)),
	)
}

func invalid(method string, err error) error {
	return fmt.Errorf("rpc: %s: %v: %w", method, err, apperr.ErrInvalidInput)
}

// decodeArgs decodes positional arguments. Missing trailing arguments keep
// their zero value.
func decodeArgs(method string, args []json.RawMessage, dst ...any) error {
	for i, d := range dst {
		if i >= len(args) {
			return nil
		}
		if err := json.Unmarshal(args[i], d); err != nil {
			return fmt.Errorf("rpc: %s argument %d: %v: %w", method, i, err, apperr.ErrInvalidInput)
		}
	}
	return nil
}
