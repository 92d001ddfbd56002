// Package apperr holds the sentinel errors shared across the runtime.
package apperr

import "errors"

var (
	ErrNotFound      = errors.New("not found")
	ErrInvalidInput  = errors.New("invalid input")
	ErrAlreadyExists = errors.New("already exists")

	// Cell-level failures. Each becomes the failing cell's error output.
	ErrSyntax         = errors.New("syntax error")
	ErrConfiguration  = errors.New("configuration error")
	ErrRuntime        = errors.New("runtime error")
	ErrModuleNotFound = errors.New("module not found")
)

// Name returns the error name reported to the notebook for err.
func Name(err error) string {
	switch {
	case errors.Is(err, ErrSyntax):
		return "SyntaxError"
	case errors.Is(err, ErrConfiguration):
		return "ConfigurationError"
	case errors.Is(err, ErrModuleNotFound):
		return "ModuleNotFoundError"
	case errors.Is(err, ErrRuntime):
		return "RuntimeError"
	default:
		return "Error"
	}
}
