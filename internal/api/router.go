package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
)

// RouterConfig collects what the router mounts.
type RouterConfig struct {
	Cells      CellLister
	Executions ExecutionLog
	Modules    *ModuleHandler

	// AuthEnabled controls whether Bearer token auth guards the API, the RPC
	// upgrade and the MCP endpoint.
	AuthEnabled bool
	Token       string

	// RPC, HMR and MCP are mounted when non-nil.
	RPC http.Handler
	HMR http.Handler
	MCP http.Handler
}

// NewRouter creates a chi router with the notebook routes mounted. Any
// path no route claims is served as a module.
func NewRouter(cfg RouterConfig) chi.Router {
	h := NewHandler(cfg.Cells, cfg.Executions)

	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodHead, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"*"},
		MaxAge:         300,
	}))

	// Frames load modules and listen for reloads without credentials.
	if cfg.HMR != nil {
		r.Get(HMRPath, cfg.HMR.ServeHTTP)
	}

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(cfg.AuthEnabled, cfg.Token))

		r.Get("/api/cells", h.ListCells)
		r.Get("/api/executions", h.ListExecutions)

		if cfg.RPC != nil {
			r.Get(RPCPath, cfg.RPC.ServeHTTP)
		}
		if cfg.MCP != nil {
			r.Handle("/mcp", cfg.MCP)
		}
	})

	if cfg.Modules != nil {
		r.NotFound(cfg.Modules.ServeHTTP)
	}
	return r
}
