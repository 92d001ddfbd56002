package internal

// Option is a functional option for configuring the application.
type Option func(*application)

type application struct {
	config *Config
	port   int
	root   string
}

// WithConfig sets the application configuration.
func WithConfig(cfg *Config) Option {
	return func(a *application) {
		a.config = cfg
	}
}

// WithPort overrides the configured HTTP port. Zero keeps the configured one.
func WithPort(port int) Option {
	return func(a *application) {
		a.port = port
	}
}

// WithRoot overrides the configured notebook root. Empty keeps the
// configured one.
func WithRoot(root string) Option {
	return func(a *application) {
		a.root = root
	}
}

// resolve applies the overrides to the configuration and validates it.
func (a *application) resolve() (*Config, error) {
	cfg := a.config
	if a.port != 0 {
		cfg.App.HTTP.Port = a.port
	}
	if a.root != "" {
		cfg.Notebook.Root = a.root
	}
	return cfg, cfg.Validate()
}
