package internal

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
)

// Auth modes.
const (
	AuthModeDisabled = "disabled"
	AuthModeToken    = "token"
)

// DefaultPort is the port the runtime listens on when none is configured.
const DefaultPort = 51205

// Config represents the application configuration.
type Config struct {
	App      ApplicationConfig `yaml:"app"`
	Notebook NotebookConfig    `yaml:"notebook"`
	Host     HostConfig        `yaml:"host"`
	Journal  JournalConfig     `yaml:"journal"`
	Auth     AuthConfig        `yaml:"auth"`
	MCP      MCPConfig         `yaml:"mcp"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := c.App.Validate(); err != nil {
		return err
	}
	if err := c.Notebook.Validate(); err != nil {
		return err
	}
	if err := c.Host.Validate(); err != nil {
		return err
	}
	return c.Auth.Validate()
}

// ApplicationConfig holds application-level configuration.
type ApplicationConfig struct {
	LogLevel slog.Level `yaml:"log_level"`
	HTTP     HTTPConfig `yaml:"http"`
	// Origin is the URL browsers reach the server at. Empty means it is
	// derived from the HTTP address.
	Origin string `yaml:"origin"`
}

// Validate validates the application configuration.
func (c *ApplicationConfig) Validate() error {
	if err := c.HTTP.Validate(); err != nil {
		return err
	}
	return validation.ValidateStruct(c,
		validation.Field(&c.Origin, is.URL),
	)
}

// ResolvedOrigin returns the origin client frames load modules from.
// Inside GitHub Codespaces the forwarded port URL is used.
func (c *ApplicationConfig) ResolvedOrigin() string {
	if c.Origin != "" {
		return c.Origin
	}
	name, domain := os.Getenv("CODESPACE_NAME"), os.Getenv("GITHUB_CODESPACES_PORT_FORWARDING_DOMAIN")
	if name != "" && domain != "" {
		return fmt.Sprintf("https://%s-%d.%s", name, c.HTTP.Port, domain)
	}
	return "http://localhost:" + strconv.Itoa(c.HTTP.Port)
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Address returns HTTP server address.
func (c *HTTPConfig) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Validate validates the HTTP configuration.
func (c *HTTPConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Port, validation.Required, validation.Min(1), validation.Max(65535)),
	)
}

// NotebookConfig holds the directory notebooks and their imports live in.
type NotebookConfig struct {
	Root  string `yaml:"root"`
	Watch bool   `yaml:"watch"`
}

// Validate validates the notebook configuration.
func (c *NotebookConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Root, validation.Required),
	)
}

// HostConfig holds module host configuration.
type HostConfig struct {
	// ImportMap maps bare specifiers to the URLs client frames load them from.
	ImportMap      map[string]string `yaml:"import_map"`
	ReloadThrottle time.Duration     `yaml:"reload_throttle"`
}

// Validate validates the host configuration.
func (c *HostConfig) Validate() error {
	for spec, url := range c.ImportMap {
		if err := validation.Validate(url, validation.Required, is.URL); err != nil {
			return fmt.Errorf("import_map: %s: %w", spec, err)
		}
	}
	return validation.ValidateStruct(c,
		validation.Field(&c.ReloadThrottle, validation.Min(time.Duration(0))),
	)
}

// JournalConfig holds the execution journal database.
type JournalConfig struct {
	// DSN is a go-sqlite3 data source name. Empty means an in-memory journal.
	DSN string `yaml:"dsn"`
}

// AuthConfig holds authentication configuration.
//
// Mode controls how authentication is enforced:
//   - "disabled" (default): no authentication required, suitable for local dev.
//   - "token": Bearer token authentication; Token must be non-empty.
type AuthConfig struct {
	Mode  string `yaml:"mode"`
	Token string `yaml:"token"`
}

// Validate validates the auth configuration.
func (c *AuthConfig) Validate() error {
	if c.Mode == "" {
		c.Mode = AuthModeDisabled
	}
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Mode, validation.Required, validation.In(AuthModeDisabled, AuthModeToken)),
	); err != nil {
		return err
	}
	if c.Mode == AuthModeToken && c.Token == "" {
		return fmt.Errorf("auth: mode is %q but token is empty", AuthModeToken)
	}
	return nil
}

// AuthEnabled returns true when authentication is active.
func (c *AuthConfig) AuthEnabled() bool {
	return c.Mode == AuthModeToken
}

// MCPConfig toggles the MCP endpoint.
type MCPConfig struct {
	Enabled bool `yaml:"enabled"`
}

// NewDefaultConfig returns a new Config with sensible default values.
func NewDefaultConfig() *Config {
	return &Config{
		App: ApplicationConfig{
			LogLevel: slog.LevelInfo,
			HTTP: HTTPConfig{
				Host: "127.0.0.1",
				Port: DefaultPort,
			},
		},
		Notebook: NotebookConfig{
			Root:  ".",
			Watch: true,
		},
		Host: HostConfig{
			ImportMap: map[string]string{
				"react":            "https://esm.sh/react@18.3.1",
				"react/":           "https://esm.sh/react@18.3.1/",
				"react-dom/client": "https://esm.sh/react-dom@18.3.1/client",
			},
			ReloadThrottle: 500 * time.Millisecond,
		},
		Auth: AuthConfig{
			Mode: AuthModeDisabled,
		},
		MCP: MCPConfig{
			Enabled: true,
		},
	}
}
