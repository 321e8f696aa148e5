// Package config loads the settings of the quiz server and the demo clients from MCP_*
// environment variables. Command-line flags in the programs override what is loaded here.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
)

// Server transports.
const (
	TransportSSE   = "sse"
	TransportStdio = "stdio"
)

// Server holds the quiz server settings.
type Server struct {
	Name           string   `env:"MCP_SERVER_NAME,default=MCPServer"`
	Host           string   `env:"MCP_HOST,default=0.0.0.0"`
	Port           int      `env:"MCP_PORT,default=8000,strict"`
	SSEPath        string   `env:"MCP_SSE_PATH,default=/sse"`
	MessagePath    string   `env:"MCP_MESSAGE_PATH,default=/messages/"`
	LogLevel       string   `env:"MCP_LOG_LEVEL,default=DEBUG"`
	Transport      string   `env:"MCP_TRANSPORT,default=sse"`
	AllowedOrigins []string `env:"MCP_ALLOWED_ORIGINS"`

	ShutdownTimeout time.Duration `env:"MCP_SHUTDOWN_TIMEOUT,default=10s,strict"`
}

// Client holds the demo client settings.
type Client struct {
	// Target is the SSE URL for the SSE client. The stdio client takes its command from
	// the command line instead.
	Target         string        `env:"MCP_TARGET,default=http://0.0.0.0:8000/sse"`
	RequestTimeout time.Duration `env:"MCP_REQUEST_TIMEOUT,default=30s,strict"`
	LogLevel       string        `env:"MCP_LOG_LEVEL,default=INFO"`
	Grade          int           `env:"MCP_GRADE,default=86,strict"`
}

// LoadServer reads the server settings from the environment.
func LoadServer() (Server, error) {
	var cfg Server
	if err := decode(&cfg); err != nil {
		return Server{}, err
	}
	return cfg, cfg.Validate()
}

// LoadClient reads the client settings from the environment.
func LoadClient() (Client, error) {
	var cfg Client
	if err := decode(&cfg); err != nil {
		return Client{}, err
	}
	return cfg, nil
}

// decode fills target from the environment. Tag defaults count as set fields, so an
// environment without any MCP_* variable still decodes.
func decode(target any) error {
	if err := envdecode.Decode(target); err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	return nil
}

// Validate reports settings that can't work together.
func (c Server) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if !strings.HasPrefix(c.SSEPath, "/") || !strings.HasPrefix(c.MessagePath, "/") {
		return errors.New("sse and message paths must start with /")
	}
	if c.SSEPath == c.MessagePath {
		return fmt.Errorf("sse path and message path must differ, both are %q", c.SSEPath)
	}
	if c.Transport != TransportSSE && c.Transport != TransportStdio {
		return fmt.Errorf("unknown transport %q, want %q or %q", c.Transport, TransportSSE, TransportStdio)
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// Addr returns the listen address.
func (c Server) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// ParseLevel parses a level name such as "DEBUG" or "warn".
func ParseLevel(name string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(name)); err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", name, err)
	}
	return level, nil
}
