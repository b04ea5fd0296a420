package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

var validate = validator.New()

// Config holds all environment-based configuration for chat-sync.
type Config struct {
	// Backend base URL. The WebSocket endpoint is derived from it.
	ServerURL string `env:"CHAT_SERVER_URL" validate:"required,url"`

	// REST base URL, for deployments that mount the API under a prefix
	// such as /api. Defaults to ServerURL.
	APIURL string `env:"CHAT_API_URL" validate:"omitempty,url"`

	// Static session. Both or neither must be set.
	Username string `env:"CHAT_USERNAME"`
	Token    string `env:"CHAT_TOKEN"`

	// YAML file holding {username, token}. When set, the file is watched
	// and its creation/removal drives login and logout.
	SessionFile string `env:"CHAT_SESSION_FILE"`

	// bbolt mirror location. Defaults to ~/.chat-sync/state.db.
	StateDB string `env:"CHAT_STATE_DB"`

	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"30s"`
	ReconnectDelay    time.Duration `env:"RECONNECT_DELAY" envDefault:"3s"`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" validate:"omitempty,oneof=debug info warn warning error"`

	// MCP tool surface (optional)
	EnableMCP     bool   `env:"ENABLE_MCP" envDefault:"false"`
	MCPListenAddr string `env:"MCP_LISTEN_ADDR" envDefault:":8090"`
	MCPAPIKeys    string `env:"MCP_API_KEYS"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. It may contain a bearer token.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.ServerURL = strings.TrimRight(cfg.ServerURL, "/")
	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if cfg.APIURL == "" {
		cfg.APIURL = cfg.ServerURL
	}

	if cfg.StateDB == "" {
		p, err := DefaultStateDB()
		if err != nil {
			return nil, err
		}

		cfg.StateDB = p
	}

	if cfg.SessionFile != "" {
		abs, err := filepath.Abs(cfg.SessionFile)
		if err != nil {
			return nil, fmt.Errorf("resolving session file path: %w", err)
		}

		cfg.SessionFile = abs
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}

	u, err := url.Parse(c.ServerURL)
	if err != nil {
		return fmt.Errorf("CHAT_SERVER_URL: %w", err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("CHAT_SERVER_URL must use http or https, got %q", u.Scheme)
	}

	if (c.Username == "") != (c.Token == "") {
		return fmt.Errorf("CHAT_USERNAME and CHAT_TOKEN must be set together")
	}

	if c.SessionFile != "" && c.Username != "" {
		return fmt.Errorf("CHAT_SESSION_FILE and CHAT_USERNAME are mutually exclusive")
	}

	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("HEARTBEAT_INTERVAL must be positive")
	}

	if c.ReconnectDelay <= 0 {
		return fmt.Errorf("RECONNECT_DELAY must be positive")
	}

	if c.EnableMCP && c.MCPAPIKeys == "" {
		return fmt.Errorf("MCP_API_KEYS is required when MCP is enabled")
	}

	return nil
}

// DefaultStateDB returns ~/.chat-sync/state.db.
func DefaultStateDB() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".chat-sync", "state.db"), nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// APIKeyEntry is a named bcrypt hash parsed from MCP_API_KEYS.
type APIKeyEntry struct {
	Name string
	Hash string
}

// ParseMCPAPIKeys parses the MCP_API_KEYS string.
// Format: "laptop:$2a$10$...,phone:$2a$10$..."
func (c *Config) ParseMCPAPIKeys() ([]APIKeyEntry, error) {
	if c.MCPAPIKeys == "" {
		return nil, nil
	}

	seen := make(map[string]struct{})

	var entries []APIKeyEntry

	for _, pair := range strings.Split(c.MCPAPIKeys, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}

		idx := strings.Index(pair, ":")
		if idx < 0 {
			return nil, fmt.Errorf("invalid API key entry (missing ':')")
		}

		name := pair[:idx]

		hash := pair[idx+1:]
		if name == "" || hash == "" {
			return nil, fmt.Errorf("empty name or hash in entry %d", len(entries)+1)
		}

		if !strings.HasPrefix(hash, "$2") {
			return nil, fmt.Errorf("API key hash in entry %d is not a bcrypt hash (use chat-sync hash-key)", len(entries)+1)
		}

		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("duplicate name %q in MCP_API_KEYS", name)
		}

		seen[name] = struct{}{}
		entries = append(entries, APIKeyEntry{Name: name, Hash: hash})
	}

	return entries, nil
}
