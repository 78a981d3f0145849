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
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/alexjbarnes/roomsync/internal/models"
)

// Config holds all environment-based configuration for roomsync.
type Config struct {
	// Portal endpoints. The WebSocket URL carries the STOMP broker, the
	// API URL serves history pages and read acknowledgements.
	WebSocketURL string `env:"PORTAL_WS_URL"`
	APIURL       string `env:"PORTAL_API_URL"`

	// Bearer token used for both the WebSocket upgrade and REST calls.
	// When empty, the token stored by a previous run is used.
	Token string `env:"PORTAL_TOKEN"`

	// UserID identifies the signed-in user so their own messages are
	// never counted as unread.
	UserID string `env:"PORTAL_USER_ID"`

	// Optional STOMP CONNECT credentials for brokers that want them on
	// top of the bearer token.
	StompLogin    string `env:"STOMP_LOGIN"`
	StompPasscode string `env:"STOMP_PASSCODE"`

	HandshakeTimeout  time.Duration `env:"HANDSHAKE_TIMEOUT" envDefault:"10s"`
	ReconnectMin      time.Duration `env:"RECONNECT_MIN" envDefault:"1s"`
	ReconnectMax      time.Duration `env:"RECONNECT_MAX" envDefault:"30s"`
	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"10s"`

	PageSize          int           `env:"PAGE_SIZE" envDefault:"30"`
	TombstoneWindow   time.Duration `env:"TOMBSTONE_WINDOW" envDefault:"30s"`
	LoadOlderInterval time.Duration `env:"LOAD_OLDER_INTERVAL" envDefault:"500ms"`

	// StatePath overrides the bbolt database location (~/.roomsync/state.db).
	StatePath string `env:"STATE_PATH"`

	// MetricsAddr enables the Prometheus endpoint when set, e.g. ":9090".
	MetricsAddr string `env:"METRICS_ADDR"`

	// ScopesFile lists the scopes to mount, in YAML.
	ScopesFile string `env:"SCOPES_FILE" envDefault:"scopes.yaml"`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. It usually carries the portal token.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
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

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if cfg.StatePath != "" {
		abs, err := filepath.Abs(cfg.StatePath)
		if err != nil {
			return nil, fmt.Errorf("resolving state path to absolute path: %w", err)
		}

		cfg.StatePath = abs
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if err := checkURL("PORTAL_WS_URL", c.WebSocketURL, "ws", "wss"); err != nil {
		return err
	}

	if err := checkURL("PORTAL_API_URL", c.APIURL, "http", "https"); err != nil {
		return err
	}

	if c.HandshakeTimeout <= 0 {
		return fmt.Errorf("HANDSHAKE_TIMEOUT must be positive")
	}

	if c.ReconnectMin <= 0 {
		return fmt.Errorf("RECONNECT_MIN must be positive")
	}

	if c.ReconnectMax < c.ReconnectMin {
		return fmt.Errorf("RECONNECT_MAX (%s) must not be below RECONNECT_MIN (%s)", c.ReconnectMax, c.ReconnectMin)
	}

	if c.HeartbeatInterval < 0 {
		return fmt.Errorf("HEARTBEAT_INTERVAL must not be negative")
	}

	if c.PageSize <= 0 {
		return fmt.Errorf("PAGE_SIZE must be positive, got %d", c.PageSize)
	}

	if c.TombstoneWindow < 0 {
		return fmt.Errorf("TOMBSTONE_WINDOW must not be negative")
	}

	return nil
}

func checkURL(name, raw string, schemes ...string) error {
	if raw == "" {
		return fmt.Errorf("%s is required", name)
	}

	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s is not a valid URL: %w", name, err)
	}

	for _, s := range schemes {
		if u.Scheme == s && u.Host != "" {
			return nil
		}
	}

	return fmt.Errorf("%s must be an absolute %s URL, got %q", name, strings.Join(schemes, " or "), raw)
}

type scopesFile struct {
	Scopes []models.Scope `yaml:"scopes"`
}

// LoadScopes reads the list of scopes to mount from a YAML file:
//
//	scopes:
//	  - id: room-7
//	    kind: room
//	    topic: /topic/rooms/7
//	    resource: /api/rooms/7/messages
func LoadScopes(path string) ([]models.Scope, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading scopes file: %w", err)
	}

	var f scopesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing scopes file %s: %w", path, err)
	}

	if len(f.Scopes) == 0 {
		return nil, fmt.Errorf("scopes file %s lists no scopes", path)
	}

	seen := make(map[string]struct{}, len(f.Scopes))

	for i, s := range f.Scopes {
		if s.ID == "" {
			return nil, fmt.Errorf("scope %d has no id", i+1)
		}

		if _, dup := seen[s.ID]; dup {
			return nil, fmt.Errorf("duplicate scope id %q", s.ID)
		}

		seen[s.ID] = struct{}{}

		switch s.Kind {
		case models.ScopeRoom, models.ScopeRoomList, models.ScopeNotifications:
		case "":
			f.Scopes[i].Kind = models.ScopeRoom
		default:
			return nil, fmt.Errorf("scope %q has unknown kind %q", s.ID, s.Kind)
		}

		if s.Topic == "" {
			return nil, fmt.Errorf("scope %q has no topic", s.ID)
		}

		if s.Resource != "" && !strings.HasPrefix(s.Resource, "/") {
			return nil, fmt.Errorf("scope %q resource must start with /", s.ID)
		}
	}

	return f.Scopes, nil
}
