package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// General
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	LogFile     string `envconfig:"LOG_FILE"` // rotated file sink; stderr only when empty
	DataDir     string `envconfig:"DATA_DIR" default:"./data"`
	Timezone    string `envconfig:"TIMEZONE"` // IANA name; system local zone when empty

	// Room membership. ROOM_TOKEN claims fill in ROOM_ID and ACTOR_ID when unset.
	RoomID     string `envconfig:"ROOM_ID"`
	ActorID    string `envconfig:"ACTOR_ID"`
	RoomToken  string `envconfig:"ROOM_TOKEN"`
	GatewayURL string `envconfig:"GATEWAY_URL"` // ws(s)://host/ws; in-memory gateway when empty

	// Timer
	TimerDebounce     time.Duration `envconfig:"TIMER_DEBOUNCE" default:"500ms"`
	TimerDuration     time.Duration `envconfig:"TIMER_DURATION" default:"30m"`
	SnoozeDuration    time.Duration `envconfig:"SNOOZE_DURATION" default:"5m"`
	TimerTickInterval time.Duration `envconfig:"TIMER_TICK_INTERVAL" default:"1s"`
	PolicyFile        string        `envconfig:"POLICY_FILE"`

	// Sync
	RolloverCheckInterval time.Duration `envconfig:"ROLLOVER_CHECK_INTERVAL" default:"1m"`
	WriteWorkers          int           `envconfig:"WRITE_WORKERS" default:"4"`
	WriteQueueSize        int           `envconfig:"WRITE_QUEUE_SIZE" default:"1000"`
	WriteRetries          int           `envconfig:"WRITE_RETRIES" default:"3"`

	// Local management API
	APIListenAddr   string `envconfig:"API_LISTEN_ADDR" default:"127.0.0.1:8090"`
	APIKey          string `envconfig:"API_KEY"`
	APIRateLimitRPS int    `envconfig:"API_RATE_LIMIT_RPS" default:"50"`
	APIRateBurst    int    `envconfig:"API_RATE_LIMIT_BURST" default:"100"`
	APICORSOrigins  string `envconfig:"API_CORS_ORIGINS"` // comma-separated; CORS disabled when empty
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	return LoadWithPrefix("")
}

// LoadWithPrefix reads configuration with a prefix.
func LoadWithPrefix(prefix string) (*Config, error) {
	var cfg Config
	if err := envconfig.Process(prefix, &cfg); err != nil {
		return nil, fmt.Errorf("loading config with prefix %s: %w", prefix, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values envconfig cannot.
func (c *Config) Validate() error {
	if c.TimerDebounce < 0 {
		return fmt.Errorf("TIMER_DEBOUNCE must not be negative")
	}
	if c.TimerTickInterval <= 0 || c.RolloverCheckInterval <= 0 {
		return fmt.Errorf("tick and rollover intervals must be positive")
	}
	if c.WriteWorkers <= 0 || c.WriteQueueSize <= 0 {
		return fmt.Errorf("WRITE_WORKERS and WRITE_QUEUE_SIZE must be positive")
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	return nil
}

// IsDevelopment reports whether human-readable console logging should be used.
func (c *Config) IsDevelopment() bool {
	return strings.EqualFold(c.Environment, "development")
}

// RemoteEnabled returns true if a remote gateway URL is configured.
func (c *Config) RemoteEnabled() bool {
	return c.GatewayURL != ""
}

// Location resolves TIMEZONE, defaulting to the system zone.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid TIMEZONE %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// DBPath is the SQLite cache file inside DATA_DIR.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "cache.db")
}

// TimerDir is the directory holding the timer state file.
func (c *Config) TimerDir() string {
	return filepath.Join(c.DataDir, "timer")
}
