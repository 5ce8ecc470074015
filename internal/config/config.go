package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/alexjbarnes/chatsync/internal/chatsync"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// SyncTiming holds the failover timing knobs shared by every process that
// opens conversations.
type SyncTiming struct {
	SubscribeTimeout     time.Duration `env:"SYNC_SUBSCRIBE_TIMEOUT" envDefault:"10s"`
	PollInterval         time.Duration `env:"SYNC_POLL_INTERVAL" envDefault:"3s"`
	BackoffBase          time.Duration `env:"SYNC_BACKOFF_BASE" envDefault:"1s"`
	BackoffFactor        int           `env:"SYNC_BACKOFF_FACTOR" envDefault:"2"`
	BackoffMax           time.Duration `env:"SYNC_BACKOFF_MAX" envDefault:"10s"`
	MaxReconnectAttempts int           `env:"SYNC_MAX_RECONNECTS" envDefault:"3"`
}

// Timing converts the env values into the controller's timing settings.
func (t SyncTiming) Timing() chatsync.Timing {
	timing := chatsync.DefaultTiming()
	timing.SubscribeTimeout = t.SubscribeTimeout
	timing.PollInterval = t.PollInterval
	timing.BackoffBase = t.BackoffBase
	timing.BackoffFactor = t.BackoffFactor
	timing.BackoffMax = t.BackoffMax
	timing.MaxReconnectAttempts = t.MaxReconnectAttempts

	return timing
}

func (t SyncTiming) validate() error {
	if t.SubscribeTimeout <= 0 {
		return fmt.Errorf("SYNC_SUBSCRIBE_TIMEOUT must be positive")
	}

	if t.PollInterval <= 0 {
		return fmt.Errorf("SYNC_POLL_INTERVAL must be positive")
	}

	if t.BackoffBase <= 0 || t.BackoffMax < t.BackoffBase {
		return fmt.Errorf("SYNC_BACKOFF_BASE must be positive and not above SYNC_BACKOFF_MAX")
	}

	if t.BackoffFactor < 1 {
		return fmt.Errorf("SYNC_BACKOFF_FACTOR must be at least 1")
	}

	if t.MaxReconnectAttempts < 1 {
		return fmt.Errorf("SYNC_MAX_RECONNECTS must be at least 1")
	}

	return nil
}

// Config holds all environment-based configuration for the chatsync server.
type Config struct {
	// Service flags. At least one must be true.
	EnableServer bool `env:"ENABLE_SERVER" envDefault:"true"`
	EnableMCP    bool `env:"ENABLE_MCP" envDefault:"false"`

	ListenAddr string `env:"CHAT_LISTEN_ADDR" envDefault:":8080"`

	// Path of the bbolt message database. Defaults to
	// ~/.chatsync/chat.db when empty.
	DBPath string `env:"CHAT_DB_PATH"`

	// Participants and their bcrypt-hashed tokens.
	// Format: "alice:$2a$10$...,bob:$2a$10$..."
	Participants string `env:"CHAT_PARTICIPANTS"`

	// Optional YAML fixture applied at startup.
	SeedFile string `env:"CHAT_SEED_FILE"`

	Sync SyncTiming

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL"`
}

// ClientConfig holds configuration for the terminal client.
type ClientConfig struct {
	ServerURL string `env:"CHAT_SERVER_URL" envDefault:"http://localhost:8080"`
	Token     string `env:"CHAT_TOKEN"`

	// Peer participant to chat with. The conversation is created on
	// first use.
	Peer string `env:"CHAT_PEER"`

	Sync SyncTiming

	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"warn"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. Participant token hashes live there.
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

// Load reads server configuration from environment variables.
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

	if cfg.DBPath == "" {
		path, err := DefaultDBPath()
		if err != nil {
			return nil, err
		}

		cfg.DBPath = path
	}

	absPath, err := filepath.Abs(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("resolving db path to absolute path: %w", err)
	}

	cfg.DBPath = absPath

	return cfg, nil
}

func (c *Config) validate() error {
	if !c.EnableServer && !c.EnableMCP {
		return fmt.Errorf("at least one of ENABLE_SERVER or ENABLE_MCP must be true")
	}

	if c.Participants == "" {
		return fmt.Errorf("CHAT_PARTICIPANTS is required")
	}

	if _, err := c.ParseParticipants(); err != nil {
		return fmt.Errorf("CHAT_PARTICIPANTS: %w", err)
	}

	return c.Sync.validate()
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// ParticipantEntry is a participant id with its bcrypt token hash.
type ParticipantEntry struct {
	ID        string
	TokenHash string
}

// ParseParticipants parses the CHAT_PARTICIPANTS string.
// Format: "alice:$2a$10$...,bob:$2a$10$..."
func (c *Config) ParseParticipants() ([]ParticipantEntry, error) {
	seen := make(map[string]struct{})

	var entries []ParticipantEntry

	for _, pair := range strings.Split(c.Participants, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}

		idx := strings.Index(pair, ":")
		if idx < 0 {
			return nil, fmt.Errorf("invalid participant entry (missing ':')")
		}

		id := pair[:idx]

		hash := pair[idx+1:]
		if id == "" || hash == "" {
			return nil, fmt.Errorf("empty participant or token hash in entry %d", len(entries)+1)
		}

		if !strings.HasPrefix(hash, "$2") {
			return nil, fmt.Errorf("token hash for %q is not a bcrypt hash", id)
		}

		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("duplicate participant %q", id)
		}

		seen[id] = struct{}{}
		entries = append(entries, ParticipantEntry{ID: id, TokenHash: hash})
	}

	if len(entries) == 0 {
		return nil, fmt.Errorf("no participants configured")
	}

	return entries, nil
}

// LoadClient reads terminal client configuration from the environment.
func LoadClient() (*ClientConfig, error) {
	_ = godotenv.Load()

	cfg := &ClientConfig{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.Token == "" {
		return nil, fmt.Errorf("validating config: CHAT_TOKEN is required")
	}

	if cfg.Peer == "" {
		return nil, fmt.Errorf("validating config: CHAT_PEER is required")
	}

	if err := cfg.Sync.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	cfg.ServerURL = strings.TrimRight(cfg.ServerURL, "/")

	return cfg, nil
}

// DefaultDBPath returns ~/.chatsync/chat.db.
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".chatsync", "chat.db"), nil
}
