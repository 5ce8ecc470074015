package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	aliceHash = "$2a$10$aliceaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	bobHash   = "$2a$10$bobbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
)

// clearConfigEnv unsets all config env vars so tests start clean.
func clearConfigEnv(t *testing.T) {
	t.Helper()

	for _, key := range []string{
		"ENABLE_SERVER",
		"ENABLE_MCP",
		"CHAT_LISTEN_ADDR",
		"CHAT_DB_PATH",
		"CHAT_PARTICIPANTS",
		"CHAT_SEED_FILE",
		"CHAT_SERVER_URL",
		"CHAT_TOKEN",
		"CHAT_PEER",
		"SYNC_SUBSCRIBE_TIMEOUT",
		"SYNC_POLL_INTERVAL",
		"SYNC_BACKOFF_BASE",
		"SYNC_BACKOFF_FACTOR",
		"SYNC_BACKOFF_MAX",
		"SYNC_MAX_RECONNECTS",
		"ENVIRONMENT",
		"LOG_LEVEL",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

// setServerEnv sets the minimum env vars for the server.
func setServerEnv(t *testing.T, dbPath string) {
	t.Helper()
	t.Setenv("CHAT_DB_PATH", dbPath)
	t.Setenv("CHAT_PARTICIPANTS", "alice:"+aliceHash+",bob:"+bobHash)
}

// --- Load ---

func TestLoad_Defaults(t *testing.T) {
	clearConfigEnv(t)
	dbPath := filepath.Join(t.TempDir(), "chat.db")
	setServerEnv(t, dbPath)

	cfg, err := Load()
	require.NoError(t, err)

	assert.True(t, cfg.EnableServer)
	assert.False(t, cfg.EnableMCP)
	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, dbPath, cfg.DBPath)
	assert.Equal(t, "development", cfg.Environment)
	assert.False(t, cfg.IsProduction())

	assert.Equal(t, 10*time.Second, cfg.Sync.SubscribeTimeout)
	assert.Equal(t, 3*time.Second, cfg.Sync.PollInterval)
	assert.Equal(t, time.Second, cfg.Sync.BackoffBase)
	assert.Equal(t, 2, cfg.Sync.BackoffFactor)
	assert.Equal(t, 10*time.Second, cfg.Sync.BackoffMax)
	assert.Equal(t, 3, cfg.Sync.MaxReconnectAttempts)
}

func TestLoad_RelativeDBPathBecomesAbsolute(t *testing.T) {
	clearConfigEnv(t)
	setServerEnv(t, "data/chat.db")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(cfg.DBPath))
	assert.Equal(t, "chat.db", filepath.Base(cfg.DBPath))
}

func TestLoad_DefaultDBPath(t *testing.T) {
	clearConfigEnv(t)
	setServerEnv(t, "")

	home := t.TempDir()
	t.Setenv("HOME", home)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".chatsync", "chat.db"), cfg.DBPath)
}

func TestLoad_Overrides(t *testing.T) {
	clearConfigEnv(t)
	setServerEnv(t, filepath.Join(t.TempDir(), "chat.db"))
	t.Setenv("ENABLE_MCP", "true")
	t.Setenv("CHAT_LISTEN_ADDR", "127.0.0.1:9000")
	t.Setenv("CHAT_SEED_FILE", "seed.yaml")
	t.Setenv("SYNC_POLL_INTERVAL", "500ms")
	t.Setenv("SYNC_MAX_RECONNECTS", "5")
	t.Setenv("SYNC_BACKOFF_FACTOR", "3")
	t.Setenv("ENVIRONMENT", "production")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)

	assert.True(t, cfg.EnableMCP)
	assert.Equal(t, "127.0.0.1:9000", cfg.ListenAddr)
	assert.Equal(t, "seed.yaml", cfg.SeedFile)
	assert.Equal(t, 500*time.Millisecond, cfg.Sync.PollInterval)
	assert.Equal(t, 5, cfg.Sync.MaxReconnectAttempts)
	assert.Equal(t, 3, cfg.Sync.BackoffFactor)
	assert.Equal(t, 3, cfg.Sync.Timing().BackoffFactor)
	assert.True(t, cfg.IsProduction())
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoad_NoServiceEnabled(t *testing.T) {
	clearConfigEnv(t)
	setServerEnv(t, filepath.Join(t.TempDir(), "chat.db"))
	t.Setenv("ENABLE_SERVER", "false")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ENABLE_SERVER")
}

func TestLoad_MissingParticipants(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("CHAT_DB_PATH", filepath.Join(t.TempDir(), "chat.db"))

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CHAT_PARTICIPANTS")
}

func TestLoad_InvalidTiming(t *testing.T) {
	cases := map[string][2]string{
		"zero timeout":         {"SYNC_SUBSCRIBE_TIMEOUT", "0s"},
		"zero poll":            {"SYNC_POLL_INTERVAL", "0s"},
		"max below base":       {"SYNC_BACKOFF_MAX", "500ms"},
		"no reconnects":        {"SYNC_MAX_RECONNECTS", "0"},
		"zero factor":          {"SYNC_BACKOFF_FACTOR", "0"},
		"unparseable duration": {"SYNC_POLL_INTERVAL", "often"},
	}

	for name, kv := range cases {
		t.Run(name, func(t *testing.T) {
			clearConfigEnv(t)
			setServerEnv(t, filepath.Join(t.TempDir(), "chat.db"))
			t.Setenv(kv[0], kv[1])

			_, err := Load()
			assert.Error(t, err)
		})
	}
}

// --- ParseParticipants ---

func TestParseParticipants(t *testing.T) {
	cfg := &Config{Participants: " alice:" + aliceHash + " , bob:" + bobHash + ","}

	entries, err := cfg.ParseParticipants()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, ParticipantEntry{ID: "alice", TokenHash: aliceHash}, entries[0])
	assert.Equal(t, "bob", entries[1].ID)
}

func TestParseParticipants_Invalid(t *testing.T) {
	cases := map[string]string{
		"missing colon": "alice",
		"empty id":      ":" + aliceHash,
		"empty hash":    "alice:",
		"not bcrypt":    "alice:plaintext",
		"duplicate":     "alice:" + aliceHash + ",alice:" + bobHash,
		"only commas":   ",,",
	}

	for name, value := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := (&Config{Participants: value}).ParseParticipants()
			assert.Error(t, err)
		})
	}
}

// --- SyncTiming ---

func TestSyncTiming_Timing(t *testing.T) {
	st := SyncTiming{
		SubscribeTimeout:     2 * time.Second,
		PollInterval:         time.Second,
		BackoffBase:          100 * time.Millisecond,
		BackoffFactor:        3,
		BackoffMax:           time.Second,
		MaxReconnectAttempts: 4,
	}

	timing := st.Timing()
	assert.Equal(t, 2*time.Second, timing.SubscribeTimeout)
	assert.Equal(t, time.Second, timing.PollInterval)
	assert.Equal(t, 100*time.Millisecond, timing.BackoffBase)
	assert.Equal(t, time.Second, timing.BackoffMax)
	assert.Equal(t, 4, timing.MaxReconnectAttempts)
	assert.Equal(t, 3, timing.BackoffFactor)
}

// --- LoadClient ---

func TestLoadClient(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("CHAT_SERVER_URL", "https://chat.example.com/")
	t.Setenv("CHAT_TOKEN", "alice:secret")
	t.Setenv("CHAT_PEER", "bob")

	cfg, err := LoadClient()
	require.NoError(t, err)
	assert.Equal(t, "https://chat.example.com", cfg.ServerURL)
	assert.Equal(t, "alice:secret", cfg.Token)
	assert.Equal(t, "bob", cfg.Peer)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, 3*time.Second, cfg.Sync.PollInterval)
}

func TestLoadClient_RequiresTokenAndPeer(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("CHAT_PEER", "bob")

	_, err := LoadClient()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CHAT_TOKEN")

	t.Setenv("CHAT_TOKEN", "alice:secret")
	t.Setenv("CHAT_PEER", "")

	_, err = LoadClient()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CHAT_PEER")
}

// --- DefaultDBPath ---

func TestDefaultDBPath(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	path, err := DefaultDBPath()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".chatsync", "chat.db"), path)
}
