// Package config loads the daemon's settings from a JSON file with
// environment variable overrides, following the per-subsystem
// Init(jsonconf string) convention used throughout the teacher codebase's
// auth and push handlers, centralized into a single document.
package config

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Config holds the daemon's settings. There is no TLS key password
// setting: the key file is loaded as unencrypted PEM.
type Config struct {
	// ListenAddr is the TLS (or plaintext fallback) listener address.
	ListenAddr string `json:"listen_addr"`
	// MetricsAddr serves /metrics if non-empty.
	MetricsAddr string `json:"metrics_addr"`

	TLSCertFile string `json:"tls_cert_file"`
	TLSKeyFile  string `json:"tls_key_file"`
	// AllowPlaintext permits falling back to an unencrypted listener when
	// TLS setup fails. Diagnostic convenience only, never the production
	// default.
	AllowPlaintext bool `json:"allow_plaintext"`

	// WebsocketAddr, if non-empty, additionally serves the same command
	// protocol over websocket frames at WebsocketPath (spec section 10).
	// Off by default.
	WebsocketAddr string `json:"websocket_addr"`
	WebsocketPath string `json:"websocket_path"`

	UserFile string `json:"user_file"`

	AIEndpointURL    string        `json:"ai_endpoint_url"`
	AIConnectTimeout time.Duration `json:"ai_connect_timeout"`
	AIReadTimeout    time.Duration `json:"ai_read_timeout"`

	SessionTTL   time.Duration `json:"session_ttl"`
	AICacheTTL   time.Duration `json:"ai_cache_ttl"`
	HeartbeatSrv time.Duration `json:"heartbeat_server"`
	HeartbeatCli time.Duration `json:"heartbeat_client"`

	RoomHistoryCap int `json:"room_history_cap"`
	MaxConnections int `json:"max_connections"`

	DefaultAIRoomName     string `json:"default_ai_room_name"`
	DefaultAISystemPrompt string `json:"default_ai_system_prompt"`

	// TokenSigningKey signs session tokens (HMAC-SHA256). Must be >= 32
	// bytes, matching the teacher's auth/token minimum key length.
	TokenSigningKey []byte `json:"token_signing_key"`
}

// Defaults returns the baseline configuration, matching the defaults named
// in spec.md sections 4 and 6.
func Defaults() Config {
	return Config{
		ListenAddr:            ":8989",
		MetricsAddr:           ":9989",
		UserFile:              "users.txt",
		AIConnectTimeout:      5 * time.Second,
		AIReadTimeout:         20 * time.Second,
		SessionTTL:            60 * time.Minute,
		AICacheTTL:            5 * time.Minute,
		HeartbeatSrv:          30 * time.Second,
		HeartbeatCli:          20 * time.Second,
		RoomHistoryCap:        1000,
		MaxConnections:        10000,
		WebsocketPath:         "/ws",
		DefaultAIRoomName:     "AI Doodle",
		DefaultAISystemPrompt: "You are a friendly, curious chat room participant.",
	}
}

// Load reads a JSON config file (if path is non-empty and exists), applies
// environment variable overrides, and validates the result.
func Load(path string) (Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return Config{}, fmt.Errorf("config: reading %s: %w", path, err)
			}
		} else if err := json.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)

	if len(cfg.TokenSigningKey) == 0 {
		// Generated per-process when not configured; sessions will not
		// survive a restart, which is acceptable since spec.md's
		// Non-goals exclude persistence across restarts anyway.
		key, err := randomKey(32)
		if err != nil {
			return Config{}, fmt.Errorf("config: generating token key: %w", err)
		}
		cfg.TokenSigningKey = key
	} else if len(cfg.TokenSigningKey) < 32 {
		return Config{}, fmt.Errorf("config: token_signing_key must be at least 32 bytes")
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	bl := func(key string, dst *bool) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v == "1" || v == "true"
		}
	}

	str("CHATD_LISTEN_ADDR", &cfg.ListenAddr)
	str("CHATD_METRICS_ADDR", &cfg.MetricsAddr)
	str("CHATD_TLS_CERT_FILE", &cfg.TLSCertFile)
	str("CHATD_TLS_KEY_FILE", &cfg.TLSKeyFile)
	str("CHATD_USER_FILE", &cfg.UserFile)
	str("CHATD_WEBSOCKET_ADDR", &cfg.WebsocketAddr)
	str("CHATD_AI_ENDPOINT_URL", &cfg.AIEndpointURL)
	bl("CHATD_ALLOW_PLAINTEXT", &cfg.AllowPlaintext)
}

func randomKey(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return nil, err
	}
	return buf, nil
}
