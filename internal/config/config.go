package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/codefionn/interactd/internal/consts"
)

// Config holds the broker daemon configuration. Durations are stored in
// seconds so the JSON file stays plain; environment overrides accept Go
// duration syntax (e.g. SESSION_TTL=15m).
type Config struct {
	Listen   string `json:"listen"`
	LogLevel string `json:"log_level"`
	LogPath  string `json:"log_path,omitempty"`

	SessionTTLSeconds    int `json:"session_ttl_seconds"`
	SweepIntervalSeconds int `json:"sweep_interval_seconds"`

	PermissionTimeoutSeconds int `json:"permission_timeout_seconds"`
	PlanTimeoutSeconds       int `json:"plan_timeout_seconds"`
	AskUserTimeoutSeconds    int `json:"ask_user_timeout_seconds"`

	HeartbeatIntervalSeconds      int   `json:"heartbeat_interval_seconds"`
	MaxInteractionsPerSession     int   `json:"max_interactions_per_session"`
	MaxSessions                   int   `json:"max_sessions"`
	MaxSubscribers                int   `json:"max_subscribers"`
	MaxSubscriptionsPerSubscriber int   `json:"max_subscriptions_per_subscriber"`
	MaxQueuePerSubscriber         int   `json:"max_queue_per_subscriber"`
	SubscribeRatePerMinute        int   `json:"subscribe_rate_per_minute"`
	MaxFrameBytes                 int64 `json:"max_frame_bytes"`
	NonceCacheSize                int   `json:"nonce_cache_size"`
	NonceWindowSeconds            int   `json:"nonce_window_seconds"`
}

// Default returns a configuration populated with the documented defaults.
func Default() *Config {
	return &Config{
		Listen:   "127.0.0.1:8937",
		LogLevel: "info",

		SessionTTLSeconds:    int(consts.DefaultSessionTTL / time.Second),
		SweepIntervalSeconds: int(consts.DefaultSweepInterval / time.Second),

		PermissionTimeoutSeconds: int(consts.DefaultPermissionTimeout / time.Second),
		PlanTimeoutSeconds:       int(consts.DefaultPlanApprovalTimeout / time.Second),
		AskUserTimeoutSeconds:    int(consts.DefaultAskUserTimeout / time.Second),

		HeartbeatIntervalSeconds:      int(consts.DefaultHeartbeatInterval / time.Second),
		MaxInteractionsPerSession:     consts.DefaultMaxInteractionsPerSession,
		MaxSessions:                   consts.DefaultMaxSessions,
		MaxSubscribers:                consts.DefaultMaxSubscribers,
		MaxSubscriptionsPerSubscriber: consts.DefaultMaxSubscriptionsPerSubscriber,
		MaxQueuePerSubscriber:         consts.DefaultMaxQueuePerSubscriber,
		SubscribeRatePerMinute:        consts.DefaultSubscribeRatePerMinute,
		MaxFrameBytes:                 consts.DefaultMaxFrameBytes,
		NonceCacheSize:                consts.DefaultNonceCacheSize,
		NonceWindowSeconds:            int(consts.DefaultNonceWindow / time.Second),
	}
}

// LoadFile reads a JSON config file over the defaults. A missing file is not
// an error; the defaults are returned.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	return cfg, nil
}

// ApplyEnv overlays environment variables onto the configuration.
func (c *Config) ApplyEnv() error {
	var firstErr error

	durationVar := func(name string, dst *int) {
		v := os.Getenv(name)
		if v == "" {
			return
		}
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			if firstErr == nil {
				firstErr = fmt.Errorf("invalid duration in %s: %q", name, v)
			}
			return
		}
		*dst = int(d / time.Second)
	}

	intVar := func(name string, dst *int) {
		v := os.Getenv(name)
		if v == "" {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			if firstErr == nil {
				firstErr = fmt.Errorf("invalid integer in %s: %q", name, v)
			}
			return
		}
		*dst = n
	}

	if v := os.Getenv("INTERACTD_LISTEN"); v != "" {
		c.Listen = v
	}
	if v := os.Getenv("INTERACTD_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}

	durationVar("SESSION_TTL", &c.SessionTTLSeconds)
	durationVar("SWEEP_INTERVAL", &c.SweepIntervalSeconds)
	durationVar("INTERACTION_TIMEOUT_PERMISSION", &c.PermissionTimeoutSeconds)
	durationVar("INTERACTION_TIMEOUT_PLAN", &c.PlanTimeoutSeconds)
	durationVar("INTERACTION_TIMEOUT_ASK_USER", &c.AskUserTimeoutSeconds)
	durationVar("HEARTBEAT_INTERVAL", &c.HeartbeatIntervalSeconds)

	intVar("MAX_INTERACTIONS_PER_SESSION", &c.MaxInteractionsPerSession)
	intVar("MAX_SESSIONS", &c.MaxSessions)
	intVar("MAX_SUBSCRIBERS", &c.MaxSubscribers)
	intVar("MAX_SUBSCRIPTIONS_PER_SUBSCRIBER", &c.MaxSubscriptionsPerSubscriber)
	intVar("MAX_QUEUE_PER_SUBSCRIBER", &c.MaxQueuePerSubscriber)
	intVar("NONCE_CACHE", &c.NonceCacheSize)
	intVar("NONCE_WINDOW_SECONDS", &c.NonceWindowSeconds)

	if v := os.Getenv("MAX_FRAME_BYTES"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			if firstErr == nil {
				firstErr = fmt.Errorf("invalid integer in MAX_FRAME_BYTES: %q", v)
			}
		} else {
			c.MaxFrameBytes = n
		}
	}

	return firstErr
}

// Validate checks that every limit is positive.
func (c *Config) Validate() error {
	checks := []struct {
		name  string
		value int64
	}{
		{"session_ttl_seconds", int64(c.SessionTTLSeconds)},
		{"sweep_interval_seconds", int64(c.SweepIntervalSeconds)},
		{"permission_timeout_seconds", int64(c.PermissionTimeoutSeconds)},
		{"plan_timeout_seconds", int64(c.PlanTimeoutSeconds)},
		{"ask_user_timeout_seconds", int64(c.AskUserTimeoutSeconds)},
		{"heartbeat_interval_seconds", int64(c.HeartbeatIntervalSeconds)},
		{"max_interactions_per_session", int64(c.MaxInteractionsPerSession)},
		{"max_sessions", int64(c.MaxSessions)},
		{"max_subscribers", int64(c.MaxSubscribers)},
		{"max_subscriptions_per_subscriber", int64(c.MaxSubscriptionsPerSubscriber)},
		{"max_queue_per_subscriber", int64(c.MaxQueuePerSubscriber)},
		{"subscribe_rate_per_minute", int64(c.SubscribeRatePerMinute)},
		{"max_frame_bytes", c.MaxFrameBytes},
		{"nonce_cache_size", int64(c.NonceCacheSize)},
		{"nonce_window_seconds", int64(c.NonceWindowSeconds)},
	}
	for _, chk := range checks {
		if chk.value <= 0 {
			return fmt.Errorf("config value %s must be positive, got %d", chk.name, chk.value)
		}
	}
	if c.Listen == "" {
		return fmt.Errorf("config value listen must not be empty")
	}
	return nil
}

// SessionTTL returns the session TTL as a duration.
func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.SessionTTLSeconds) * time.Second
}

// SweepInterval returns the sweeper cadence as a duration.
func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}

// PermissionTimeout returns the permission interaction timeout.
func (c *Config) PermissionTimeout() time.Duration {
	return time.Duration(c.PermissionTimeoutSeconds) * time.Second
}

// PlanTimeout returns the plan-approval interaction timeout.
func (c *Config) PlanTimeout() time.Duration {
	return time.Duration(c.PlanTimeoutSeconds) * time.Second
}

// AskUserTimeout returns the ask-user interaction timeout.
func (c *Config) AskUserTimeout() time.Duration {
	return time.Duration(c.AskUserTimeoutSeconds) * time.Second
}

// HeartbeatInterval returns the subscriber ping cadence.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalSeconds) * time.Second
}

// NonceWindow returns the accepted response timestamp skew.
func (c *Config) NonceWindow() time.Duration {
	return time.Duration(c.NonceWindowSeconds) * time.Second
}
