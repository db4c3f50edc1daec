package core

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// ExecutionMode selects the client bridge's topology. It is a
// boot-time flag, never a per-call decision.
type ExecutionMode string

const (
	ModeDesktop ExecutionMode = "desktop" // in-process client-core sink
	ModeHosted  ExecutionMode = "hosted"  // full-duplex channel to a remote client
)

// Config aggregates every environment-driven setting for the core.
// All fields have sane defaults; no configuration is required to
// start.
type Config struct {
	ExecutionMode ExecutionMode

	// Provider Manager
	BlackoutTTL      time.Duration
	MaxKeysPerCall   int
	ProviderTimeout  time.Duration

	// Execution Engine
	SessionMaxFanOut int // 0 = unbounded
	DefaultTimeout   time.Duration

	// Conversation Memory
	RecencyPoolSize        int
	SemanticTopK           int
	SemanticMinSimilarity  float64
	RecentSufficientThresh float64
}

// DefaultConfig returns the built-in defaults, then overlays
// environment variables.
func DefaultConfig() *Config {
	cfg := &Config{
		ExecutionMode:          ModeDesktop,
		BlackoutTTL:            time.Hour,
		MaxKeysPerCall:         3,
		ProviderTimeout:        30 * time.Second,
		SessionMaxFanOut:       0,
		DefaultTimeout:         30 * time.Second,
		RecencyPoolSize:        500,
		SemanticTopK:           5,
		SemanticMinSimilarity:  0.5,
		RecentSufficientThresh: 0.35,
	}
	cfg.applyEnv()
	return cfg
}

func (c *Config) applyEnv() {
	if v := os.Getenv("TASKCORE_EXECUTION_MODE"); v != "" {
		c.ExecutionMode = ExecutionMode(strings.ToLower(v))
	}
	if v, ok := durationEnv("TASKCORE_BLACKOUT_TTL"); ok {
		c.BlackoutTTL = v
	}
	if v, ok := intEnv("TASKCORE_MAX_KEYS_PER_CALL"); ok {
		c.MaxKeysPerCall = v
	}
	if v, ok := durationEnv("TASKCORE_PROVIDER_TIMEOUT"); ok {
		c.ProviderTimeout = v
	}
	if v, ok := intEnv("TASKCORE_SESSION_MAX_FANOUT"); ok {
		c.SessionMaxFanOut = v
	}
	if v, ok := durationEnv("TASKCORE_DEFAULT_TIMEOUT"); ok {
		c.DefaultTimeout = v
	}
	if v, ok := intEnv("TASKCORE_RECENCY_POOL_SIZE"); ok {
		c.RecencyPoolSize = v
	}
	if v, ok := intEnv("TASKCORE_SEMANTIC_TOPK"); ok {
		c.SemanticTopK = v
	}
	if v, ok := floatEnv("TASKCORE_SEMANTIC_MIN_SIMILARITY"); ok {
		c.SemanticMinSimilarity = v
	}
	if v, ok := floatEnv("TASKCORE_RECENT_SUFFICIENT_THRESHOLD"); ok {
		c.RecentSufficientThresh = v
	}
}

func intEnv(name string) (int, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func floatEnv(name string) (float64, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

func durationEnv(name string) (time.Duration, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, false
	}
	return d, true
}

// APIKeysFromEnv splits a comma-separated environment variable into a
// key pool, e.g. TASKCORE_OPENAI_API_KEYS="sk-a,sk-b".
func APIKeysFromEnv(name string) []string {
	raw := os.Getenv(name)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	keys := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			keys = append(keys, p)
		}
	}
	return keys
}
