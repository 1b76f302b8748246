// Package config resolves the environment-driven process configuration
// shared by every service binary (gateway, dispatcher, runner, reactor,
// evalctl), plus the Runner-pool topology loaded from YAML at startup.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the effective process configuration, built from defaults and
// then overridden from the environment. It is a passed struct — there is
// no process-wide mutable configuration state.
type Config struct {
	// HomeDir is where logs/, audit.jsonl, and (if requested) audit.db
	// live. Backend URLs are independent of it so a deployment can point
	// STORE_URL/QUEUE_URL at a different volume than its logs.
	HomeDir string

	// Backend endpoints.
	QueueURL string
	StoreURL string
	IndexURL string
	BusURL   string

	// Submission limits.
	MaxSourceBytes  int
	MaxRequestBytes int
	MinTimeoutS     int
	MaxTimeoutS     int

	// Runner liveness.
	RunnerHeartbeatS int
	RunnerLivenessS  int

	// Dispatcher behaviour.
	DispatchDeadlineS int
	RetryMax          int
	RetryBaseS        int

	// Routing Index TTL grace beyond timeout_s.
	IndexGraceS int

	// OutputPreviewBytes caps the size of the combined stdout/stderr
	// preview the Runner attaches to a terminal event.
	OutputPreviewBytes int

	// Gateway backpressure: queue depth above which submit returns 503.
	// 0 means unlimited.
	QueueHighWatermark int

	BindAddr string
	LogLevel string

	Auth      AuthConfig
	CORS      CORSConfig
	RateLimit RateLimitConfig
}

// AuthConfig configures bearer-token authentication on the Gateway's
// external HTTP surface.
type AuthConfig struct {
	Enabled bool
	Keys    []APIKeyEntry
}

// APIKeyEntry is a single accepted bearer token.
type APIKeyEntry struct {
	Key         string
	Description string
}

// CORSConfig configures the Gateway's cross-origin resource sharing
// headers.
type CORSConfig struct {
	Enabled        bool
	AllowedOrigins []string
	AllowedMethods []string
	AllowedHeaders []string
	MaxAge         int
}

// RateLimitConfig configures the Gateway's per-key token bucket limiter.
type RateLimitConfig struct {
	Enabled           bool
	RequestsPerMinute int
	BurstSize         int
}

func defaultConfig() Config {
	return Config{
		HomeDir: "./data",

		QueueURL: "sqlite://./data/queue.db",
		StoreURL: "sqlite://./data/store.db",
		IndexURL: "mem://",
		BusURL:   "mem://",

		MaxSourceBytes:  1 << 20, // 1 MiB
		MaxRequestBytes: 2 << 20, // 2 MiB
		MinTimeoutS:     1,
		MaxTimeoutS:     900,

		RunnerHeartbeatS: 10,
		RunnerLivenessS:  30,

		DispatchDeadlineS: 10,
		RetryMax:          3,
		RetryBaseS:        60,

		IndexGraceS: 60,

		OutputPreviewBytes: 100 * 1024,

		QueueHighWatermark: 0,

		BindAddr: "0.0.0.0:8080",
		LogLevel: "info",

		CORS: CORSConfig{
			Enabled:        true,
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Content-Type", "Authorization", "X-API-Key"},
			MaxAge:         3600,
		},
		RateLimit: RateLimitConfig{
			Enabled:           true,
			RequestsPerMinute: 120,
			BurstSize:         20,
		},
	}
}

// Load builds the effective configuration: defaults, then environment
// overrides, then validation.
func Load() (Config, error) {
	cfg := defaultConfig()
	applyEnvOverrides(&cfg)
	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	strOverride := func(name string, dst *string) {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}
	intOverride := func(name string, dst *int) {
		if raw := os.Getenv(name); raw != "" {
			if v, err := strconv.Atoi(raw); err == nil {
				*dst = v
			}
		}
	}

	strOverride("HOME_DIR", &cfg.HomeDir)
	strOverride("QUEUE_URL", &cfg.QueueURL)
	strOverride("STORE_URL", &cfg.StoreURL)
	strOverride("INDEX_URL", &cfg.IndexURL)
	strOverride("BUS_URL", &cfg.BusURL)
	strOverride("BIND_ADDR", &cfg.BindAddr)
	strOverride("LOG_LEVEL", &cfg.LogLevel)

	intOverride("MAX_SOURCE_BYTES", &cfg.MaxSourceBytes)
	intOverride("MAX_REQUEST_BYTES", &cfg.MaxRequestBytes)
	intOverride("MIN_TIMEOUT_S", &cfg.MinTimeoutS)
	intOverride("MAX_TIMEOUT_S", &cfg.MaxTimeoutS)
	intOverride("RUNNER_HEARTBEAT_S", &cfg.RunnerHeartbeatS)
	intOverride("RUNNER_LIVENESS_S", &cfg.RunnerLivenessS)
	intOverride("DISPATCH_DEADLINE_S", &cfg.DispatchDeadlineS)
	intOverride("RETRY_MAX", &cfg.RetryMax)
	intOverride("RETRY_BASE_S", &cfg.RetryBaseS)
	intOverride("INDEX_GRACE_S", &cfg.IndexGraceS)
	intOverride("OUTPUT_PREVIEW_BYTES", &cfg.OutputPreviewBytes)
	intOverride("QUEUE_HIGH_WATERMARK", &cfg.QueueHighWatermark)

	if raw := os.Getenv("AUTH_TOKEN"); raw != "" {
		cfg.Auth.Enabled = true
		cfg.Auth.Keys = []APIKeyEntry{{Key: raw, Description: "default"}}
	}
	if raw := os.Getenv("CORS_ALLOWED_ORIGINS"); raw != "" {
		cfg.CORS.AllowedOrigins = splitCSV(raw)
	}
}

func splitCSV(raw string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(raw); i++ {
		if i == len(raw) || raw[i] == ',' {
			if i > start {
				out = append(out, raw[start:i])
			}
			start = i + 1
		}
	}
	return out
}

func validate(cfg *Config) error {
	if cfg.MinTimeoutS <= 0 {
		return fmt.Errorf("MIN_TIMEOUT_S must be positive, got %d", cfg.MinTimeoutS)
	}
	if cfg.MaxTimeoutS < cfg.MinTimeoutS {
		return fmt.Errorf("MAX_TIMEOUT_S (%d) must be >= MIN_TIMEOUT_S (%d)", cfg.MaxTimeoutS, cfg.MinTimeoutS)
	}
	if cfg.RunnerHeartbeatS <= 0 {
		return fmt.Errorf("RUNNER_HEARTBEAT_S must be positive, got %d", cfg.RunnerHeartbeatS)
	}
	if cfg.RunnerLivenessS < cfg.RunnerHeartbeatS {
		return fmt.Errorf("RUNNER_LIVENESS_S (%d) must be >= RUNNER_HEARTBEAT_S (%d)", cfg.RunnerLivenessS, cfg.RunnerHeartbeatS)
	}
	if cfg.RetryMax < 0 {
		return fmt.Errorf("RETRY_MAX must be non-negative, got %d", cfg.RetryMax)
	}
	return nil
}

// Fingerprint returns a stable hash of the active config, logged at
// startup so operators can correlate behaviour changes with config
// changes across a fleet of processes without diffing env vars by hand.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "queue=%s|store=%s|index=%s|bus=%s|maxsrc=%d|mintimeout=%d|maxtimeout=%d|heartbeat=%d|liveness=%d",
		c.QueueURL, c.StoreURL, c.IndexURL, c.BusURL,
		c.MaxSourceBytes, c.MinTimeoutS, c.MaxTimeoutS, c.RunnerHeartbeatS, c.RunnerLivenessS)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

// RetryBackoff returns the nack-to-redelivery delay for the given attempt
// number (0-indexed), per the exponential policy in §4.2: base * 2^n.
func (c Config) RetryBackoff(attempt int) time.Duration {
	backoff := c.RetryBaseS
	for i := 0; i < attempt; i++ {
		backoff *= 2
	}
	return time.Duration(backoff) * time.Second
}

// ResourcePool describes one named Runner pool in the topology file.
type ResourcePool struct {
	Name       string   `yaml:"name"`
	RunnerURLs []string `yaml:"runner_urls"`
}

// Topology is the resource-class → Runner-pool mapping loaded from
// pools.yaml at Dispatcher startup.
type Topology struct {
	Pools []ResourcePool `yaml:"pools"`
}

// LoadTopology reads a pools.yaml file describing which Runner URLs serve
// each resource_class. A missing file is not an error: the Dispatcher
// falls back to a single "default" pool with no statically known Runners,
// relying entirely on Runner self-registration (see internal/dispatcher).
func LoadTopology(path string) (Topology, error) {
	var top Topology
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Topology{Pools: []ResourcePool{{Name: "default"}}}, nil
		}
		return top, fmt.Errorf("read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &top); err != nil {
		return top, fmt.Errorf("parse %s: %w", path, err)
	}
	if len(top.Pools) == 0 {
		top.Pools = []ResourcePool{{Name: "default"}}
	}
	return top, nil
}

// PoolFor returns the pool matching resourceClass, falling back to
// "default" if no pool is tagged with that class.
func (t Topology) PoolFor(resourceClass string) (ResourcePool, bool) {
	if resourceClass == "" {
		resourceClass = "default"
	}
	for _, p := range t.Pools {
		if p.Name == resourceClass {
			return p, true
		}
	}
	for _, p := range t.Pools {
		if p.Name == "default" {
			return p, true
		}
	}
	return ResourcePool{}, false
}
