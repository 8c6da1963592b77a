// Package config defines configuration parsing and helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"

	"github.com/dispatchkit/promptdispatch/internal/domain"
)

// Config holds all application configuration parsed from environment
// variables, enumerating every knob in spec §4.H.
type Config struct {
	AppEnv string `env:"APP_ENV" envDefault:"dev"`
	Port   int    `env:"PORT" envDefault:"4001"`

	RedisURL       string   `env:"REDIS_URL,required"`
	WorkerBaseURLs []string `env:"WORKER_BASE_URLS,required" envSeparator:","`

	JobResultsTTL time.Duration `env:"JOB_RESULTS_TTL_SEC" envDefault:"86400s"`
	// CacheTTL is enumerated by spec §4.H but not consumed by any
	// component: admission idempotency uses JobResultsTTL (§4.F), not
	// this value. Kept so the documented env var still parses.
	CacheTTL time.Duration `env:"CACHE_TTL_SEC" envDefault:"604800s"`

	WorkerHealthTimeout  time.Duration `env:"WORKER_HEALTH" envDefault:"7000ms"`
	WorkerSearchTimeout  time.Duration `env:"WORKER_SEARCH" envDefault:"30000ms"`
	WorkerWarmupTimeout  time.Duration `env:"WORKER_WARMUP" envDefault:"20000ms"`
	WorkerRestartTimeout time.Duration `env:"WORKER_RESTART" envDefault:"15000ms"`
	WorkerRefreshTimeout time.Duration `env:"WORKER_REFRESH" envDefault:"15000ms"`

	BullSearchJobTimeout time.Duration `env:"BULL_SEARCH" envDefault:"60000ms"`
	BullBulkJobTimeout   time.Duration `env:"BULL_BULK" envDefault:"3600000ms"`

	MaxAttempts        int           `env:"MAX_ATTEMPTS" envDefault:"3"`
	InitialDelay       time.Duration `env:"INITIAL_DELAY" envDefault:"1000ms"`
	MaxDelay           time.Duration `env:"MAX_DELAY" envDefault:"30000ms"`
	WaitForWorkerMax   time.Duration `env:"WAIT_FOR_WORKER_MAX" envDefault:"300000ms"`
	HealthCheckInterval time.Duration `env:"HEALTH_CHECK_INTERVAL" envDefault:"5000ms"`

	CORSAllowOrigins      string        `env:"CORS_ALLOW_ORIGINS" envDefault:"*"`
	RateLimitPerMin       int           `env:"RATE_LIMIT_PER_MIN" envDefault:"120"`
	ServerShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" envDefault:"30s"`
	HTTPReadTimeout       time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"15s"`
	HTTPWriteTimeout      time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
	HTTPIdleTimeout       time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"60s"`

	OTLPEndpoint    string `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:""`
	OTELServiceName string `env:"OTEL_SERVICE_NAME" envDefault:"prompt-dispatch"`

	// StalledInterval and MaxStalledCount drive the job-queue stall sweeper
	// (spec §4.D): a reservation older than StalledInterval is eligible for
	// re-reservation, up to MaxStalledCount times before it is failed.
	StalledInterval time.Duration `env:"STALLED_INTERVAL" envDefault:"30s"`
	MaxStalledCount int           `env:"MAX_STALLED_COUNT" envDefault:"10"`
}

// Load parses environment variables into a Config and normalizes derived
// fields (trailing-slash stripped worker URLs).
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("%w: config.Load: %s", domain.ErrInvalidArgument, err)
	}
	for i, u := range cfg.WorkerBaseURLs {
		cfg.WorkerBaseURLs[i] = strings.TrimRight(strings.TrimSpace(u), "/")
	}
	if len(cfg.WorkerBaseURLs) == 0 {
		return Config{}, fmt.Errorf("%w: WORKER_BASE_URLS must list at least one worker", domain.ErrInvalidArgument)
	}
	return cfg, nil
}

// IsDev reports whether the app is running in development mode.
func (c Config) IsDev() bool { return strings.ToLower(c.AppEnv) == "dev" }

// IsProd reports whether the app is running in production mode.
func (c Config) IsProd() bool { return strings.ToLower(c.AppEnv) == "prod" }

// RetryPolicy builds the domain retry policy from the parsed config.
func (c Config) RetryPolicy() domain.RetryPolicy {
	return domain.RetryPolicy{
		MaxAttempts:  c.MaxAttempts,
		InitialDelay: c.InitialDelay,
		MaxDelay:     c.MaxDelay,
	}
}

// WorkerEndpoints returns the 1-based, ordered list of configured workers.
func (c Config) WorkerEndpoints() []domain.WorkerEndpoint {
	eps := make([]domain.WorkerEndpoint, len(c.WorkerBaseURLs))
	for i, u := range c.WorkerBaseURLs {
		eps[i] = domain.WorkerEndpoint{Index: i + 1, BaseURL: u}
	}
	return eps
}
