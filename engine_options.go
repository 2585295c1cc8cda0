package schoolsync

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/campushq/schoolsync/netmon"
)

// RetryConfig shapes the exponential backoff applied to transient push
// failures.
type RetryConfig struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// DefaultRetryConfig is used when no retry configuration is supplied.
var DefaultRetryConfig = RetryConfig{
	InitialDelay: 1 * time.Second,
	MaxDelay:     5 * time.Minute,
	Multiplier:   2.0,
}

// EngineOption is a functional option for configuring an Engine via
// NewEngine.
type EngineOption func(*Engine) error

// WithStore injects the durable operation store. Required.
func WithStore(s Store) EngineOption {
	return func(e *Engine) error {
		e.store = s
		return nil
	}
}

// WithRemote injects the remote backend client. Required.
func WithRemote(r RemoteClient) EngineOption {
	return func(e *Engine) error {
		e.remote = r
		return nil
	}
}

// WithMonitor injects the network monitor. Required.
func WithMonitor(m netmon.Monitor) EngineOption {
	return func(e *Engine) error {
		e.monitor = m
		return nil
	}
}

// WithPolicies replaces the default per-collection policy table.
func WithPolicies(t *PolicyTable) EngineOption {
	return func(e *Engine) error {
		if t == nil {
			return errors.New("policy table must not be nil")
		}
		e.policies = t
		return nil
	}
}

// WithResolver replaces the default strategy dispatcher.
func WithResolver(r ConflictResolver) EngineOption {
	return func(e *Engine) error {
		e.resolver = r
		return nil
	}
}

// WithTenant sets the tenant id applied to requests that do not carry one.
func WithTenant(tenantID string) EngineOption {
	return func(e *Engine) error {
		e.tenantID = tenantID
		return nil
	}
}

// WithBatchSize bounds how many operations one push batch drains.
func WithBatchSize(n int) EngineOption {
	return func(e *Engine) error {
		if n <= 0 {
			return fmt.Errorf("batch size must be positive, got %d", n)
		}
		e.batchSize = n
		return nil
	}
}

// WithPullPageSize bounds how many records one pull page fetches.
func WithPullPageSize(n int) EngineOption {
	return func(e *Engine) error {
		if n <= 0 {
			return fmt.Errorf("pull page size must be positive, got %d", n)
		}
		e.pullPageSize = n
		return nil
	}
}

// WithSyncInterval sets the background sync interval.
func WithSyncInterval(d time.Duration) EngineOption {
	return func(e *Engine) error {
		if d <= 0 {
			return fmt.Errorf("sync interval must be positive, got %v", d)
		}
		e.syncInterval = d
		return nil
	}
}

// WithDebounce sets the delay between a trigger (connectivity regained,
// Immediate enqueue) and the scheduled sync cycle, coalescing trigger
// storms.
func WithDebounce(d time.Duration) EngineOption {
	return func(e *Engine) error {
		if d < 0 {
			return fmt.Errorf("debounce must not be negative, got %v", d)
		}
		e.debounce = d
		return nil
	}
}

// WithTimeout sets the per-remote-call timeout.
func WithTimeout(d time.Duration) EngineOption {
	return func(e *Engine) error {
		e.timeout = d
		return nil
	}
}

// WithMaxRetries sets the default retry budget for operations that do not
// specify one.
func WithMaxRetries(n int) EngineOption {
	return func(e *Engine) error {
		if n < 0 {
			return fmt.Errorf("max retries must not be negative, got %d", n)
		}
		e.maxRetries = n
		return nil
	}
}

// WithWifiOnly restricts syncing to wifi transports.
func WithWifiOnly(enabled bool) EngineOption {
	return func(e *Engine) error {
		e.wifiOnly = enabled
		return nil
	}
}

// WithRetryConfig sets the transient-failure backoff parameters.
func WithRetryConfig(cfg RetryConfig) EngineOption {
	return func(e *Engine) error {
		if cfg.InitialDelay <= 0 || cfg.MaxDelay < cfg.InitialDelay || cfg.Multiplier < 1 {
			return fmt.Errorf("invalid retry config: %+v", cfg)
		}
		e.retry = cfg
		return nil
	}
}

// WithLogger sets a custom logger for the engine.
func WithLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) error {
		if logger == nil {
			return errors.New("logger must not be nil")
		}
		e.logger = logger
		return nil
	}
}

// WithMetrics sets a custom metrics collector.
func WithMetrics(m MetricsCollector) EngineOption {
	return func(e *Engine) error {
		if m == nil {
			return errors.New("metrics collector must not be nil")
		}
		e.metrics = m
		return nil
	}
}
