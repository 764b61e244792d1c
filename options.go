package stripecache

import (
	"time"

	"github.com/hupe1980/stripecache/resource"
)

type options struct {
	logger          *Logger
	metrics         MetricsCollector
	controller      *resource.Controller
	cleanupInterval time.Duration
}

// Option configures cache construction behavior.
//
// The sizing knobs live in Config because they are load-bearing; options
// cover the ambient concerns (logging, metrics, resource limits).
type Option func(*options)

// WithLogger configures structured logging. If nil is passed, logging is
// disabled.
func WithLogger(l *Logger) Option {
	return func(o *options) {
		if l == nil {
			l = NoopLogger()
		}
		o.logger = l
	}
}

// WithMetricsCollector configures metrics collection. If nil is passed,
// NoopMetricsCollector is used.
func WithMetricsCollector(m MetricsCollector) Option {
	return func(o *options) {
		if m == nil {
			m = NoopMetricsCollector{}
		}
		o.metrics = m
	}
}

// WithResourceController shares IO and background-worker budgets with the
// rest of the process. Stream readers created from this cache rate-limit
// their storage reads through it.
func WithResourceController(c *resource.Controller) Option {
	return func(o *options) {
		o.controller = c
	}
}

// WithCleanupInterval sets how often the background sweeper drops stale
// index entries and prunes empty per-file indexes. Zero disables the
// sweeper; the default is 30 seconds.
func WithCleanupInterval(d time.Duration) Option {
	return func(o *options) {
		o.cleanupInterval = d
	}
}
