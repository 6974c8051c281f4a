// Package queue is the broker's service layer: validation, defaults,
// template checks, and duplicate policy on top of the storage contract. The
// atomic lease semantics live in the backends; everything here composes them
// into the operation set the commands expose.
package queue

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/juju/clock"

	"github.com/dotcommander/dispatch/internal/metrics"
	"github.com/dotcommander/dispatch/internal/models"
	"github.com/dotcommander/dispatch/internal/storage"
)

const (
	defaultLease = 10 * time.Minute

	retryMin     = 10 * time.Millisecond
	retryMax     = 500 * time.Millisecond
	retryFactor  = 2.0
	retryElapsed = 10 * time.Second
)

// RetryBackoff bounds the engine's internal retry of transient backend
// failures (lock timeouts, storage unavailability). Domain errors are never
// retried.
type RetryBackoff struct {
	Min     time.Duration
	Max     time.Duration
	Factor  float64
	Elapsed time.Duration
}

func (b RetryBackoff) withDefaults() RetryBackoff {
	if b.Min <= 0 {
		b.Min = retryMin
	}
	if b.Max <= 0 {
		b.Max = retryMax
	}
	if b.Factor <= 1 {
		b.Factor = retryFactor
	}
	if b.Elapsed <= 0 {
		b.Elapsed = retryElapsed
	}
	return b
}

// Options carries the engine's dependencies and defaults. Clock, logger, and
// metrics are injected so tests control time and observation; nil Metrics
// disables recording.
//
// DefaultMaxRetries is honored as given, zero included; the config layer
// seeds it. A non-positive DefaultLease falls back because leases must be
// positive.
type Options struct {
	Clock             clock.Clock
	Logger            *slog.Logger
	Metrics           *metrics.Metrics
	DefaultMaxRetries int
	DefaultLease      time.Duration
	RetryBackoff      RetryBackoff
}

func (o Options) withDefaults() Options {
	if o.Clock == nil {
		o.Clock = clock.WallClock
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.DefaultMaxRetries < 0 {
		o.DefaultMaxRetries = 0
	}
	if o.DefaultLease <= 0 {
		o.DefaultLease = defaultLease
	}
	o.RetryBackoff = o.RetryBackoff.withDefaults()
	return o
}

// Engine exposes the broker operation set over any storage backend.
type Engine struct {
	store storage.Store
	clk   clock.Clock
	log   *slog.Logger
	met   *metrics.Metrics
	opts  Options
}

// New builds an engine over the given store.
func New(store storage.Store, opts Options) *Engine {
	opts = opts.withDefaults()
	return &Engine{
		store: store,
		clk:   opts.Clock,
		log:   opts.Logger,
		met:   opts.Metrics,
		opts:  opts,
	}
}

// now is the single read point for the engine's clock; storage never reads
// one of its own.
func (e *Engine) now() time.Time {
	return e.clk.Now().UTC()
}

// retryTransient retries fn while it fails with one of the transient backend
// kinds, up to the configured elapsed bound. Everything else surfaces
// unchanged on the first attempt.
func (e *Engine) retryTransient(ctx context.Context, fn func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = e.opts.RetryBackoff.Min
	policy.MaxInterval = e.opts.RetryBackoff.Max
	policy.Multiplier = e.opts.RetryBackoff.Factor
	policy.MaxElapsedTime = e.opts.RetryBackoff.Elapsed
	policy.RandomizationFactor = 0.1

	return backoff.Retry(func() error {
		err := fn()
		if err == nil {
			return nil
		}
		if errors.Is(err, models.ErrLockTimeout) || errors.Is(err, models.ErrStorageUnavailable) {
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(policy, ctx))
}
