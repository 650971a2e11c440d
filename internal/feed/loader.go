package feed

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/reliefops/relief-engine/internal/engine"
	"github.com/reliefops/relief-engine/internal/model"
	"github.com/reliefops/relief-engine/internal/resilience"
	"github.com/reliefops/relief-engine/internal/store"
)

// Loader fetches the demand feed and upserts its snapshots into the
// store. Fetches run through a retry policy and a circuit breaker; a
// broken feed surfaces as DependencyUnavailableError so callers degrade
// instead of failing.
type Loader struct {
	source  Source
	store   store.Store
	breaker *resilience.CircuitBreaker
	retry   resilience.RetryConfig
	log     *zap.Logger
	now     func() time.Time
}

// NewLoader builds a Loader over the given source.
func NewLoader(source Source, st store.Store) *Loader {
	log := zap.L().Named("feed")
	retry := resilience.DefaultRetryConfig()
	retry.OnRetry = resilience.RetryLogger(source.Name(), "fetch")
	return &Loader{
		source: source,
		store:  st,
		breaker: resilience.NewCircuitBreaker(resilience.CircuitConfig{
			OnStateChange: func(from, to resilience.CircuitState) {
				log.Warn("feed circuit state changed",
					zap.Stringer("from", from), zap.Stringer("to", to))
			},
		}),
		retry: retry,
		log:   log,
		now:   time.Now,
	}
}

// CircuitState exposes the breaker position for health reporting.
func (l *Loader) CircuitState() resilience.CircuitState {
	return l.breaker.State()
}

// Refresh fetches the feed once and loads it. Returns the number of
// snapshot rows upserted.
func (l *Loader) Refresh(ctx context.Context) (int, error) {
	if err := l.breaker.Allow(); err != nil {
		return 0, &engine.DependencyUnavailableError{Dependency: l.source.Name(), Err: err}
	}

	collectedAt := l.now().UTC()
	snaps, err := resilience.Retry(ctx, l.retry, func(ctx context.Context) ([]model.DemandFeatureSnapshot, error) {
		body, err := l.source.Fetch(ctx)
		if err != nil {
			return nil, err
		}
		defer body.Close() //nolint:errcheck

		return Parse(body, collectedAt)
	})
	l.breaker.Record(err)
	if err != nil {
		return 0, &engine.DependencyUnavailableError{Dependency: l.source.Name(), Err: err}
	}

	n, err := l.store.LoadDemandSnapshots(ctx, snaps)
	if err != nil {
		return 0, err
	}
	l.log.Info("demand feed refreshed",
		zap.String("source", l.source.Name()),
		zap.Int("rows", n),
	)
	return n, nil
}

// RefreshLoop refreshes on every tick of interval until ctx is cancelled.
// A failing feed logs and waits for the next tick; the circuit breaker
// keeps repeated failures cheap.
func (l *Loader) RefreshLoop(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := l.Refresh(ctx); err != nil {
			l.log.Warn("demand feed refresh failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
