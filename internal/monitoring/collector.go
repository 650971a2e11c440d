package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/reliefops/relief-engine/internal/model"
	"github.com/reliefops/relief-engine/internal/resilience"
	"github.com/reliefops/relief-engine/internal/store"
)

// MetricsSnapshot holds a point-in-time view of engine health.
type MetricsSnapshot struct {
	// Request backlog.
	PendingRequests    int `json:"pending_requests"`
	InProgressRequests int `json:"in_progress_requests"`

	// Recommendation and allocation activity (within lookback window).
	ActiveSuggestions  int `json:"active_suggestions"`
	AllocationsApplied int `json:"allocations_applied"`

	// Predictive cycle health. Nil age means no run has been recorded yet.
	LastModelRunAgeHours *float64 `json:"last_model_run_age_hours,omitempty"`
	LastModelRunError    string   `json:"last_model_run_error,omitempty"`

	// Demand feed health. Circuit position is empty when no feed is
	// configured; nil age means no snapshot has ever been loaded.
	FeedCircuitState       string   `json:"feed_circuit_state,omitempty"`
	DemandSnapshotAgeHours *float64 `json:"demand_snapshot_age_hours,omitempty"`

	// Metadata.
	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// FeedHealth exposes the demand feed breaker position.
type FeedHealth interface {
	CircuitState() resilience.CircuitState
}

// Collector gathers metrics from the store and the demand feed loader.
type Collector struct {
	store store.Store
	feed  FeedHealth
	now   func() time.Time
}

// NewCollector creates a metrics collector. feed may be nil when no
// demand feed is configured.
func NewCollector(st store.Store, feed FeedHealth) *Collector {
	return &Collector{store: st, feed: feed, now: time.Now}
}

// Collect gathers a snapshot of engine metrics over the given lookback
// window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := c.now().UTC()
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}
	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)

	pending, err := c.store.CountRequests(ctx, model.RequestStatusPending)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: count pending requests")
	}
	snap.PendingRequests = pending

	inProgress, err := c.store.CountRequests(ctx, model.RequestStatusInProgress)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: count in-progress requests")
	}
	snap.InProgressRequests = inProgress

	active, err := c.store.CountActiveSuggestions(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: count active suggestions")
	}
	snap.ActiveSuggestions = active

	applied, err := c.store.CountAllocationsSince(ctx, cutoff)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: count allocations")
	}
	snap.AllocationsApplied = applied

	run, err := c.store.GetLastModelRun(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: last model run")
	}
	if run != nil {
		age := now.Sub(run.CompletedAt).Hours()
		snap.LastModelRunAgeHours = &age
		snap.LastModelRunError = run.Error
	}

	if c.feed != nil {
		snap.FeedCircuitState = c.feed.CircuitState().String()
	}

	collected, err := c.store.LatestDemandCollectedAt(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: latest demand snapshot")
	}
	if collected != nil {
		age := now.Sub(*collected).Hours()
		snap.DemandSnapshotAgeHours = &age
	}

	return snap, nil
}
