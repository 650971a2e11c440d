package predict

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/reliefops/relief-engine/internal/engine"
	"github.com/reliefops/relief-engine/internal/model"
	"github.com/reliefops/relief-engine/internal/recommend"
	"github.com/reliefops/relief-engine/internal/signal"
	"github.com/reliefops/relief-engine/internal/store"
)

const (
	modelName    = "demand-heuristic"
	modelVersion = "v1"

	// topK bounds how many requests one cycle may generate suggestions for.
	topK = 5

	candidateFetchLimit = 100

	// validityWindow is how long a generated suggestion stays applicable.
	validityWindow = 2 * time.Hour
)

// ErrCycleBusy is returned when a cycle is requested while the previous
// one is still running. Overlapping ticks are suppressed, never queued.
var ErrCycleBusy = eris.New("predict: cycle already running")

// RegionResolver maps a request to the demand region it falls in.
type RegionResolver interface {
	Region(req *model.RescueRequest) string
}

// RegionFunc adapts a plain function to RegionResolver.
type RegionFunc func(req *model.RescueRequest) string

func (f RegionFunc) Region(req *model.RescueRequest) string { return f(req) }

// Cycle is the predictive batch runner. One Cycle instance enforces
// single-flight execution across RunOnce and RunLoop callers.
type Cycle struct {
	store   store.Store
	matcher *recommend.Matcher
	regions RegionResolver
	sem     *semaphore.Weighted
	log     *zap.Logger
	now     func() time.Time
}

// NewCycle builds a predictive Cycle.
func NewCycle(st store.Store, matcher *recommend.Matcher, regions RegionResolver) *Cycle {
	return &Cycle{
		store:   st,
		matcher: matcher,
		regions: regions,
		sem:     semaphore.NewWeighted(1),
		log:     zap.L().Named("predict"),
		now:     time.Now,
	}
}

// RunOnce executes one predictive pass: pick the top pending requests
// without a live suggestion, join each with its regional demand snapshot,
// and persist an expiring recommendation plus the feature vector that
// produced it. Returns ErrCycleBusy if a pass is already in flight.
func (c *Cycle) RunOnce(ctx context.Context) (*model.PredictiveModelRun, error) {
	if !c.sem.TryAcquire(1) {
		return nil, ErrCycleBusy
	}
	defer c.sem.Release(1)

	started := c.now().UTC()
	run := &model.PredictiveModelRun{
		ID:        uuid.New().String(),
		ModelName: modelName,
		Version:   modelVersion,
		StartedAt: started,
	}

	err := c.generate(ctx, run)
	if err != nil {
		run.Error = err.Error()
	}
	run.CompletedAt = c.now().UTC()

	// The run record persists even for failed passes; operators audit
	// predictive output through it.
	if saveErr := c.store.SaveModelRun(ctx, run); saveErr != nil {
		if err != nil {
			return run, err
		}
		return run, saveErr
	}

	c.log.Info("predictive cycle complete",
		zap.String("run_id", run.ID),
		zap.Int("processed", run.Processed),
		zap.Int("created", run.Created),
		zap.Duration("took", run.CompletedAt.Sub(run.StartedAt)),
		zap.String("error", run.Error),
	)
	return run, err
}

func (c *Cycle) generate(ctx context.Context, run *model.PredictiveModelRun) error {
	active, err := c.store.RequestIDsWithActiveSuggestion(ctx)
	if err != nil {
		return err
	}
	requests, err := c.store.ListRequests(ctx, store.RequestFilter{
		Status:             model.RequestStatusPending,
		OrderByCriticality: true,
		Limit:              candidateFetchLimit,
	})
	if err != nil {
		return err
	}
	warehouses, err := c.store.ListWarehouses(ctx)
	if err != nil {
		return err
	}
	stock, err := c.store.StockByWarehouse(ctx)
	if err != nil {
		return err
	}
	resources, err := c.store.ListResources(ctx)
	if err != nil {
		return err
	}

	now := c.now().UTC()
	validUntil := now.Add(validityWindow)

	for i := range requests {
		if run.Processed >= topK {
			break
		}
		req := &requests[i]
		if active[req.ID] {
			continue
		}
		run.Processed++

		proposal := recommend.Recommend(req, resources, c.matcher)
		if proposal == nil {
			continue
		}

		region := c.regions.Region(req)
		demand, err := c.store.GetDemandSnapshot(ctx, region, proposal.Resource.Type)
		if err != nil {
			// A region whose demand data cannot be read is skipped; the
			// rest of the batch still runs.
			c.log.Warn("skipping region with unreadable demand data",
				zap.String("request_id", req.ID),
				zap.String("region", region),
				zap.Error(&engine.DependencyUnavailableError{Dependency: "demand snapshots", Err: err}),
			)
			continue
		}

		sig := signal.Compute(req, warehouses, stock, now)
		features := BuildFeatures(req, region, proposal.Resource.Type, sig, demand)

		quantity := PredictQuantity(req.PeopleCount, features.DemandPressure, proposal.Resource.Quantity)
		if quantity <= 0 {
			continue
		}
		confidence := Confidence(features)

		rec, err := c.store.SupersedeSuggestion(ctx, &model.AllocationRecommendation{
			RequestID:   req.ID,
			ResourceID:  proposal.Resource.ID,
			WarehouseID: proposal.Resource.WarehouseID,
			Quantity:    quantity,
			Score:       req.CriticalityScore,
			Rationale:   predictiveRationale(features),
			ModelRunID:  &run.ID,
			Confidence:  &confidence,
			ValidUntil:  &validUntil,
		})
		if err != nil {
			return err
		}

		if err := c.store.SaveFeatureSnapshot(ctx, &model.RequestFeatureSnapshot{
			RequestID:  req.ID,
			ModelRunID: run.ID,
			Features:   features,
			CreatedAt:  now,
		}); err != nil {
			return err
		}

		run.Created++
		c.log.Debug("predictive suggestion created",
			zap.String("request_id", req.ID),
			zap.String("recommendation_id", rec.ID),
			zap.Float64("confidence", confidence),
		)
	}
	return nil
}

// RunLoop runs one pass immediately, then on every tick of interval until
// ctx is cancelled. Ticks arriving while a pass is running are dropped.
func (c *Cycle) RunLoop(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return eris.Errorf("predict: invalid interval %s", interval)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := c.RunOnce(ctx); err != nil && !eris.Is(err, ErrCycleBusy) {
			c.log.Error("predictive cycle failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
