package priority

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/reliefops/relief-engine/internal/engine"
	"github.com/reliefops/relief-engine/internal/model"
	"github.com/reliefops/relief-engine/internal/recommend"
	"github.com/reliefops/relief-engine/internal/store"
)

const (
	recalcBatchLimit  = 500
	recalcConcurrency = 8
)

// Recalculator re-scores open requests and refreshes their suggestions.
type Recalculator struct {
	store       store.Store
	matcher     *recommend.Matcher
	concurrency int
	log         *zap.Logger
	now         func() time.Time
}

// NewRecalculator builds a Recalculator using the given keyword matcher.
func NewRecalculator(st store.Store, matcher *recommend.Matcher) *Recalculator {
	return &Recalculator{
		store:       st,
		matcher:     matcher,
		concurrency: recalcConcurrency,
		log:         zap.L().Named("recalc"),
		now:         time.Now,
	}
}

// RecalcStats summarizes one recalculation pass.
type RecalcStats struct {
	Scored    int `json:"scored"`
	Suggested int `json:"suggested"`
	Conflicts int `json:"conflicts"`
	Skipped   int `json:"skipped"`
}

// snapshot captures the shared read-only inputs for one pass so every
// request in the batch scores against the same world state.
type snapshot struct {
	warehouses []model.Warehouse
	stock      map[string]int
	resources  []model.Resource
	supply     SupplyContext
}

func (r *Recalculator) loadSnapshot(ctx context.Context) (*snapshot, error) {
	warehouses, err := r.store.ListWarehouses(ctx)
	if err != nil {
		return nil, err
	}
	stock, err := r.store.StockByWarehouse(ctx)
	if err != nil {
		return nil, err
	}
	resources, err := r.store.ListResources(ctx)
	if err != nil {
		return nil, err
	}
	total, err := r.store.TotalResourceQuantity(ctx)
	if err != nil {
		return nil, err
	}
	pending, err := r.store.CountRequests(ctx, model.RequestStatusPending)
	if err != nil {
		return nil, err
	}
	return &snapshot{
		warehouses: warehouses,
		stock:      stock,
		resources:  resources,
		supply:     SupplyContext{TotalResourceQuantity: total, PendingRequests: pending},
	}, nil
}

// Run scores every pending request against one consistent snapshot,
// persists the new score and a snapshot row, and replaces the request's
// live suggestion. Per-request version conflicts are counted and skipped;
// a concurrent writer winning the race is not an error for the pass.
func (r *Recalculator) Run(ctx context.Context) (*RecalcStats, error) {
	snap, err := r.loadSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	requests, err := r.store.ListRequests(ctx, store.RequestFilter{
		Status: model.RequestStatusPending,
		Limit:  recalcBatchLimit,
	})
	if err != nil {
		return nil, err
	}

	now := r.now().UTC()
	var scored, suggested, conflicts, skipped atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for i := range requests {
		req := requests[i]
		g.Go(func() error {
			res, err := Score(&req, snap.warehouses, snap.stock, snap.supply, now)
			if err != nil {
				if engine.IsValidation(err) {
					r.log.Warn("skipping unscorable request",
						zap.String("request_id", req.ID), zap.Error(err))
					skipped.Add(1)
					return nil
				}
				return err
			}

			if err := r.store.UpdateCriticality(gctx, req.ID, res.Score, req.Version); err != nil {
				if engine.IsConflict(err) {
					conflicts.Add(1)
					return nil
				}
				return err
			}
			scored.Add(1)

			if err := r.store.SavePrioritySnapshot(gctx, &model.PrioritySnapshot{
				RequestID: req.ID,
				Score:     res.Score,
				Breakdown: res.Breakdown,
				Rationale: res.Rationale,
				ScoredAt:  now,
			}); err != nil {
				return err
			}

			proposal := recommend.Recommend(&req, snap.resources, r.matcher)
			if proposal == nil {
				return nil
			}
			_, err = r.store.SupersedeSuggestion(gctx, &model.AllocationRecommendation{
				RequestID:   req.ID,
				ResourceID:  proposal.Resource.ID,
				WarehouseID: proposal.Resource.WarehouseID,
				Quantity:    proposal.Quantity,
				Score:       res.Score,
				Rationale:   res.Rationale,
			})
			if err != nil {
				return err
			}
			suggested.Add(1)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	stats := &RecalcStats{
		Scored:    int(scored.Load()),
		Suggested: int(suggested.Load()),
		Conflicts: int(conflicts.Load()),
		Skipped:   int(skipped.Load()),
	}
	r.log.Info("recalculation pass complete",
		zap.Int("scored", stats.Scored),
		zap.Int("suggested", stats.Suggested),
		zap.Int("conflicts", stats.Conflicts),
		zap.Int("skipped", stats.Skipped),
	)
	return stats, nil
}

// ScoreRequest scores a single request on demand. When persist is true the
// new score is written back (guarded by the request's current version) and
// a priority snapshot is recorded.
func (r *Recalculator) ScoreRequest(ctx context.Context, requestID string, persist bool) (*Result, error) {
	req, err := r.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	snap, err := r.loadSnapshot(ctx)
	if err != nil {
		return nil, err
	}

	now := r.now().UTC()
	res, err := Score(req, snap.warehouses, snap.stock, snap.supply, now)
	if err != nil {
		return nil, err
	}
	if !persist {
		return res, nil
	}

	if err := r.store.UpdateCriticality(ctx, req.ID, res.Score, req.Version); err != nil {
		return nil, err
	}
	if err := r.store.SavePrioritySnapshot(ctx, &model.PrioritySnapshot{
		RequestID: req.ID,
		Score:     res.Score,
		Breakdown: res.Breakdown,
		Rationale: res.Rationale,
		ScoredAt:  now,
	}); err != nil {
		return nil, err
	}
	return res, nil
}
