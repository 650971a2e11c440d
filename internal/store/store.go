// Package store defines the persistence interface for the prioritization
// and allocation engine, with postgres (pgx) and sqlite backends.
package store

import (
	"context"
	"time"

	"github.com/reliefops/relief-engine/internal/model"
)

// RequestFilter specifies criteria for listing rescue requests.
type RequestFilter struct {
	Status model.RequestStatus `json:"status,omitempty"`
	// OrderByCriticality orders by criticality_score descending, then
	// recency; the default order is creation time descending.
	OrderByCriticality bool `json:"order_by_criticality,omitempty"`
	Limit              int  `json:"limit,omitempty"`
	Offset             int  `json:"offset,omitempty"`
}

// ApplyParams carries one allocation request through the transactional
// apply chain.
type ApplyParams struct {
	RecommendationID string
	RequestID        string
	ResourceID       string
	Quantity         int
	ActorID          int
	IdempotencyKey   string
	Note             string
}

// Store is the persistence interface for the engine. ApplyAllocation and
// SupersedeSuggestion are the two transactional entry points; everything
// they touch is mutated only through them.
type Store interface {
	// Requests
	CreateRequest(ctx context.Context, req *model.RescueRequest) (*model.RescueRequest, error)
	GetRequest(ctx context.Context, id string) (*model.RescueRequest, error)
	ListRequests(ctx context.Context, filter RequestFilter) ([]model.RescueRequest, error)
	// UpdateCriticality persists a new score guarded by the request's
	// optimistic version; a stale version yields a ConflictError.
	UpdateCriticality(ctx context.Context, id string, score float64, version int) error
	CountRequests(ctx context.Context, status model.RequestStatus) (int, error)

	// Warehouses and resources (read path; upserts serve the importer)
	ListWarehouses(ctx context.Context) ([]model.Warehouse, error)
	ListResources(ctx context.Context) ([]model.Resource, error)
	GetResource(ctx context.Context, id string) (*model.Resource, error)
	StockByWarehouse(ctx context.Context) (map[string]int, error)
	TotalResourceQuantity(ctx context.Context) (int, error)
	UpsertWarehouse(ctx context.Context, w *model.Warehouse) error
	UpsertResource(ctx context.Context, r *model.Resource) error

	// Recommendations
	GetRecommendation(ctx context.Context, id string) (*model.AllocationRecommendation, error)
	GetActiveSuggestion(ctx context.Context, requestID string) (*model.AllocationRecommendation, error)
	// SupersedeSuggestion dismisses any live suggestion for the request
	// and inserts rec as the new one, atomically.
	SupersedeSuggestion(ctx context.Context, rec *model.AllocationRecommendation) (*model.AllocationRecommendation, error)
	DismissSuggestion(ctx context.Context, id string) error
	RequestIDsWithActiveSuggestion(ctx context.Context) (map[string]bool, error)
	CountActiveSuggestions(ctx context.Context) (int, error)

	// Allocation: the atomic debit chain. Returns the allocation and
	// whether the idempotency key replayed a previously committed one.
	ApplyAllocation(ctx context.Context, p ApplyParams) (*model.ResourceAllocation, bool, error)
	GetAllocation(ctx context.Context, id string) (*model.ResourceAllocation, error)
	ListAllocationEvents(ctx context.Context, allocationID string) ([]model.AllocationEvent, error)
	CountAllocationsSince(ctx context.Context, since time.Time) (int, error)

	// Scoring and predictive provenance (write-once)
	SavePrioritySnapshot(ctx context.Context, snap *model.PrioritySnapshot) error
	SaveFeatureSnapshot(ctx context.Context, snap *model.RequestFeatureSnapshot) error
	SaveModelRun(ctx context.Context, run *model.PredictiveModelRun) error
	GetLastModelRun(ctx context.Context) (*model.PredictiveModelRun, error)

	// Demand feed (loader writes, predictive cycle reads)
	LoadDemandSnapshots(ctx context.Context, snaps []model.DemandFeatureSnapshot) (int, error)
	GetDemandSnapshot(ctx context.Context, region string, resourceType model.ResourceType) (*model.DemandFeatureSnapshot, error)
	// LatestDemandCollectedAt reports when the freshest demand snapshot was
	// collected, nil when the feed has never loaded.
	LatestDemandCollectedAt(ctx context.Context) (*time.Time, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}
