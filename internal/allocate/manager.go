// Package allocate turns a recommendation (or a manual override) into a
// committed allocation through the store's transactional apply chain.
package allocate

import (
	"context"

	"go.uber.org/zap"

	"github.com/reliefops/relief-engine/internal/engine"
	"github.com/reliefops/relief-engine/internal/model"
	"github.com/reliefops/relief-engine/internal/store"
)

// Manager coordinates allocation applies and recommendation dismissals.
type Manager struct {
	store store.Store
	log   *zap.Logger
}

// NewManager creates an allocation Manager backed by st.
func NewManager(st store.Store) *Manager {
	return &Manager{store: st, log: zap.L().Named("allocate")}
}

// ApplyInput describes one apply attempt. RecommendationID is optional:
// when set, RequestID, ResourceID, and Quantity default from the
// recommendation; a manual override supplies them directly.
type ApplyInput struct {
	RecommendationID string `json:"recommendation_id,omitempty"`
	RequestID        string `json:"request_id,omitempty"`
	ResourceID       string `json:"resource_id,omitempty"`
	Quantity         int    `json:"quantity,omitempty"`
	ActorID          int    `json:"actor_id"`
	IdempotencyKey   string `json:"idempotency_key,omitempty"`
	Note             string `json:"note,omitempty"`
}

// ApplyResult is the outcome of an apply. Replayed is true when the
// idempotency key matched a previously committed allocation, which is
// echoed back without touching stock.
type ApplyResult struct {
	Allocation *model.ResourceAllocation `json:"allocation"`
	Replayed   bool                      `json:"replayed"`
}

// Apply resolves the input against the referenced recommendation, then
// runs the atomic debit chain. All stock and status checks happen inside
// the store transaction so concurrent applies serialize there.
func (m *Manager) Apply(ctx context.Context, in ApplyInput) (*ApplyResult, error) {
	if in.RecommendationID != "" {
		rec, err := m.store.GetRecommendation(ctx, in.RecommendationID)
		if err != nil {
			return nil, err
		}
		if in.RequestID == "" {
			in.RequestID = rec.RequestID
		} else if in.RequestID != rec.RequestID {
			return nil, engine.NewValidation("request_id", "does not match recommendation")
		}
		if in.ResourceID == "" {
			in.ResourceID = rec.ResourceID
		}
		if in.Quantity == 0 {
			in.Quantity = rec.Quantity
		}
	}

	if in.RequestID == "" {
		return nil, engine.NewValidation("request_id", "required")
	}
	if in.ResourceID == "" {
		return nil, engine.NewValidation("resource_id", "required")
	}
	if in.Quantity <= 0 {
		return nil, engine.NewValidation("quantity", "must be positive")
	}

	alloc, replayed, err := m.store.ApplyAllocation(ctx, store.ApplyParams{
		RecommendationID: in.RecommendationID,
		RequestID:        in.RequestID,
		ResourceID:       in.ResourceID,
		Quantity:         in.Quantity,
		ActorID:          in.ActorID,
		IdempotencyKey:   in.IdempotencyKey,
		Note:             in.Note,
	})
	if err != nil {
		return nil, err
	}

	m.log.Info("allocation applied",
		zap.String("allocation_id", alloc.ID),
		zap.String("request_id", alloc.RequestID),
		zap.String("resource_id", alloc.ResourceID),
		zap.Int("quantity", alloc.Quantity),
		zap.Bool("replayed", replayed),
	)
	return &ApplyResult{Allocation: alloc, Replayed: replayed}, nil
}

// ApplyForRequest resolves the request's live suggestion and applies it.
func (m *Manager) ApplyForRequest(ctx context.Context, requestID string, actorID int, idempotencyKey, note string) (*ApplyResult, error) {
	if requestID == "" {
		return nil, engine.NewValidation("request_id", "required")
	}
	rec, err := m.store.GetActiveSuggestion(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, engine.NewNotFound("active suggestion for request", requestID)
	}
	return m.Apply(ctx, ApplyInput{
		RecommendationID: rec.ID,
		ActorID:          actorID,
		IdempotencyKey:   idempotencyKey,
		Note:             note,
	})
}

// Dismiss retires a live suggestion without allocating anything.
func (m *Manager) Dismiss(ctx context.Context, recommendationID string) error {
	if recommendationID == "" {
		return engine.NewValidation("recommendation_id", "required")
	}
	if err := m.store.DismissSuggestion(ctx, recommendationID); err != nil {
		return err
	}
	m.log.Info("recommendation dismissed", zap.String("recommendation_id", recommendationID))
	return nil
}
