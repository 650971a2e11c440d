package allocate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reliefops/relief-engine/internal/engine"
	"github.com/reliefops/relief-engine/internal/model"
	"github.com/reliefops/relief-engine/internal/store"
)

func setup(t *testing.T) (*Manager, store.Store, string, string) {
	t.Helper()
	ctx := context.Background()

	st, err := store.NewSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.Migrate(ctx))

	require.NoError(t, st.UpsertWarehouse(ctx, &model.Warehouse{
		ID: "wh-1", Name: "North Hub", Capacity: 1000,
	}))
	require.NoError(t, st.UpsertResource(ctx, &model.Resource{
		ID: "res-1", Type: model.ResourceWater, Quantity: 100, WarehouseID: "wh-1",
	}))
	req, err := st.CreateRequest(ctx, &model.RescueRequest{
		Location: "east ward", Details: "no drinking water", PeopleCount: 10,
		Priority: model.TierHigh,
	})
	require.NoError(t, err)

	return NewManager(st), st, req.ID, "res-1"
}

func TestApplyFromRecommendation(t *testing.T) {
	m, st, requestID, resourceID := setup(t)
	ctx := context.Background()

	rec, err := st.SupersedeSuggestion(ctx, &model.AllocationRecommendation{
		RequestID: requestID, ResourceID: resourceID, WarehouseID: "wh-1", Quantity: 40,
	})
	require.NoError(t, err)

	res, err := m.Apply(ctx, ApplyInput{
		RecommendationID: rec.ID,
		ActorID:          7,
		IdempotencyKey:   "key-1",
	})
	require.NoError(t, err)
	assert.False(t, res.Replayed)
	assert.Equal(t, requestID, res.Allocation.RequestID)
	assert.Equal(t, 40, res.Allocation.Quantity)

	stock, err := st.GetResource(ctx, resourceID)
	require.NoError(t, err)
	assert.Equal(t, 60, stock.Quantity)

	// Retry with the same key echoes the committed allocation.
	again, err := m.Apply(ctx, ApplyInput{
		RecommendationID: rec.ID,
		ActorID:          7,
		IdempotencyKey:   "key-1",
	})
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Equal(t, res.Allocation.ID, again.Allocation.ID)

	stock, err = st.GetResource(ctx, resourceID)
	require.NoError(t, err)
	assert.Equal(t, 60, stock.Quantity)
}

func TestApplyManualOverride(t *testing.T) {
	m, st, requestID, resourceID := setup(t)
	ctx := context.Background()

	res, err := m.Apply(ctx, ApplyInput{
		RequestID:  requestID,
		ResourceID: resourceID,
		Quantity:   25,
		ActorID:    3,
	})
	require.NoError(t, err)
	assert.Equal(t, 25, res.Allocation.Quantity)

	stock, err := st.GetResource(ctx, resourceID)
	require.NoError(t, err)
	assert.Equal(t, 75, stock.Quantity)
}

func TestApplyValidation(t *testing.T) {
	m, _, requestID, resourceID := setup(t)
	ctx := context.Background()

	tests := []struct {
		name string
		in   ApplyInput
	}{
		{"missing request", ApplyInput{ResourceID: resourceID, Quantity: 5}},
		{"missing resource", ApplyInput{RequestID: requestID, Quantity: 5}},
		{"zero quantity", ApplyInput{RequestID: requestID, ResourceID: resourceID}},
		{"negative quantity", ApplyInput{RequestID: requestID, ResourceID: resourceID, Quantity: -4}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.Apply(ctx, tt.in)
			assert.True(t, engine.IsValidation(err))
		})
	}
}

func TestApplyRequestMismatch(t *testing.T) {
	m, st, requestID, resourceID := setup(t)
	ctx := context.Background()

	rec, err := st.SupersedeSuggestion(ctx, &model.AllocationRecommendation{
		RequestID: requestID, ResourceID: resourceID, WarehouseID: "wh-1", Quantity: 10,
	})
	require.NoError(t, err)

	_, err = m.Apply(ctx, ApplyInput{
		RecommendationID: rec.ID,
		RequestID:        "someone-else",
		Quantity:         10,
	})
	assert.True(t, engine.IsValidation(err))
}

func TestApplyUnknownRecommendation(t *testing.T) {
	m, _, _, _ := setup(t)

	_, err := m.Apply(context.Background(), ApplyInput{RecommendationID: "rec-missing"})
	assert.True(t, engine.IsNotFound(err))
}

func TestApplyInsufficientStock(t *testing.T) {
	m, _, requestID, resourceID := setup(t)

	_, err := m.Apply(context.Background(), ApplyInput{
		RequestID:  requestID,
		ResourceID: resourceID,
		Quantity:   500,
	})
	assert.True(t, engine.IsInsufficientStock(err))
}

func TestApplyForRequest(t *testing.T) {
	m, st, requestID, resourceID := setup(t)
	ctx := context.Background()

	rec, err := st.SupersedeSuggestion(ctx, &model.AllocationRecommendation{
		RequestID: requestID, ResourceID: resourceID, WarehouseID: "wh-1", Quantity: 30,
	})
	require.NoError(t, err)

	res, err := m.ApplyForRequest(ctx, requestID, 7, "key-req-1", "field apply")
	require.NoError(t, err)
	assert.Equal(t, 30, res.Allocation.Quantity)

	applied, err := st.GetRecommendation(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RecommendationApplied, applied.Status)
	require.NotNil(t, applied.AllocationID)
	assert.Equal(t, res.Allocation.ID, *applied.AllocationID)

	// The suggestion slot is consumed; a second apply has nothing to resolve.
	_, err = m.ApplyForRequest(ctx, requestID, 7, "key-req-2", "")
	assert.True(t, engine.IsNotFound(err))

	_, err = m.ApplyForRequest(ctx, "", 7, "", "")
	assert.True(t, engine.IsValidation(err))
}

func TestDismiss(t *testing.T) {
	m, st, requestID, resourceID := setup(t)
	ctx := context.Background()

	rec, err := st.SupersedeSuggestion(ctx, &model.AllocationRecommendation{
		RequestID: requestID, ResourceID: resourceID, WarehouseID: "wh-1", Quantity: 10,
	})
	require.NoError(t, err)

	require.NoError(t, m.Dismiss(ctx, rec.ID))

	got, err := st.GetRecommendation(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RecommendationDismissed, got.Status)

	// Already terminal; a second dismiss finds no live suggestion.
	err = m.Dismiss(ctx, rec.ID)
	assert.True(t, engine.IsNotFound(err))

	assert.True(t, engine.IsValidation(m.Dismiss(ctx, "")))
}
