package monitoring

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reliefops/relief-engine/internal/model"
	"github.com/reliefops/relief-engine/internal/resilience"
	"github.com/reliefops/relief-engine/internal/store"
)

type fakeFeed struct {
	state resilience.CircuitState
}

func (f *fakeFeed) CircuitState() resilience.CircuitState { return f.state }

func newMonitoringStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func TestCollect(t *testing.T) {
	st := newMonitoringStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := st.CreateRequest(ctx, &model.RescueRequest{
			Location:    "river district",
			Details:     "stranded families",
			PeopleCount: 10,
			Priority:    model.TierHigh,
		})
		require.NoError(t, err)
	}

	w := &model.Warehouse{ID: "wh-1", Name: "North Hub", Latitude: 30.5, Longitude: -97.0, Capacity: 1000}
	require.NoError(t, st.UpsertWarehouse(ctx, w))
	r := &model.Resource{ID: "res-1", Type: model.ResourceWater, Quantity: 100, WarehouseID: w.ID}
	require.NoError(t, st.UpsertResource(ctx, r))

	reqs, err := st.ListRequests(ctx, store.RequestFilter{Status: model.RequestStatusPending})
	require.NoError(t, err)
	_, err = st.SupersedeSuggestion(ctx, &model.AllocationRecommendation{
		RequestID:   reqs[0].ID,
		ResourceID:  r.ID,
		WarehouseID: w.ID,
		Quantity:    20,
		Score:       80,
	})
	require.NoError(t, err)

	now := time.Now().UTC()
	_, err = st.LoadDemandSnapshots(ctx, []model.DemandFeatureSnapshot{
		{Region: "north", ResourceType: model.ResourceWater,
			BucketStart: now.Truncate(time.Hour), PendingCount: 12,
			InventoryOnHand: 100, CollectedAt: now.Add(-2 * time.Hour)},
	})
	require.NoError(t, err)
	require.NoError(t, st.SaveModelRun(ctx, &model.PredictiveModelRun{
		ID:          "run-1",
		ModelName:   "demand-heuristic",
		Version:     "v1",
		StartedAt:   now.Add(-3*time.Hour - time.Minute),
		CompletedAt: now.Add(-3 * time.Hour),
		Processed:   5,
		Created:     2,
	}))

	c := NewCollector(st, &fakeFeed{state: resilience.CircuitOpen})
	snap, err := c.Collect(ctx, 24)
	require.NoError(t, err)

	assert.Equal(t, 3, snap.PendingRequests)
	assert.Equal(t, 0, snap.InProgressRequests)
	assert.Equal(t, 1, snap.ActiveSuggestions)
	assert.Equal(t, 0, snap.AllocationsApplied)
	require.NotNil(t, snap.LastModelRunAgeHours)
	assert.InDelta(t, 3.0, *snap.LastModelRunAgeHours, 0.1)
	assert.Empty(t, snap.LastModelRunError)
	assert.Equal(t, "open", snap.FeedCircuitState)
	require.NotNil(t, snap.DemandSnapshotAgeHours)
	assert.InDelta(t, 2.0, *snap.DemandSnapshotAgeHours, 0.1)
	assert.Equal(t, 24, snap.LookbackHours)
}

func TestCollectEmptyStore(t *testing.T) {
	st := newMonitoringStore(t)

	c := NewCollector(st, nil)
	snap, err := c.Collect(context.Background(), 24)
	require.NoError(t, err)

	assert.Zero(t, snap.PendingRequests)
	assert.Zero(t, snap.ActiveSuggestions)
	assert.Nil(t, snap.LastModelRunAgeHours)
	assert.Nil(t, snap.DemandSnapshotAgeHours)
	assert.Empty(t, snap.FeedCircuitState)
}
