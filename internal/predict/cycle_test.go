package predict

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reliefops/relief-engine/internal/model"
	"github.com/reliefops/relief-engine/internal/recommend"
	"github.com/reliefops/relief-engine/internal/store"
)

func newCycleStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func seedCycleWorld(t *testing.T, s *store.SQLiteStore) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.UpsertWarehouse(ctx, &model.Warehouse{
		ID: "wh-1", Name: "North Hub", Latitude: 30.5, Longitude: -97.0, Capacity: 1000,
	}))
	require.NoError(t, s.UpsertResource(ctx, &model.Resource{
		ID: "res-water", Type: model.ResourceWater, Quantity: 400, WarehouseID: "wh-1",
	}))

	bucket := time.Now().UTC().Truncate(time.Hour)
	_, err := s.LoadDemandSnapshots(ctx, []model.DemandFeatureSnapshot{
		{Region: "north", ResourceType: model.ResourceWater, BucketStart: bucket,
			PendingCount: 30, FulfilledCount: 5, InventoryOnHand: 400,
			WeatherStress: 0.2, CollectedAt: bucket},
	})
	require.NoError(t, err)
}

func newTestCycle(s *store.SQLiteStore) *Cycle {
	return NewCycle(s, recommend.NewMatcher(recommend.DefaultRules()),
		RegionFunc(func(*model.RescueRequest) string { return "north" }))
}

func TestCycleGeneratesExpiringSuggestions(t *testing.T) {
	s := newCycleStore(t)
	ctx := context.Background()
	seedCycleWorld(t, s)

	req, err := s.CreateRequest(ctx, &model.RescueRequest{
		Location: "east ward", Details: "no drinking water", PeopleCount: 10,
		Priority: model.TierHigh,
	})
	require.NoError(t, err)

	c := newTestCycle(s)
	run, err := c.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, run.Processed)
	assert.Equal(t, 1, run.Created)
	assert.Empty(t, run.Error)

	rec, err := s.GetActiveSuggestion(ctx, req.ID)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "res-water", rec.ResourceID)
	require.NotNil(t, rec.ModelRunID)
	assert.Equal(t, run.ID, *rec.ModelRunID)
	require.NotNil(t, rec.Confidence)
	assert.GreaterOrEqual(t, *rec.Confidence, 0.45)
	assert.LessOrEqual(t, *rec.Confidence, 0.96)
	require.NotNil(t, rec.ValidUntil)
	assert.True(t, rec.ValidUntil.After(time.Now().UTC().Add(time.Hour)))
	assert.Contains(t, rec.Rationale, "impact=")
	assert.Contains(t, rec.Rationale, "lead_time_hrs=")

	// Demand pressure > 0 inflates quantity above the interactive 40.
	assert.Greater(t, rec.Quantity, 40)

	last, err := s.GetLastModelRun(ctx)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, run.ID, last.ID)
}

func TestCycleSkipsRequestsWithLiveSuggestion(t *testing.T) {
	s := newCycleStore(t)
	ctx := context.Background()
	seedCycleWorld(t, s)

	covered, err := s.CreateRequest(ctx, &model.RescueRequest{
		Location: "covered", Details: "water", PeopleCount: 3, Priority: model.TierLow,
	})
	require.NoError(t, err)
	existing, err := s.SupersedeSuggestion(ctx, &model.AllocationRecommendation{
		RequestID: covered.ID, ResourceID: "res-water", WarehouseID: "wh-1", Quantity: 12,
	})
	require.NoError(t, err)

	fresh, err := s.CreateRequest(ctx, &model.RescueRequest{
		Location: "fresh", Details: "thirsty families", PeopleCount: 6, Priority: model.TierMedium,
	})
	require.NoError(t, err)

	c := newTestCycle(s)
	run, err := c.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, run.Processed)
	assert.Equal(t, 1, run.Created)

	// The covered request keeps its operator suggestion untouched.
	still, err := s.GetActiveSuggestion(ctx, covered.ID)
	require.NoError(t, err)
	require.NotNil(t, still)
	assert.Equal(t, existing.ID, still.ID)

	got, err := s.GetActiveSuggestion(ctx, fresh.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.NotNil(t, got.ModelRunID)
}

func TestCycleCapsAtTopK(t *testing.T) {
	s := newCycleStore(t)
	ctx := context.Background()
	seedCycleWorld(t, s)

	for i := 0; i < topK+3; i++ {
		_, err := s.CreateRequest(ctx, &model.RescueRequest{
			Location: "block", Details: "water needed", PeopleCount: 2 + i,
			Priority: model.TierMedium,
		})
		require.NoError(t, err)
	}

	c := newTestCycle(s)
	run, err := c.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, topK, run.Processed)
	assert.Equal(t, topK, run.Created)
}

func TestCycleSingleFlight(t *testing.T) {
	s := newCycleStore(t)
	c := newTestCycle(s)

	release := make(chan struct{})
	require.True(t, c.sem.TryAcquire(1))
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-release
		c.sem.Release(1)
	}()

	_, err := c.RunOnce(context.Background())
	assert.ErrorIs(t, err, ErrCycleBusy)

	close(release)
	wg.Wait()

	_, err = c.RunOnce(context.Background())
	assert.NoError(t, err)
}

func TestCycleRecordsRunOnEmptyBacklog(t *testing.T) {
	s := newCycleStore(t)
	ctx := context.Background()

	c := newTestCycle(s)
	run, err := c.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, run.Processed)
	assert.Zero(t, run.Created)

	last, err := s.GetLastModelRun(ctx)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, run.ID, last.ID)
}
