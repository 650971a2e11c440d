package priority

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reliefops/relief-engine/internal/model"
	"github.com/reliefops/relief-engine/internal/recommend"
	"github.com/reliefops/relief-engine/internal/store"
)

func newRecalcStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func TestRecalculatorRun(t *testing.T) {
	s := newRecalcStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertWarehouse(ctx, &model.Warehouse{
		ID: "wh-1", Name: "North Hub", Latitude: 30.5, Longitude: -97.0, Capacity: 1000,
	}))
	require.NoError(t, s.UpsertResource(ctx, &model.Resource{
		ID: "res-water", Type: model.ResourceWater, Quantity: 500, WarehouseID: "wh-1",
	}))
	require.NoError(t, s.UpsertResource(ctx, &model.Resource{
		ID: "res-med", Type: model.ResourceMedicalKits, Quantity: 80, WarehouseID: "wh-1",
	}))

	lat, lon := 30.0, -97.0
	waterReq, err := s.CreateRequest(ctx, &model.RescueRequest{
		Location: "east ward", Latitude: &lat, Longitude: &lon,
		Details: "no drinking water, people dehydrated", PeopleCount: 12,
		Priority: model.TierHigh,
	})
	require.NoError(t, err)
	medReq, err := s.CreateRequest(ctx, &model.RescueRequest{
		Location: "mill road",
		Details:  "two injured, bleeding badly", PeopleCount: 2,
		Priority: model.TierMedium,
	})
	require.NoError(t, err)

	r := NewRecalculator(s, recommend.NewMatcher(recommend.DefaultRules()))
	stats, err := r.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Scored)
	assert.Equal(t, 2, stats.Suggested)
	assert.Zero(t, stats.Conflicts)
	assert.Zero(t, stats.Skipped)

	got, err := s.GetRequest(ctx, waterReq.ID)
	require.NoError(t, err)
	assert.Greater(t, got.CriticalityScore, 0.0)
	assert.Equal(t, 2, got.Version)

	waterRec, err := s.GetActiveSuggestion(ctx, waterReq.ID)
	require.NoError(t, err)
	require.NotNil(t, waterRec)
	assert.Equal(t, "res-water", waterRec.ResourceID)
	assert.Equal(t, 48, waterRec.Quantity)
	assert.Contains(t, waterRec.Rationale, "severity=40")

	medRec, err := s.GetActiveSuggestion(ctx, medReq.ID)
	require.NoError(t, err)
	require.NotNil(t, medRec)
	assert.Equal(t, "res-med", medRec.ResourceID)

	// A second pass replaces suggestions instead of stacking them.
	stats, err = r.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Scored)

	count, err := s.CountActiveSuggestions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestRecalculatorRunNoStock(t *testing.T) {
	s := newRecalcStore(t)
	ctx := context.Background()

	_, err := s.CreateRequest(ctx, &model.RescueRequest{
		Location: "dry creek", Details: "food needed", PeopleCount: 6,
		Priority: model.TierLow,
	})
	require.NoError(t, err)

	r := NewRecalculator(s, recommend.NewMatcher(recommend.DefaultRules()))
	stats, err := r.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Scored)
	assert.Zero(t, stats.Suggested)
}

func TestScoreRequestPersist(t *testing.T) {
	s := newRecalcStore(t)
	ctx := context.Background()

	req, err := s.CreateRequest(ctx, &model.RescueRequest{
		Location: "north shore", Details: "blankets for shelter", PeopleCount: 9,
		Priority: model.TierMedium,
	})
	require.NoError(t, err)

	r := NewRecalculator(s, recommend.NewMatcher(recommend.DefaultRules()))
	r.now = func() time.Time { return req.CreatedAt.Add(time.Hour) }

	res, err := r.ScoreRequest(ctx, req.ID, false)
	require.NoError(t, err)
	assert.Greater(t, res.Score, 0.0)

	// Dry run leaves the stored score alone.
	got, err := s.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Zero(t, got.CriticalityScore)
	assert.Equal(t, 1, got.Version)

	res, err = r.ScoreRequest(ctx, req.ID, true)
	require.NoError(t, err)

	got, err = s.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.InDelta(t, res.Score, got.CriticalityScore, 1e-9)
	assert.Equal(t, 2, got.Version)
}
