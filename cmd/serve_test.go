package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reliefops/relief-engine/internal/allocate"
	"github.com/reliefops/relief-engine/internal/config"
	"github.com/reliefops/relief-engine/internal/model"
	"github.com/reliefops/relief-engine/internal/monitoring"
	"github.com/reliefops/relief-engine/internal/predict"
	"github.com/reliefops/relief-engine/internal/priority"
	"github.com/reliefops/relief-engine/internal/recommend"
	"github.com/reliefops/relief-engine/internal/region"
	"github.com/reliefops/relief-engine/internal/store"
)

func newTestServer(t *testing.T) (*httptest.Server, *store.SQLiteStore) {
	t.Helper()

	cfg = &config.Config{}
	cfg.Monitoring.LookbackWindowHours = 24

	st, err := store.NewSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.Migrate(context.Background()))

	matcher := recommend.NewMatcher(recommend.DefaultRules())
	resolver := region.NewResolver(nil)
	cycle := predict.NewCycle(st, matcher, predict.RegionFunc(resolver.Region))

	router := newRouter(st,
		priority.NewRecalculator(st, matcher),
		allocate.NewManager(st),
		cycle,
		monitoring.NewCollector(st, nil),
	)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv, st
}

func postJSON(t *testing.T, url string, body any, headers map[string]string) *http.Response {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(payload))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody[map[string]string](t, resp)
	assert.Equal(t, "ok", body["status"])
}

func TestCreateAndListRequests(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/requests", map[string]any{
		"location":     "river district",
		"details":      "families stranded, no drinking water",
		"people_count": 20,
		"priority":     "high",
	}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decodeBody[model.RescueRequest](t, resp)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, model.RequestStatusPending, created.Status)

	listResp, err := http.Get(srv.URL + "/requests?status=pending")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, listResp.StatusCode)
	listed := decodeBody[struct {
		Requests []model.RescueRequest `json:"requests"`
	}](t, listResp)
	require.Len(t, listed.Requests, 1)
	assert.Equal(t, created.ID, listed.Requests[0].ID)
}

func TestScoreEndpointNotFound(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/requests/nope/score")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestApplyFlowOverHTTP(t *testing.T) {
	srv, st := newTestServer(t)
	ctx := context.Background()

	w := &model.Warehouse{ID: "wh-1", Name: "North Hub", Latitude: 30.5, Longitude: -97.0, Capacity: 1000}
	require.NoError(t, st.UpsertWarehouse(ctx, w))
	res := &model.Resource{ID: "res-1", Type: model.ResourceWater, Quantity: 100, WarehouseID: w.ID}
	require.NoError(t, st.UpsertResource(ctx, res))

	createResp := postJSON(t, srv.URL+"/requests", map[string]any{
		"location":     "east ward",
		"details":      "dehydrated evacuees need drinking water",
		"people_count": 10,
		"priority":     "high",
	}, nil)
	created := decodeBody[model.RescueRequest](t, createResp)

	recalcResp := postJSON(t, srv.URL+"/recalculate", nil, nil)
	require.Equal(t, http.StatusOK, recalcResp.StatusCode)
	stats := decodeBody[priority.RecalcStats](t, recalcResp)
	assert.Equal(t, 1, stats.Scored)
	require.Equal(t, 1, stats.Suggested)

	recResp, err := http.Get(srv.URL + "/requests/" + created.ID + "/recommendation")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, recResp.StatusCode)
	rec := decodeBody[model.AllocationRecommendation](t, recResp)
	assert.Equal(t, "res-1", rec.ResourceID)

	applyResp := postJSON(t, srv.URL+"/allocations/apply", map[string]any{
		"recommendation_id": rec.ID,
		"actor_id":          7,
	}, map[string]string{"Idempotency-Key": "op-7-key"})
	require.Equal(t, http.StatusOK, applyResp.StatusCode)
	result := decodeBody[allocate.ApplyResult](t, applyResp)
	assert.False(t, result.Replayed)
	assert.Equal(t, model.AllocationBooked, result.Allocation.Status)

	// The same key replays the original allocation, no second debit.
	replayResp := postJSON(t, srv.URL+"/allocations/apply", map[string]any{
		"recommendation_id": rec.ID,
		"actor_id":          7,
	}, map[string]string{"Idempotency-Key": "op-7-key"})
	require.Equal(t, http.StatusOK, replayResp.StatusCode)
	replay := decodeBody[allocate.ApplyResult](t, replayResp)
	assert.True(t, replay.Replayed)
	assert.Equal(t, result.Allocation.ID, replay.Allocation.ID)

	stock, err := st.GetResource(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, 100-result.Allocation.Quantity, stock.Quantity)
}

func TestDismissOverHTTP(t *testing.T) {
	srv, st := newTestServer(t)
	ctx := context.Background()

	w := &model.Warehouse{ID: "wh-1", Name: "North Hub", Latitude: 30.5, Longitude: -97.0, Capacity: 1000}
	require.NoError(t, st.UpsertWarehouse(ctx, w))
	require.NoError(t, st.UpsertResource(ctx, &model.Resource{
		ID: "res-1", Type: model.ResourceWater, Quantity: 100, WarehouseID: w.ID,
	}))

	req, err := st.CreateRequest(ctx, &model.RescueRequest{
		Location: "east ward", Details: "water needed", PeopleCount: 5, Priority: model.TierMedium,
	})
	require.NoError(t, err)
	rec, err := st.SupersedeSuggestion(ctx, &model.AllocationRecommendation{
		RequestID: req.ID, ResourceID: "res-1", WarehouseID: w.ID, Quantity: 20, Score: 60,
	})
	require.NoError(t, err)

	resp := postJSON(t, srv.URL+"/recommendations/"+rec.ID+"/dismiss", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Dismissed means no active suggestion remains.
	recResp, err := http.Get(srv.URL + "/requests/" + req.ID + "/recommendation")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, recResp.StatusCode)
}

func TestPredictRunOverHTTP(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/predict/run", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	run := decodeBody[model.PredictiveModelRun](t, resp)
	assert.Equal(t, "demand-heuristic", run.ModelName)
	assert.Zero(t, run.Created)
}

func TestStatusOverHTTP(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/status")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	snap := decodeBody[monitoring.MetricsSnapshot](t, resp)
	assert.Equal(t, 24, snap.LookbackHours)
}
