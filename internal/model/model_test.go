package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRequestAgeHoursFloorsAtZero(t *testing.T) {
	now := time.Date(2026, 8, 27, 12, 0, 0, 0, time.UTC)

	r := &RescueRequest{CreatedAt: now.Add(-90 * time.Minute)}
	assert.InDelta(t, 1.5, r.AgeHours(now), 1e-9)

	// Intake host clock ahead of ours.
	r = &RescueRequest{CreatedAt: now.Add(10 * time.Minute)}
	assert.Zero(t, r.AgeHours(now))
}

func TestRequestStatusTerminal(t *testing.T) {
	assert.False(t, RequestStatusPending.Terminal())
	assert.False(t, RequestStatusInProgress.Terminal())
	assert.True(t, RequestStatusFulfilled.Terminal())
	assert.True(t, RequestStatusCancelled.Terminal())
}

func TestHasCoordinates(t *testing.T) {
	lat, lon := 30.0, -97.0
	assert.True(t, (&RescueRequest{Latitude: &lat, Longitude: &lon}).HasCoordinates())
	assert.False(t, (&RescueRequest{Latitude: &lat}).HasCoordinates())
	assert.False(t, (&RescueRequest{}).HasCoordinates())
}

func TestWeightBreakdownTotal(t *testing.T) {
	b := WeightBreakdown{
		Severity:       40,
		People:         30,
		SupplyPressure: 15,
		TimeDecay:      20,
		Proximity:      12,
		HubCapacity:    10,
	}
	assert.InDelta(t, 127, b.Total(), 1e-9)
}

func TestDemandPressure(t *testing.T) {
	tests := []struct {
		name string
		snap DemandFeatureSnapshot
		want float64
	}{
		{"typical backlog", DemandFeatureSnapshot{PendingCount: 30, FulfilledCount: 5, InventoryOnHand: 400}, 0.0625},
		{"fulfilled exceeds pending", DemandFeatureSnapshot{PendingCount: 5, FulfilledCount: 10, InventoryOnHand: 100}, 0},
		{"zero inventory floors at one", DemandFeatureSnapshot{PendingCount: 2, InventoryOnHand: 0}, 2},
		{"clamped at three", DemandFeatureSnapshot{PendingCount: 500, InventoryOnHand: 10}, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, tt.snap.DemandPressure(), 1e-9)
		})
	}
}

func TestRecommendationActive(t *testing.T) {
	assert.True(t, (&AllocationRecommendation{Status: RecommendationSuggested}).Active())
	assert.False(t, (&AllocationRecommendation{Status: RecommendationApplied}).Active())
	assert.False(t, (&AllocationRecommendation{Status: RecommendationDismissed}).Active())
}
