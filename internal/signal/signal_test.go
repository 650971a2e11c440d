package signal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reliefops/relief-engine/internal/model"
)

func ptrFloat64(v float64) *float64 { return &v }

func TestTimeDecayWeight(t *testing.T) {
	tests := []struct {
		name     string
		ageHours float64
		want     int
	}{
		{"fresh request", 0, 20},
		{"one hour", 1, 18},
		{"half day", 12, 7},
		{"one day", 24, 4},
		{"very stale floors at 4", 240, 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, TimeDecayWeight(tt.ageHours))
		})
	}
}

func TestTimeDecayMonotonic(t *testing.T) {
	// Older requests never outscore younger ones, and all weights stay
	// inside [4,20].
	prev := TimeDecayWeight(0)
	for age := 0.5; age <= 96; age += 0.5 {
		w := TimeDecayWeight(age)
		assert.LessOrEqual(t, w, prev, "age %.1f", age)
		assert.GreaterOrEqual(t, w, 4)
		assert.LessOrEqual(t, w, 20)
		prev = w
	}
}

func TestProximityWeight(t *testing.T) {
	tests := []struct {
		name string
		dist *float64
		want int
	}{
		{"no coordinates neutral", nil, 6},
		{"zero distance", ptrFloat64(0), 0},
		{"ten km", ptrFloat64(10), 6},
		{"thirty km", ptrFloat64(30), 18},
		{"hundred km caps at 20", ptrFloat64(100), 20},
		{"round happens before the cap", ptrFloat64(33.2), 20},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ProximityWeight(tt.dist))
		})
	}
}

func TestProximityMonotonicUpToCap(t *testing.T) {
	prev := ProximityWeight(ptrFloat64(0))
	for d := 1.0; d <= 60; d++ {
		w := ProximityWeight(&d)
		assert.GreaterOrEqual(t, w, prev, "distance %.0f", d)
		assert.LessOrEqual(t, w, 20)
		prev = w
	}
}

func TestHubCapacityWeight(t *testing.T) {
	tests := []struct {
		name      string
		stock     int
		capacity  int
		wantW     int
		wantRatio *float64
	}{
		{"no capacity data neutral", 500, 0, 10, nil},
		{"worked scenario 200 of 1000", 200, 1000, 15, ptrFloat64(0.2)},
		{"fully stocked", 1000, 1000, 0, ptrFloat64(1.0)},
		{"overstocked ratio caps at 2", 5000, 1000, 0, ptrFloat64(2.0)},
		{"empty warehouse", 0, 1000, 21, ptrFloat64(0)},
		{"at the 70 percent floor", 700, 1000, 0, ptrFloat64(0.7)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, ratio := HubCapacityWeight(tt.stock, tt.capacity)
			assert.Equal(t, tt.wantW, w)
			if tt.wantRatio == nil {
				assert.Nil(t, ratio)
			} else {
				require.NotNil(t, ratio)
				assert.InDelta(t, *tt.wantRatio, *ratio, 0.001)
			}
		})
	}
}

func TestHaversineKm(t *testing.T) {
	// Austin to Dallas is roughly 293 km.
	d := HaversineKm(30.2672, -97.7431, 32.7767, -96.7970)
	assert.InDelta(t, 293, d, 5)

	assert.InDelta(t, 0, HaversineKm(30.0, -97.0, 30.0, -97.0), 0.001)
}

func TestComputeDeterministic(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	req := &model.RescueRequest{
		ID:          "req-1",
		Latitude:    ptrFloat64(30.0),
		Longitude:   ptrFloat64(-97.0),
		PeopleCount: 12,
		CreatedAt:   now.Add(-3 * time.Hour),
	}
	warehouses := []model.Warehouse{
		{ID: "wh-far", Latitude: 35.0, Longitude: -100.0, Capacity: 500},
		{ID: "wh-near", Latitude: 30.1, Longitude: -97.1, Capacity: 1000},
	}
	stock := map[string]int{"wh-far": 400, "wh-near": 200}

	first := Compute(req, warehouses, stock, now)
	second := Compute(req, warehouses, stock, now)
	assert.Equal(t, first, second)

	assert.Equal(t, "wh-near", first.NearestWarehouseID)
	require.NotNil(t, first.DistanceKm)
	assert.Less(t, *first.DistanceKm, 20.0)
	require.NotNil(t, first.HubCapacityRatio)
	assert.InDelta(t, 0.2, *first.HubCapacityRatio, 0.001)
}

func TestComputeWithoutCoordinates(t *testing.T) {
	now := time.Now().UTC()
	req := &model.RescueRequest{ID: "req-2", CreatedAt: now}
	warehouses := []model.Warehouse{{ID: "wh-1", Capacity: 100}}

	s := Compute(req, warehouses, map[string]int{"wh-1": 10}, now)
	assert.Equal(t, 6, s.Proximity)
	assert.Equal(t, 10, s.HubCapacity)
	assert.Nil(t, s.HubCapacityRatio)
	assert.Empty(t, s.NearestWarehouseID)
}

func TestComputeNoWarehouses(t *testing.T) {
	now := time.Now().UTC()
	req := &model.RescueRequest{
		ID:        "req-3",
		Latitude:  ptrFloat64(30.0),
		Longitude: ptrFloat64(-97.0),
		CreatedAt: now,
	}

	s := Compute(req, nil, nil, now)
	assert.Equal(t, 6, s.Proximity)
	assert.Equal(t, 10, s.HubCapacity)
	assert.Nil(t, s.HubCapacityRatio)
}
