// Package signal derives the bounded numeric signals (time decay,
// proximity, hub capacity) that feed the priority scorer. Every function
// here is pure over its snapshot inputs: identical inputs always produce
// identical signals.
package signal

import (
	"math"
	"time"

	"github.com/reliefops/relief-engine/internal/model"
)

const (
	// earthRadiusKm is the great-circle radius used by the haversine
	// distance.
	earthRadiusKm = 6371.0

	// decayHalfScaleHours controls how fast the time-decay weight falls.
	decayHalfScaleHours = 12.0

	timeDecayMin = 4
	timeDecayMax = 20

	proximityPerKm = 0.6
	proximityMax   = 20
	// proximityNeutral is used when a request carries no coordinates.
	proximityNeutral = 6

	hubRatioCap      = 2.0
	hubShortageFloor = 0.7
	hubWeightScale   = 30
	// hubNeutral is used when the nearest warehouse declares no capacity.
	hubNeutral = 10
)

// Signals is the output of one computation pass for one request.
type Signals struct {
	TimeDecay int
	Proximity int
	// HubCapacity is the supply-stress weight of the nearest warehouse.
	HubCapacity int
	// HubCapacityRatio is stock/capacity capped at 2.0; nil when the
	// nearest warehouse has no declared capacity or no warehouse exists.
	HubCapacityRatio *float64

	// NearestWarehouseID and DistanceKm are populated when the request
	// has coordinates and at least one warehouse exists.
	NearestWarehouseID string
	DistanceKm         *float64
}

// Compute derives all three signals for a request against the current
// warehouse snapshot. stockByWarehouse maps warehouse ID to its summed
// resource quantity.
func Compute(req *model.RescueRequest, warehouses []model.Warehouse, stockByWarehouse map[string]int, now time.Time) Signals {
	s := Signals{
		TimeDecay: TimeDecayWeight(req.AgeHours(now)),
	}

	nearest, distKm := nearestWarehouse(req, warehouses)
	if nearest == nil {
		// No coordinates or no warehouses: both geometric signals fall
		// back to their neutral defaults.
		s.Proximity = proximityNeutral
		s.HubCapacity = hubNeutral
		return s
	}

	s.NearestWarehouseID = nearest.ID
	d := distKm
	s.DistanceKm = &d
	s.Proximity = ProximityWeight(&distKm)
	s.HubCapacity, s.HubCapacityRatio = HubCapacityWeight(stockByWarehouse[nearest.ID], nearest.Capacity)
	return s
}

// TimeDecayWeight maps request age to [4,20]. Newer requests score higher;
// the floor keeps stale requests from disappearing entirely.
// Round happens before the clamp; the order is load-bearing for boundary
// ages.
func TimeDecayWeight(ageHours float64) int {
	decay := math.Exp(-ageHours / decayHalfScaleHours)
	w := int(math.Round(decay * float64(timeDecayMax)))
	return clamp(w, timeDecayMin, timeDecayMax)
}

// ProximityWeight maps distance to the nearest warehouse to [0,20].
// A nil distance means the request has no coordinates and yields the
// fixed neutral weight.
func ProximityWeight(distanceKm *float64) int {
	if distanceKm == nil {
		return proximityNeutral
	}
	w := int(math.Round(*distanceKm * proximityPerKm))
	return clamp(w, 0, proximityMax)
}

// HubCapacityWeight maps a warehouse's relative stock to a supply-stress
// weight. A warehouse below 70% relative stock raises the weight. A
// non-positive capacity yields the neutral weight and a nil ratio.
func HubCapacityWeight(stock, capacity int) (int, *float64) {
	if capacity <= 0 {
		return hubNeutral, nil
	}
	ratio := math.Min(hubRatioCap, float64(stock)/float64(capacity))
	shortage := math.Max(0, hubShortageFloor-ratio)
	w := int(math.Round(shortage * hubWeightScale))
	return w, &ratio
}

// HaversineKm returns the great-circle distance between two points in
// kilometers.
func HaversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	const degToRad = math.Pi / 180

	dLat := (lat2 - lat1) * degToRad
	dLon := (lon2 - lon1) * degToRad

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*degToRad)*math.Cos(lat2*degToRad)*
			math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

// nearestWarehouse picks the closest warehouse by haversine distance.
// Returns nil when the request has no coordinates or no warehouses exist.
func nearestWarehouse(req *model.RescueRequest, warehouses []model.Warehouse) (*model.Warehouse, float64) {
	if len(warehouses) == 0 || !req.HasCoordinates() {
		return nil, 0
	}

	best := 0
	bestDist := HaversineKm(*req.Latitude, *req.Longitude, warehouses[0].Latitude, warehouses[0].Longitude)
	for i := 1; i < len(warehouses); i++ {
		d := HaversineKm(*req.Latitude, *req.Longitude, warehouses[i].Latitude, warehouses[i].Longitude)
		if d < bestDist {
			best, bestDist = i, d
		}
	}
	return &warehouses[best], bestDist
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
