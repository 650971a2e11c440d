package model

import "time"

// DemandFeatureSnapshot is a time-bucketed (region × resource type)
// aggregate produced by an external aggregation job. The engine consumes
// it read-only; the feed loader is the only writer.
type DemandFeatureSnapshot struct {
	ID              string       `json:"id"`
	Region          string       `json:"region"`
	ResourceType    ResourceType `json:"resource_type"`
	BucketStart     time.Time    `json:"bucket_start"`
	PendingCount    int          `json:"pending_count"`
	FulfilledCount  int          `json:"fulfilled_count"`
	InventoryOnHand int          `json:"inventory_on_hand"`
	WeatherStress   float64      `json:"weather_stress"`
	AccessRisk      float64      `json:"access_risk"`
	CollectedAt     time.Time    `json:"collected_at"`
}

// DemandPressure is the pending-to-fulfilled imbalance normalized against
// inventory on hand, bounded to [0, 3].
func (d *DemandFeatureSnapshot) DemandPressure() float64 {
	backlog := float64(d.PendingCount - d.FulfilledCount)
	if backlog < 0 {
		backlog = 0
	}
	inv := float64(d.InventoryOnHand)
	if inv < 1 {
		inv = 1
	}
	pressure := backlog / inv
	if pressure > 3 {
		pressure = 3
	}
	return pressure
}
