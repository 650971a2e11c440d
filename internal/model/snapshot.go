package model

import "time"

// WeightBreakdown itemizes every contribution to a criticality score.
// HubCapacityRatio is nil when the nearest warehouse has no declared
// capacity.
type WeightBreakdown struct {
	Severity         int      `json:"severity"`
	People           int      `json:"people"`
	SupplyPressure   int      `json:"supply_pressure"`
	TimeDecay        int      `json:"time_decay"`
	Proximity        int      `json:"proximity"`
	HubCapacity      int      `json:"hub_capacity"`
	HubCapacityRatio *float64 `json:"hub_capacity_ratio,omitempty"`
}

// Total returns the scalar criticality score.
func (w WeightBreakdown) Total() float64 {
	return float64(w.Severity + w.People + w.SupplyPressure + w.TimeDecay + w.Proximity + w.HubCapacity)
}

// PrioritySnapshot is the write-once record of one scoring pass over one
// request, kept so any score can be reproduced and audited later.
type PrioritySnapshot struct {
	ID        string          `json:"id"`
	RequestID string          `json:"request_id"`
	Score     float64         `json:"score"`
	Breakdown WeightBreakdown `json:"breakdown"`
	Rationale string          `json:"rationale"`
	ScoredAt  time.Time       `json:"scored_at"`
}

// FeatureVector is the input row the predictive heuristics consume:
// regional demand joined with per-request signals.
type FeatureVector struct {
	Region         string       `json:"region"`
	ResourceType   ResourceType `json:"resource_type"`
	DemandPressure float64      `json:"demand_pressure"`
	WeatherStress  float64      `json:"weather_stress"`
	TravelTimeHrs  float64      `json:"travel_time_hrs"`
	TimeDecay      int          `json:"time_decay"`
	Proximity      int          `json:"proximity"`
	HubCapacity    int          `json:"hub_capacity"`

	// Derived heuristic outputs, persisted alongside the inputs so an
	// audited suggestion carries the estimates it was generated with.
	ImpactScore float64 `json:"impact_score"`
	LeadTimeHrs float64 `json:"lead_time_hrs"`
}

// RequestFeatureSnapshot freezes the feature vector used to generate a
// predictive recommendation. Write-once per cycle per request.
type RequestFeatureSnapshot struct {
	ID         string        `json:"id"`
	RequestID  string        `json:"request_id"`
	ModelRunID string        `json:"model_run_id"`
	Features   FeatureVector `json:"features"`
	CreatedAt  time.Time     `json:"created_at"`
}

// PredictiveModelRun is the provenance record attached to each predictive
// batch invocation, linking generated recommendations back to the run.
type PredictiveModelRun struct {
	ID          string    `json:"id"`
	ModelName   string    `json:"model_name"`
	Version     string    `json:"version"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
	Processed   int       `json:"processed"`
	Created     int       `json:"created"`
	Error       string    `json:"error,omitempty"`
}
