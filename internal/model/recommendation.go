package model

import "time"

// RecommendationStatus is the lifecycle state of a recommendation.
// suggested is the only live state; applied and dismissed are terminal.
type RecommendationStatus string

const (
	RecommendationSuggested RecommendationStatus = "suggested"
	RecommendationApplied   RecommendationStatus = "applied"
	RecommendationDismissed RecommendationStatus = "dismissed"
)

// Terminal reports whether the status admits no further transitions.
func (s RecommendationStatus) Terminal() bool {
	return s == RecommendationApplied || s == RecommendationDismissed
}

// AllocationRecommendation is a proposed resource/warehouse/quantity
// pairing for a request. At most one suggested row may exist per request
// at any time; recompute dismisses the prior row before inserting.
type AllocationRecommendation struct {
	ID           string               `json:"id"`
	RequestID    string               `json:"request_id"`
	ResourceID   string               `json:"resource_id"`
	WarehouseID  string               `json:"warehouse_id"`
	Quantity     int                  `json:"quantity"`
	Score        float64              `json:"score"`
	Status       RecommendationStatus `json:"status"`
	Rationale    string               `json:"rationale"`
	AllocationID *string              `json:"allocation_id,omitempty"`
	// Predictive-cycle provenance; nil for interactive recomputes.
	ModelRunID *string    `json:"model_run_id,omitempty"`
	Confidence *float64   `json:"confidence,omitempty"`
	ValidUntil *time.Time `json:"valid_until,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Active reports whether the recommendation still occupies the request's
// single live-suggestion slot.
func (r *AllocationRecommendation) Active() bool {
	return r.Status == RecommendationSuggested
}
