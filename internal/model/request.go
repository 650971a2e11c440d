// Package model defines the domain entities shared across the engine:
// rescue requests, warehouses, resources, recommendations, allocations,
// and the snapshot records that make scoring runs reproducible.
package model

import "time"

// RequestStatus represents the lifecycle state of a rescue request.
type RequestStatus string

const (
	RequestStatusPending    RequestStatus = "pending"
	RequestStatusInProgress RequestStatus = "in_progress"
	RequestStatusFulfilled  RequestStatus = "fulfilled"
	RequestStatusCancelled  RequestStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s RequestStatus) Terminal() bool {
	return s == RequestStatusFulfilled || s == RequestStatusCancelled
}

// PriorityTier is the operator-assigned urgency class of a request.
type PriorityTier string

const (
	TierHigh   PriorityTier = "high"
	TierMedium PriorityTier = "medium"
	TierLow    PriorityTier = "low"
)

// RescueRequest is an incoming plea for relief resources. Intake creates
// it; the engine owns criticality_score and the pending→in_progress
// transition, and only reads the rest.
type RescueRequest struct {
	ID               string        `json:"id"`
	Location         string        `json:"location"`
	Latitude         *float64      `json:"latitude,omitempty"`
	Longitude        *float64      `json:"longitude,omitempty"`
	Details          string        `json:"details"`
	PeopleCount      int           `json:"people_count"`
	Priority         PriorityTier  `json:"priority"`
	Status           RequestStatus `json:"status"`
	CriticalityScore float64       `json:"criticality_score"`
	Version          int           `json:"version"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

// HasCoordinates reports whether the request carries a usable lat/lon pair.
func (r *RescueRequest) HasCoordinates() bool {
	return r.Latitude != nil && r.Longitude != nil
}

// AgeHours returns the request age relative to now, floored at zero so
// clock skew between intake hosts cannot produce negative decay input.
func (r *RescueRequest) AgeHours(now time.Time) float64 {
	age := now.Sub(r.CreatedAt).Hours()
	if age < 0 {
		return 0
	}
	return age
}
