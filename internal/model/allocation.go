package model

import "time"

// AllocationStatus tracks a committed allocation through its field life.
type AllocationStatus string

const (
	AllocationBooked     AllocationStatus = "booked"
	AllocationDispatched AllocationStatus = "dispatched"
	AllocationReleased   AllocationStatus = "released"
)

// ResourceAllocation is the immutable record of a committed grant of
// stock to a request. Created only by the allocation transaction manager.
type ResourceAllocation struct {
	ID             string           `json:"id"`
	RequestID      string           `json:"request_id"`
	ResourceID     string           `json:"resource_id"`
	WarehouseID    string           `json:"warehouse_id"`
	Quantity       int              `json:"quantity"`
	AllocatedBy    int              `json:"allocated_by"`
	Status         AllocationStatus `json:"status"`
	IdempotencyKey string           `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
}

// AllocationEvent is one append-only audit row recording an allocation
// state transition. Rows are never updated.
type AllocationEvent struct {
	ID           string           `json:"id"`
	AllocationID string           `json:"allocation_id"`
	EventType    AllocationStatus `json:"event_type"`
	ActorID      int              `json:"actor_id"`
	Note         string           `json:"note,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
}
