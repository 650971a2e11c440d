package model

import "time"

// Warehouse is a physical stock location. Read-only to the engine.
type Warehouse struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Capacity  int       `json:"capacity"`
	CreatedAt time.Time `json:"created_at"`
}

// ResourceType names a class of relief supply.
type ResourceType string

const (
	ResourceMedicalKits ResourceType = "medical kits"
	ResourceWater       ResourceType = "water"
	ResourceFood        ResourceType = "food"
	ResourceBlankets    ResourceType = "blankets"
	ResourceFuel        ResourceType = "fuel"
	ResourceTarpaulins  ResourceType = "tarpaulins"
)

// DefaultResourceOrder is the fallback type preference used when request
// free text matches no keyword rule.
var DefaultResourceOrder = []ResourceType{
	ResourceMedicalKits,
	ResourceWater,
	ResourceFood,
	ResourceBlankets,
	ResourceFuel,
	ResourceTarpaulins,
}

// Resource is a stock pool of one type at one warehouse. Quantity is
// mutated only inside allocation transactions and never goes negative;
// Version is the optimistic-concurrency counter bumped on every debit.
type Resource struct {
	ID          string       `json:"id"`
	Type        ResourceType `json:"type"`
	Quantity    int          `json:"quantity"`
	WarehouseID string       `json:"warehouse_id"`
	Version     int          `json:"version"`
	UpdatedAt   time.Time    `json:"updated_at"`
}
