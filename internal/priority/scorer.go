// Package priority combines the computed signals with severity, people,
// and supply-pressure weights into a single criticality score. Scoring is
// pure and deterministic: the same request, snapshot, and clock always
// produce the same score and breakdown.
package priority

import (
	"fmt"
	"math"
	"time"

	"github.com/reliefops/relief-engine/internal/engine"
	"github.com/reliefops/relief-engine/internal/model"
	"github.com/reliefops/relief-engine/internal/signal"
)

const (
	severityHigh   = 40
	severityMedium = 25
	severityLow    = 10

	peoplePerHead = 1.5
	peopleMax     = 30

	// supplyDemandUnits is the assumed draw of one pending request when
	// estimating global supply pressure.
	supplyDemandUnits = 100
	supplyWeightScale = 4
	supplyPressureMax = 15
)

// SupplyContext is the global demand picture at scoring time.
type SupplyContext struct {
	// TotalResourceQuantity is the summed quantity across all resource
	// pools.
	TotalResourceQuantity int
	// PendingRequests is the count of open (pending) requests.
	PendingRequests int
}

// Result is the outcome of scoring one request.
type Result struct {
	Score     float64
	Breakdown model.WeightBreakdown
	Rationale string
}

// Score computes the criticality score for one request. The warehouse
// snapshot and stock map feed the geometric signals; ctx feeds the global
// supply-pressure weight.
func Score(req *model.RescueRequest, warehouses []model.Warehouse, stockByWarehouse map[string]int, ctx SupplyContext, now time.Time) (*Result, error) {
	if req == nil {
		return nil, engine.NewValidation("request", "missing")
	}
	if req.PeopleCount < 0 {
		return nil, engine.NewValidation("people_count", "must not be negative")
	}
	sev, err := SeverityWeight(req.Priority)
	if err != nil {
		return nil, err
	}

	sig := signal.Compute(req, warehouses, stockByWarehouse, now)

	b := model.WeightBreakdown{
		Severity:         sev,
		People:           PeopleWeight(req.PeopleCount),
		SupplyPressure:   SupplyPressureWeight(ctx),
		TimeDecay:        sig.TimeDecay,
		Proximity:        sig.Proximity,
		HubCapacity:      sig.HubCapacity,
		HubCapacityRatio: sig.HubCapacityRatio,
	}

	return &Result{
		Score:     b.Total(),
		Breakdown: b,
		Rationale: rationale(b),
	}, nil
}

// SeverityWeight maps the operator-assigned tier to its fixed weight.
func SeverityWeight(tier model.PriorityTier) (int, error) {
	switch tier {
	case model.TierHigh:
		return severityHigh, nil
	case model.TierMedium:
		return severityMedium, nil
	case model.TierLow:
		return severityLow, nil
	default:
		return 0, engine.NewValidation("priority", fmt.Sprintf("unknown tier %q", tier))
	}
}

// PeopleWeight maps the affected head count to [0,30].
func PeopleWeight(peopleCount int) int {
	w := int(math.Round(float64(peopleCount) * peoplePerHead))
	if w > peopleMax {
		return peopleMax
	}
	if w < 0 {
		return 0
	}
	return w
}

// SupplyPressureWeight derives a global scarcity weight from the ratio of
// estimated pending demand to total inventory, capped at 15. Each pending
// request is assumed to draw supplyDemandUnits units.
func SupplyPressureWeight(ctx SupplyContext) int {
	inventory := ctx.TotalResourceQuantity
	if inventory < 1 {
		inventory = 1
	}
	ratio := float64(ctx.PendingRequests*supplyDemandUnits) / float64(inventory)
	w := int(math.Round(ratio * supplyWeightScale))
	if w > supplyPressureMax {
		return supplyPressureMax
	}
	return w
}

// rationale renders the breakdown as an audit string naming every weight.
func rationale(b model.WeightBreakdown) string {
	s := fmt.Sprintf(
		"severity=%d people=%d supply_pressure=%d time_decay=%d proximity=%d hub_capacity=%d",
		b.Severity, b.People, b.SupplyPressure, b.TimeDecay, b.Proximity, b.HubCapacity,
	)
	if b.HubCapacityRatio != nil {
		s += fmt.Sprintf(" (hub_ratio=%.2f)", *b.HubCapacityRatio)
	}
	return s + fmt.Sprintf(" total=%.0f", b.Total())
}
