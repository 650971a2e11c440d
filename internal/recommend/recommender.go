package recommend

import (
	"math"

	"github.com/reliefops/relief-engine/internal/model"
)

const (
	quantityFloor     = 5
	quantityPerPerson = 4
)

// Proposal is a concrete resource/warehouse/quantity pairing for a
// request, not yet persisted.
type Proposal struct {
	Resource model.Resource
	Quantity int
	// PreferredType is the keyword-inferred type, or the first default
	// type when no rule matched.
	PreferredType model.ResourceType
	// TypeMatched reports whether the chosen resource is of the
	// preferred type (false when the recommender fell back to the
	// highest-quantity pool overall).
	TypeMatched bool
}

// Recommend proposes the best available resource for a request. It
// returns nil when no resource pool holds positive quantity, meaning "no
// recommendation available", not an error.
func Recommend(req *model.RescueRequest, resources []model.Resource, matcher *Matcher) *Proposal {
	available := make([]model.Resource, 0, len(resources))
	for _, r := range resources {
		if r.Quantity > 0 {
			available = append(available, r)
		}
	}
	if len(available) == 0 {
		return nil
	}

	preferred, matched := matcher.Infer(req.Details)
	if !matched {
		preferred = fallbackType(available)
	}

	chosen, typeMatched := pickResource(available, preferred)
	return &Proposal{
		Resource:      chosen,
		Quantity:      ProposedQuantity(req.PeopleCount, chosen.Quantity),
		PreferredType: preferred,
		TypeMatched:   typeMatched,
	}
}

// ProposedQuantity sizes the grant: four units per person with a floor of
// five, never exceeding what the pool holds.
func ProposedQuantity(peopleCount, available int) int {
	want := int(math.Max(float64(quantityFloor), float64(peopleCount*quantityPerPerson)))
	if want > available {
		return available
	}
	return want
}

// fallbackType walks the fixed default ordering and returns the first
// type with positive stock, or the first default type when none have any.
func fallbackType(available []model.Resource) model.ResourceType {
	byType := make(map[model.ResourceType]bool, len(available))
	for _, r := range available {
		byType[r.Type] = true
	}
	for _, t := range model.DefaultResourceOrder {
		if byType[t] {
			return t
		}
	}
	return model.DefaultResourceOrder[0]
}

// pickResource selects the highest-quantity pool of the preferred type,
// falling back to the highest-quantity pool overall.
func pickResource(available []model.Resource, preferred model.ResourceType) (model.Resource, bool) {
	var best *model.Resource
	for i := range available {
		if available[i].Type != preferred {
			continue
		}
		if best == nil || available[i].Quantity > best.Quantity {
			best = &available[i]
		}
	}
	if best != nil {
		return *best, true
	}

	overall := &available[0]
	for i := 1; i < len(available); i++ {
		if available[i].Quantity > overall.Quantity {
			overall = &available[i]
		}
	}
	return *overall, false
}
