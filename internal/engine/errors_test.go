package engine

import (
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
)

func TestErrorHelpersMatchThroughWrapping(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		match func(error) bool
	}{
		{"validation", NewValidation("quantity", "must be positive"), IsValidation},
		{"not found", NewNotFound("request", "req-1"), IsNotFound},
		{"insufficient stock", &InsufficientStockError{ResourceID: "res-1", Requested: 50, Available: 10}, IsInsufficientStock},
		{"conflict", &ConflictError{Kind: "resource", ID: "res-1", ExpectedVersion: 3}, IsConflict},
		{"dependency", &DependencyUnavailableError{Dependency: "demand-feed"}, IsDependencyUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, tt.match(tt.err))
			assert.True(t, tt.match(eris.Wrap(tt.err, "outer context")))
			assert.False(t, tt.match(eris.New("unrelated")))
			assert.False(t, tt.match(nil))
		})
	}
}

func TestErrorMessages(t *testing.T) {
	assert.Equal(t, "invalid quantity: must be positive",
		NewValidation("quantity", "must be positive").Error())
	assert.Equal(t, "request not found: req-1",
		NewNotFound("request", "req-1").Error())
	assert.Equal(t, "insufficient stock for resource res-1: requested 50, available 10",
		(&InsufficientStockError{ResourceID: "res-1", Requested: 50, Available: 10}).Error())
	assert.Equal(t, "version conflict on resource res-1 (expected version 3)",
		(&ConflictError{Kind: "resource", ID: "res-1", ExpectedVersion: 3}).Error())
}

func TestDependencyUnavailableUnwrap(t *testing.T) {
	inner := eris.New("connect refused")
	err := &DependencyUnavailableError{Dependency: "demand-feed", Err: inner}
	assert.Contains(t, err.Error(), "demand-feed")
	assert.Contains(t, err.Error(), "connect refused")
	assert.Equal(t, inner, err.Unwrap())

	bare := &DependencyUnavailableError{Dependency: "demand-feed"}
	assert.Equal(t, "dependency unavailable: demand-feed", bare.Error())
}
