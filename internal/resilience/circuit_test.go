package resilience

import (
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBreaker(threshold int, reset time.Duration) (*CircuitBreaker, *time.Time) {
	now := time.Date(2026, 8, 27, 12, 0, 0, 0, time.UTC)
	cb := NewCircuitBreaker(CircuitConfig{FailureThreshold: threshold, ResetTimeout: reset})
	cb.nowFunc = func() time.Time { return now }
	return cb, &now
}

func TestCircuitOpensAfterThreshold(t *testing.T) {
	cb, _ := newTestBreaker(3, time.Minute)
	failure := eris.New("feed down")

	for i := 0; i < 2; i++ {
		require.NoError(t, cb.Allow())
		cb.Record(failure)
		assert.Equal(t, CircuitClosed, cb.State())
	}

	require.NoError(t, cb.Allow())
	cb.Record(failure)
	assert.Equal(t, CircuitOpen, cb.State())
	assert.ErrorIs(t, cb.Allow(), ErrCircuitOpen)
}

func TestCircuitProbesAfterResetTimeout(t *testing.T) {
	cb, now := newTestBreaker(1, time.Minute)

	require.NoError(t, cb.Allow())
	cb.Record(eris.New("down"))
	assert.ErrorIs(t, cb.Allow(), ErrCircuitOpen)

	*now = now.Add(2 * time.Minute)
	assert.Equal(t, CircuitHalfOpen, cb.State())

	// Probe allowed; success closes the circuit.
	require.NoError(t, cb.Allow())
	cb.Record(nil)
	assert.Equal(t, CircuitClosed, cb.State())
	assert.NoError(t, cb.Allow())
}

func TestCircuitProbeFailureReopens(t *testing.T) {
	cb, now := newTestBreaker(1, time.Minute)

	require.NoError(t, cb.Allow())
	cb.Record(eris.New("down"))

	*now = now.Add(2 * time.Minute)
	require.NoError(t, cb.Allow())
	cb.Record(eris.New("still down"))
	assert.ErrorIs(t, cb.Allow(), ErrCircuitOpen)
}

func TestCircuitSuccessResetsFailureCount(t *testing.T) {
	cb, _ := newTestBreaker(3, time.Minute)
	failure := eris.New("blip")

	cb.Record(failure)
	cb.Record(failure)
	cb.Record(nil)
	cb.Record(failure)
	cb.Record(failure)
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitReset(t *testing.T) {
	cb, _ := newTestBreaker(1, time.Hour)
	cb.Record(eris.New("down"))
	assert.ErrorIs(t, cb.Allow(), ErrCircuitOpen)

	var transitions []CircuitState
	cb.cfg.OnStateChange = func(from, to CircuitState) { transitions = append(transitions, to) }
	cb.Reset()
	assert.NoError(t, cb.Allow())
	assert.Equal(t, []CircuitState{CircuitClosed}, transitions)
}

func TestCircuitStateString(t *testing.T) {
	assert.Equal(t, "closed", CircuitClosed.String())
	assert.Equal(t, "open", CircuitOpen.String())
	assert.Equal(t, "half-open", CircuitHalfOpen.String())
}
