package tools

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepwise/pkg/schema"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreakers(threshold int) (*CircuitBreakerRegistry, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	r := NewCircuitBreakerRegistry(CircuitBreakerConfig{FailureThreshold: threshold, Cooldown: time.Minute, HalfOpenMax: 1})
	r.now = clock.now
	return r, clock
}

func TestCircuitBreaker_OpensAtThreshold(t *testing.T) {
	r, _ := newTestBreakers(3)
	require.NoError(t, r.AllowRequest("gen"))

	r.RecordFailure("gen")
	r.RecordFailure("gen")
	assert.Equal(t, CircuitClosed, r.State("gen"))

	assert.Equal(t, CircuitOpen, r.RecordFailure("gen"))
	err := r.AllowRequest("gen")
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeCircuitOpen))
}

func TestCircuitBreaker_SuccessResets(t *testing.T) {
	r, _ := newTestBreakers(2)
	r.RecordFailure("gen")
	r.RecordSuccess("gen")
	r.RecordFailure("gen")
	assert.Equal(t, CircuitClosed, r.State("gen"))
}

func TestCircuitBreaker_HalfOpenProbe(t *testing.T) {
	r, clock := newTestBreakers(1)
	r.RecordFailure("gen")
	require.Error(t, r.AllowRequest("gen"))

	clock.advance(time.Minute)
	require.NoError(t, r.AllowRequest("gen"), "first probe allowed after cooldown")
	assert.Error(t, r.AllowRequest("gen"), "second probe rejected while half-open")

	assert.Equal(t, CircuitOpen, r.RecordFailure("gen"))
	clock.advance(time.Minute)
	require.NoError(t, r.AllowRequest("gen"))
	r.RecordSuccess("gen")
	assert.Equal(t, CircuitClosed, r.State("gen"))
}

func TestCircuitBreaker_DisabledWithZeroThreshold(t *testing.T) {
	r, _ := newTestBreakers(0)
	for i := 0; i < 10; i++ {
		r.RecordFailure("gen")
	}
	assert.NoError(t, r.AllowRequest("gen"))
}

func TestCircuitState_String(t *testing.T) {
	assert.Equal(t, "closed", CircuitClosed.String())
	assert.Equal(t, "open", CircuitOpen.String())
	assert.Equal(t, "half_open", CircuitHalfOpen.String())
	assert.Equal(t, "unknown", CircuitState(9).String())
}
