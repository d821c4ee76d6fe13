package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *Config {
	return &Config{
		Name:             "test",
		MaxFailures:      3,
		Timeout:          50 * time.Millisecond,
		HalfOpenMaxCalls: 2,
	}
}

var errUpstream = errors.New("upstream failed")

func failN(cb *CircuitBreaker, n int) {
	for i := 0; i < n; i++ {
		_ = cb.Execute(context.Background(), func() error { return errUpstream })
	}
}

func TestExecute_PassesThroughWhenClosed(t *testing.T) {
	cb := New(testConfig())

	err := cb.Execute(context.Background(), func() error { return nil })
	require.NoError(t, err)
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestOpensAfterConsecutiveFailures(t *testing.T) {
	cb := New(testConfig())

	failN(cb, 3)
	assert.Equal(t, StateOpen, cb.GetState())

	err := cb.Execute(context.Background(), func() error { return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestSuccessResetsFailureCount(t *testing.T) {
	cb := New(testConfig())

	failN(cb, 2)
	require.NoError(t, cb.Execute(context.Background(), func() error { return nil }))
	failN(cb, 2)

	// Never reached 3 consecutive failures
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestHalfOpenProbeRecovers(t *testing.T) {
	cb := New(testConfig())
	failN(cb, 3)
	require.Equal(t, StateOpen, cb.GetState())

	time.Sleep(60 * time.Millisecond)

	// Two successful probes close the breaker
	require.NoError(t, cb.Execute(context.Background(), func() error { return nil }))
	require.NoError(t, cb.Execute(context.Background(), func() error { return nil }))
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestHalfOpenProbeFailureReopens(t *testing.T) {
	cb := New(testConfig())
	failN(cb, 3)

	time.Sleep(60 * time.Millisecond)

	err := cb.Execute(context.Background(), func() error { return errUpstream })
	assert.ErrorIs(t, err, errUpstream)
	assert.Equal(t, StateOpen, cb.GetState())
}

func TestReset(t *testing.T) {
	cb := New(testConfig())
	failN(cb, 3)
	require.Equal(t, StateOpen, cb.GetState())

	cb.Reset()
	assert.Equal(t, StateClosed, cb.GetState())
	require.NoError(t, cb.Execute(context.Background(), func() error { return nil }))
}
