package resilience

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/studyforge/internal/model"
)

var errUnavailable = NewTransientError(errors.New("503"), 503)

// attempt admits one call and records err as its outcome.
func attempt(cb *CircuitBreaker, err error) error {
	if allowErr := cb.Allow(); allowErr != nil {
		return allowErr
	}
	cb.Record(err)
	return err
}

func failN(cb *CircuitBreaker, n int) {
	for i := 0; i < n; i++ {
		_ = attempt(cb, errUnavailable)
	}
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 3, ResetTimeout: time.Minute})
	failN(cb, 2)
	assert.Equal(t, CircuitClosed, cb.State())
	failN(cb, 1)
	assert.Equal(t, CircuitOpen, cb.State())

	err := cb.Allow()
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.True(t, IsTransient(err), "an open circuit reschedules the job")
}

func TestCircuitBreaker_SuccessResetsCount(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 2, ResetTimeout: time.Minute})
	failN(cb, 1)
	require.NoError(t, attempt(cb, nil))
	failN(cb, 1)
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitBreaker_TerminalErrorsDoNotTrip(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 2, ResetTimeout: time.Minute})
	for i := 0; i < 5; i++ {
		_ = attempt(cb, NewTerminalError(errors.New("400 bad request"), KindRejected))
	}
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitBreaker_HalfOpenProbe(t *testing.T) {
	now := time.Now()
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 2, ResetTimeout: 100 * time.Millisecond})
	cb.nowFunc = func() time.Time { return now }

	failN(cb, 2)
	require.Equal(t, CircuitOpen, cb.State())

	cb.nowFunc = func() time.Time { return now.Add(200 * time.Millisecond) }
	assert.Equal(t, CircuitHalfOpen, cb.State())

	require.NoError(t, attempt(cb, nil))
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	now := time.Now()
	var transitions []string
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 1,
		ResetTimeout:     time.Second,
		OnStateChange: func(from, to CircuitState) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})
	cb.nowFunc = func() time.Time { return now }

	failN(cb, 1)
	cb.nowFunc = func() time.Time { return now.Add(2 * time.Second) }
	failN(cb, 1)

	assert.Equal(t, []string{"closed->open", "open->half-open", "half-open->open"}, transitions)
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: time.Minute})
	failN(cb, 1)
	assert.ErrorIs(t, cb.Allow(), ErrCircuitOpen)

	cb.Reset()
	assert.NoError(t, cb.Allow())
}

func TestCircuitBreaker_ConcurrentAccess(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 100, ResetTimeout: time.Minute})
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var err error
			if i%2 == 0 {
				err = errUnavailable
			}
			_ = attempt(cb, err)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestProviderBreakers(t *testing.T) {
	var opened []string
	pb := NewProviderBreakers(CircuitBreakerConfig{
		FailureThreshold: 1,
		ResetTimeout:     time.Minute,
		OnStateChange: func(_, to CircuitState) {
			opened = append(opened, to.String())
		},
	})
	a := pb.For(model.ProviderAnthropic)
	assert.Same(t, a, pb.For(model.ProviderAnthropic))

	a.Record(errUnavailable)
	pb.For(model.ProviderOpenAI)

	states := pb.States()
	assert.Equal(t, CircuitOpen, states[string(model.ProviderAnthropic)])
	assert.Equal(t, CircuitClosed, states[string(model.ProviderOpenAI)])
	assert.Equal(t, []string{"open"}, opened, "configured hook still fires")
}
