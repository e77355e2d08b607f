package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBackend = errors.New("backend down")

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func succeed(context.Context) error { return nil }
func fail(context.Context) error    { return errBackend }

func newTestBreaker(clock *fakeClock, transitions *[]string) *CircuitBreaker {
	return New(Config{
		FailureThreshold:    2,
		SuccessThreshold:    2,
		OpenTimeout:         time.Second,
		MaxHalfOpenRequests: 1,
	},
		WithClock(clock.Now),
		WithStateListener(func(from, to State) {
			*transitions = append(*transitions, from.String()+"->"+to.String())
		}),
	)
}

func TestCircuitBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	var transitions []string
	cb := newTestBreaker(clock, &transitions)
	ctx := context.Background()

	assert.ErrorIs(t, cb.Execute(ctx, fail), errBackend)
	assert.NoError(t, cb.Execute(ctx, succeed))
	assert.Equal(t, 0, cb.Counts().ConsecutiveFailures)

	assert.ErrorIs(t, cb.Execute(ctx, fail), errBackend)
	assert.ErrorIs(t, cb.Execute(ctx, fail), errBackend)
	assert.Equal(t, StateOpen, cb.State())

	called := false
	err := cb.Execute(ctx, func(context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called)
	assert.Equal(t, []string{"closed->open"}, transitions)
}

func TestCircuitBreaker_HalfOpenRecovery(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	var transitions []string
	cb := newTestBreaker(clock, &transitions)
	ctx := context.Background()

	cb.Execute(ctx, fail)
	cb.Execute(ctx, fail)
	require.Equal(t, StateOpen, cb.State())

	clock.Advance(time.Second)
	assert.NoError(t, cb.Execute(ctx, succeed))
	assert.Equal(t, StateHalfOpen, cb.State())

	assert.NoError(t, cb.Execute(ctx, succeed))
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, []string{"closed->open", "open->half-open", "half-open->closed"}, transitions)
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	var transitions []string
	cb := newTestBreaker(clock, &transitions)
	ctx := context.Background()

	cb.Execute(ctx, fail)
	cb.Execute(ctx, fail)
	clock.Advance(time.Second)

	assert.ErrorIs(t, cb.Execute(ctx, fail), errBackend)
	assert.Equal(t, StateOpen, cb.State())
	assert.Equal(t, clock.Now(), cb.Counts().OpenedAt)

	// the open timeout restarts from the failed probe
	clock.Advance(500 * time.Millisecond)
	assert.ErrorIs(t, cb.Execute(ctx, succeed), ErrOpen)
}

func TestCircuitBreaker_HalfOpenLimitsProbes(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	var transitions []string
	cb := newTestBreaker(clock, &transitions)
	ctx := context.Background()

	cb.Execute(ctx, fail)
	cb.Execute(ctx, fail)
	clock.Advance(time.Second)

	probing := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- cb.Execute(ctx, func(context.Context) error {
			close(probing)
			<-release
			return nil
		})
	}()

	<-probing
	assert.ErrorIs(t, cb.Execute(ctx, succeed), ErrOpen)
	close(release)
	assert.NoError(t, <-done)
}

func TestCircuitBreaker_CancelledContext(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	var transitions []string
	cb := newTestBreaker(clock, &transitions)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, cb.Execute(ctx, fail), context.Canceled)

	live, stop := context.WithCancel(context.Background())
	err := cb.Execute(live, func(ctx context.Context) error {
		stop()
		return ctx.Err()
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, cb.Counts().ConsecutiveFailures)
}

func TestCircuitBreaker_Reset(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	var transitions []string
	cb := newTestBreaker(clock, &transitions)
	ctx := context.Background()

	cb.Execute(ctx, fail)
	cb.Execute(ctx, fail)
	cb.Reset()
	assert.Equal(t, StateClosed, cb.State())
	assert.NoError(t, cb.Execute(ctx, succeed))

	// resetting a closed breaker does not notify
	cb.Reset()
	assert.Equal(t, []string{"closed->open", "open->closed"}, transitions)
}

func TestNew_NormalizesConfig(t *testing.T) {
	cb := New(Config{})
	assert.ErrorIs(t, cb.Execute(context.Background(), fail), errBackend)
	assert.Equal(t, StateOpen, cb.State())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half-open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(42).String())
}
