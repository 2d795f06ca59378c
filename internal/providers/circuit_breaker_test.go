package providers

import (
	"testing"
	"time"

	"github.com/rendis/toolflow/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// manualClock lets tests step through cooldowns without sleeping.
type manualClock struct{ t time.Time }

func (c *manualClock) now() time.Time          { return c.t }
func (c *manualClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreakers(threshold int, cooldown time.Duration) (*Breakers, *manualClock) {
	clock := &manualClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	b := NewBreakers(BreakerConfig{FailureThreshold: threshold, Cooldown: cooldown, HalfOpenMax: 1})
	b.now = clock.now
	return b, clock
}

func TestBreakers_StartsClosed(t *testing.T) {
	b := NewBreakers(DefaultBreakerConfig())
	assert.NoError(t, b.Allow("github.create_branch"))
	assert.Equal(t, CircuitClosed, b.State("github.create_branch"))
}

func TestBreakers_OpensAfterThreshold(t *testing.T) {
	b, _ := newTestBreakers(3, 10*time.Second)

	b.Failure("jira.create")
	b.Failure("jira.create")
	assert.Equal(t, CircuitClosed, b.State("jira.create"))

	assert.Equal(t, CircuitOpen, b.Failure("jira.create"))

	err := b.Allow("jira.create")
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeCircuitOpen, schema.CodeOf(err))

	e, _ := schema.AsError(err)
	assert.False(t, e.IsRetryable())
	assert.Equal(t, 3, e.Details["consecutive_failures"])
}

func TestBreakers_SuccessResetsFailures(t *testing.T) {
	b, _ := newTestBreakers(3, 10*time.Second)

	b.Failure("a.b")
	b.Failure("a.b")
	b.Success("a.b")
	b.Failure("a.b")
	b.Failure("a.b")
	assert.Equal(t, CircuitClosed, b.State("a.b"))

	b.Failure("a.b")
	assert.Equal(t, CircuitOpen, b.State("a.b"))
}

func TestBreakers_HalfOpenProbe(t *testing.T) {
	b, clock := newTestBreakers(2, time.Minute)

	b.Failure("x.y")
	b.Failure("x.y")
	require.Error(t, b.Allow("x.y"))

	clock.advance(time.Minute)

	// First call after cooldown is the trial request; a second concurrent one is rejected.
	require.NoError(t, b.Allow("x.y"))
	assert.Equal(t, CircuitHalfOpen, b.State("x.y"))
	require.Error(t, b.Allow("x.y"))

	b.Success("x.y")
	assert.Equal(t, CircuitClosed, b.State("x.y"))
	assert.NoError(t, b.Allow("x.y"))
}

func TestBreakers_HalfOpenFailureReopens(t *testing.T) {
	b, clock := newTestBreakers(2, time.Minute)

	b.Failure("x.y")
	b.Failure("x.y")
	clock.advance(2 * time.Minute)
	require.NoError(t, b.Allow("x.y"))

	assert.Equal(t, CircuitOpen, b.Failure("x.y"))
	require.Error(t, b.Allow("x.y"))
}

func TestBreakers_PerActionIsolation(t *testing.T) {
	b, _ := newTestBreakers(1, time.Minute)

	b.Failure("slack.post")
	assert.Error(t, b.Allow("slack.post"))
	assert.NoError(t, b.Allow("slack.update"))
}

func TestBreakers_Disabled(t *testing.T) {
	b := NewBreakers(BreakerConfig{})
	for range 10 {
		b.Failure("a.b")
	}
	assert.NoError(t, b.Allow("a.b"))
}

func TestBreakers_Stats(t *testing.T) {
	b, _ := newTestBreakers(4, time.Second)
	b.Failure("a.b")

	stats := b.Stats("a.b")
	assert.Equal(t, "closed", stats["state"])
	assert.Equal(t, 1, stats["consecutive_failures"])
	assert.Equal(t, 4, stats["failure_threshold"])
}

func TestCircuitState_String(t *testing.T) {
	assert.Equal(t, "closed", CircuitClosed.String())
	assert.Equal(t, "open", CircuitOpen.String())
	assert.Equal(t, "half_open", CircuitHalfOpen.String())
	assert.Equal(t, "unknown", CircuitState(42).String())
}
