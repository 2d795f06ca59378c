package providers

import (
	"sync"
	"time"

	"github.com/rendis/toolflow/pkg/schema"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // calls pass through
	CircuitOpen                         // calls rejected
	CircuitHalfOpen                     // probing recovery
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures circuit breaker behavior.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens the circuit.
	// Zero or less disables the breaker.
	FailureThreshold int
	// Cooldown is how long the circuit stays open before a probe is allowed.
	Cooldown time.Duration
	// HalfOpenMax is the number of probe calls allowed while half-open.
	HalfOpenMax int
}

// DefaultBreakerConfig returns the default configuration.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		HalfOpenMax:      1,
	}
}

type circuitBreaker struct {
	mu                  sync.Mutex
	state               CircuitState
	consecutiveFailures int
	openedAt            time.Time
	halfOpenAttempts    int
}

// Breakers holds one circuit breaker per "provider.action" key.
// Breaker state outlives individual runs.
type Breakers struct {
	mu       sync.Mutex
	breakers map[string]*circuitBreaker
	config   BreakerConfig
	now      func() time.Time
}

// NewBreakers creates a breaker set with the given config.
func NewBreakers(config BreakerConfig) *Breakers {
	if config.HalfOpenMax <= 0 {
		config.HalfOpenMax = 1
	}
	return &Breakers{
		breakers: make(map[string]*circuitBreaker),
		config:   config,
		now:      time.Now,
	}
}

func (b *Breakers) enabled() bool { return b.config.FailureThreshold > 0 }

// Allow reports whether a call to key may proceed, or a CIRCUIT_OPEN error.
func (b *Breakers) Allow(key string) error {
	if !b.enabled() {
		return nil
	}
	cb := b.get(key)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitOpen:
		elapsed := b.now().Sub(cb.openedAt)
		if elapsed >= b.config.Cooldown {
			cb.state = CircuitHalfOpen
			cb.halfOpenAttempts = 1
			return nil
		}
		return schema.NewErrorf(schema.ErrCodeCircuitOpen,
			"circuit open for %s after %d consecutive failures", key, cb.consecutiveFailures).
			WithDetails(map[string]any{
				"action":               key,
				"consecutive_failures": cb.consecutiveFailures,
				"cooldown_remaining":   (b.config.Cooldown - elapsed).String(),
			})

	case CircuitHalfOpen:
		if cb.halfOpenAttempts >= b.config.HalfOpenMax {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen,
				"circuit half-open for %s: probe already in flight", key)
		}
		cb.halfOpenAttempts++
	}
	return nil
}

// Success closes the circuit for key.
func (b *Breakers) Success(key string) {
	if !b.enabled() {
		return
	}
	cb := b.get(key)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures = 0
	cb.halfOpenAttempts = 0
	cb.state = CircuitClosed
}

// Failure records a failed call for key and returns the resulting state.
func (b *Breakers) Failure(key string) CircuitState {
	if !b.enabled() {
		return CircuitClosed
	}
	cb := b.get(key)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures++
	if cb.state == CircuitHalfOpen || cb.consecutiveFailures >= b.config.FailureThreshold {
		cb.state = CircuitOpen
		cb.openedAt = b.now()
	}
	return cb.state
}

// State returns the state of key, moving an expired open circuit to half-open.
func (b *Breakers) State(key string) CircuitState {
	cb := b.get(key)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen && b.now().Sub(cb.openedAt) >= b.config.Cooldown {
		cb.state = CircuitHalfOpen
		cb.halfOpenAttempts = 0
	}
	return cb.state
}

// Stats returns diagnostic information about the breaker for key.
func (b *Breakers) Stats(key string) map[string]any {
	cb := b.get(key)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return map[string]any{
		"action":               key,
		"state":                cb.state.String(),
		"consecutive_failures": cb.consecutiveFailures,
		"failure_threshold":    b.config.FailureThreshold,
		"cooldown":             b.config.Cooldown.String(),
	}
}

func (b *Breakers) get(key string) *circuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	cb, ok := b.breakers[key]
	if !ok {
		cb = &circuitBreaker{state: CircuitClosed}
		b.breakers[key] = cb
	}
	return cb
}
