package runtime

import (
	"sync"
	"time"

	"github.com/rendis/playbook/pkg/schema"
)

// BreakerState is the state of a per-tool circuit breaker.
type BreakerState int

const (
	BreakerClosed   BreakerState = iota // calls flow
	BreakerOpen                         // calls rejected
	BreakerHalfOpen                     // probing recovery
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures tool circuit breakers.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens a breaker.
	FailureThreshold int
	// Cooldown is how long a breaker stays open before probing.
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

type breaker struct {
	mu               sync.Mutex
	state            BreakerState
	failures         int
	lastFailure      time.Time
	halfOpenAttempts int
}

// Breakers guards tool dispatch so a tool that keeps failing is rejected
// with TOOL_UNAVAILABLE instead of being called again.
type Breakers struct {
	mu       sync.Mutex
	breakers map[string]*breaker
	config   BreakerConfig
	now      func() time.Time
}

// NewBreakers creates per-tool breakers sharing cfg.
func NewBreakers(cfg BreakerConfig) *Breakers {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultBreakerConfig().FailureThreshold
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 1
	}
	return &Breakers{breakers: make(map[string]*breaker), config: cfg, now: time.Now}
}

// Allow reports whether tool may be called now.
func (b *Breakers) Allow(tool string) error {
	cb := b.get(tool)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerOpen:
		if b.now().Sub(cb.lastFailure) >= b.config.Cooldown {
			cb.state = BreakerHalfOpen
			cb.halfOpenAttempts = 1
			return nil
		}
		return schema.NewErrorf(schema.ErrCodeToolUnavailable,
			"tool %q is failing: %d consecutive failures", tool, cb.failures).
			WithDetails(map[string]any{
				"tool":                 tool,
				"consecutive_failures": cb.failures,
				"state":                cb.state.String(),
			})
	case BreakerHalfOpen:
		if cb.halfOpenAttempts >= b.config.HalfOpenMax {
			return schema.NewErrorf(schema.ErrCodeToolUnavailable, "tool %q is recovering", tool)
		}
		cb.halfOpenAttempts++
	}
	return nil
}

// Success closes the breaker of tool.
func (b *Breakers) Success(tool string) {
	cb := b.get(tool)
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	cb.halfOpenAttempts = 0
	cb.state = BreakerClosed
}

// Failure records a failed call and returns the resulting state.
func (b *Breakers) Failure(tool string) BreakerState {
	cb := b.get(tool)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.lastFailure = b.now()
	if cb.state == BreakerHalfOpen || cb.failures >= b.config.FailureThreshold {
		cb.state = BreakerOpen
	}
	return cb.state
}

// State returns the state of tool's breaker.
func (b *Breakers) State(tool string) BreakerState {
	cb := b.get(tool)
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (b *Breakers) get(tool string) *breaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	cb, ok := b.breakers[tool]
	if !ok {
		cb = &breaker{}
		b.breakers[tool] = cb
	}
	return cb
}
