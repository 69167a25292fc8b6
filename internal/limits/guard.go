// Package limits gates every disbursement attempt behind rolling spend
// windows and a circuit breaker.
package limits

import (
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// BreakerState represents circuit breaker state
type BreakerState int32

const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

var (
	ErrBreakerOpen        = errors.New("circuit breaker is open")
	ErrTooManyRequests    = errors.New("too many requests in half-open state")
	ErrDailyLimitReached  = errors.New("daily payout limit reached")
	ErrHourlyLimitReached = errors.New("hourly payout limit reached")
)

// Config holds limit guard configuration
type Config struct {
	DailyLimit       decimal.Decimal
	HourlyLimit      decimal.Decimal
	FailureThreshold int
	SuccessThreshold int
	RecoveryTimeout  time.Duration
	OnStateChange    func(from, to BreakerState)

	// Now overrides the clock. Nil means time.Now.
	Now func() time.Time
}

// Guard tracks rolling daily/hourly spend and consecutive failures.
// It is shared by every concurrent payout worker; each check or record
// is a single critical section so two payouts can never interleave a
// read-modify-write on the counters.
type Guard struct {
	mu sync.Mutex

	dailyLimit       decimal.Decimal
	hourlyLimit      decimal.Decimal
	failureThreshold int
	successThreshold int
	recoveryTimeout  time.Duration
	onStateChange    func(from, to BreakerState)
	now              func() time.Time

	state          BreakerState
	failures       int
	trialRequests  int
	trialSuccesses int
	lastFailureAt  time.Time

	dailyUsed  decimal.Decimal
	hourlyUsed decimal.Decimal
	dayStart   time.Time
	hourStart  time.Time
}

// Snapshot is a point-in-time copy of the guard state.
type Snapshot struct {
	Breaker       BreakerState    `json:"breaker_state"`
	Failures      int             `json:"consecutive_failures"`
	DailyUsed     decimal.Decimal `json:"daily_used"`
	HourlyUsed    decimal.Decimal `json:"hourly_used"`
	DailyLimit    decimal.Decimal `json:"daily_limit"`
	HourlyLimit   decimal.Decimal `json:"hourly_limit"`
	LastFailureAt time.Time       `json:"last_failure_at,omitempty"`
}

// NewGuard creates a new limit guard
func NewGuard(cfg Config) *Guard {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	t := now().UTC()
	return &Guard{
		dailyLimit:       cfg.DailyLimit,
		hourlyLimit:      cfg.HourlyLimit,
		failureThreshold: cfg.FailureThreshold,
		successThreshold: cfg.SuccessThreshold,
		recoveryTimeout:  cfg.RecoveryTimeout,
		onStateChange:    cfg.OnStateChange,
		now:              now,
		state:            StateClosed,
		dailyUsed:        decimal.Zero,
		hourlyUsed:       decimal.Zero,
		dayStart:         t.Truncate(24 * time.Hour),
		hourStart:        t.Truncate(time.Hour),
	}
}

// Check decides whether a disbursement of the given amount may proceed.
// Three independent checks apply: breaker state, daily window, hourly
// window. A denial mutates nothing; denied requests never reach the
// ledger and are not counted as breaker failures.
func (g *Guard) Check(amount decimal.Decimal) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.resetWindows()

	if g.state == StateOpen {
		if g.now().Sub(g.lastFailureAt) < g.recoveryTimeout {
			return ErrBreakerOpen
		}
		// Recovery timeout elapsed: trial mode.
		g.transitionTo(StateHalfOpen)
	}

	// Half-open admits only enough trials to prove recovery.
	if g.state == StateHalfOpen && g.trialRequests >= g.successThreshold {
		return ErrTooManyRequests
	}

	if g.dailyUsed.Add(amount).GreaterThan(g.dailyLimit) {
		return ErrDailyLimitReached
	}
	if g.hourlyUsed.Add(amount).GreaterThan(g.hourlyLimit) {
		return ErrHourlyLimitReached
	}

	if g.state == StateHalfOpen {
		g.trialRequests++
	}
	return nil
}

// RecordSuccess books a confirmed disbursement against the spend
// windows and resets the failure streak.
func (g *Guard) RecordSuccess(amount decimal.Decimal) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.resetWindows()

	g.dailyUsed = g.dailyUsed.Add(amount)
	g.hourlyUsed = g.hourlyUsed.Add(amount)
	g.failures = 0

	if g.state == StateHalfOpen {
		g.trialSuccesses++
		if g.trialSuccesses >= g.successThreshold {
			g.transitionTo(StateClosed)
		}
	}
}

// RecordFailure counts a definitive ledger failure. Reaching the
// threshold opens the breaker; any failure during trial re-opens it.
func (g *Guard) RecordFailure() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.failures++
	g.lastFailureAt = g.now()

	switch g.state {
	case StateClosed:
		if g.failures >= g.failureThreshold {
			g.transitionTo(StateOpen)
		}
	case StateHalfOpen:
		g.transitionTo(StateOpen)
	}
}

// State returns current breaker state
func (g *Guard) State() BreakerState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Snapshot returns a copy of the current guard state.
func (g *Guard) Snapshot() Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.resetWindows()
	return Snapshot{
		Breaker:       g.state,
		Failures:      g.failures,
		DailyUsed:     g.dailyUsed,
		HourlyUsed:    g.hourlyUsed,
		DailyLimit:    g.dailyLimit,
		HourlyLimit:   g.hourlyLimit,
		LastFailureAt: g.lastFailureAt,
	}
}

// resetWindows lazily resets the spend counters when the wall clock has
// crossed a UTC boundary since the last access. Lazy resets avoid the
// drift of a background timer. Caller must hold g.mu.
func (g *Guard) resetWindows() {
	t := g.now().UTC()

	if day := t.Truncate(24 * time.Hour); day.After(g.dayStart) {
		g.dayStart = day
		g.dailyUsed = decimal.Zero
	}
	if hour := t.Truncate(time.Hour); hour.After(g.hourStart) {
		g.hourStart = hour
		g.hourlyUsed = decimal.Zero
	}
}

// transitionTo moves the breaker to a new state. Caller must hold g.mu.
func (g *Guard) transitionTo(next BreakerState) {
	if g.state == next {
		return
	}
	prev := g.state
	g.state = next
	g.trialRequests = 0
	g.trialSuccesses = 0
	if next == StateClosed {
		g.failures = 0
	}
	if g.onStateChange != nil {
		g.onStateChange(prev, next)
	}
}
