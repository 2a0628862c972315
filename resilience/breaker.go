package resilience

import (
	"sync"
	"time"

	"github.com/cockroachdb/errors"
)

// ErrBreakerOpen is returned by Allow while the upstream is marked down.
var ErrBreakerOpen = errors.New("circuit breaker is open")

// BreakerState is the state of a circuit breaker.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures a Breaker.
type BreakerConfig struct {
	// MaxFailures is how many consecutive failures open the breaker.
	MaxFailures int

	// OpenTimeout is how long the breaker stays open before allowing a
	// half-open probe.
	OpenTimeout time.Duration
}

// DefaultBreakerConfig opens after 3 consecutive failures and probes again
// after 5 minutes.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{MaxFailures: 3, OpenTimeout: 5 * time.Minute}
}

// Breaker guards the primary store. While open, the hybrid store skips the
// primary entirely and reads from the fallback, so a rate-limited upstream
// is not hammered while it recovers.
type Breaker struct {
	cfg BreakerConfig

	mu          sync.Mutex
	state       BreakerState
	failures    int
	openedAt    time.Time
	probeInUse  bool
	nowOverride func() time.Time // test hook
}

// NewBreaker returns a closed Breaker.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.MaxFailures < 1 {
		cfg.MaxFailures = 1
	}
	return &Breaker{cfg: cfg, state: BreakerClosed}
}

func (b *Breaker) now() time.Time {
	if b.nowOverride != nil {
		return b.nowOverride()
	}
	return time.Now()
}

// Allow reports whether a call may proceed. In the open state it returns
// ErrBreakerOpen until OpenTimeout has elapsed, then admits a single
// half-open probe; further callers are rejected until the probe reports.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case BreakerClosed:
		return nil
	case BreakerOpen:
		if b.now().Sub(b.openedAt) < b.cfg.OpenTimeout {
			return ErrBreakerOpen
		}
		b.state = BreakerHalfOpen
		b.probeInUse = true
		return nil
	case BreakerHalfOpen:
		if b.probeInUse {
			return ErrBreakerOpen
		}
		b.probeInUse = true
		return nil
	}
	return ErrBreakerOpen
}

// ReportSuccess records a successful call, closing the breaker from
// half-open and resetting the failure count.
func (b *Breaker) ReportSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.probeInUse = false
	b.state = BreakerClosed
}

// Release abandons an admitted call without recording an outcome, freeing
// the half-open probe slot. Callers use it when a call ended in something
// that says nothing about upstream health: the entity was absent, the error
// was a caller-side bug (bad auth, malformed data) or the caller's context
// was canceled. Every Allow that returned nil must be balanced by exactly
// one of ReportSuccess, ReportFailure or Release, or the probe slot leaks.
func (b *Breaker) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.probeInUse = false
}

// ReportFailure records a failed call. A half-open probe failure reopens the
// breaker immediately; in the closed state the breaker opens once
// MaxFailures consecutive failures accumulate.
func (b *Breaker) ReportFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.probeInUse = false
	switch b.state {
	case BreakerHalfOpen:
		b.state = BreakerOpen
		b.openedAt = b.now()
	case BreakerClosed:
		b.failures++
		if b.failures >= b.cfg.MaxFailures {
			b.state = BreakerOpen
			b.openedAt = b.now()
		}
	}
}

// State returns the current state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Do runs fn under the breaker, reporting its outcome.
func (b *Breaker) Do(fn func() error) error {
	if err := b.Allow(); err != nil {
		return err
	}
	if err := fn(); err != nil {
		b.ReportFailure()
		return err
	}
	b.ReportSuccess()
	return nil
}
