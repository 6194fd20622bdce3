// Package resend schedules bounded, backoff-delayed retries of failed
// sends. It never polls: flushes run only when explicitly invoked, by a
// failure event or by the connectivity-restored signal.
package resend

import (
	"math/rand"
	"time"

	"github.com/gfranco93/parley/internal/config"
)

// Policy is the single source of truth for retry behavior, shared by the
// resend manager and anything else that reasons about attempt budgets.
type Policy struct {
	// Ceiling is the hard attempt limit; a message at or past it is
	// excluded from automatic due-selection.
	Ceiling int
	// Backoff is the ordered base-delay table, indexed by retry count and
	// plateauing at its last entry.
	Backoff []time.Duration
	// Jitter is the symmetric fraction applied to each delay to avoid
	// thundering-herd resends across messages recovering together.
	Jitter float64
}

// DefaultPolicy returns the production policy: 3 attempts, 1s/2s/5s, ±15%.
func DefaultPolicy() Policy {
	return Policy{
		Ceiling: 3,
		Backoff: []time.Duration{time.Second, 2 * time.Second, 5 * time.Second},
		Jitter:  0.15,
	}
}

// PolicyFromConfig builds a policy from the delivery config section,
// falling back to defaults for unset values.
func PolicyFromConfig(cfg config.DeliveryConfig) Policy {
	p := DefaultPolicy()
	if cfg.RetryCeiling > 0 {
		p.Ceiling = cfg.RetryCeiling
	}
	if len(cfg.BackoffMillis) > 0 {
		p.Backoff = make([]time.Duration, len(cfg.BackoffMillis))
		for i, ms := range cfg.BackoffMillis {
			p.Backoff[i] = time.Duration(ms) * time.Millisecond
		}
	}
	return p
}

// Delay returns the jittered backoff delay for the given retry count. The
// result is never below base*(1-Jitter), which keeps the scheduled next
// attempt a monotonic lower bound over the table.
func (p Policy) Delay(retryCount int) time.Duration {
	return p.delay(retryCount, rand.Float64)
}

func (p Policy) delay(retryCount int, randFloat func() float64) time.Duration {
	if len(p.Backoff) == 0 {
		return 0
	}
	idx := retryCount
	if idx < 0 {
		idx = 0
	}
	if idx >= len(p.Backoff) {
		idx = len(p.Backoff) - 1
	}
	base := p.Backoff[idx]
	if p.Jitter <= 0 {
		return base
	}
	// Uniform in [1-J, 1+J].
	factor := 1 - p.Jitter + 2*p.Jitter*randFloat()
	return time.Duration(float64(base) * factor)
}
