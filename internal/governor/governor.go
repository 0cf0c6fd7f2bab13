// Package governor enforces per-instance pacing: the perSecond/perMinute/
// perHour token buckets, the pause-after-N cooldown floor, randomized
// inter-message jitter and adaptive damping under provider pushback.
package governor

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"campaignd/internal/domain"
	"campaignd/internal/util"
)

const (
	dampingFloor    = 0.1
	dampingHit      = 0.5  // multiplier applied on each rate-limit signal
	dampingRecover  = 1.05 // geometric recovery per interval without signals
	recoverInterval = 30 * time.Second
)

// Governor is owned by a single instance's worker; only the damping state is
// touched from outside (webhook-reported rate-limit signals), under the lock.
type Governor struct {
	sec  *rate.Limiter
	min  *rate.Limiter
	hour *rate.Limiter

	baseSec  rate.Limit
	baseMin  rate.Limit
	baseHour rate.Limit

	clock util.Clock

	mu          sync.Mutex
	consecutive int
	damping     float64
	lastSignal  time.Time
}

func New(lim domain.ThrottleLimits, clock util.Clock) *Governor {
	g := &Governor{
		baseSec:  limitOrInf(lim.PerSecond, time.Second),
		baseMin:  limitOrInf(lim.PerMinute, time.Minute),
		baseHour: limitOrInf(lim.PerHour, time.Hour),
		clock:    clock,
		damping:  1,
	}
	g.sec = newLimiter(g.baseSec)
	g.min = newLimiter(g.baseMin)
	g.hour = newLimiter(g.baseHour)
	return g
}

func limitOrInf(n int, per time.Duration) rate.Limit {
	if n <= 0 {
		return rate.Inf
	}
	return rate.Limit(float64(n) / per.Seconds())
}

func newLimiter(l rate.Limit) *rate.Limiter {
	if l == rate.Inf {
		return rate.NewLimiter(rate.Inf, 0)
	}
	// burst stays at one token: a deeper bucket would admit up to twice the
	// ceiling inside a rolling window right after a quiet stretch
	return rate.NewLimiter(l, 1)
}

// Acquire blocks until all three buckets grant a token. With adaptive set,
// refill rates are scaled by the current damping factor first.
func (g *Governor) Acquire(ctx context.Context, adaptive bool) error {
	if adaptive {
		g.applyDamping()
	} else {
		g.restoreBase()
	}
	for _, l := range []*rate.Limiter{g.sec, g.min, g.hour} {
		if l.Limit() == rate.Inf {
			continue
		}
		if err := l.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}

// HasQuota reports, without consuming, whether a send could proceed now. The
// rotation selector uses it to skip starved instances.
func (g *Governor) HasQuota() bool {
	for _, l := range []*rate.Limiter{g.sec, g.min, g.hour} {
		if l.Limit() == rate.Inf {
			continue
		}
		if l.Tokens() < 1 {
			return false
		}
	}
	return true
}

// PreSendDelay is the jitter drawn before a send when distributeDelivery is
// set. Seeded by the job so a retried job waits the same way.
func (g *Governor) PreSendDelay(cfg domain.AntiSpamConfig, seed uint64) time.Duration {
	if !cfg.DistributeDelivery || cfg.MessageIntervalMax <= 0 {
		return 0
	}
	lo, hi := cfg.MessageIntervalMin, cfg.MessageIntervalMax
	if hi < lo {
		lo, hi = hi, lo
	}
	if hi == lo {
		return lo
	}
	rng := rand.New(rand.NewSource(int64(seed)))
	return lo + time.Duration(rng.Int63n(int64(hi-lo)))
}

// NoteSend counts a completed send and returns the cooldown to observe when
// the campaign's pause-after threshold is hit. This floor sits beneath the
// token buckets: the worker sleeps it out regardless of token availability.
func (g *Governor) NoteSend(cfg domain.AntiSpamConfig, seed uint64) time.Duration {
	if cfg.PauseAfterCount <= 0 {
		return 0
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.consecutive++
	if g.consecutive < cfg.PauseAfterCount {
		return 0
	}
	g.consecutive = 0
	lo, hi := cfg.PauseDurationMin, cfg.PauseDurationMax
	if hi < lo {
		lo, hi = hi, lo
	}
	if hi <= 0 {
		return 0
	}
	if hi == lo {
		return lo
	}
	rng := rand.New(rand.NewSource(int64(seed)))
	return lo + time.Duration(rng.Int63n(int64(hi-lo)))
}

// ResetStreak clears the consecutive-send counter, e.g. after a failure
// breaks the streak.
func (g *Governor) ResetStreak() {
	g.mu.Lock()
	g.consecutive = 0
	g.mu.Unlock()
}

// OnRateLimitSignal halves the damping factor; refill rates shrink
// accordingly on the next adaptive Acquire.
func (g *Governor) OnRateLimitSignal(now time.Time) {
	g.mu.Lock()
	g.damping = math.Max(dampingFloor, g.damping*dampingHit)
	g.lastSignal = now
	g.mu.Unlock()
}

// Damping returns the current factor after lazy geometric recovery.
func (g *Governor) Damping(now time.Time) float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.recoverLocked(now)
}

func (g *Governor) recoverLocked(now time.Time) float64 {
	if g.damping >= 1 || g.lastSignal.IsZero() {
		return g.damping
	}
	intervals := now.Sub(g.lastSignal) / recoverInterval
	if intervals > 0 {
		g.damping = math.Min(1, g.damping*math.Pow(dampingRecover, float64(intervals)))
		g.lastSignal = g.lastSignal.Add(intervals * recoverInterval)
	}
	return g.damping
}

func (g *Governor) applyDamping() {
	g.mu.Lock()
	d := g.recoverLocked(g.clock.Now())
	g.mu.Unlock()
	scale(g.sec, g.baseSec, d)
	scale(g.min, g.baseMin, d)
	scale(g.hour, g.baseHour, d)
}

func (g *Governor) restoreBase() {
	scale(g.sec, g.baseSec, 1)
	scale(g.min, g.baseMin, 1)
	scale(g.hour, g.baseHour, 1)
}

func scale(l *rate.Limiter, base rate.Limit, factor float64) {
	if base == rate.Inf {
		return
	}
	want := rate.Limit(float64(base) * factor)
	if l.Limit() != want {
		l.SetLimit(want)
	}
}
