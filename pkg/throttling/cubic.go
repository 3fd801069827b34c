package throttling

import (
	"math"
	"sync"
	"time"
)

// RateLimiter is the pacing port the gossiper drives its loop with.
type RateLimiter interface {
	Delay() time.Duration
	OnError()
	OnSuccess()
}

// CubicRateController maintains an adaptive rate in units/s using a
// TCP-CUBIC-inspired congestion curve: errors multiplicatively collapse the
// rate and record a loss point, successes follow a cubic recovery curve
// back toward the pre-loss rate (or a gentle 5%-per-success climb before
// any loss has been observed).
type CubicRateController struct {
	mu      sync.Mutex
	rate    float64
	minRate float64
	maxRate float64
	beta    float64
	c       float64
	wMax    float64
	k       float64
	tLoss   *time.Time
	now     func() time.Time
}

// NewCubicRateController builds a controller starting at initialRate,
// clamped to [minRate, maxRate]. beta is the multiplicative backoff factor
// applied on error (e.g. 0.7); c is the CUBIC scaling constant.
func NewCubicRateController(initialRate, minRate, maxRate, beta, c float64) *CubicRateController {
	return &CubicRateController{
		rate:    initialRate,
		minRate: minRate,
		maxRate: maxRate,
		beta:    beta,
		c:       c,
		now:     time.Now,
	}
}

// Rate returns the current rate in units/s.
func (c *CubicRateController) Rate() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rate
}

// OnError records a congestion event: remembers the pre-loss rate as
// w_max, recomputes the recovery inflection point K, and collapses the
// rate by beta (floored at minRate).
func (c *CubicRateController) OnError() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.wMax = c.rate
	now := c.now()
	c.tLoss = &now
	c.k = math.Cbrt(c.wMax * (1 - c.beta) / c.c)
	c.rate = math.Max(c.minRate, c.rate*c.beta)
}

// OnSuccess advances the rate along the CUBIC recovery curve. Before any
// loss has been recorded it climbs gently (5% per call); afterward it
// follows c*(t-K)^3 + w_max, t being seconds since the last loss.
func (c *CubicRateController) OnSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tLoss == nil {
		c.rate = math.Min(c.rate*1.05, c.maxRate)
		return
	}
	t := c.now().Sub(*c.tLoss).Seconds()
	next := c.c*math.Pow(t-c.k, 3) + c.wMax
	c.rate = clamp(next, c.minRate, c.maxRate)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// CubicRateLimiter adapts a CubicRateController to the RateLimiter port,
// translating its rate into a delay (1/rate seconds between attempts).
type CubicRateLimiter struct {
	controller *CubicRateController
}

// NewCubicRateLimiter wraps controller as a RateLimiter.
func NewCubicRateLimiter(controller *CubicRateController) *CubicRateLimiter {
	return &CubicRateLimiter{controller: controller}
}

// Delay returns 1/rate as a duration.
func (l *CubicRateLimiter) Delay() time.Duration {
	r := l.controller.Rate()
	if r <= 0 {
		r = l.controller.minRate
		if r <= 0 {
			r = 1
		}
	}
	return time.Duration(float64(time.Second) / r)
}

// OnError reports a failed attempt to the underlying controller.
func (l *CubicRateLimiter) OnError() {
	l.controller.OnError()
}

// OnSuccess reports a successful attempt to the underlying controller.
func (l *CubicRateLimiter) OnSuccess() {
	l.controller.OnSuccess()
}

// Rate returns the controller's current rate in units/s, for metrics.
func (l *CubicRateLimiter) Rate() float64 {
	return l.controller.Rate()
}
