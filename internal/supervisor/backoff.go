package supervisor

import (
	"math"
	"math/rand/v2"
	"time"

	"mqtt-capture/config"
)

// Backoff computes reconnect delays: minBackoff * multiplier^n capped at
// maxBackoff, spread by +/- jitter. It is not safe for concurrent use;
// each slot owns one.
type Backoff struct {
	min        time.Duration
	max        time.Duration
	multiplier float64
	jitter     float64
	stability  time.Duration
	attempt    int
	rand       func() float64
}

func NewBackoff(cfg config.SupervisorConfig) *Backoff {
	b := &Backoff{
		min:        cfg.MinBackoff,
		max:        cfg.MaxBackoff,
		multiplier: cfg.Multiplier,
		jitter:     cfg.Jitter,
		stability:  cfg.StabilityPeriod,
		rand:       rand.Float64,
	}
	if b.min <= 0 {
		b.min = time.Second
	}
	if b.max < b.min {
		b.max = b.min
	}
	if b.multiplier < 1 {
		b.multiplier = 1
	}
	return b
}

// Next returns the delay before the next attempt. uptime is how long the
// session that just ended stayed operational; a session that held for
// the stability period resets the sequence to the minimum.
func (b *Backoff) Next(uptime time.Duration) time.Duration {
	if b.stability > 0 && uptime >= b.stability {
		b.attempt = 0
	}

	d := float64(b.min) * math.Pow(b.multiplier, float64(b.attempt))
	if d > float64(b.max) || math.IsInf(d, 0) {
		d = float64(b.max)
	} else {
		b.attempt++
	}

	if b.jitter > 0 {
		d *= 1 + b.jitter*(2*b.rand()-1)
	}
	if d > float64(b.max) {
		d = float64(b.max)
	}
	return time.Duration(d)
}

// Reset returns to the minimum delay.
func (b *Backoff) Reset() { b.attempt = 0 }

// Attempt returns how many consecutive delays have grown the backoff.
func (b *Backoff) Attempt() int { return b.attempt }
