package syncqueue

import (
	"math/rand/v2"
	"time"
)

// Policy bounds how often a record is retried and how long it waits between
// attempts.
type Policy struct {
	MaxRetryCount int
	BackoffBase   time.Duration
	BackoffCap    time.Duration
	// Jitter is the largest fraction (0..1) shaved off a computed delay.
	Jitter float64
}

func DefaultPolicy() Policy {
	return Policy{
		MaxRetryCount: 5,
		BackoffBase:   time.Second,
		BackoffCap:    time.Minute,
		Jitter:        0.2,
	}
}

func (p Policy) normalized() Policy {
	def := DefaultPolicy()
	if p.MaxRetryCount <= 0 {
		p.MaxRetryCount = def.MaxRetryCount
	}
	if p.BackoffBase <= 0 {
		p.BackoffBase = def.BackoffBase
	}
	if p.BackoffCap < p.BackoffBase {
		p.BackoffCap = p.BackoffBase
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.Jitter > 1 {
		p.Jitter = 1
	}
	return p
}

// Delay returns the wait before attempt retryCount+1 given a uniform sample
// r in [0,1): min(cap, base*2^(retryCount-1)) reduced by up to Jitter.
func (p Policy) Delay(retryCount int, r float64) time.Duration {
	p = p.normalized()
	if retryCount < 1 {
		retryCount = 1
	}
	delay := p.BackoffBase
	for i := 1; i < retryCount && delay < p.BackoffCap; i++ {
		if delay > p.BackoffCap/2 {
			delay = p.BackoffCap
			break
		}
		delay *= 2
	}
	if r < 0 {
		r = 0
	}
	if r >= 1 {
		r = 0.999999
	}
	return delay - time.Duration(float64(delay)*p.Jitter*r)
}

func defaultRand() float64 {
	return rand.Float64()
}
