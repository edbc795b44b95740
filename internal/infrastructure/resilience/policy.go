package resilience

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

type Config struct {
	RetryMaxAttempts    int
	RetryInitialBackoff time.Duration
	RetryMaxBackoff     time.Duration
	RetryMultiplier     float64
	// RetryAfterMax caps how long a provider's Retry-After may delay a retry.
	RetryAfterMax time.Duration

	BreakerEnabled          bool
	BreakerMinRequests      uint32
	BreakerFailureRatio     float64
	BreakerOpenTimeout      time.Duration
	BreakerHalfOpenMaxCalls uint32

	// RateLimitRPS <= 0 disables the limiter.
	RateLimitRPS   float64
	RateLimitBurst int
}

func DefaultConfig() Config {
	return Config{
		RetryMaxAttempts:    3,
		RetryInitialBackoff: 100 * time.Millisecond,
		RetryMaxBackoff:     400 * time.Millisecond,
		RetryMultiplier:     2.0,
		RetryAfterMax:       2 * time.Second,

		BreakerEnabled:          true,
		BreakerMinRequests:      10,
		BreakerFailureRatio:     0.5,
		BreakerOpenTimeout:      30 * time.Second,
		BreakerHalfOpenMaxCalls: 2,

		RateLimitRPS:   0,
		RateLimitBurst: 1,
	}
}

func (c Config) normalize() Config {
	out := c
	def := DefaultConfig()

	if out.RetryMaxAttempts <= 0 {
		out.RetryMaxAttempts = def.RetryMaxAttempts
	}
	if out.RetryInitialBackoff <= 0 {
		out.RetryInitialBackoff = def.RetryInitialBackoff
	}
	if out.RetryMaxBackoff <= 0 {
		out.RetryMaxBackoff = def.RetryMaxBackoff
	}
	if out.RetryMaxBackoff < out.RetryInitialBackoff {
		out.RetryMaxBackoff = out.RetryInitialBackoff
	}
	if out.RetryAfterMax <= 0 {
		out.RetryAfterMax = def.RetryAfterMax
	}
	if out.RetryMultiplier < 1.0 {
		out.RetryMultiplier = def.RetryMultiplier
	}

	if out.BreakerMinRequests == 0 {
		out.BreakerMinRequests = def.BreakerMinRequests
	}
	if out.BreakerFailureRatio <= 0 || out.BreakerFailureRatio > 1 {
		out.BreakerFailureRatio = def.BreakerFailureRatio
	}
	if out.BreakerOpenTimeout <= 0 {
		out.BreakerOpenTimeout = def.BreakerOpenTimeout
	}
	if out.BreakerHalfOpenMaxCalls == 0 {
		out.BreakerHalfOpenMaxCalls = def.BreakerHalfOpenMaxCalls
	}
	if out.RateLimitBurst <= 0 {
		out.RateLimitBurst = def.RateLimitBurst
	}

	return out
}

// Policy is the outbound call policy of one provider: a token bucket in front
// of retries and per-operation circuit breakers.
type Policy struct {
	limiter  *rate.Limiter
	executor *Executor
}

func NewPolicy(cfg Config) *Policy {
	cfg = cfg.normalize()
	p := &Policy{executor: NewExecutor(cfg)}
	if cfg.RateLimitRPS > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst)
	}
	return p
}

// Do waits for a rate-limit token before every attempt, so retries are paced too.
// A nil Policy runs fn once.
func (p *Policy) Do(ctx context.Context, operation string, fn func(context.Context) error, classifier ErrorClassifier) error {
	if p == nil {
		return fn(ctx)
	}
	return p.executor.Execute(ctx, operation, func(ctx context.Context) error {
		if err := p.wait(ctx); err != nil {
			return err
		}
		return fn(ctx)
	}, classifier)
}

func (p *Policy) wait(ctx context.Context) error {
	if p.limiter == nil {
		return nil
	}
	if err := p.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	return nil
}

// BreakerStates exposes the executor's breaker states for health reporting.
func (p *Policy) BreakerStates() map[string]string {
	if p == nil {
		return nil
	}
	return p.executor.BreakerStates()
}
