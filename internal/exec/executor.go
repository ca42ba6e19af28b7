package exec

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"
)

// Policy bounds retries per error class. Budgets are counted per class, and
// MaxAttempts caps the whole call so a failure that alternates between classes
// cannot spend every budget in turn.
type Policy struct {
	NetworkRetries   int
	ServerRetries    int
	RateLimitRetries int
	// MaxAttempts is the total attempt cap across classes. Zero means one more
	// than the largest class budget.
	MaxAttempts int
	BackoffBase      time.Duration
	BackoffCap       time.Duration
	// Jitter is the maximum fractional increase applied to each delay.
	Jitter      float64
	CallTimeout time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		NetworkRetries:   3,
		ServerRetries:    2,
		RateLimitRetries: 5,
		BackoffBase:      time.Second,
		BackoffCap:       60 * time.Second,
		Jitter:           0.1,
		CallTimeout:      10 * time.Second,
	}
}

func (p Policy) maxRetries(class Class) int {
	switch class {
	case ClassNetwork:
		return p.NetworkRetries
	case ClassServer:
		return p.ServerRetries
	case ClassRateLimit:
		return p.RateLimitRetries
	}
	return 0
}

func (p Policy) maxAttempts() int {
	if p.MaxAttempts > 0 {
		return p.MaxAttempts
	}
	most := p.NetworkRetries
	if p.ServerRetries > most {
		most = p.ServerRetries
	}
	if p.RateLimitRetries > most {
		most = p.RateLimitRetries
	}
	return most + 1
}

// Error is returned once a call fails for good.
type Error struct {
	Op       string
	Class    Class
	Attempts int
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s failed after %d attempt(s) (%s): %v", e.Op, e.Attempts, e.Class, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	switch target {
	case ErrAuthentication:
		return e.Class == ClassAuth
	case ErrRejected:
		return e.Class == ClassValidation
	}
	return false
}

// RetryRecorder observes scheduled retries.
type RetryRecorder interface {
	IncRetry(op string, class Class)
}

type Executor struct {
	policy   Policy
	log      *zap.Logger
	recorder RetryRecorder

	sleep func(ctx context.Context, d time.Duration) error
	rand  func() float64
}

func New(policy Policy, log *zap.Logger) *Executor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Executor{
		policy: policy,
		log:    log,
		sleep:  sleepContext,
		rand:   rand.Float64,
	}
}

func (e *Executor) SetRecorder(r RetryRecorder) {
	e.recorder = r
}

// Do runs fn until it succeeds, its error class has no retries left or the
// policy's total attempt cap is reached. Each
// attempt gets its own CallTimeout; an attempt that times out is a network
// failure. Cancelling ctx aborts without further attempts.
func (e *Executor) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	retries := make(map[Class]int)
	attempts := 0
	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		attempts++
		err := e.attempt(ctx, fn)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return fmt.Errorf("%s: %w", op, ctx.Err())
		}
		class := Classify(err)
		n := retries[class]
		if n >= e.policy.maxRetries(class) || attempts >= e.policy.maxAttempts() {
			return &Error{Op: op, Class: class, Attempts: attempts, Err: err}
		}
		retries[class] = n + 1
		delay := e.Backoff(n)
		e.log.Warn("retrying call",
			zap.String("op", op),
			zap.String("class", string(class)),
			zap.Int("attempt", attempts),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)
		if e.recorder != nil {
			e.recorder.IncRetry(op, class)
		}
		if err := e.sleep(ctx, delay); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
	}
}

func (e *Executor) attempt(ctx context.Context, fn func(ctx context.Context) error) error {
	if e.policy.CallTimeout <= 0 {
		return fn(ctx)
	}
	callCtx, cancel := context.WithTimeout(ctx, e.policy.CallTimeout)
	defer cancel()
	err := fn(callCtx)
	if err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return fmt.Errorf("call timeout after %s: %w", e.policy.CallTimeout, context.DeadlineExceeded)
	}
	return err
}

// Backoff returns the delay before retry n (0-based) of a class:
// min(base*2^n*(1+jitter*r), cap).
func (e *Executor) Backoff(n int) time.Duration {
	base := float64(e.policy.BackoffBase)
	if base <= 0 {
		return 0
	}
	jitter := e.policy.Jitter * e.rand()
	delay := base * math.Pow(2, float64(n)) * (1 + jitter)
	if limit := float64(e.policy.BackoffCap); limit > 0 && delay > limit {
		delay = limit
	}
	return time.Duration(delay)
}

// Call is Do for functions that return a value.
func Call[T any](ctx context.Context, e *Executor, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := e.Do(ctx, op, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
