// Package reliability wraps calls to external dependencies (Document AI, the
// markitdown CLI, the LLM, virus scanners) with retries and a circuit breaker.
package reliability

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// ErrCircuitOpen is returned without calling the dependency while its breaker
// is open.
var ErrCircuitOpen = errors.New("circuit breaker open")

// Policy configures retries and breaker thresholds for one dependency.
type Policy struct {
	MaxAttempts         int
	InitialInterval     time.Duration
	MaxInterval         time.Duration
	Multiplier          float64
	RandomizationFactor float64

	// FailureThreshold consecutive failures open the breaker.
	FailureThreshold uint32
	// OpenTimeout is how long the breaker stays open before probing.
	OpenTimeout time.Duration
	// HalfOpenMax requests are let through while half-open.
	HalfOpenMax uint32
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:         3,
		InitialInterval:     200 * time.Millisecond,
		MaxInterval:         5 * time.Second,
		Multiplier:          2,
		RandomizationFactor: 0.2,
		FailureThreshold:    5,
		OpenTimeout:         30 * time.Second,
		HalfOpenMax:         1,
	}
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. Permanent errors also do not
// count against the breaker: the dependency answered, the request was bad.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Guard protects one named dependency.
type Guard struct {
	name   string
	policy Policy
	cb     *gobreaker.CircuitBreaker
	log    zerolog.Logger
}

func NewGuard(name string, policy Policy, log zerolog.Logger, onState func(name string, from, to gobreaker.State)) *Guard {
	g := &Guard{name: name, policy: policy, log: log}
	g.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: policy.HalfOpenMax,
		Timeout:     policy.OpenTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= policy.FailureThreshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || IsPermanent(err) || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("Circuit breaker state changed")
			if onState != nil {
				onState(name, from, to)
			}
		},
	})
	return g
}

func (g *Guard) Name() string { return g.name }

func (g *Guard) State() gobreaker.State { return g.cb.State() }

// Do runs fn until it succeeds, returns a permanent error, the context ends,
// or MaxAttempts is reached. Each attempt passes through the breaker.
func (g *Guard) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = g.policy.InitialInterval
	b.MaxInterval = g.policy.MaxInterval
	b.Multiplier = g.policy.Multiplier
	b.RandomizationFactor = g.policy.RandomizationFactor
	b.MaxElapsedTime = 0

	attempts := g.policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	op := func() error {
		_, err := g.cb.Execute(func() (interface{}, error) {
			return nil, fn(ctx)
		})
		switch {
		case err == nil:
			return nil
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			return backoff.Permanent(fmt.Errorf("%s: %w", g.name, ErrCircuitOpen))
		case IsPermanent(err), ctx.Err() != nil:
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, wait time.Duration) {
		g.log.Debug().Err(err).Str("dependency", g.name).Dur("wait", wait).Msg("Retrying external call")
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx)
	return backoff.RetryNotify(op, policy, notify)
}

// Call is Do for functions that return a value.
func Call[T any](ctx context.Context, g *Guard, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := g.Do(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// Registry hands out one guard per dependency name.
type Registry struct {
	mu       sync.Mutex
	guards   map[string]*Guard
	policies map[string]Policy
	fallback Policy
	log      zerolog.Logger
	onState  func(name string, from, to gobreaker.State)
}

func NewRegistry(log zerolog.Logger) *Registry {
	return &Registry{
		guards:   map[string]*Guard{},
		policies: map[string]Policy{},
		fallback: DefaultPolicy(),
		log:      log,
	}
}

// SetPolicy overrides the policy for name. It must be called before the
// guard is first requested.
func (r *Registry) SetPolicy(name string, p Policy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.policies[name] = p
}

// OnStateChange registers a callback for breaker transitions.
func (r *Registry) OnStateChange(fn func(name string, from, to gobreaker.State)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onState = fn
}

func (r *Registry) Guard(name string) *Guard {
	r.mu.Lock()
	defer r.mu.Unlock()
	if g, ok := r.guards[name]; ok {
		return g
	}
	p, ok := r.policies[name]
	if !ok {
		p = r.fallback
	}
	onState := r.onState
	g := NewGuard(name, p, r.log, func(name string, from, to gobreaker.State) {
		if onState != nil {
			onState(name, from, to)
		}
	})
	r.guards[name] = g
	return g
}

// BreakerState is a guard's state for the admin API.
type BreakerState struct {
	Name                string `json:"name"`
	State               string `json:"state"`
	ConsecutiveFailures uint32 `json:"consecutive_failures"`
}

func (r *Registry) States() []BreakerState {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]BreakerState, 0, len(r.guards))
	for name, g := range r.guards {
		out = append(out, BreakerState{
			Name:                name,
			State:               g.cb.State().String(),
			ConsecutiveFailures: g.cb.Counts().ConsecutiveFailures,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
