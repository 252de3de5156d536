// Package breaker wraps the database Runner in a circuit breaker. The
// breaker composes over the pool; the pool does not know it exists.
//
// Only connection-class failures and explicit acquire unavailability count
// toward tripping. Business errors such as errs.ErrNotFound pass through
// without touching the failure count.
package breaker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	log "github.com/sirupsen/logrus"

	"github.com/emporia/ordercore/dbpool"
	"github.com/emporia/ordercore/errs"
)

// State is the breaker's position. The numeric values are exported as the
// breaker.state gauge.
type State int32

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// Config tunes the trip and recovery thresholds.
type Config struct {
	FailureThreshold int
	Cooldown         time.Duration
}

// Breaker guards a Runner. In the open state all calls fail fast with
// errs.ErrCircuitOpen; after the cooldown a single probe is admitted, and
// its outcome decides between closed and a fresh open interval.
type Breaker struct {
	inner   dbpool.Runner
	cfg     Config
	log     log.FieldLogger
	onState func(State)
	now     func() time.Time

	// state is read lock-free on the fast path; transitions happen only
	// under mu, with a recheck of state after acquiring it.
	state    atomic.Int32
	mu       sync.Mutex
	fails    int
	openedAt time.Time
	probing  bool
}

var _ dbpool.Runner = (*Breaker)(nil)

// New wraps inner. onState, if non-nil, observes every state transition
// (it feeds the breaker.state gauge).
func New(inner dbpool.Runner, cfg Config, logger log.FieldLogger, onState func(State)) *Breaker {
	var b = &Breaker{
		inner:   inner,
		cfg:     cfg,
		log:     logger,
		onState: onState,
		now:     time.Now,
	}
	if onState != nil {
		onState(StateClosed)
	}
	return b
}

// State returns the breaker's current position.
func (b *Breaker) State() State { return State(b.state.Load()) }

// Execute implements dbpool.Runner.
func (b *Breaker) Execute(ctx context.Context, stmt string, args ...any) (int64, error) {
	if err := b.admit(); err != nil {
		return 0, err
	}
	var n, err = b.inner.Execute(ctx, stmt, args...)
	b.settle(err)
	return n, err
}

// QueryOne implements dbpool.Runner.
func (b *Breaker) QueryOne(ctx context.Context, dest []any, stmt string, args ...any) error {
	if err := b.admit(); err != nil {
		return err
	}
	var err = b.inner.QueryOne(ctx, dest, stmt, args...)
	b.settle(err)
	return err
}

// Transact implements dbpool.Runner.
func (b *Breaker) Transact(ctx context.Context, fn func(pgx.Tx) error) error {
	if err := b.admit(); err != nil {
		return err
	}
	var err = b.inner.Transact(ctx, fn)
	b.settle(err)
	return err
}

// admit decides whether the call may proceed. Closed admits everything
// without taking the lock. Open admits nothing until the cooldown elapses,
// at which point the first arrival becomes the half-open probe; while a
// probe is in flight every other call fails fast.
func (b *Breaker) admit() error {
	if State(b.state.Load()) == StateClosed {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch State(b.state.Load()) {
	case StateClosed:
		return nil
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cfg.Cooldown {
			return errs.ErrCircuitOpen
		}
		b.transition(StateHalfOpen)
		b.probing = true
		return nil
	default: // half-open
		if b.probing {
			return errs.ErrCircuitOpen
		}
		b.probing = true
		return nil
	}
}

// settle records the call's outcome and drives state transitions.
func (b *Breaker) settle(err error) {
	var failure = err != nil &&
		(errs.IsTransport(err) || errors.Is(err, errs.ErrUnavailable))

	b.mu.Lock()
	defer b.mu.Unlock()

	switch State(b.state.Load()) {
	case StateHalfOpen:
		b.probing = false
		if failure {
			b.openedAt = b.now()
			b.transition(StateOpen)
		} else {
			b.fails = 0
			b.transition(StateClosed)
		}
	case StateClosed:
		if failure {
			b.fails++
			if b.fails >= b.cfg.FailureThreshold {
				b.openedAt = b.now()
				b.transition(StateOpen)
			}
		} else if err == nil {
			b.fails = 0
		}
	default:
		// A call admitted before the trip finished after it; its outcome
		// does not move an already-open breaker.
	}
}

// transition must be called with mu held.
func (b *Breaker) transition(to State) {
	var from = State(b.state.Load())
	if from == to {
		return
	}
	b.state.Store(int32(to))
	if b.onState != nil {
		b.onState(to)
	}
	b.log.WithFields(log.Fields{
		"from": from.String(),
		"to":   to.String(),
	}).Info("circuit breaker state change")
}
