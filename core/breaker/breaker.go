package breaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"
)

// ErrCircuitOpen is returned when a call is rejected without running
var ErrCircuitOpen = errors.New("circuit open")

// State of a breaker
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// Defaults used when no option overrides them
const (
	DefaultMaxFailures  = 5
	DefaultResetTimeout = 60 * time.Second
	DefaultExpiry       = time.Hour
)

// Listener is notified after every state or counter change
type Listener func(name string, state State, failures int64)

// Fallback serves a call while the breaker is open
type Fallback func(ctx context.Context) error

// Option configures a Breaker
type Option func(*Breaker)

// WithMaxFailures sets the consecutive failures that open the breaker
func WithMaxFailures(n int64) Option {
	return func(b *Breaker) {
		if n > 0 {
			b.maxFailures = n
		}
	}
}

// WithResetTimeout sets how long the breaker stays open before a trial
func WithResetTimeout(d time.Duration) Option {
	return func(b *Breaker) {
		if d > 0 {
			b.resetTimeout = d
		}
	}
}

// WithExpiry sets the ttl of the keys written to the store
func WithExpiry(d time.Duration) Option {
	return func(b *Breaker) { b.expiry = d }
}

// WithFallback sets the function served while open
func WithFallback(fn Fallback) Option {
	return func(b *Breaker) { b.fallback = fn }
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(b *Breaker) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// WithListener registers a state listener
func WithListener(fn Listener) Option {
	return func(b *Breaker) { b.listener = fn }
}

// Breaker is a circuit breaker whose state lives in a shared Store under
// keys derived from its name, so every breaker with the same name and
// store acts as one.
type Breaker struct {
	name         string
	store        Store
	maxFailures  int64
	resetTimeout time.Duration
	expiry       time.Duration
	fallback     Fallback
	listener     Listener
	logger       *slog.Logger
	now          func() time.Time
}

// Stats is a snapshot of a breaker
type Stats struct {
	Name         string        `json:"name"`
	State        State         `json:"state"`
	Failures     int64         `json:"failures"`
	MaxFailures  int64         `json:"max_failures"`
	ResetTimeout time.Duration `json:"reset_timeout"`
	OpenedAt     *time.Time    `json:"opened_at,omitempty"`
}

// New creates a breaker named name over store
func New(name string, store Store, opts ...Option) *Breaker {
	b := &Breaker{
		name:         name,
		store:        store,
		maxFailures:  DefaultMaxFailures,
		resetTimeout: DefaultResetTimeout,
		expiry:       DefaultExpiry,
		logger:       slog.Default(),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With("breaker", name)
	return b
}

// Name returns the breaker name
func (b *Breaker) Name() string {
	return b.name
}

func (b *Breaker) key(field string) string {
	return "cb." + b.name + "." + field
}

// State returns the current state. An open breaker whose reset timeout
// has elapsed moves to half-open here.
func (b *Breaker) State(ctx context.Context) State {
	raw, ok, err := b.store.Get(ctx, b.key("state"))
	if err != nil {
		b.logger.Warn("failed to read breaker state, assuming closed", "err", err)
		return StateClosed
	}
	if !ok {
		return StateClosed
	}

	state := State(raw)
	if state != StateOpen {
		if state != StateHalfOpen {
			return StateClosed
		}
		return state
	}

	openAt, ok := b.openedAt(ctx)
	if ok && b.now().Sub(openAt) < b.resetTimeout {
		return StateOpen
	}

	swapped, err := b.store.CompareAndSwap(ctx, b.key("state"), string(StateOpen), string(StateHalfOpen), b.expiry)
	if err != nil {
		b.logger.Warn("failed to move breaker to half-open", "err", err)
		return StateOpen
	}
	if swapped {
		b.logger.Info("circuit half-open, allowing one trial call")
		b.notify(ctx, StateHalfOpen)
		return StateHalfOpen
	}

	// another worker moved it first
	raw, ok, err = b.store.Get(ctx, b.key("state"))
	if err != nil || !ok {
		return StateClosed
	}
	return State(raw)
}

func (b *Breaker) openedAt(ctx context.Context) (time.Time, bool) {
	raw, ok, err := b.store.Get(ctx, b.key("open_at"))
	if err != nil || !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func (b *Breaker) failures(ctx context.Context) int64 {
	raw, ok, err := b.store.Get(ctx, b.key("fails"))
	if err != nil || !ok {
		return 0
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// Execute runs fn unless the breaker is open. Errors from fn count as
// failures, except ErrCircuitOpen from a nested breaker.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	switch b.State(ctx) {
	case StateOpen:
		return b.reject(ctx)
	case StateHalfOpen:
		return b.trial(ctx, fn)
	}

	err := fn(ctx)
	switch {
	case err == nil:
		if derr := b.store.Delete(ctx, b.key("fails")); derr != nil {
			b.logger.Warn("failed to clear failure counter", "err", derr)
		}
		return nil
	case errors.Is(err, ErrCircuitOpen):
		return err
	}

	fails, ierr := b.store.Increment(ctx, b.key("fails"), b.expiry)
	if ierr != nil {
		b.logger.Warn("failed to count failure", "err", ierr)
		return err
	}
	if fails >= b.maxFailures {
		b.trip(ctx, fails, "circuit opened")
	} else {
		b.notifyCount(StateClosed, fails)
	}
	return err
}

// trial runs fn as the single half-open call, rejecting everyone else
func (b *Breaker) trial(ctx context.Context, fn func(ctx context.Context) error) error {
	claimed, err := b.claimTrial(ctx)
	if err != nil {
		b.logger.Warn("failed to claim trial slot, proceeding", "err", err)
	} else if !claimed {
		return b.reject(ctx)
	}

	err = fn(ctx)
	switch {
	case err == nil:
		b.reset(ctx)
		b.logger.Info("trial call succeeded, circuit closed")
	case errors.Is(err, ErrCircuitOpen):
		b.releaseTrial(ctx)
	default:
		b.trip(ctx, b.failures(ctx), "trial call failed, circuit re-opened")
	}
	return err
}

// claimTrial takes the trial slot. A slot older than the reset timeout
// belongs to a worker that never finished and is taken over.
func (b *Breaker) claimTrial(ctx context.Context) (bool, error) {
	now := b.now().UTC().Format(time.RFC3339Nano)
	ok, err := b.store.CompareAndSwap(ctx, b.key("trial"), "", now, b.resetTimeout)
	if err != nil || ok {
		return ok, err
	}

	held, found, err := b.store.Get(ctx, b.key("trial"))
	if err != nil {
		return false, err
	}
	if !found {
		return b.store.CompareAndSwap(ctx, b.key("trial"), "", now, b.resetTimeout)
	}
	claimedAt, perr := time.Parse(time.RFC3339Nano, held)
	if perr == nil && b.now().Sub(claimedAt) < b.resetTimeout {
		return false, nil
	}
	return b.store.CompareAndSwap(ctx, b.key("trial"), held, now, b.resetTimeout)
}

func (b *Breaker) releaseTrial(ctx context.Context) {
	if err := b.store.Delete(ctx, b.key("trial")); err != nil {
		b.logger.Warn("failed to release trial slot", "err", err)
	}
}

// trip opens the breaker. open_at is written before state so a reader
// that sees open always finds a timestamp.
func (b *Breaker) trip(ctx context.Context, fails int64, msg string) {
	openAt := b.now().UTC().Format(time.RFC3339Nano)
	if err := b.store.Set(ctx, b.key("open_at"), openAt, b.expiry); err != nil {
		b.logger.Warn("failed to record open time", "err", err)
	}
	if err := b.store.Set(ctx, b.key("state"), string(StateOpen), b.expiry); err != nil {
		b.logger.Warn("failed to open breaker", "err", err)
	}
	b.releaseTrial(ctx)
	b.logger.Warn(msg, "failures", fails, "reset_timeout", b.resetTimeout)
	b.notifyCount(StateOpen, fails)
}

func (b *Breaker) reset(ctx context.Context) {
	for _, field := range []string{"fails", "open_at", "trial"} {
		if err := b.store.Delete(ctx, b.key(field)); err != nil {
			b.logger.Warn("failed to reset breaker key", "key", b.key(field), "err", err)
		}
	}
	if err := b.store.Set(ctx, b.key("state"), string(StateClosed), b.expiry); err != nil {
		b.logger.Warn("failed to close breaker", "err", err)
	}
	b.notifyCount(StateClosed, 0)
}

func (b *Breaker) reject(ctx context.Context) error {
	b.logger.Error("circuit open, rejecting call")
	if b.fallback == nil {
		return ErrCircuitOpen
	}
	if err := b.fallback(ctx); err != nil {
		return fmt.Errorf("%w: fallback failed: %v", ErrCircuitOpen, err)
	}
	return nil
}

// Reset closes the breaker and clears its counters
func (b *Breaker) Reset(ctx context.Context) {
	b.reset(ctx)
	b.logger.Info("circuit reset")
}

// Stats returns a snapshot of the breaker
func (b *Breaker) Stats(ctx context.Context) Stats {
	stats := Stats{
		Name:         b.name,
		State:        b.State(ctx),
		Failures:     b.failures(ctx),
		MaxFailures:  b.maxFailures,
		ResetTimeout: b.resetTimeout,
	}
	if stats.State != StateClosed {
		if t, ok := b.openedAt(ctx); ok {
			stats.OpenedAt = &t
		}
	}
	return stats
}

func (b *Breaker) notify(ctx context.Context, state State) {
	b.notifyCount(state, b.failures(ctx))
}

func (b *Breaker) notifyCount(state State, fails int64) {
	if b.listener != nil {
		b.listener(b.name, state, fails)
	}
}
