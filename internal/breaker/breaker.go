// Package breaker implements the circuit breaker gating upstream calls.
//
// All breaker instances configured on one API path share their runtime
// state (state, failure counter, probe slot) through the store, so
// multiple gateway replicas agree on the circuit. Instances differ only
// in which requests they gate and in their thresholds.
package breaker

import (
	"context"
	"time"

	"github.com/gatewd/gatewd/internal/config"
	"github.com/gatewd/gatewd/internal/observability"
	"github.com/gatewd/gatewd/internal/store"
)

// Handler is a transition handler resolved by id from the plugin
// registry and invoked with the API path on the matching transition.
type Handler func(path string)

// Events observes breaker transitions and rejections, doubling as the
// counters sink. The default observer records metrics and logs; tests
// substitute their own.
type Events interface {
	OnOpen(path string)
	OnClose(path string)
	OnHalfOpen(path string)
	OnRejected(path string)
	OnTimeout(path string)
}

// Breaker is one circuit breaker instance for an API path.
type Breaker struct {
	path   string
	cfg    config.CircuitBreakerConfig
	store  store.Store
	logger observability.Logger
	events Events

	// Plugin-resolved transition handlers, all optional.
	onOpen     Handler
	onClose    Handler
	onRejected Handler
}

// Option is a functional option for configuring a breaker.
type Option func(*Breaker)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(b *Breaker) {
		b.logger = logger
	}
}

// WithEvents sets the transition observer.
func WithEvents(events Events) Option {
	return func(b *Breaker) {
		b.events = events
	}
}

// WithOnOpen sets the handler invoked when the circuit opens.
func WithOnOpen(h Handler) Option {
	return func(b *Breaker) {
		b.onOpen = h
	}
}

// WithOnClose sets the handler invoked when the circuit closes.
func WithOnClose(h Handler) Option {
	return func(b *Breaker) {
		b.onClose = h
	}
}

// WithOnRejected sets the handler invoked on fast-failed requests.
func WithOnRejected(h Handler) Option {
	return func(b *Breaker) {
		b.onRejected = h
	}
}

// New creates a breaker for the API path backed by the shared store.
func New(path string, cfg config.CircuitBreakerConfig, st store.Store, opts ...Option) *Breaker {
	cfg.ApplyDefaults()

	b := &Breaker{
		path:   path,
		cfg:    cfg,
		store:  st,
		logger: observability.NopLogger(),
	}

	for _, opt := range opts {
		opt(b)
	}

	if b.events == nil {
		b.events = NewObserver(b.logger, !cfg.DisableStats)
	}

	return b
}

// Path returns the API path the breaker governs.
func (b *Breaker) Path() string {
	return b.path
}

// Config returns the breaker configuration.
func (b *Breaker) Config() config.CircuitBreakerConfig {
	return b.cfg
}

// state reads the current state, lazily driving the open to half-open
// transition once the reset timeout has elapsed. The opened-at instant
// is persisted in the store, so any replica may perform the
// transition; the CAS makes concurrent attempts harmless.
func (b *Breaker) state(ctx context.Context) (store.State, error) {
	rec, err := b.store.GetState(ctx, b.path)
	if err != nil {
		return "", err
	}

	if rec.State == store.StateOpen && !rec.OpenedAt.IsZero() &&
		time.Since(rec.OpenedAt) >= b.cfg.ResetTimeout.Duration() {
		if b.tryHalfOpen(ctx) {
			return store.StateHalfOpen, nil
		}
		// Lost the race; trust whoever won.
		rec, err = b.store.GetState(ctx, b.path)
		if err != nil {
			return "", err
		}
	}

	return rec.State, nil
}

// IsOpen reports whether the circuit is open.
func (b *Breaker) IsOpen(ctx context.Context) (bool, error) {
	s, err := b.state(ctx)
	return s == store.StateOpen, err
}

// IsHalfOpen reports whether the circuit is half-open.
func (b *Breaker) IsHalfOpen(ctx context.Context) (bool, error) {
	s, err := b.state(ctx)
	return s == store.StateHalfOpen, err
}

// IsClosed reports whether the circuit is closed.
func (b *Breaker) IsClosed(ctx context.Context) (bool, error) {
	s, err := b.state(ctx)
	return s == store.StateClosed, err
}

// ForceOpen opens the circuit. It is idempotent: if the circuit is
// already open nothing happens and no events are emitted.
func (b *Breaker) ForceOpen(ctx context.Context) error {
	rec, err := b.store.GetState(ctx, b.path)
	if err != nil {
		return err
	}
	if rec.State == store.StateOpen {
		return nil
	}

	swapped, err := b.store.SetState(ctx, b.path, store.StateOpen, rec.State)
	if err != nil {
		return err
	}
	if !swapped {
		return nil
	}

	if rec.State == store.StateHalfOpen {
		if _, err := b.store.SetHalfOpenPending(ctx, b.path, false); err != nil {
			b.logger.Error("failed to clear probe slot", observability.Error(err))
		}
	}

	b.logger.Warn("circuit breaker opened",
		observability.String("path", b.path),
		observability.Duration("reset_timeout", b.cfg.ResetTimeout.Duration()),
	)
	b.events.OnOpen(b.path)
	if b.onOpen != nil {
		b.onOpen(b.path)
	}

	// Local timer on the opening instance; other replicas fall back to
	// the lazy overdue check against the persisted opened-at.
	time.AfterFunc(b.cfg.ResetTimeout.Duration(), func() {
		b.tryHalfOpen(context.Background())
	})

	return nil
}

// ForceClose closes the circuit and clears the failure counter. The
// close event fires only when the state actually changed.
func (b *Breaker) ForceClose(ctx context.Context) error {
	if err := b.store.ClearFailures(ctx, b.path); err != nil {
		return err
	}

	rec, err := b.store.GetState(ctx, b.path)
	if err != nil {
		return err
	}
	if rec.State == store.StateClosed {
		return nil
	}

	swapped, err := b.store.SetState(ctx, b.path, store.StateClosed, rec.State)
	if err != nil {
		return err
	}
	if !swapped {
		return nil
	}

	if rec.State == store.StateHalfOpen {
		if _, err := b.store.SetHalfOpenPending(ctx, b.path, false); err != nil {
			b.logger.Error("failed to clear probe slot", observability.Error(err))
		}
	}

	b.logger.Info("circuit breaker closed",
		observability.String("path", b.path),
	)
	b.events.OnClose(b.path)
	if b.onClose != nil {
		b.onClose(b.path)
	}

	return nil
}

// ForceHalfOpen half-opens the circuit. Idempotent like the other
// forced transitions.
func (b *Breaker) ForceHalfOpen(ctx context.Context) error {
	b.tryHalfOpen(ctx)
	return nil
}

// tryHalfOpen attempts the open to half-open CAS and clears the probe
// slot on success. Returns whether this caller performed the
// transition.
func (b *Breaker) tryHalfOpen(ctx context.Context) bool {
	swapped, err := b.store.SetState(ctx, b.path, store.StateHalfOpen, store.StateOpen)
	if err != nil {
		b.logger.Error("failed to half-open circuit breaker",
			observability.String("path", b.path),
			observability.Error(err),
		)
		return false
	}
	if !swapped {
		return false
	}

	if _, err := b.store.SetHalfOpenPending(ctx, b.path, false); err != nil {
		b.logger.Error("failed to clear probe slot", observability.Error(err))
	}

	b.logger.Info("circuit breaker half-open",
		observability.String("path", b.path),
	)
	b.events.OnHalfOpen(b.path)

	return true
}

// HandleSuccess records a successful upstream response. The circuit is
// forced closed; the transition is a no-op when already closed.
func (b *Breaker) HandleSuccess(ctx context.Context) {
	if err := b.ForceClose(ctx); err != nil {
		b.logger.Error("failed to record breaker success",
			observability.String("path", b.path),
			observability.Error(err),
		)
	}
}

// HandleFailure records a failed upstream response. fromHalfOpen marks
// the probe failing, which reopens the circuit regardless of the
// counter.
func (b *Breaker) HandleFailure(ctx context.Context, fromHalfOpen bool) {
	count, err := b.store.IncrementFailures(ctx, b.path)
	if err != nil {
		b.logger.Error("failed to count breaker failure",
			observability.String("path", b.path),
			observability.Error(err),
		)
		return
	}

	if fromHalfOpen || count >= int64(b.cfg.MaxFailures) {
		if err := b.ForceOpen(ctx); err != nil {
			b.logger.Error("failed to open circuit breaker",
				observability.String("path", b.path),
				observability.Error(err),
			)
		}
	}
}

// rejected emits the rejection event and handler.
func (b *Breaker) rejected() {
	b.events.OnRejected(b.path)
	if b.onRejected != nil {
		b.onRejected(b.path)
	}
}
