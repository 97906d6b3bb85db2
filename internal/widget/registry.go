// Package widget exposes gift widget instances over HTTP: registration,
// cart-changed notifications, state snapshots and programmatic setters.
package widget

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/magic-spells/gift-with-purchase/internal/events"
	"github.com/magic-spells/gift-with-purchase/internal/gift"
)

// ErrAlreadySubscribed is returned when a token already has a notification
// handler attached.
var ErrAlreadySubscribed = errors.New("widget: token already subscribed")

// Deps carries everything a new engine instance needs.
type Deps struct {
	Gateway          gift.Gateway
	Events           *events.Bus
	Rate             gift.RateProvider
	Flags            gift.FlagStore
	Scheduler        gift.Scheduler
	Logger           zerolog.Logger
	Defaults         gift.Settings
	DebounceWindow   time.Duration
	AttachRetryDelay time.Duration
}

// Registry owns widget engines keyed by cart token. Registration is explicit
// and idempotent, and the registry doubles as the in-process notification
// source the engines attach to.
type Registry struct {
	mu       sync.Mutex
	deps     Deps
	engines  map[string]*gift.Engine
	handlers map[string]func(gift.Snapshot)
}

// NewRegistry constructs an empty registry.
func NewRegistry(deps Deps) *Registry {
	return &Registry{
		deps:     deps,
		engines:  make(map[string]*gift.Engine),
		handlers: make(map[string]func(gift.Snapshot)),
	}
}

// Register creates the engine for token, or, when it already exists, funnels
// the new attributes through its recompute path. The second return reports
// whether a new instance was created.
func (r *Registry) Register(ctx context.Context, token string, attrs map[string]string) (*gift.Engine, bool) {
	r.mu.Lock()
	if eng, ok := r.engines[token]; ok {
		r.mu.Unlock()
		eng.ApplySettings(ctx, attrs)
		return eng, false
	}
	eng := gift.NewEngine(gift.EngineConfig{
		Token:            token,
		Settings:         r.deps.Defaults.Merge(attrs),
		Gateway:          r.deps.Gateway,
		Events:           r.deps.Events,
		Rate:             r.deps.Rate,
		Flags:            r.deps.Flags,
		Scheduler:        r.deps.Scheduler,
		Logger:           r.deps.Logger.With().Str("token", token).Logger(),
		DebounceWindow:   r.deps.DebounceWindow,
		AttachRetryDelay: r.deps.AttachRetryDelay,
	})
	r.engines[token] = eng
	r.mu.Unlock()
	eng.Attach(r)
	return eng, true
}

// Get returns the engine registered for token.
func (r *Registry) Get(token string) (*gift.Engine, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	eng, ok := r.engines[token]
	return eng, ok
}

// Remove tears the instance down and forgets its persisted flags.
func (r *Registry) Remove(ctx context.Context, token string) bool {
	r.mu.Lock()
	eng, ok := r.engines[token]
	delete(r.engines, token)
	r.mu.Unlock()
	if !ok {
		return false
	}
	eng.Close()
	if r.deps.Flags != nil {
		if err := r.deps.Flags.Delete(ctx, token); err != nil {
			r.deps.Logger.Warn().Err(err).Str("token", token).Msg("delete widget flags")
		}
	}
	return true
}

// Close tears down every registered instance.
func (r *Registry) Close() {
	r.mu.Lock()
	engines := make([]*gift.Engine, 0, len(r.engines))
	for _, eng := range r.engines {
		engines = append(engines, eng)
	}
	r.engines = make(map[string]*gift.Engine)
	r.handlers = make(map[string]func(gift.Snapshot))
	r.mu.Unlock()
	for _, eng := range engines {
		eng.Close()
	}
}

// Subscribe implements gift.Source.
func (r *Registry) Subscribe(token string, fn func(gift.Snapshot)) (func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[token]; ok {
		return nil, ErrAlreadySubscribed
	}
	r.handlers[token] = fn
	return func() {
		r.mu.Lock()
		delete(r.handlers, token)
		r.mu.Unlock()
	}, nil
}

// Dispatch routes a cart snapshot to the handler subscribed for token. It
// reports whether a handler received it.
func (r *Registry) Dispatch(token string, snap gift.Snapshot) bool {
	r.mu.Lock()
	fn, ok := r.handlers[token]
	r.mu.Unlock()
	if !ok {
		return false
	}
	fn(snap)
	return true
}
