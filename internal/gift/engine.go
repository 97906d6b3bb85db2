// Package gift implements the free-gift promotion widget: a threshold-driven
// state engine that keeps a gift line item in an external shopping cart in
// sync with the buyer's spend.
package gift

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/magic-spells/gift-with-purchase/internal/common"
	"github.com/magic-spells/gift-with-purchase/internal/events"
	"github.com/magic-spells/gift-with-purchase/internal/obs"
)

// Gateway performs the remote cart mutations. Implementations must not retry;
// failures surface as errors and are reported as widget events.
type Gateway interface {
	Add(ctx context.Context, variantID string) error
	RemoveAll(ctx context.Context, lines []CartLine) error
}

// RateProvider supplies the currency-rate multiplier applied to the threshold
// before comparison. The rate is re-read on every recompute because it is an
// external, time-varying input.
type RateProvider interface {
	Rate() float64
}

// StaticRate is a RateProvider with a fixed multiplier. Non-positive values
// fall back to 1.
type StaticRate float64

// Rate implements RateProvider.
func (r StaticRate) Rate() float64 {
	if r <= 0 {
		return 1
	}
	return float64(r)
}

// Flags is the pair of activity flags persisted across restarts so edge
// transitions do not replay.
type Flags struct {
	Active bool `json:"active"`
	Added  bool `json:"added"`
}

// FlagStore persists the last observed activity flags per widget token.
type FlagStore interface {
	Load(ctx context.Context, token string) (Flags, bool, error)
	Save(ctx context.Context, token string, flags Flags) error
	Delete(ctx context.Context, token string) error
}

// Timer is a cancellable scheduled callback.
type Timer interface {
	Stop() bool
}

// Scheduler abstracts timer creation so the debounce window and the attach
// retry can be tested without real clock delays.
type Scheduler interface {
	AfterFunc(d time.Duration, fn func()) Timer
}

type clockScheduler struct{}

func (clockScheduler) AfterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}

// SystemScheduler returns a Scheduler backed by the runtime clock.
func SystemScheduler() Scheduler { return clockScheduler{} }

// Source delivers cart-changed notifications for a widget token. Subscribe
// returns an unsubscribe func, or an error when the source is unavailable.
type Source interface {
	Subscribe(token string, fn func(Snapshot)) (func(), error)
}

const (
	defaultDebounceWindow   = 300 * time.Millisecond
	defaultAttachRetryDelay = 500 * time.Millisecond
)

// EngineConfig wires one engine instance.
type EngineConfig struct {
	Token            string
	Settings         Settings
	Gateway          Gateway
	Events           *events.Bus
	Rate             RateProvider
	Flags            FlagStore
	Scheduler        Scheduler
	Logger           zerolog.Logger
	DebounceWindow   time.Duration
	AttachRetryDelay time.Duration
}

// Engine owns the live state of a single widget instance. All mutation paths,
// notification-driven and programmatic, funnel through one recompute function
// so the activity flags cannot diverge.
type Engine struct {
	mu       sync.Mutex
	token    string
	settings Settings
	gateway  Gateway
	events   *events.Bus
	rate     RateProvider
	flags    FlagStore
	sched    Scheduler
	log      zerolog.Logger

	debounce   time.Duration
	retryDelay time.Duration

	amount   float64
	active   bool
	added    bool
	attached bool
	closed   bool

	pendingSnap   Snapshot
	debounceTimer Timer
	retryTimer    Timer
	unsubscribe   func()
	render        RenderState
}

// NewEngine constructs an engine, seeding activity flags from the flag store
// when a previous run left them behind.
func NewEngine(cfg EngineConfig) *Engine {
	e := &Engine{
		token:      cfg.Token,
		settings:   cfg.Settings,
		gateway:    cfg.Gateway,
		events:     cfg.Events,
		rate:       cfg.Rate,
		flags:      cfg.Flags,
		sched:      cfg.Scheduler,
		log:        cfg.Logger,
		debounce:   cfg.DebounceWindow,
		retryDelay: cfg.AttachRetryDelay,
		amount:     cfg.Settings.CurrentAmount,
	}
	if e.rate == nil {
		e.rate = StaticRate(1)
	}
	if e.sched == nil {
		e.sched = SystemScheduler()
	}
	if e.debounce <= 0 {
		e.debounce = defaultDebounceWindow
	}
	if e.retryDelay <= 0 {
		e.retryDelay = defaultAttachRetryDelay
	}
	if e.flags != nil {
		if f, ok, err := e.flags.Load(context.Background(), e.token); err != nil {
			e.log.Warn().Err(err).Str("token", e.token).Msg("load widget flags")
		} else if ok {
			e.active = f.Active
			e.added = f.Added
		}
	}
	e.render = Render(e.renderInputLocked())
	return e
}

// Attach subscribes the engine to its notification source. A missing source
// is retried exactly once after the configured delay; if it is still absent
// the engine logs a diagnostic and stays inert toward the gateway until an
// attribute change forces a re-render.
func (e *Engine) Attach(src Source) {
	if src == nil {
		e.log.Error().Str("token", e.token).Msg("no notification source configured")
		return
	}
	if e.trySubscribe(src) {
		return
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.retryTimer = e.sched.AfterFunc(e.retryDelay, func() {
		if e.trySubscribe(src) {
			return
		}
		e.log.Error().Str("token", e.token).Msg("notification source unavailable, widget stays inert")
	})
	e.mu.Unlock()
}

func (e *Engine) trySubscribe(src Source) bool {
	unsub, err := src.Subscribe(e.token, e.HandleSnapshot)
	if err != nil {
		return false
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		if unsub != nil {
			unsub()
		}
		return true
	}
	e.attached = true
	e.unsubscribe = unsub
	e.mu.Unlock()
	return true
}

// HandleSnapshot ingests a cart-changed notification. Notifications arriving
// inside the quiet window collapse to the latest one; the window restarts on
// every arrival. A payload without a subtotal is dropped silently.
func (e *Engine) HandleSnapshot(snap Snapshot) {
	if !snap.HasSubtotal {
		obs.ObserveNotificationDrop("missing_subtotal")
		e.log.Debug().Str("token", e.token).Msg("snapshot without subtotal ignored")
		return
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.pendingSnap = snap
	if e.debounceTimer != nil {
		e.debounceTimer.Stop()
	}
	e.debounceTimer = e.sched.AfterFunc(e.debounce, e.flushPending)
	e.mu.Unlock()
}

func (e *Engine) flushPending() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	snap := e.pendingSnap
	e.debounceTimer = nil
	e.mu.Unlock()
	e.recompute(context.Background(), snap, snap.Subtotal)
}

// SetCurrentAmount drives the engine programmatically, bypassing the
// notification path. Non-numeric input coerces to zero.
func (e *Engine) SetCurrentAmount(ctx context.Context, value string) {
	e.recompute(ctx, Snapshot{}, clampAmount(common.FloatOrZero(value)))
}

// SetThreshold replaces the threshold and recomputes immediately.
func (e *Engine) SetThreshold(ctx context.Context, value string) {
	e.mu.Lock()
	e.settings.Threshold = clampAmount(common.FloatOrZero(value))
	amount := e.amount
	e.mu.Unlock()
	e.recompute(ctx, Snapshot{}, amount)
}

// SetVariantID replaces the configured gift variant and recomputes.
func (e *Engine) SetVariantID(ctx context.Context, value string) {
	e.mu.Lock()
	e.settings.VariantID = strings.TrimSpace(value)
	amount := e.amount
	e.mu.Unlock()
	e.recompute(ctx, Snapshot{}, amount)
}

// ApplySettings merges attribute updates and funnels them through the same
// recompute path as a cart notification.
func (e *Engine) ApplySettings(ctx context.Context, attrs map[string]string) {
	e.mu.Lock()
	e.settings = e.settings.Merge(attrs)
	amount := e.amount
	if _, ok := attrs[AttrCurrentAmount]; ok {
		amount = e.settings.CurrentAmount
	}
	e.mu.Unlock()
	e.recompute(ctx, Snapshot{}, amount)
}

// recompute is the single writer for all live state. It decides the
// transition under the lock, performs the gateway call outside it, then
// applies the outcome. A snapshot arriving while a call is in flight starts a
// second recompute; the added flag is eventually consistent, not
// transactional.
func (e *Engine) recompute(ctx context.Context, snap Snapshot, amount float64) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.amount = amount
	converted := e.settings.Threshold * e.rate.Rate()
	variant := e.settings.VariantID
	lines := snap.GiftLines(variant)
	present := len(lines) > 0
	wasActive := e.active
	e.active = amount >= converted && !e.settings.PromoEnded
	e.added = present
	canCall := e.attached && e.gateway != nil && variant != ""

	var action string
	switch {
	case e.settings.PromoEnded && present && canCall:
		action = "remove"
	case e.active && !wasActive && !present && canCall:
		action = "add"
	case !e.active && wasActive && present && canCall:
		action = "remove"
	}
	e.mu.Unlock()

	var callErr error
	switch action {
	case "add":
		callErr = e.gateway.Add(ctx, variant)
	case "remove":
		callErr = e.gateway.RemoveAll(ctx, lines)
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	switch action {
	case "add":
		if callErr == nil {
			e.added = true
		}
	case "remove":
		// cleared optimistically even on partial failure: some or all of the
		// removals may have landed
		e.added = false
	}
	e.render = Render(e.renderInputLocked())
	flags := Flags{Active: e.active, Added: e.added}
	e.mu.Unlock()

	if e.flags != nil {
		if err := e.flags.Save(ctx, e.token, flags); err != nil {
			e.log.Warn().Err(err).Str("token", e.token).Msg("save widget flags")
		}
	}
	if action != "" {
		e.reportTransition(ctx, action, variant, callErr)
	}
}

func (e *Engine) reportTransition(ctx context.Context, action, variant string, callErr error) {
	if callErr != nil {
		obs.ObserveTransition(action, "error")
		e.log.Error().Err(callErr).Str("token", e.token).Str("action", action).Msg("cart mutation failed")
		e.emit(ctx, events.TopicGiftError, map[string]any{
			"action": action,
			"error":  callErr.Error(),
		})
		return
	}
	obs.ObserveTransition(action, "ok")
	topic := events.TopicGiftAdded
	if action == "remove" {
		topic = events.TopicGiftRemoved
	}
	e.emit(ctx, topic, map[string]any{"variant_id": variant})
}

func (e *Engine) emit(ctx context.Context, topic string, payload any) {
	if e.events == nil {
		return
	}
	if _, err := e.events.Emit(ctx, topic, e.token, payload); err != nil {
		e.log.Warn().Err(err).Str("topic", topic).Msg("emit widget event")
	}
}

func (e *Engine) renderInputLocked() RenderInput {
	return RenderInput{
		Active:             e.active,
		Added:              e.added,
		PromoEnded:         e.settings.PromoEnded,
		CurrentAmount:      e.amount,
		ConvertedThreshold: e.settings.Threshold * e.rate.Rate(),
		MessageAbove:       e.settings.MessageAbove,
		MessageBelow:       e.settings.MessageBelow,
		MoneyFormat:        e.settings.MoneyFormat,
	}
}

// State is the full derived state of a widget instance.
type State struct {
	Token              string      `json:"token"`
	VariantID          string      `json:"variant_id"`
	Threshold          float64     `json:"threshold"`
	ConvertedThreshold float64     `json:"converted_threshold"`
	CurrentAmount      float64     `json:"current_amount"`
	Remaining          float64     `json:"remaining"`
	CurrencyRate       float64     `json:"currency_rate"`
	Active             bool        `json:"active"`
	Added              bool        `json:"added"`
	PromoEnded         bool        `json:"promo_ended"`
	Render             RenderState `json:"render"`
}

// State returns the full derived state, including the remaining amount and
// the effective currency rate.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	rate := e.rate.Rate()
	converted := e.settings.Threshold * rate
	remaining := converted - e.amount
	if remaining < 0 {
		remaining = 0
	}
	return State{
		Token:              e.token,
		VariantID:          e.settings.VariantID,
		Threshold:          e.settings.Threshold,
		ConvertedThreshold: converted,
		CurrentAmount:      e.amount,
		Remaining:          remaining,
		CurrencyRate:       rate,
		Active:             e.active,
		Added:              e.added,
		PromoEnded:         e.settings.PromoEnded,
		Render:             e.render,
	}
}

// Settings returns the current declarative configuration.
func (e *Engine) Settings() Settings {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.settings
}

// CurrentAmount returns the last observed spend figure.
func (e *Engine) CurrentAmount() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.amount
}

// Active reports whether the spend threshold is currently met.
func (e *Engine) Active() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

// Added reports whether the gift was present in the last known cart state.
func (e *Engine) Added() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.added
}

// Attached reports whether the engine receives notifications from its source.
func (e *Engine) Attached() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.attached
}

// Close cancels pending timers and detaches from the notification source so
// stale callbacks cannot mutate a torn-down instance.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	if e.debounceTimer != nil {
		e.debounceTimer.Stop()
		e.debounceTimer = nil
	}
	if e.retryTimer != nil {
		e.retryTimer.Stop()
		e.retryTimer = nil
	}
	unsub := e.unsubscribe
	e.unsubscribe = nil
	e.attached = false
	e.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}
