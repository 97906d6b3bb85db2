package gift

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/magic-spells/gift-with-purchase/internal/events"
)

type manualTimer struct {
	fn      func()
	stopped bool
}

func (t *manualTimer) Stop() bool {
	if t.stopped {
		return false
	}
	t.stopped = true
	return true
}

type manualScheduler struct {
	mu     sync.Mutex
	timers []*manualTimer
}

func (s *manualScheduler) AfterFunc(_ time.Duration, fn func()) Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &manualTimer{fn: fn}
	s.timers = append(s.timers, t)
	return t
}

// fire runs the latest timer that has not been stopped.
func (s *manualScheduler) fire() {
	s.mu.Lock()
	var t *manualTimer
	for i := len(s.timers) - 1; i >= 0; i-- {
		if !s.timers[i].stopped {
			t = s.timers[i]
			break
		}
	}
	s.mu.Unlock()
	if t != nil {
		t.stopped = true
		t.fn()
	}
}

func (s *manualScheduler) pendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, t := range s.timers {
		if !t.stopped {
			count++
		}
	}
	return count
}

type fakeGateway struct {
	mu        sync.Mutex
	adds      []string
	removes   [][]CartLine
	addErr    error
	removeErr error
}

func (g *fakeGateway) Add(_ context.Context, variantID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.adds = append(g.adds, variantID)
	return g.addErr
}

func (g *fakeGateway) RemoveAll(_ context.Context, lines []CartLine) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.removes = append(g.removes, lines)
	return g.removeErr
}

func (g *fakeGateway) addCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.adds)
}

func (g *fakeGateway) removeCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.removes)
}

type fakeSource struct {
	mu       sync.Mutex
	failures int
	fn       func(Snapshot)
	unsubbed bool
}

func (s *fakeSource) Subscribe(_ string, fn func(Snapshot)) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
		return nil, errors.New("source not ready")
	}
	s.fn = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.unsubbed = true
	}, nil
}

type recordSub struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recordSub) Notify(_ context.Context, ev events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recordSub) topics() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Topic)
	}
	return out
}

type memFlags struct {
	mu    sync.Mutex
	flags map[string]Flags
}

func newMemFlags() *memFlags {
	return &memFlags{flags: make(map[string]Flags)}
}

func (m *memFlags) Load(_ context.Context, token string) (Flags, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.flags[token]
	return f, ok, nil
}

func (m *memFlags) Save(_ context.Context, token string, flags Flags) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flags[token] = flags
	return nil
}

func (m *memFlags) Delete(_ context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.flags, token)
	return nil
}

type harness struct {
	engine *Engine
	gw     *fakeGateway
	sched  *manualScheduler
	src    *fakeSource
	sub    *recordSub
	flags  *memFlags
}

func newHarness(t *testing.T, settings Settings) *harness {
	t.Helper()
	h := &harness{
		gw:    &fakeGateway{},
		sched: &manualScheduler{},
		src:   &fakeSource{},
		sub:   &recordSub{},
		flags: newMemFlags(),
	}
	bus := &events.Bus{}
	bus.Subscribe(h.sub)
	h.engine = NewEngine(EngineConfig{
		Token:     "cart-token",
		Settings:  settings,
		Gateway:   h.gw,
		Events:    bus,
		Rate:      StaticRate(1),
		Flags:     h.flags,
		Scheduler: h.sched,
		Logger:    zerolog.Nop(),
	})
	h.engine.Attach(h.src)
	t.Cleanup(h.engine.Close)
	return h
}

// notify delivers a snapshot and fires the quiet-window timer.
func (h *harness) notify(snap Snapshot) {
	h.engine.HandleSnapshot(snap)
	h.sched.fire()
}

func giftItem(variantID string) LineItem {
	return LineItem{
		Key:        "key-" + variantID,
		VariantID:  variantID,
		Quantity:   1,
		Properties: map[string]string{GiftProperty: "true"},
	}
}

func TestThresholdCrossingAddsGiftOnce(t *testing.T) {
	h := newHarness(t, Settings{Threshold: 75, VariantID: "111"})

	h.notify(Snapshot{Subtotal: 40, HasSubtotal: true})
	require.Zero(t, h.gw.addCount())
	require.False(t, h.engine.Active())

	h.notify(Snapshot{Subtotal: 80, HasSubtotal: true})
	require.Equal(t, []string{"111"}, h.gw.adds)
	require.True(t, h.engine.Active())
	require.True(t, h.engine.Added())

	// still above with the gift present: no further calls
	h.notify(Snapshot{Subtotal: 90, HasSubtotal: true, Items: []LineItem{giftItem("111")}})
	require.Equal(t, 1, h.gw.addCount())
	require.Zero(t, h.gw.removeCount())
}

func TestDroppingBelowThresholdRemovesGift(t *testing.T) {
	h := newHarness(t, Settings{Threshold: 75, VariantID: "111"})

	h.notify(Snapshot{Subtotal: 80, HasSubtotal: true})
	require.Equal(t, 1, h.gw.addCount())

	h.notify(Snapshot{Subtotal: 40, HasSubtotal: true, Items: []LineItem{giftItem("111")}})
	require.Equal(t, 1, h.gw.removeCount())
	require.Equal(t, []CartLine{{Key: "key-111", VariantID: "111"}}, h.gw.removes[0])
	require.False(t, h.engine.Active())
	require.False(t, h.engine.Added())

	require.Equal(t, []string{events.TopicGiftAdded, events.TopicGiftRemoved}, h.sub.topics())
}

func TestDebounceCollapsesBursts(t *testing.T) {
	h := newHarness(t, Settings{Threshold: 75, VariantID: "111"})

	h.engine.HandleSnapshot(Snapshot{Subtotal: 10, HasSubtotal: true})
	h.engine.HandleSnapshot(Snapshot{Subtotal: 50, HasSubtotal: true})
	h.engine.HandleSnapshot(Snapshot{Subtotal: 80, HasSubtotal: true})
	require.Equal(t, 1, h.sched.pendingCount())
	require.Zero(t, h.gw.addCount())

	h.sched.fire()
	require.Equal(t, 1, h.gw.addCount())
	require.Equal(t, float64(80), h.engine.CurrentAmount())
}

func TestSnapshotWithoutSubtotalIgnored(t *testing.T) {
	h := newHarness(t, Settings{Threshold: 75, VariantID: "111"})

	h.engine.HandleSnapshot(Snapshot{Subtotal: 100})
	require.Zero(t, h.sched.pendingCount())
	require.Zero(t, h.engine.CurrentAmount())
}

func TestPromoEndedRemovesRegardlessOfAmount(t *testing.T) {
	h := newHarness(t, Settings{Threshold: 75, VariantID: "111", PromoEnded: true})

	h.notify(Snapshot{Subtotal: 500, HasSubtotal: true, Items: []LineItem{giftItem("111")}})
	require.Zero(t, h.gw.addCount())
	require.Equal(t, 1, h.gw.removeCount())
	require.False(t, h.engine.Active())
	require.False(t, h.engine.Added())
	require.False(t, h.engine.State().Render.Visible)
}

func TestAddFailureLeavesAddedFalseAndEmitsError(t *testing.T) {
	h := newHarness(t, Settings{Threshold: 75, VariantID: "111"})
	h.gw.addErr = errors.New("503 from cart")

	h.notify(Snapshot{Subtotal: 80, HasSubtotal: true})
	require.Equal(t, 1, h.gw.addCount())
	require.True(t, h.engine.Active())
	require.False(t, h.engine.Added())
	require.Equal(t, []string{events.TopicGiftError}, h.sub.topics())

	// next notification above threshold: active edge already consumed, the
	// add is not retried until the state drops below and crosses again
	h.notify(Snapshot{Subtotal: 90, HasSubtotal: true})
	require.Equal(t, 1, h.gw.addCount())
}

func TestRemoveFailureStillClearsAdded(t *testing.T) {
	h := newHarness(t, Settings{Threshold: 75, VariantID: "111"})
	h.notify(Snapshot{Subtotal: 80, HasSubtotal: true})
	require.True(t, h.engine.Added())

	h.gw.removeErr = errors.New("timeout")
	h.notify(Snapshot{Subtotal: 40, HasSubtotal: true, Items: []LineItem{giftItem("111")}})
	require.Equal(t, 1, h.gw.removeCount())
	require.False(t, h.engine.Added())
	require.Contains(t, h.sub.topics(), events.TopicGiftError)
}

func TestNoVariantConfiguredNeverCallsGateway(t *testing.T) {
	h := newHarness(t, Settings{Threshold: 75})

	h.notify(Snapshot{Subtotal: 500, HasSubtotal: true})
	require.True(t, h.engine.Active())
	require.Zero(t, h.gw.addCount())
	require.Zero(t, h.gw.removeCount())
}

func TestGiftLineMatchRequiresMarkerProperty(t *testing.T) {
	h := newHarness(t, Settings{Threshold: 75, VariantID: "111"})

	// same variant bought normally: counts as absent, so crossing adds
	normal := LineItem{Key: "k2", VariantID: "111", Quantity: 1}
	h.notify(Snapshot{Subtotal: 80, HasSubtotal: true, Items: []LineItem{normal}})
	require.Equal(t, 1, h.gw.addCount())
}

func TestSetCurrentAmountCoercesNonNumeric(t *testing.T) {
	h := newHarness(t, Settings{Threshold: 75, VariantID: "111"})

	h.engine.SetCurrentAmount(context.Background(), "80")
	require.Equal(t, float64(80), h.engine.CurrentAmount())
	require.Equal(t, 1, h.gw.addCount())

	h.engine.SetCurrentAmount(context.Background(), "not a number")
	require.Zero(t, h.engine.CurrentAmount())
	require.False(t, h.engine.Active())
}

func TestSetThresholdRecomputes(t *testing.T) {
	h := newHarness(t, Settings{Threshold: 75, VariantID: "111"})

	h.engine.SetCurrentAmount(context.Background(), "50")
	require.False(t, h.engine.Active())

	h.engine.SetThreshold(context.Background(), "40")
	require.True(t, h.engine.Active())
	require.Equal(t, 1, h.gw.addCount())

	// negative thresholds clamp to zero
	h.engine.SetThreshold(context.Background(), "-10")
	require.Zero(t, h.engine.Settings().Threshold)
}

func TestCurrencyRateConvertsThreshold(t *testing.T) {
	h := &harness{
		gw:    &fakeGateway{},
		sched: &manualScheduler{},
		src:   &fakeSource{},
		sub:   &recordSub{},
		flags: newMemFlags(),
	}
	h.engine = NewEngine(EngineConfig{
		Token:     "cart-token",
		Settings:  Settings{Threshold: 100, VariantID: "111"},
		Gateway:   h.gw,
		Rate:      StaticRate(0.5),
		Flags:     h.flags,
		Scheduler: h.sched,
		Logger:    zerolog.Nop(),
	})
	h.engine.Attach(h.src)
	defer h.engine.Close()

	h.notify(Snapshot{Subtotal: 60, HasSubtotal: true})
	require.True(t, h.engine.Active())
	require.Equal(t, float64(50), h.engine.State().ConvertedThreshold)
}

func TestFlagsSeedFromStore(t *testing.T) {
	flags := newMemFlags()
	require.NoError(t, flags.Save(context.Background(), "cart-token", Flags{Active: true, Added: true}))

	gw := &fakeGateway{}
	sched := &manualScheduler{}
	eng := NewEngine(EngineConfig{
		Token:     "cart-token",
		Settings:  Settings{Threshold: 75, VariantID: "111"},
		Gateway:   gw,
		Flags:     flags,
		Scheduler: sched,
		Logger:    zerolog.Nop(),
	})
	eng.Attach(&fakeSource{})
	defer eng.Close()

	require.True(t, eng.Active())
	require.True(t, eng.Added())

	// still above threshold: no replayed add transition
	eng.HandleSnapshot(Snapshot{Subtotal: 80, HasSubtotal: true, Items: []LineItem{giftItem("111")}})
	sched.fire()
	require.Zero(t, gw.addCount())
}

func TestAttachRetriesOnceThenStaysInert(t *testing.T) {
	gw := &fakeGateway{}
	sched := &manualScheduler{}
	src := &fakeSource{failures: 1}
	eng := NewEngine(EngineConfig{
		Token:     "cart-token",
		Settings:  Settings{Threshold: 75, VariantID: "111"},
		Gateway:   gw,
		Flags:     newMemFlags(),
		Scheduler: sched,
		Logger:    zerolog.Nop(),
	})
	defer eng.Close()

	eng.Attach(src)
	require.False(t, eng.Attached())
	require.Equal(t, 1, sched.pendingCount())

	sched.fire()
	require.True(t, eng.Attached())
}

func TestAttachGivesUpAfterSecondFailure(t *testing.T) {
	sched := &manualScheduler{}
	eng := NewEngine(EngineConfig{
		Token:     "cart-token",
		Settings:  Settings{Threshold: 75, VariantID: "111"},
		Gateway:   &fakeGateway{},
		Flags:     newMemFlags(),
		Scheduler: sched,
		Logger:    zerolog.Nop(),
	})
	defer eng.Close()

	eng.Attach(&fakeSource{failures: 2})
	sched.fire()
	require.False(t, eng.Attached())
	require.Zero(t, sched.pendingCount())
}

func TestDetachedEngineSkipsGatewayCalls(t *testing.T) {
	gw := &fakeGateway{}
	eng := NewEngine(EngineConfig{
		Token:     "cart-token",
		Settings:  Settings{Threshold: 75, VariantID: "111"},
		Gateway:   gw,
		Flags:     newMemFlags(),
		Scheduler: &manualScheduler{},
		Logger:    zerolog.Nop(),
	})
	defer eng.Close()

	eng.SetCurrentAmount(context.Background(), "500")
	require.True(t, eng.Active())
	require.Zero(t, gw.addCount())
}

func TestApplySettingsMergesAndRecomputes(t *testing.T) {
	h := newHarness(t, Settings{Threshold: 75, VariantID: "111", MessageBelow: "Spend [amount] more"})

	h.engine.ApplySettings(context.Background(), map[string]string{
		AttrCurrentAmount: "45",
	})
	st := h.engine.State()
	require.Equal(t, float64(45), st.CurrentAmount)
	require.Equal(t, float64(30), st.Remaining)
	require.Equal(t, "Spend 30 more", st.Render.Message)

	h.engine.ApplySettings(context.Background(), map[string]string{
		AttrPromoEnded: "true",
	})
	require.False(t, h.engine.State().Render.Visible)
}

func TestCloseStopsPendingWork(t *testing.T) {
	h := newHarness(t, Settings{Threshold: 75, VariantID: "111"})

	h.engine.HandleSnapshot(Snapshot{Subtotal: 80, HasSubtotal: true})
	require.Equal(t, 1, h.sched.pendingCount())

	h.engine.Close()
	require.Zero(t, h.sched.pendingCount())
	require.True(t, h.src.unsubbed)
	require.False(t, h.engine.Attached())

	h.engine.HandleSnapshot(Snapshot{Subtotal: 90, HasSubtotal: true})
	require.Zero(t, h.sched.pendingCount())
	require.Zero(t, h.gw.addCount())
}
