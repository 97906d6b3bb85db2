package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Event is the envelope delivered to subscribers. Token identifies the widget
// instance (cart token) the event belongs to.
type Event struct {
	ID         uuid.UUID       `json:"id"`
	Topic      string          `json:"topic"`
	Token      string          `json:"token"`
	Payload    json.RawMessage `json:"payload"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// Subscriber reacts to emitted events (logging, storefront callbacks, etc.).
type Subscriber interface {
	Notify(ctx context.Context, event Event) error
}

// Bus fans emitted events out to subscribers in registration order.
type Bus struct {
	mu   sync.RWMutex
	subs []Subscriber
}

// Subscribe registers a subscriber. Nil subscribers are ignored.
func (b *Bus) Subscribe(s Subscriber) {
	if b == nil || s == nil {
		return
	}
	b.mu.Lock()
	b.subs = append(b.subs, s)
	b.mu.Unlock()
}

// Emit builds the event envelope and dispatches it to all subscribers.
// Subscriber failures are joined and returned; delivery is not retried.
func (b *Bus) Emit(ctx context.Context, topic, token string, payload any) (Event, error) {
	if b == nil {
		return Event{}, errors.New("events: bus not configured")
	}
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return Event{}, errors.New("events: topic is required")
	}
	if strings.TrimSpace(token) == "" {
		return Event{}, errors.New("events: token is required")
	}
	encoded, err := encodePayload(payload)
	if err != nil {
		return Event{}, fmt.Errorf("events: encode payload: %w", err)
	}
	ev := Event{
		ID:         uuid.New(),
		Topic:      topic,
		Token:      token,
		Payload:    encoded,
		OccurredAt: time.Now(),
	}

	b.mu.RLock()
	subs := make([]Subscriber, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	var joined error
	for _, sub := range subs {
		if sub == nil {
			continue
		}
		if notifyErr := sub.Notify(ctx, ev); notifyErr != nil {
			joined = errors.Join(joined, fmt.Errorf("events: subscriber: %w", notifyErr))
		}
	}
	return ev, joined
}

func encodePayload(payload any) ([]byte, error) {
	switch v := payload.(type) {
	case nil:
		return []byte("{}"), nil
	case json.RawMessage:
		if len(v) == 0 {
			return []byte("{}"), nil
		}
		if !json.Valid(v) {
			return nil, errors.New("payload is not valid json")
		}
		return append([]byte(nil), v...), nil
	default:
		return json.Marshal(v)
	}
}

// LogSubscriber writes every emitted event to the structured log.
type LogSubscriber struct {
	Logger zerolog.Logger
}

// Notify implements Subscriber.
func (l LogSubscriber) Notify(_ context.Context, ev Event) error {
	l.Logger.Info().
		Str("topic", ev.Topic).
		Str("token", ev.Token).
		RawJSON("payload", ev.Payload).
		Msg("widget_event")
	return nil
}
