package event

import (
	"errors"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Bus errors.
var (
	// ErrInvalidTopic is returned when a topic or pattern is malformed.
	ErrInvalidTopic = errors.New("invalid topic")

	// ErrNilHandler is returned when subscribing with a nil handler.
	ErrNilHandler = errors.New("handler is nil")
)

// Event is a single occurrence delivered to handlers. The payload is
// shared between in-process handlers; copying happens at the sandbox
// boundary, not here.
type Event struct {
	Topic   Topic
	Payload map[string]any
}

// Handler processes a delivered event. Returned errors are logged by the
// bus and never reach the emitter or other handlers.
type Handler func(Event) error

// Subscription ties a pattern and handler to an owning plugin.
type Subscription struct {
	id      string
	pattern Topic
	owner   string
	handler Handler
}

// ID returns the subscription identifier.
func (s *Subscription) ID() string { return s.id }

// Pattern returns the subscribed pattern.
func (s *Subscription) Pattern() Topic { return s.pattern }

// Owner returns the owning plugin id.
func (s *Subscription) Owner() string { return s.owner }

// Bus routes emitted events to pattern subscriptions. The subscription
// table is the bus's only mutable state and is mutated exclusively
// through the methods below.
type Bus struct {
	mu     sync.RWMutex
	subs   []*Subscription
	logger *zap.Logger
}

// NewBus creates an event bus. A nil logger disables failure logging.
func NewBus(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{logger: logger}
}

// Subscribe registers a handler for the pattern on behalf of ownerID and
// returns the subscription. Registration order is preserved across all
// owners: handlers are invoked in the order they subscribed.
func (b *Bus) Subscribe(pattern Topic, ownerID string, h Handler) (*Subscription, error) {
	if h == nil {
		return nil, ErrNilHandler
	}
	if !pattern.IsValid() {
		return nil, ErrInvalidTopic
	}

	sub := &Subscription{
		id:      uuid.NewString(),
		pattern: pattern,
		owner:   ownerID,
		handler: h,
	}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	return sub, nil
}

// Emit delivers the event to every matching subscription, in registration
// order, on a separate goroutine. Emit returns before handlers run;
// callers must not assume event effects are visible immediately.
func (b *Bus) Emit(topic Topic, payload map[string]any) {
	if !topic.IsValid() || topic.IsPattern() {
		b.logger.Warn("dropping event with invalid topic", zap.String("topic", topic.String()))
		return
	}

	b.mu.RLock()
	var matched []*Subscription
	for _, sub := range b.subs {
		if topic.Matches(sub.pattern) {
			matched = append(matched, sub)
		}
	}
	b.mu.RUnlock()

	if len(matched) == 0 {
		return
	}

	evt := Event{Topic: topic, Payload: payload}
	go func() {
		for _, sub := range matched {
			b.deliver(sub, evt)
		}
	}()
}

// deliver invokes a single handler with panic recovery. Failures are
// logged with the owning plugin and never propagate.
func (b *Bus) deliver(sub *Subscription, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				zap.String("topic", evt.Topic.String()),
				zap.String("owner", sub.owner),
				zap.Any("panic", r))
		}
	}()

	if err := sub.handler(evt); err != nil {
		b.logger.Warn("event handler failed",
			zap.String("topic", evt.Topic.String()),
			zap.String("owner", sub.owner),
			zap.Error(err))
	}
}

// Unsubscribe removes a subscription by id. Returns true if it existed.
func (b *Bus) Unsubscribe(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, sub := range b.subs {
		if sub.id == id {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return true
		}
	}
	return false
}

// UnsubscribeAll removes every subscription owned by ownerID and returns
// how many were removed. This is the operation that makes plugin unload
// safe: after it returns, no handler owned by the plugin can be invoked
// by a subsequent Emit.
func (b *Bus) UnsubscribeAll(ownerID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	kept := b.subs[:0]
	removed := 0
	for _, sub := range b.subs {
		if sub.owner == ownerID {
			removed++
			continue
		}
		kept = append(kept, sub)
	}
	b.subs = kept
	return removed
}

// RemoveAllListeners drops every subscription on the bus.
func (b *Bus) RemoveAllListeners() {
	b.mu.Lock()
	b.subs = nil
	b.mu.Unlock()
}

// Count returns the number of live subscriptions.
func (b *Bus) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
