package event

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// recorder collects delivered topics in order.
type recorder struct {
	mu     sync.Mutex
	topics []Topic
}

func (r *recorder) handler(evt Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.topics = append(r.topics, evt.Topic)
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.topics)
}

func TestBusDeliversByPattern(t *testing.T) {
	bus := NewBus(zap.NewNop())

	wild := &recorder{}
	exact := &recorder{}

	_, err := bus.Subscribe("eprint.*", "a", wild.handler)
	require.NoError(t, err)
	_, err = bus.Subscribe("eprint.indexed", "b", exact.handler)
	require.NoError(t, err)

	bus.Emit("eprint.indexed", nil)
	bus.Emit("eprint.updated", nil)
	bus.Emit("review.created", map[string]any{"id": "r1"})

	require.Eventually(t, func() bool {
		return wild.count() == 2 && exact.count() == 1
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, []Topic{"eprint.indexed", "eprint.updated"}, wild.topics)
	assert.Equal(t, []Topic{"eprint.indexed"}, exact.topics)
}

func TestBusRegistrationOrder(t *testing.T) {
	bus := NewBus(zap.NewNop())

	var mu sync.Mutex
	var order []string
	add := func(name string) Handler {
		return func(Event) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}
	}

	_, err := bus.Subscribe("eprint.indexed", "a", add("first"))
	require.NoError(t, err)
	_, err = bus.Subscribe("eprint.*", "b", add("second"))
	require.NoError(t, err)
	_, err = bus.Subscribe("eprint.indexed", "a", add("third"))
	require.NoError(t, err)

	bus.Emit("eprint.indexed", nil)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 3
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"first", "second", "third"}, order)
}

func TestBusHandlerFailureIsolation(t *testing.T) {
	bus := NewBus(zap.NewNop())

	second := &recorder{}
	third := &recorder{}

	_, err := bus.Subscribe("eprint.indexed", "a", func(Event) error {
		panic("handler exploded")
	})
	require.NoError(t, err)
	_, err = bus.Subscribe("eprint.indexed", "b", second.handler)
	require.NoError(t, err)
	_, err = bus.Subscribe("eprint.indexed", "c", func(Event) error {
		return errors.New("handler error")
	})
	require.NoError(t, err)
	_, err = bus.Subscribe("eprint.indexed", "d", third.handler)
	require.NoError(t, err)

	// Emit must not panic and later handlers must still run.
	assert.NotPanics(t, func() { bus.Emit("eprint.indexed", nil) })

	require.Eventually(t, func() bool {
		return second.count() == 1 && third.count() == 1
	}, time.Second, 5*time.Millisecond)
}

func TestBusEmitDoesNotBlock(t *testing.T) {
	bus := NewBus(zap.NewNop())

	delay := 200 * time.Millisecond
	done := make(chan struct{})
	_, err := bus.Subscribe("slow.event", "a", func(Event) error {
		time.Sleep(delay)
		close(done)
		return nil
	})
	require.NoError(t, err)

	start := time.Now()
	bus.Emit("slow.event", nil)
	assert.Less(t, time.Since(start), delay)

	select {
	case <-done:
	case <-time.After(2 * delay):
		t.Fatal("slow handler never ran")
	}
}

func TestBusUnsubscribeAll(t *testing.T) {
	bus := NewBus(zap.NewNop())

	mine := &recorder{}
	other := &recorder{}

	_, err := bus.Subscribe("eprint.*", "me", mine.handler)
	require.NoError(t, err)
	_, err = bus.Subscribe("eprint.indexed", "me", mine.handler)
	require.NoError(t, err)
	_, err = bus.Subscribe("eprint.indexed", "them", other.handler)
	require.NoError(t, err)

	assert.Equal(t, 2, bus.UnsubscribeAll("me"))
	assert.Equal(t, 0, bus.UnsubscribeAll("me"))

	bus.Emit("eprint.indexed", nil)

	require.Eventually(t, func() bool {
		return other.count() == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, mine.count())
	assert.Equal(t, 1, bus.Count())
}

func TestBusUnsubscribe(t *testing.T) {
	bus := NewBus(zap.NewNop())

	rec := &recorder{}
	sub, err := bus.Subscribe("eprint.indexed", "a", rec.handler)
	require.NoError(t, err)

	assert.True(t, bus.Unsubscribe(sub.ID()))
	assert.False(t, bus.Unsubscribe(sub.ID()))

	bus.Emit("eprint.indexed", nil)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, rec.count())
}

func TestBusSubscribeValidation(t *testing.T) {
	bus := NewBus(nil)

	_, err := bus.Subscribe("eprint.indexed", "a", nil)
	assert.ErrorIs(t, err, ErrNilHandler)

	_, err = bus.Subscribe("", "a", func(Event) error { return nil })
	assert.ErrorIs(t, err, ErrInvalidTopic)

	_, err = bus.Subscribe("eprint.*.x", "a", func(Event) error { return nil })
	assert.ErrorIs(t, err, ErrInvalidTopic)
}

func TestBusRemoveAllListeners(t *testing.T) {
	bus := NewBus(nil)

	_, err := bus.Subscribe("a.b", "x", func(Event) error { return nil })
	require.NoError(t, err)
	_, err = bus.Subscribe("c.d", "y", func(Event) error { return nil })
	require.NoError(t, err)

	bus.RemoveAllListeners()
	assert.Equal(t, 0, bus.Count())
}
