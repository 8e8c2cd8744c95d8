package api

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	plua "github.com/chive-pub/chive-sub000/internal/plugin/lua"
)

type fakeEvents struct {
	mu       sync.Mutex
	handlers map[string]func(topic string, payload map[string]any)
	emitted  []string
	denySub  bool
	denyEmit bool
	nextID   int
}

func newFakeEvents() *fakeEvents {
	return &fakeEvents{handlers: make(map[string]func(string, map[string]any))}
}

func (f *fakeEvents) Subscribe(pattern string, handler func(string, map[string]any)) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.denySub {
		return "", errors.New("subscription not permitted")
	}
	f.nextID++
	id := fmt.Sprintf("sub-%d", f.nextID)
	f.handlers[id] = handler
	return id, nil
}

func (f *fakeEvents) Unsubscribe(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.handlers[id]
	delete(f.handlers, id)
	return ok
}

func (f *fakeEvents) Emit(topic string, _ map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.denyEmit {
		return errors.New("emit not permitted")
	}
	f.emitted = append(f.emitted, topic)
	return nil
}

func (f *fakeEvents) deliver(topic string, payload map[string]any) {
	f.mu.Lock()
	handlers := make([]func(string, map[string]any), 0, len(f.handlers))
	for _, h := range f.handlers {
		handlers = append(handlers, h)
	}
	f.mu.Unlock()
	for _, h := range handlers {
		h(topic, payload)
	}
}

func newEventsHandle(t *testing.T, provider EventsProvider) (*plua.Handle, *EventsModule) {
	t.Helper()
	h := plua.NewHandle()
	t.Cleanup(h.Dispose)

	em := NewEventsModule("test-plugin", provider, h)
	require.NoError(t, h.Preload(context.Background(), "chive.events", em.Module().Loader))
	return h, em
}

func TestEventsSubscribeAndDeliver(t *testing.T) {
	provider := newFakeEvents()
	h, _ := newEventsHandle(t, provider)

	err := h.Start(context.Background(), `
		local events = require("chive.events")
		received = {}
		sub_id = events.subscribe("eprint.*", function(topic, payload)
			received[#received + 1] = topic .. ":" .. tostring(payload.id)
		end)
		function seen()
			return received
		end
	`)
	require.NoError(t, err)

	provider.deliver("eprint.indexed", map[string]any{"id": "e-1"})

	require.Eventually(t, func() bool {
		results, err := h.Invoke(context.Background(), "seen", nil)
		if err != nil || len(results) != 1 {
			return false
		}
		arr, ok := results[0].([]any)
		return ok && len(arr) == 1 && arr[0] == "eprint.indexed:e-1"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestEventsSubscribeDenied(t *testing.T) {
	provider := newFakeEvents()
	provider.denySub = true
	h, _ := newEventsHandle(t, provider)

	err := h.Start(context.Background(), `
		local events = require("chive.events")
		id, err = events.subscribe("eprint.*", function() end)
		function result()
			return id, err
		end
	`)
	require.NoError(t, err)

	results, err := h.Invoke(context.Background(), "result", nil)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Nil(t, results[0])
	assert.Contains(t, results[1], "not permitted")
}

func TestEventsUnsubscribeStopsDelivery(t *testing.T) {
	provider := newFakeEvents()
	h, _ := newEventsHandle(t, provider)

	err := h.Start(context.Background(), `
		local events = require("chive.events")
		count = 0
		local id = events.subscribe("eprint.*", function() count = count + 1 end)
		removed = events.unsubscribe(id)
		missing = events.unsubscribe("no-such-id")
		function state()
			return count, removed, missing
		end
	`)
	require.NoError(t, err)

	provider.deliver("eprint.indexed", nil)

	// Delivery is asynchronous; give a scheduled handler time to have
	// run if one were still registered.
	time.Sleep(100 * time.Millisecond)

	results, err := h.Invoke(context.Background(), "state", nil)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, int64(0), results[0])
	assert.Equal(t, true, results[1])
	assert.Equal(t, false, results[2])
}

func TestEventsEmit(t *testing.T) {
	provider := newFakeEvents()
	h, _ := newEventsHandle(t, provider)

	err := h.Start(context.Background(), `
		local events = require("chive.events")
		ok = events.emit("custom.metric", { value = 42 })
	`)
	require.NoError(t, err)

	assert.Equal(t, []string{"custom.metric"}, provider.emitted)
}

func TestEventsEmitDenied(t *testing.T) {
	provider := newFakeEvents()
	provider.denyEmit = true
	h, _ := newEventsHandle(t, provider)

	err := h.Start(context.Background(), `
		local events = require("chive.events")
		ok, err = events.emit("custom.metric")
		function result()
			return ok, err
		end
	`)
	require.NoError(t, err)

	results, err := h.Invoke(context.Background(), "result", nil)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Nil(t, results[0])
	assert.Contains(t, results[1], "not permitted")
}

func TestEventsCleanup(t *testing.T) {
	provider := newFakeEvents()
	h, em := newEventsHandle(t, provider)

	err := h.Start(context.Background(), `
		local events = require("chive.events")
		events.subscribe("eprint.*", function() end)
		events.subscribe("custom.*", function() end)
	`)
	require.NoError(t, err)

	em.Cleanup()

	provider.mu.Lock()
	defer provider.mu.Unlock()
	assert.Empty(t, provider.handlers)
}

func TestEventsHandlerErrorReported(t *testing.T) {
	provider := newFakeEvents()
	h, em := newEventsHandle(t, provider)

	var mu sync.Mutex
	var gotTopic string
	var gotErr error
	em.OnError(func(topic string, err error) {
		mu.Lock()
		gotTopic, gotErr = topic, err
		mu.Unlock()
	})

	err := h.Start(context.Background(), `
		local events = require("chive.events")
		delivered = 0
		events.subscribe("eprint.*", function()
			error("handler boom")
		end)
		events.subscribe("eprint.*", function()
			delivered = delivered + 1
		end)
		function seen()
			return delivered
		end
	`)
	require.NoError(t, err)

	provider.deliver("eprint.indexed", nil)

	// The failing handler is reported without stopping its sibling.
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return gotErr != nil
	}, 2*time.Second, 10*time.Millisecond)
	mu.Lock()
	assert.Equal(t, "eprint.indexed", gotTopic)
	assert.Contains(t, gotErr.Error(), "handler boom")
	mu.Unlock()

	require.Eventually(t, func() bool {
		results, err := h.Invoke(context.Background(), "seen", nil)
		return err == nil && len(results) == 1 && results[0] == int64(1)
	}, 2*time.Second, 10*time.Millisecond)
}
