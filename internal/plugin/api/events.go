package api

import (
	"fmt"
	"sync"
	"sync/atomic"

	lua "github.com/yuin/gopher-lua"

	plua "github.com/chive-pub/chive-sub000/internal/plugin/lua"
)

// EventsModule implements the chive.events Lua module.
type EventsModule struct {
	provider EventsProvider
	sched    Scheduler
	plugin   string

	mu         sync.Mutex
	handlerTbl *lua.LTable // anchors handler functions against GC
	handlerKey string
	subs       map[string]string // local id -> provider subscription id
	onError    func(topic string, err error)
	nextID     uint64
}

// NewEventsModule creates the chive.events module for one plugin.
func NewEventsModule(plugin string, provider EventsProvider, sched Scheduler) *EventsModule {
	return &EventsModule{
		provider:   provider,
		sched:      sched,
		plugin:     plugin,
		handlerKey: "_chive_event_handlers_" + plugin,
		subs:       make(map[string]string),
	}
}

// OnError installs a callback for errors raised by Lua event handlers.
// Handler failures never propagate to the emitter; this is where they
// become observable.
func (m *EventsModule) OnError(fn func(topic string, err error)) {
	m.mu.Lock()
	m.onError = fn
	m.mu.Unlock()
}

// Module returns the module descriptor for preloading.
func (m *EventsModule) Module() Module {
	return Module{Name: "chive.events", Loader: m.loader}
}

func (m *EventsModule) loader(L *lua.LState) int {
	m.mu.Lock()
	m.handlerTbl = L.NewTable()
	m.mu.Unlock()

	// A global reference keeps the table, and with it every handler,
	// alive for the life of the state.
	L.SetGlobal(m.handlerKey, m.handlerTbl)

	mod := L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"subscribe":   m.subscribe,
		"unsubscribe": m.unsubscribe,
		"emit":        m.emit,
	})
	L.Push(mod)
	return 1
}

func (m *EventsModule) generateID() string {
	return fmt.Sprintf("%s_%d", m.plugin, atomic.AddUint64(&m.nextID, 1))
}

// subscribe(pattern, handler) -> id | nil, err
func (m *EventsModule) subscribe(L *lua.LState) int {
	pattern := L.CheckString(1)
	handler := L.CheckFunction(2)

	localID := m.generateID()

	m.mu.Lock()
	if m.handlerTbl != nil {
		m.handlerTbl.RawSetString(localID, handler)
	}
	m.mu.Unlock()

	providerID, err := m.provider.Subscribe(pattern, m.callback(localID))
	if err != nil {
		m.mu.Lock()
		if m.handlerTbl != nil {
			m.handlerTbl.RawSetString(localID, lua.LNil)
		}
		m.mu.Unlock()

		L.Push(lua.LNil)
		L.Push(lua.LString(err.Error()))
		return 2
	}

	m.mu.Lock()
	m.subs[localID] = providerID
	m.mu.Unlock()

	L.Push(lua.LString(localID))
	return 1
}

// unsubscribe(id) -> bool
func (m *EventsModule) unsubscribe(L *lua.LState) int {
	id := L.CheckString(1)

	m.mu.Lock()
	providerID, exists := m.subs[id]
	delete(m.subs, id)
	if m.handlerTbl != nil {
		m.handlerTbl.RawSetString(id, lua.LNil)
	}
	m.mu.Unlock()

	if exists {
		m.provider.Unsubscribe(providerID)
	}
	L.Push(lua.LBool(exists))
	return 1
}

// emit(topic, payload?) -> true | nil, err
func (m *EventsModule) emit(L *lua.LState) int {
	topic := L.CheckString(1)

	var payload map[string]any
	if L.GetTop() >= 2 {
		if tbl := L.OptTable(2, nil); tbl != nil {
			bridge := plua.NewBridge(L)
			if mp, ok := bridge.ToGoValue(tbl).(map[string]any); ok {
				payload = mp
			}
		}
	}

	if err := m.provider.Emit(topic, payload); err != nil {
		L.Push(lua.LNil)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(lua.LTrue)
	return 1
}

// callback builds the Go handler for one subscription. Delivery is
// scheduled onto the executor goroutine; the handler function is
// resolved from the anchor table at call time so an unsubscribed
// handler is never invoked.
func (m *EventsModule) callback(localID string) func(topic string, payload map[string]any) {
	return func(topic string, payload map[string]any) {
		_ = m.sched.Schedule(func(L *lua.LState) error {
			m.mu.Lock()
			tbl := m.handlerTbl
			m.mu.Unlock()
			if tbl == nil {
				return nil
			}

			fn, ok := tbl.RawGetString(localID).(*lua.LFunction)
			if !ok {
				return nil
			}

			bridge := plua.NewBridge(L)
			L.Push(fn)
			L.Push(lua.LString(topic))
			L.Push(bridge.ToLuaValue(payload))
			if err := L.PCall(2, 0, nil); err != nil {
				m.mu.Lock()
				report := m.onError
				m.mu.Unlock()
				if report != nil {
					report(topic, err)
				}
			}
			// The error is reported above, not returned: a failing
			// handler must not look like an executor failure.
			return nil
		})
	}
}

// Cleanup drops all subscriptions and handler references. Called on
// plugin unload.
func (m *EventsModule) Cleanup() {
	m.mu.Lock()
	subs := m.subs
	m.subs = make(map[string]string)
	m.handlerTbl = nil
	m.mu.Unlock()

	for _, providerID := range subs {
		m.provider.Unsubscribe(providerID)
	}
}
