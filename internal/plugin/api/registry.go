package api

import (
	"context"
	"strings"

	lua "github.com/yuin/gopher-lua"
)

// EventsProvider is the capability-scoped event surface handed to a
// plugin.
//
// IMPORTANT: subscription handlers fire on arbitrary goroutines. Lua
// modules must marshal them back onto the plugin's executor via the
// Scheduler; the Lua state is never touched from a bus goroutine.
type EventsProvider interface {
	// Subscribe registers a handler for events matching pattern.
	// Returns a subscription id, or an error when the manifest does
	// not permit the pattern.
	Subscribe(pattern string, handler func(topic string, payload map[string]any)) (string, error)

	// Unsubscribe removes a subscription by id.
	Unsubscribe(id string) bool

	// Emit publishes an event, or returns an error when the manifest
	// does not permit the topic.
	Emit(topic string, payload map[string]any) error
}

// StorageProvider is the quota-checked storage surface handed to a
// plugin. Keys are scoped to the plugin's namespace.
type StorageProvider interface {
	Put(ctx context.Context, key string, value []byte) error
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context) ([]string, error)
}

// HTTPProvider is the domain-checked network surface handed to a
// plugin.
type HTTPProvider interface {
	// Get fetches a URL. The host is checked against the manifest's
	// allowed domains before any connection is made.
	Get(ctx context.Context, url string) (status int, body []byte, err error)
}

// Logger is the subset of a structured logger the log module needs.
type Logger interface {
	Debug(msg string)
	Info(msg string)
	Warn(msg string)
	Error(msg string)
}

// Scheduler queues work onto the goroutine that owns the plugin's Lua
// state. Implemented by the sandbox handle.
type Scheduler interface {
	Schedule(fn func(L *lua.LState) error) error
}

// Module is one chive.* Lua module.
type Module struct {
	// Name is the require name, e.g. "chive.events".
	Name string

	// Loader builds the module table. Runs on the executor goroutine.
	Loader lua.LGFunction
}

// Aggregate returns the loader for the parent chive module: a table
// whose fields are the given submodules, so plugins can write
// require("chive").events as well as require("chive.events").
func Aggregate(mods []Module) lua.LGFunction {
	return func(L *lua.LState) int {
		t := L.NewTable()
		for _, mod := range mods {
			L.Push(L.GetGlobal("require"))
			L.Push(lua.LString(mod.Name))
			L.Call(1, 1)
			sub := L.Get(-1)
			L.Pop(1)

			// "chive.events" -> field "events"
			L.SetField(t, strings.TrimPrefix(mod.Name, "chive."), sub)
		}
		L.Push(t)
		return 1
	}
}
