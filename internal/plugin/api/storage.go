package api

import (
	"context"

	lua "github.com/yuin/gopher-lua"
)

// StorageModule implements the chive.storage Lua module.
type StorageModule struct {
	provider StorageProvider
}

// NewStorageModule creates the chive.storage module for one plugin.
func NewStorageModule(provider StorageProvider) *StorageModule {
	return &StorageModule{provider: provider}
}

// Module returns the module descriptor for preloading.
func (m *StorageModule) Module() Module {
	return Module{Name: "chive.storage", Loader: m.loader}
}

func (m *StorageModule) loader(L *lua.LState) int {
	mod := L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"put":    m.put,
		"get":    m.get,
		"delete": m.del,
		"keys":   m.keys,
	})
	L.Push(mod)
	return 1
}

// put(key, value) -> true | nil, err
// A write that would exceed the plugin's storage quota is denied and
// the previous value is untouched.
func (m *StorageModule) put(L *lua.LState) int {
	key := L.CheckString(1)
	value := L.CheckString(2)

	if err := m.provider.Put(context.Background(), key, []byte(value)); err != nil {
		L.Push(lua.LNil)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(lua.LTrue)
	return 1
}

// get(key) -> value | nil
func (m *StorageModule) get(L *lua.LState) int {
	key := L.CheckString(1)

	value, ok, err := m.provider.Get(context.Background(), key)
	if err != nil {
		L.Push(lua.LNil)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	if !ok {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(lua.LString(value))
	return 1
}

// delete(key) -> true | nil, err
func (m *StorageModule) del(L *lua.LState) int {
	key := L.CheckString(1)

	if err := m.provider.Delete(context.Background(), key); err != nil {
		L.Push(lua.LNil)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(lua.LTrue)
	return 1
}

// keys() -> {key, ...} | nil, err
func (m *StorageModule) keys(L *lua.LState) int {
	keys, err := m.provider.Keys(context.Background())
	if err != nil {
		L.Push(lua.LNil)
		L.Push(lua.LString(err.Error()))
		return 2
	}

	t := L.NewTable()
	for i, k := range keys {
		t.RawSetInt(i+1, lua.LString(k))
	}
	L.Push(t)
	return 1
}
