package api

import (
	"context"

	lua "github.com/yuin/gopher-lua"
)

// HTTPModule implements the chive.http Lua module.
type HTTPModule struct {
	provider HTTPProvider
}

// NewHTTPModule creates the chive.http module for one plugin.
func NewHTTPModule(provider HTTPProvider) *HTTPModule {
	return &HTTPModule{provider: provider}
}

// Module returns the module descriptor for preloading.
func (m *HTTPModule) Module() Module {
	return Module{Name: "chive.http", Loader: m.loader}
}

func (m *HTTPModule) loader(L *lua.LState) int {
	mod := L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"get": m.get,
	})
	L.Push(mod)
	return 1
}

// get(url) -> {status=n, body=s} | nil, err
// The URL's host must be in the manifest's allowed domains.
func (m *HTTPModule) get(L *lua.LState) int {
	url := L.CheckString(1)

	status, body, err := m.provider.Get(context.Background(), url)
	if err != nil {
		L.Push(lua.LNil)
		L.Push(lua.LString(err.Error()))
		return 2
	}

	t := L.NewTable()
	t.RawSetString("status", lua.LNumber(status))
	t.RawSetString("body", lua.LString(body))
	L.Push(t)
	return 1
}
