package api

import (
	lua "github.com/yuin/gopher-lua"
)

// LogModule implements the chive.log Lua module. Messages go to the
// plugin's child logger so every line carries the plugin id.
type LogModule struct {
	logger Logger
}

// NewLogModule creates the chive.log module for one plugin.
func NewLogModule(logger Logger) *LogModule {
	return &LogModule{logger: logger}
}

// Module returns the module descriptor for preloading.
func (m *LogModule) Module() Module {
	return Module{Name: "chive.log", Loader: m.loader}
}

func (m *LogModule) loader(L *lua.LState) int {
	mod := L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"debug": m.level(func(s string) { m.logger.Debug(s) }),
		"info":  m.level(func(s string) { m.logger.Info(s) }),
		"warn":  m.level(func(s string) { m.logger.Warn(s) }),
		"error": m.level(func(s string) { m.logger.Error(s) }),
	})
	L.Push(mod)
	return 1
}

func (m *LogModule) level(log func(string)) lua.LGFunction {
	return func(L *lua.LState) int {
		log(L.CheckString(1))
		return 0
	}
}
