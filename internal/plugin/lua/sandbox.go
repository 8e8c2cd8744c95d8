package lua

import (
	"strings"

	lua "github.com/yuin/gopher-lua"
)

// Sandbox restricts a Lua state to safe operations. Plugins reach host
// functionality only through modules preloaded under the chive
// namespace; everything else that could touch the process or the
// filesystem is removed.
type Sandbox struct {
	L *lua.LState
}

// Install sets up the sandbox restrictions.
func (s *Sandbox) Install() {
	// Remove functions that could be used to bypass the sandbox by
	// loading code from arbitrary sources.
	for _, name := range []string{"dofile", "loadfile", "load", "loadstring"} {
		s.L.SetGlobal(name, lua.LNil)
	}

	s.installSafeRequire()
}

// installSafeRequire replaces require with a whitelist-based version.
//
// SECURITY: package.path and package.cpath are cleared so nothing can
// be loaded from disk. Only built-in safe modules and host modules
// preloaded under the chive namespace resolve.
func (s *Sandbox) installSafeRequire() {
	pkg := s.L.GetGlobal("package")
	if pkgTable, ok := pkg.(*lua.LTable); ok {
		s.L.SetField(pkgTable, "path", lua.LString(""))
		s.L.SetField(pkgTable, "cpath", lua.LString(""))
	}

	safeModules := map[string]bool{
		"string": true,
		"table":  true,
		"math":   true,
	}

	originalRequire := s.L.GetGlobal("require")

	s.L.SetGlobal("require", s.L.NewFunction(func(L *lua.LState) int {
		modName := L.CheckString(1)

		allowed := safeModules[modName] ||
			modName == "chive" ||
			strings.HasPrefix(modName, "chive.")
		if !allowed {
			L.RaiseError("module %q is not available", modName)
			return 0 // unreachable
		}

		// Delegate to the original require so package.preload and
		// package.loaded caching keep working.
		L.Push(originalRequire)
		L.Push(lua.LString(modName))
		L.Call(1, 1)
		return 1
	}))
}
