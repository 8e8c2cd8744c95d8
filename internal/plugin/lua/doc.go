// Package lua provides the sandboxed Lua runtime backing packaged
// plugins.
//
// Each plugin gets its own Handle: an isolated gopher-lua state, an
// executor goroutine that owns it, and a bridge that deep-copies values
// across the Go/Lua boundary so neither side can mutate the other's
// data. Host capabilities reach Lua only through modules preloaded on
// the handle under the chive namespace.
//
// # Handle lifecycle
//
//	h := lua.NewHandle(lua.WithInvokeTimeout(2 * time.Second))
//	defer h.Dispose()
//
//	if err := h.Preload(ctx, "chive.log", loader); err != nil {
//	    return err
//	}
//	if err := h.Start(ctx, source); err != nil {
//	    return err
//	}
//	results, err := h.Invoke(ctx, "on_activate", nil)
//
// A handle moves Created -> Running -> Idle as calls execute and ends
// at Disposed. Dispose is idempotent. A watchdog timeout aborts the
// running call but leaves the state usable; the timeout hook is where
// a host applies its termination policy.
package lua
