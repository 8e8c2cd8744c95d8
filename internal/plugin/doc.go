// Package plugin implements the plugin runtime: manifest validation,
// loading, capability-scoped contexts, and lifecycle management.
//
// A plugin is declared by a plugin.json manifest naming its identity
// and permissions, plus a Lua entrypoint that runs inside an isolated
// sandbox. Trusted builtins compiled into the host skip the sandbox
// but are scoped by a manifest all the same.
//
// The Manager is the entry point:
//
//	mgr := plugin.NewManager(cfg, bus, loader, factory, governor)
//	if err := mgr.Load(ctx, "/path/to/plugin"); err != nil { ... }
//	defer mgr.ShutdownAll(ctx)
//
// Loading validates the manifest before any plugin code runs, builds a
// context restricted to the manifest's permissions, registers a
// resource budget with the governor, and executes the entrypoint.
// Failures at any step roll the plugin back completely. Successful
// loads announce plugin.loaded on the bus; unloads announce
// plugin.unloaded after the plugin is gone.
package plugin
