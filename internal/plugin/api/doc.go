// Package api implements the chive.* Lua modules that expose host
// capabilities to plugins.
//
// Modules never talk to the bus, the store, or the network directly.
// They call provider interfaces implemented by the plugin's
// capability-scoped context, so a plugin can only do what its manifest
// permissions allow. Denials surface into Lua as the (nil, err) return
// convention.
//
// Event callbacks registered from Lua are scheduled back onto the
// plugin's executor goroutine; the bus never touches the Lua state
// directly.
package api
