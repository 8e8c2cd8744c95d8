// Package security enforces what plugins may do and how much they may
// consume.
//
// The Enforcer evaluates a plugin's declared permission set against a
// requested action (subscribe/emit an event pattern, reach a network
// domain, write bytes to storage) and returns an allow/deny decision. It
// keeps no per-plugin state; the manifest's permission set is passed in
// on every call.
//
// The Governor tracks CPU time, memory, and stored bytes per plugin
// against the budget declared in the manifest (or system defaults) and
// triggers forced termination when a budget is exceeded. Exceeding CPU
// and exceeding memory are treated identically: the plugin is terminated
// and not retried. Repeated invoke timeouts are folded into the same
// path through a configurable policy.
package security
