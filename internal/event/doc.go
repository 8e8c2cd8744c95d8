// Package event provides the in-process event bus that connects the
// indexing pipeline to loaded plugins.
//
// Topics are hierarchical dot-separated names ("eprint.indexed",
// "plugin.loaded"). Subscriptions are made against either an exact topic
// or a single-level wildcard pattern ("eprint.*") that matches every
// topic sharing the pattern's first segment.
//
// Emission is fire-and-forget: Emit returns before handlers run. Within a
// single emission, matching handlers run in registration order; a handler
// that panics or returns an error is logged and never prevents the
// remaining handlers from running.
//
// Every subscription is tagged with an owner identifier so that all of an
// owner's subscriptions can be removed atomically when a plugin unloads.
package event
