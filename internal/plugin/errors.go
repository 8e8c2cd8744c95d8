package plugin

import "errors"

// Plugin runtime errors.
var (
	// ErrManifestInvalid is returned when a manifest fails validation.
	// No plugin code has run when this error is reported.
	ErrManifestInvalid = errors.New("plugin manifest is invalid")

	// ErrPluginNotFound is returned when a plugin cannot be located.
	ErrPluginNotFound = errors.New("plugin not found")

	// ErrAlreadyLoaded is returned when loading a plugin id that is
	// already registered.
	ErrAlreadyLoaded = errors.New("plugin is already loaded")

	// ErrSandboxFault is returned when a plugin's code fails inside
	// the sandbox, at initialization or during a call.
	ErrSandboxFault = errors.New("plugin sandbox fault")

	// ErrShuttingDown is returned when the manager no longer accepts
	// loads.
	ErrShuttingDown = errors.New("plugin manager is shutting down")
)
