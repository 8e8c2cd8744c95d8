package plugin

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chive-pub/chive-sub000/internal/event"
	"github.com/chive-pub/chive-sub000/internal/plugin/api"
	plua "github.com/chive-pub/chive-sub000/internal/plugin/lua"
	"github.com/chive-pub/chive-sub000/internal/plugin/metrics"
	"github.com/chive-pub/chive-sub000/internal/plugin/security"
)

// Builtin is a trusted plugin compiled into the host. It skips the
// sandbox but still receives a capability-scoped context, so its
// manifest bounds it the same way a packaged plugin's does.
type Builtin interface {
	// Manifest returns the builtin's manifest. It is validated like
	// any other manifest.
	Manifest() *Manifest

	// Initialize is the builtin's entrypoint.
	Initialize(ctx context.Context, pc *Context) error
}

// BuiltinShutdowner is implemented by builtins that want a shutdown
// callback on unload.
type BuiltinShutdowner interface {
	Shutdown(ctx context.Context) error
}

// ExecutionMode distinguishes sandboxed plugins from builtins.
type ExecutionMode int

// Execution modes.
const (
	ModeSandboxed ExecutionMode = iota
	ModeBuiltin
)

func (m ExecutionMode) String() string {
	switch m {
	case ModeSandboxed:
		return "sandboxed"
	case ModeBuiltin:
		return "builtin"
	default:
		return "unknown"
	}
}

// Instance is one loaded plugin.
type Instance struct {
	manifest *Manifest
	mode     ExecutionMode
	state    State

	handle  *plua.Handle // sandboxed mode
	builtin Builtin      // builtin mode

	ctx    *Context
	events *api.EventsModule

	loadedAt time.Time
}

// ID returns the plugin id.
func (i *Instance) ID() string { return i.manifest.ID }

// Manifest returns the plugin's manifest.
func (i *Instance) Manifest() *Manifest { return i.manifest }

// Mode returns the plugin's execution mode.
func (i *Instance) Mode() ExecutionMode { return i.mode }

// State returns the plugin's lifecycle state.
func (i *Instance) State() State { return i.state }

// LoadedAt returns when the plugin finished loading.
func (i *Instance) LoadedAt() time.Time { return i.loadedAt }

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	// InitTimeout bounds a plugin's entrypoint execution.
	InitTimeout time.Duration

	// InvokeTimeout is the watchdog applied to each sandbox call.
	InvokeTimeout time.Duration

	// DefaultBudget is the resource budget for plugins whose manifest
	// does not narrow it.
	DefaultBudget security.Budget

	// Policy is the governor policy.
	Policy security.Policy
}

// DefaultManagerConfig returns the standard manager configuration.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		InitTimeout:   10 * time.Second,
		InvokeTimeout: plua.DefaultInvokeTimeout,
		DefaultBudget: security.DefaultBudget(),
		Policy:        security.DefaultPolicy(),
	}
}

// Manager owns the full plugin lifecycle: load, initialize, run,
// unload. It is safe for concurrent use.
type Manager struct {
	mu sync.Mutex

	cfg      ManagerConfig
	bus      *event.Bus
	loader   *Loader
	factory  *ContextFactory
	governor *security.Governor
	metrics  *metrics.Registry
	logger   *zap.Logger

	plugins map[string]*Instance
	order   []string // load order, for reverse-order shutdown

	shuttingDown bool
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithManagerLogger sets the manager's logger.
func WithManagerLogger(logger *zap.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithManagerMetrics sets the metrics registry for per-plugin series
// cleanup on unload.
func WithManagerMetrics(reg *metrics.Registry) ManagerOption {
	return func(m *Manager) {
		m.metrics = reg
	}
}

// NewManager creates a plugin manager. The governor's termination
// callback is installed here: a plugin that exhausts its budget is
// force-unloaded.
func NewManager(cfg ManagerConfig, bus *event.Bus, loader *Loader, factory *ContextFactory, governor *security.Governor, opts ...ManagerOption) *Manager {
	if cfg.InitTimeout <= 0 {
		cfg.InitTimeout = DefaultManagerConfig().InitTimeout
	}
	if cfg.InvokeTimeout <= 0 {
		cfg.InvokeTimeout = DefaultManagerConfig().InvokeTimeout
	}

	m := &Manager{
		cfg:      cfg,
		bus:      bus,
		loader:   loader,
		factory:  factory,
		governor: governor,
		logger:   zap.NewNop(),
		plugins:  make(map[string]*Instance),
	}
	for _, opt := range opts {
		opt(m)
	}

	governor.OnTerminate(m.forceUnload)
	return m
}

// Load resolves, validates, and starts the plugin at source, returning
// its id. On any failure the plugin is fully rolled back and is not
// registered.
func (m *Manager) Load(ctx context.Context, source string) (string, error) {
	manifest, entry, err := m.loader.Resolve(source)
	if err != nil {
		return "", err
	}
	return m.load(ctx, manifest, func(inst *Instance) error {
		return m.startSandboxed(ctx, inst, entry)
	})
}

// LoadBuiltin registers and initializes a trusted builtin, returning
// its id.
func (m *Manager) LoadBuiltin(ctx context.Context, b Builtin) (string, error) {
	manifest := b.Manifest()
	if manifest == nil {
		return "", fmt.Errorf("%w: builtin has no manifest", ErrManifestInvalid)
	}
	if err := manifest.Validate(); err != nil {
		return "", err
	}
	return m.load(ctx, manifest, func(inst *Instance) error {
		inst.mode = ModeBuiltin
		inst.builtin = b

		initCtx, cancel := context.WithTimeout(ctx, m.cfg.InitTimeout)
		defer cancel()
		if err := b.Initialize(initCtx, inst.ctx); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrSandboxFault, inst.ID(), err)
		}
		return nil
	})
}

// load runs the shared registration path: reserve the id, set up the
// governor record and context, run the mode-specific start function,
// and either announce the plugin or roll everything back.
func (m *Manager) load(ctx context.Context, manifest *Manifest, start func(*Instance) error) (string, error) {
	id := manifest.ID

	m.mu.Lock()
	if m.shuttingDown {
		m.mu.Unlock()
		return "", ErrShuttingDown
	}
	if _, exists := m.plugins[id]; exists {
		m.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrAlreadyLoaded, id)
	}
	inst := &Instance{
		manifest: manifest,
		state:    StateLoading,
	}
	m.plugins[id] = inst
	m.mu.Unlock()

	budget := m.cfg.DefaultBudget
	if manifest.Permissions.Storage.MaxSize > 0 {
		budget.StorageBytes = manifest.Permissions.Storage.MaxSize
	}
	m.governor.Register(id, budget)

	inst.ctx = m.factory.Build(manifest)

	m.setState(inst, StateInitializing)
	if err := start(inst); err != nil {
		m.rollback(inst)
		m.logger.Error("plugin failed to load",
			zap.String("plugin", id),
			zap.Error(err))
		return "", err
	}

	m.mu.Lock()
	inst.state = StateRunning
	inst.loadedAt = time.Now()
	m.order = append(m.order, id)
	m.mu.Unlock()

	m.logger.Info("plugin loaded",
		zap.String("plugin", id),
		zap.String("version", manifest.Version),
		zap.String("mode", inst.mode.String()))
	m.bus.Emit(event.TopicPluginLoaded, map[string]any{"pluginId": id})
	return id, nil
}

// startSandboxed creates the Lua handle, wires its hooks into the
// governor, preloads the chive modules, and runs the entrypoint.
func (m *Manager) startSandboxed(ctx context.Context, inst *Instance, entry string) error {
	id := inst.ID()
	pm := inst.ctx.Metrics

	handle := plua.NewHandle(
		plua.WithInvokeTimeout(m.cfg.InvokeTimeout),
		plua.WithUsageHook(func(d time.Duration, allocBytes int64) {
			m.governor.RecordUsage(id, d, allocBytes)
			pm.CPUSeconds(d.Seconds())
		}),
		plua.WithTimeoutHook(func() {
			pm.InvokeTimeout()
			m.governor.RecordTimeout(id)
		}),
	)
	inst.handle = handle

	inst.events = api.NewEventsModule(id, inst.ctx.Events, handle)
	inst.events.OnError(func(topic string, err error) {
		pm.HandlerError()
		inst.ctx.Logger.Warn("event handler failed",
			zap.String("topic", topic),
			zap.Error(err))
	})
	mods := []api.Module{
		inst.events.Module(),
		api.NewStorageModule(inst.ctx.Storage).Module(),
		api.NewHTTPModule(inst.ctx.HTTP).Module(),
		api.NewLogModule(luaLogger{inst.ctx.Logger}).Module(),
	}

	initCtx, cancel := context.WithTimeout(ctx, m.cfg.InitTimeout)
	defer cancel()

	for _, mod := range mods {
		if err := handle.Preload(initCtx, mod.Name, mod.Loader); err != nil {
			return fmt.Errorf("%w: %s: preload %s: %v", ErrSandboxFault, id, mod.Name, err)
		}
	}
	if err := handle.Preload(initCtx, "chive", api.Aggregate(mods)); err != nil {
		return fmt.Errorf("%w: %s: preload chive: %v", ErrSandboxFault, id, err)
	}

	if err := handle.Start(initCtx, entry); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrSandboxFault, id, err)
	}
	return nil
}

// rollback tears down a partially loaded plugin. Nothing of it remains
// registered afterwards; the instance is left in StateFailed for any
// caller still holding it.
func (m *Manager) rollback(inst *Instance) {
	id := inst.ID()
	m.setState(inst, StateFailed)

	if inst.events != nil {
		inst.events.Cleanup()
	}
	m.bus.UnsubscribeAll(id)
	if inst.handle != nil {
		inst.handle.Dispose()
	}
	m.governor.Remove(id)
	if m.metrics != nil {
		m.metrics.Remove(id)
	}

	m.mu.Lock()
	delete(m.plugins, id)
	m.mu.Unlock()
}

// Unload tears down a plugin: its subscriptions are removed, its
// sandbox disposed, its governor record and metric series dropped, and
// plugin.unloaded emitted. Unloading an unknown id is a no-op.
func (m *Manager) Unload(ctx context.Context, id string) error {
	return m.unload(ctx, id, false)
}

func (m *Manager) unload(ctx context.Context, id string, forced bool) error {
	m.mu.Lock()
	inst, ok := m.plugins[id]
	if !ok || inst.state == StateUnloading || inst.state == StateFailed {
		m.mu.Unlock()
		return nil
	}
	if forced {
		// Forced termination classifies the plugin as failed, not as a
		// clean unload.
		inst.state = StateFailed
	} else {
		inst.state = StateUnloading
	}
	m.mu.Unlock()

	// A courtesy shutdown callback, skipped on forced termination
	// because the sandbox can no longer be trusted to cooperate.
	if !forced {
		m.notifyShutdown(ctx, inst)
	}

	if inst.events != nil {
		inst.events.Cleanup()
	}
	m.bus.UnsubscribeAll(id)
	if inst.handle != nil {
		inst.handle.Dispose()
	}
	m.governor.Remove(id)
	if m.metrics != nil {
		m.metrics.Remove(id)
	}

	m.mu.Lock()
	delete(m.plugins, id)
	for i, oid := range m.order {
		if oid == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	m.mu.Unlock()

	m.logger.Info("plugin unloaded",
		zap.String("plugin", id),
		zap.Bool("forced", forced))
	m.bus.Emit(event.TopicPluginUnloaded, map[string]any{"pluginId": id})
	return nil
}

func (m *Manager) notifyShutdown(ctx context.Context, inst *Instance) {
	callCtx, cancel := context.WithTimeout(ctx, m.cfg.InvokeTimeout)
	defer cancel()

	switch inst.mode {
	case ModeSandboxed:
		if _, _, err := inst.handle.InvokeIfPresent(callCtx, "on_unload", nil); err != nil {
			m.logger.Warn("plugin on_unload failed",
				zap.String("plugin", inst.ID()),
				zap.Error(err))
		}
	case ModeBuiltin:
		if s, ok := inst.builtin.(BuiltinShutdowner); ok {
			if err := s.Shutdown(callCtx); err != nil {
				m.logger.Warn("builtin shutdown failed",
					zap.String("plugin", inst.ID()),
					zap.Error(err))
			}
		}
	}
}

// forceUnload is the governor's termination callback. It runs on
// whatever goroutine noticed the budget violation, so the actual
// unload is pushed to a fresh goroutine.
func (m *Manager) forceUnload(id, reason string) {
	m.logger.Warn("plugin force-terminated",
		zap.String("plugin", id),
		zap.String("reason", reason))
	go func() {
		_ = m.unload(context.Background(), id, true)
	}()
}

// Invoke calls a function in a sandboxed plugin.
func (m *Manager) Invoke(ctx context.Context, id, fn string, args []any) ([]any, error) {
	m.mu.Lock()
	inst, ok := m.plugins[id]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPluginNotFound, id)
	}
	if inst.mode != ModeSandboxed {
		return nil, fmt.Errorf("plugin %s is not sandboxed", id)
	}

	inst.ctx.Metrics.Invocation()
	return inst.handle.Invoke(ctx, fn, args)
}

// Get returns a loaded plugin instance.
func (m *Manager) Get(id string) (*Instance, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.plugins[id]
	return inst, ok
}

// List returns the loaded plugin ids in load order.
func (m *Manager) List() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.order))
	copy(out, m.order)
	return out
}

// Count returns the number of loaded plugins.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.plugins)
}

// ShutdownAll unloads every plugin in reverse load order and stops
// accepting new loads.
func (m *Manager) ShutdownAll(ctx context.Context) {
	m.mu.Lock()
	m.shuttingDown = true
	ids := make([]string, len(m.order))
	copy(ids, m.order)
	m.mu.Unlock()

	for i := len(ids) - 1; i >= 0; i-- {
		_ = m.unload(ctx, ids[i], false)
	}
}

func (m *Manager) setState(inst *Instance, s State) {
	m.mu.Lock()
	inst.state = s
	m.mu.Unlock()
}
