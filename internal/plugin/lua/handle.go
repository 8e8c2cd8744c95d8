package lua

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	lua "github.com/yuin/gopher-lua"
)

// DefaultInvokeTimeout bounds a single Lua call when no explicit
// watchdog timeout is configured.
const DefaultInvokeTimeout = 5 * time.Second

// Phase is the lifecycle state of a Handle.
type Phase int32

// Handle lifecycle phases.
const (
	PhaseCreated Phase = iota
	PhaseRunning
	PhaseIdle
	PhaseDisposed
)

func (p Phase) String() string {
	switch p {
	case PhaseCreated:
		return "created"
	case PhaseRunning:
		return "running"
	case PhaseIdle:
		return "idle"
	case PhaseDisposed:
		return "disposed"
	default:
		return "unknown"
	}
}

// Handle owns one plugin's isolated Lua state. All access to the state
// is serialized through the handle's executor goroutine, and every call
// runs under a watchdog timeout. A call that hits the watchdog fails
// with ErrInvokeTimeout; the interpreter aborts between VM instructions
// and unwinds through the normal error path, so the state stays usable
// and the timeout hook decides whether the plugin lives on.
type Handle struct {
	L      *lua.LState
	exec   *Executor
	bridge *Bridge

	phase atomic.Int32

	invokeTimeout time.Duration
	onTimeout     func()

	cancel      context.CancelFunc
	runDone     chan struct{}
	disposeOnce sync.Once
}

// Option configures a Handle.
type Option func(*handleConfig)

type handleConfig struct {
	invokeTimeout time.Duration
	queueSize     int
	onUsage       func(d time.Duration, allocBytes int64)
	onTimeout     func()
}

// WithInvokeTimeout sets the watchdog timeout applied to every call
// into the Lua state.
func WithInvokeTimeout(d time.Duration) Option {
	return func(c *handleConfig) {
		if d > 0 {
			c.invokeTimeout = d
		}
	}
}

// WithQueueSize sets the executor queue depth.
func WithQueueSize(n int) Option {
	return func(c *handleConfig) {
		c.queueSize = n
	}
}

// WithUsageHook installs a callback observing the wall time of every
// executed call and an advisory estimate of the heap bytes it
// allocated. It runs on the executor goroutine and must not call back
// into the handle.
func WithUsageHook(fn func(d time.Duration, allocBytes int64)) Option {
	return func(c *handleConfig) {
		c.onUsage = fn
	}
}

// WithTimeoutHook installs a callback fired whenever a call hits the
// watchdog timeout. The plugin manager uses it to count timeout streaks
// toward forced termination.
func WithTimeoutHook(fn func()) Option {
	return func(c *handleConfig) {
		c.onTimeout = fn
	}
}

// NewHandle creates a sandboxed Lua state and starts its executor
// goroutine. The caller must eventually call Dispose.
func NewHandle(opts ...Option) *Handle {
	cfg := handleConfig{invokeTimeout: DefaultInvokeTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}

	L := newSandboxedState()
	exec := NewExecutor(L, cfg.queueSize)
	exec.onTask = cfg.onUsage

	runCtx, cancel := context.WithCancel(context.Background())

	h := &Handle{
		L:             L,
		exec:          exec,
		bridge:        NewBridge(L),
		invokeTimeout: cfg.invokeTimeout,
		onTimeout:     cfg.onTimeout,
		cancel:        cancel,
		runDone:       make(chan struct{}),
	}
	h.phase.Store(int32(PhaseCreated))

	// The run goroutine owns the LState; it is the only place the
	// state may be closed.
	go func() {
		exec.Run(runCtx)
		L.Close()
		close(h.runDone)
	}()

	return h
}

// Phase returns the handle's current lifecycle phase.
func (h *Handle) Phase() Phase {
	return Phase(h.phase.Load())
}

// Bridge returns the value converter bound to this handle's state. It
// must only be used from functions running on the executor goroutine.
func (h *Handle) Bridge() *Bridge {
	return h.bridge
}

// Preload registers a host module resolvable from Lua via require.
// Must be called before Start so the entrypoint can require it.
func (h *Handle) Preload(ctx context.Context, name string, loader lua.LGFunction) error {
	if h.Phase() == PhaseDisposed {
		return ErrDisposed
	}
	return h.exec.Execute(ctx, func(L *lua.LState) error {
		L.PreloadModule(name, loader)
		return nil
	})
}

// Start compiles and runs the plugin's entrypoint source. The chunk
// runs under the watchdog timeout like any other call.
func (h *Handle) Start(ctx context.Context, source string) error {
	if h.Phase() == PhaseDisposed {
		return ErrDisposed
	}

	h.phase.Store(int32(PhaseRunning))
	err := h.exec.Execute(ctx, h.guard(func(L *lua.LState) error {
		return L.DoString(source)
	}))
	if errors.Is(err, ErrInvokeTimeout) {
		h.timedOut()
	}
	if h.Phase() != PhaseDisposed {
		h.phase.Store(int32(PhaseIdle))
	}
	return err
}

// Invoke calls a global Lua function by name, converting arguments in
// and results out across the copy boundary.
func (h *Handle) Invoke(ctx context.Context, fn string, args []any) ([]any, error) {
	results, _, err := h.invoke(ctx, fn, args, true)
	return results, err
}

// InvokeIfPresent calls fn if the plugin defines it. The second return
// reports whether the function existed.
func (h *Handle) InvokeIfPresent(ctx context.Context, fn string, args []any) ([]any, bool, error) {
	return h.invoke(ctx, fn, args, false)
}

func (h *Handle) invoke(ctx context.Context, fn string, args []any, mustExist bool) ([]any, bool, error) {
	if h.Phase() == PhaseDisposed {
		return nil, false, ErrDisposed
	}

	h.phase.Store(int32(PhaseRunning))
	defer func() {
		if h.Phase() != PhaseDisposed {
			h.phase.Store(int32(PhaseIdle))
		}
	}()

	var results []any
	found := true
	err := h.exec.Execute(ctx, h.guard(func(L *lua.LState) error {
		fnVal := L.GetGlobal(fn)
		if fnVal.Type() != lua.LTFunction {
			found = false
			if mustExist {
				return fmt.Errorf("function %q not found", fn)
			}
			return nil
		}

		top := L.GetTop()
		L.Push(fnVal)
		for _, arg := range args {
			L.Push(h.bridge.ToLuaValue(arg))
		}
		if err := L.PCall(len(args), lua.MultRet, nil); err != nil {
			return err
		}

		nRet := L.GetTop() - top
		if nRet > 0 {
			results = make([]any, nRet)
			for i := 0; i < nRet; i++ {
				results[i] = h.bridge.ToGoValue(L.Get(top + i + 1))
			}
			L.Pop(nRet)
		}
		return nil
	}))

	if errors.Is(err, ErrInvokeTimeout) {
		h.timedOut()
		return nil, found, ErrInvokeTimeout
	}
	if errors.Is(err, ErrExecutorClosed) {
		return nil, found, ErrDisposed
	}
	return results, found, err
}

// Schedule queues work on the executor goroutine without waiting for
// it. Used to dispatch event callbacks into the plugin. The work runs
// under the watchdog like a synchronous call.
func (h *Handle) Schedule(fn func(L *lua.LState) error) error {
	if h.Phase() == PhaseDisposed {
		return ErrDisposed
	}
	return h.exec.ExecuteAsync(func(L *lua.LState) error {
		err := h.guard(fn)(L)
		if errors.Is(err, ErrInvokeTimeout) {
			h.timedOut()
		}
		return err
	})
}

// guard wraps a task with the watchdog timeout. gopher-lua checks the
// state's context between VM instructions, so even a busy loop that
// never calls into Go gets aborted; the abort unwinds like any Lua
// error and the state remains usable for subsequent calls.
func (h *Handle) guard(fn func(L *lua.LState) error) func(L *lua.LState) error {
	return func(L *lua.LState) error {
		tctx, cancel := context.WithTimeout(context.Background(), h.invokeTimeout)
		defer cancel()

		L.SetContext(tctx)
		defer L.RemoveContext()

		err := fn(L)
		if tctx.Err() != nil {
			// Frames from the aborted call must not leak into the
			// next one.
			L.SetTop(0)
			return ErrInvokeTimeout
		}
		return err
	}
}

// timedOut reports a watchdog abort to the timeout hook. Whether the
// plugin survives is policy: the hook feeds the governor's timeout
// streak, and forced unload disposes the handle when the streak hits
// the threshold.
func (h *Handle) timedOut() {
	if h.onTimeout != nil {
		h.onTimeout()
	}
}

// Dispose releases the handle. Queued work completes with an error, the
// executor stops, and the run goroutine closes the Lua state. Dispose
// is idempotent and safe to call from any goroutine.
func (h *Handle) Dispose() {
	h.disposeOnce.Do(func() {
		h.phase.Store(int32(PhaseDisposed))
		h.exec.Close()
		h.cancel()
	})
}
