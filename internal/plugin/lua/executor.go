package lua

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	lua "github.com/yuin/gopher-lua"
)

// Call represents a Lua operation to be executed.
type Call struct {
	// Fn receives the LState and performs all Lua operations.
	Fn func(L *lua.LState) error

	// Result receives the outcome and is closed afterwards.
	Result chan error
}

// Executor serializes all Lua operations through a single goroutine.
//
// gopher-lua's LState is NOT goroutine-safe; every LState operation
// must occur on one goroutine. The Executor marshals operations from
// any goroutine onto the single worker that owns the state.
type Executor struct {
	L      *lua.LState
	queue  chan *Call
	closed atomic.Bool
	done   chan struct{}

	// onTask, when set, observes the wall time of every task that runs
	// to completion plus an advisory estimate of the heap bytes it
	// allocated. Watchdog-aborted tasks are reported through the timeout
	// hook instead. Runs on the executor goroutine.
	onTask func(d time.Duration, allocBytes int64)

	closeOnce sync.Once
}

// sampleHeap returns the current process heap allocation. Task-level
// deltas of this figure are an advisory per-call allocation estimate:
// concurrent allocators inflate it and a GC between samples deflates
// it, which is why consumers floor the delta at zero.
func sampleHeap() uint64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.HeapAlloc
}

// NewExecutor creates an Executor for the given Lua state.
func NewExecutor(L *lua.LState, queueSize int) *Executor {
	if queueSize <= 0 {
		queueSize = 100
	}
	return &Executor{
		L:     L,
		queue: make(chan *Call, queueSize),
		done:  make(chan struct{}),
	}
}

// Run processes Lua operations from the queue. It blocks until the
// context is cancelled or Close is called. MUST be called from the
// goroutine that owns the Lua state.
func (e *Executor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			e.drainQueue(ctx.Err())
			return
		case <-e.done:
			e.drainQueue(ErrExecutorClosed)
			return
		case call, ok := <-e.queue:
			if !ok {
				return
			}
			var heapBefore uint64
			if e.onTask != nil {
				heapBefore = sampleHeap()
			}
			start := time.Now()
			err := e.executeCall(call)
			if e.onTask != nil && !errors.Is(err, ErrInvokeTimeout) {
				var alloc int64
				if after := sampleHeap(); after > heapBefore {
					alloc = int64(after - heapBefore)
				}
				e.onTask(time.Since(start), alloc)
			}
			select {
			case call.Result <- err:
			default:
			}
			close(call.Result)
		}
	}
}

// executeCall runs a single Lua operation with panic recovery.
func (e *Executor) executeCall(call *Call) (err error) {
	defer func() {
		if r := recover(); r != nil {
			switch v := r.(type) {
			case error:
				err = v
			case string:
				err = errors.New(v)
			default:
				err = errors.New("lua panic")
			}
		}
	}()
	return call.Fn(e.L)
}

func (e *Executor) drainQueue(err error) {
	for {
		select {
		case call, ok := <-e.queue:
			if !ok {
				return
			}
			select {
			case call.Result <- err:
			default:
			}
			close(call.Result)
		default:
			return
		}
	}
}

// Execute runs a Lua operation synchronously on the executor goroutine.
// It blocks until the operation completes or ctx is cancelled.
func (e *Executor) Execute(ctx context.Context, fn func(L *lua.LState) error) error {
	if e.closed.Load() {
		return ErrExecutorClosed
	}

	call := &Call{
		Fn:     fn,
		Result: make(chan error, 1),
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		return ErrExecutorClosed
	case e.queue <- call:
	}

	select {
	case <-ctx.Done():
		// The call stays queued and will still run; we just stop waiting.
		return ctx.Err()
	case err, ok := <-call.Result:
		if !ok {
			return ErrExecutorClosed
		}
		return err
	}
}

// ExecuteAsync queues a Lua operation without waiting for completion.
// Used for fire-and-forget work such as event handler dispatch.
func (e *Executor) ExecuteAsync(fn func(L *lua.LState) error) error {
	if e.closed.Load() {
		return ErrExecutorClosed
	}

	call := &Call{
		Fn:     fn,
		Result: make(chan error, 1),
	}

	select {
	case <-e.done:
		return ErrExecutorClosed
	case e.queue <- call:
		go func() {
			<-call.Result // drain to prevent goroutine leak
		}()
		return nil
	default:
		return ErrQueueFull
	}
}

// Close stops the executor and prevents new operations. Queued
// operations complete with ErrExecutorClosed.
func (e *Executor) Close() {
	e.closeOnce.Do(func() {
		e.closed.Store(true)
		close(e.done)
	})
}

// IsClosed returns true if the executor has been closed.
func (e *Executor) IsClosed() bool {
	return e.closed.Load()
}
