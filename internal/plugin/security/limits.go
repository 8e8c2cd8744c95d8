package security

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrResourceExceeded is the sentinel wrapped by budget violations.
var ErrResourceExceeded = errors.New("resource budget exceeded")

// Budget bounds a plugin's resource consumption. Zero-valued fields fall
// back to the governor's defaults at registration time.
type Budget struct {
	// CPUTime is the total CPU (wall-clock execution) time allowed.
	CPUTime time.Duration

	// MemoryBytes caps the sandbox heap. The tracked figure is the peak
	// of per-invoke allocation samples, which are advisory estimates.
	MemoryBytes int64

	// StorageBytes caps persistent storage, normally taken from the
	// manifest's storage.maxSize.
	StorageBytes int64
}

// DefaultBudget returns the system-wide default plugin budget.
func DefaultBudget() Budget {
	return Budget{
		CPUTime:      30 * time.Second,
		MemoryBytes:  32 * 1024 * 1024,
		StorageBytes: 1 * 1024 * 1024,
	}
}

// Policy configures governor behavior not derived from budgets.
type Policy struct {
	// MaxConsecutiveTimeouts is how many invoke timeouts in a row are
	// tolerated before the plugin is treated as resource-exhausted and
	// terminated. Zero disables the rule.
	MaxConsecutiveTimeouts int
}

// DefaultPolicy returns the default governor policy.
func DefaultPolicy() Policy {
	return Policy{MaxConsecutiveTimeouts: 3}
}

// UsageRecord is a snapshot of a plugin's running totals alongside its
// static budget.
type UsageRecord struct {
	CPUTime             time.Duration
	PeakMemory          int64
	StoredBytes         int64
	ConsecutiveTimeouts int
	Budget              Budget
}

// TerminateFunc is installed by the plugin manager and invoked when the
// governor decides a plugin must be force-terminated.
type TerminateFunc func(pluginID, reason string)

// usage is the mutable per-plugin record. Guarded by the governor mutex.
type usage struct {
	budget      Budget
	cpu         time.Duration
	peakMem     int64
	stored      int64
	timeouts    int
	terminated  bool
	exceededWhy string
}

// Governor tracks and caps per-plugin resource consumption. The usage
// table is owned exclusively by the Governor; all mutation goes through
// its methods.
type Governor struct {
	mu        sync.Mutex
	defaults  Budget
	policy    Policy
	records   map[string]*usage
	terminate TerminateFunc
}

// NewGovernor creates a governor with the given default budget and policy.
func NewGovernor(defaults Budget, policy Policy) *Governor {
	return &Governor{
		defaults: defaults,
		policy:   policy,
		records:  make(map[string]*usage),
	}
}

// OnTerminate installs the forced-termination callback. The manager uses
// this to trigger forced unload of the offending plugin.
func (g *Governor) OnTerminate(fn TerminateFunc) {
	g.mu.Lock()
	g.terminate = fn
	g.mu.Unlock()
}

// Register creates a zeroed usage record for the plugin. Zero budget
// fields are filled from the defaults. Re-registering resets counters.
func (g *Governor) Register(pluginID string, b Budget) {
	if b.CPUTime == 0 {
		b.CPUTime = g.defaults.CPUTime
	}
	if b.MemoryBytes == 0 {
		b.MemoryBytes = g.defaults.MemoryBytes
	}
	if b.StorageBytes == 0 {
		b.StorageBytes = g.defaults.StorageBytes
	}

	g.mu.Lock()
	g.records[pluginID] = &usage{budget: b}
	g.mu.Unlock()
}

// Remove discards the plugin's usage record. The record never outlives
// its plugin.
func (g *Governor) Remove(pluginID string) {
	g.mu.Lock()
	delete(g.records, pluginID)
	g.mu.Unlock()
}

// Budget returns the effective budget for a registered plugin.
func (g *Governor) Budget(pluginID string) (Budget, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	rec, ok := g.records[pluginID]
	if !ok {
		return Budget{}, false
	}
	return rec.budget, true
}

// RecordUsage adds consumed CPU time and observed memory for a plugin
// and terminates it if either budget is now exceeded. A successful
// invocation also resets the consecutive-timeout streak.
func (g *Governor) RecordUsage(pluginID string, cpu time.Duration, memBytes int64) {
	g.mu.Lock()
	rec, ok := g.records[pluginID]
	if !ok {
		g.mu.Unlock()
		return
	}
	rec.cpu += cpu
	if memBytes > rec.peakMem {
		rec.peakMem = memBytes
	}
	rec.timeouts = 0
	reason := rec.check()
	fire := g.markTerminated(rec, reason)
	g.mu.Unlock()

	if fire != nil {
		fire(pluginID, reason)
	}
}

// RecordStorage adjusts the plugin's stored-byte total by delta (negative
// for deletes). Storage writes are denied up front by the Enforcer, so
// this is bookkeeping, not enforcement.
func (g *Governor) RecordStorage(pluginID string, delta int64) {
	g.mu.Lock()
	if rec, ok := g.records[pluginID]; ok {
		rec.stored += delta
		if rec.stored < 0 {
			rec.stored = 0
		}
	}
	g.mu.Unlock()
}

// RecordTimeout notes one invoke timeout and reports whether the streak
// reached the policy threshold. When it does, the plugin is terminated
// with a resource-exhaustion reason.
func (g *Governor) RecordTimeout(pluginID string) bool {
	g.mu.Lock()
	rec, ok := g.records[pluginID]
	if !ok {
		g.mu.Unlock()
		return false
	}
	rec.timeouts++
	over := g.policy.MaxConsecutiveTimeouts > 0 && rec.timeouts >= g.policy.MaxConsecutiveTimeouts
	var fire TerminateFunc
	var reason string
	if over {
		reason = fmt.Sprintf("%d consecutive invoke timeouts", rec.timeouts)
		fire = g.markTerminated(rec, reason)
	}
	g.mu.Unlock()

	if fire != nil {
		fire(pluginID, reason)
	}
	return over
}

// IsOverBudget reports whether the plugin has exceeded any budget, with
// the latched reason.
func (g *Governor) IsOverBudget(pluginID string) (bool, string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	rec, ok := g.records[pluginID]
	if !ok {
		return false, ""
	}
	if rec.exceededWhy != "" {
		return true, rec.exceededWhy
	}
	if reason := rec.check(); reason != "" {
		return true, reason
	}
	return false, ""
}

// Terminate force-terminates the plugin with an explicit reason,
// regardless of budget state. Safe to call for unknown ids.
func (g *Governor) Terminate(pluginID, reason string) {
	g.mu.Lock()
	rec, ok := g.records[pluginID]
	var fire TerminateFunc
	if ok {
		fire = g.markTerminated(rec, reason)
	}
	g.mu.Unlock()

	if fire != nil {
		fire(pluginID, reason)
	}
}

// Usage returns a snapshot of the plugin's usage record.
func (g *Governor) Usage(pluginID string) (UsageRecord, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	rec, ok := g.records[pluginID]
	if !ok {
		return UsageRecord{}, false
	}
	return UsageRecord{
		CPUTime:             rec.cpu,
		PeakMemory:          rec.peakMem,
		StoredBytes:         rec.stored,
		ConsecutiveTimeouts: rec.timeouts,
		Budget:              rec.budget,
	}, true
}

// check returns a violation reason, or "" when within budget.
// Caller holds the governor mutex.
func (u *usage) check() string {
	if u.budget.CPUTime > 0 && u.cpu > u.budget.CPUTime {
		return fmt.Sprintf("cpu time %v over budget %v", u.cpu, u.budget.CPUTime)
	}
	if u.budget.MemoryBytes > 0 && u.peakMem > u.budget.MemoryBytes {
		return fmt.Sprintf("memory %d over budget %d", u.peakMem, u.budget.MemoryBytes)
	}
	return ""
}

// markTerminated latches the violation and returns the callback to fire
// outside the lock, or nil if already terminated or no violation.
// Caller holds the governor mutex.
func (g *Governor) markTerminated(rec *usage, reason string) TerminateFunc {
	if reason == "" || rec.terminated {
		return nil
	}
	rec.terminated = true
	rec.exceededWhy = reason
	return g.terminate
}
