package security

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/chive-pub/chive-sub000/internal/event"
)

// ErrPermissionDenied is the sentinel wrapped by every PermissionError.
var ErrPermissionDenied = errors.New("permission denied")

// PermissionSet is a plugin's declared capability set. It comes from the
// manifest and is never mutated after load.
type PermissionSet struct {
	// Hooks are the event-name patterns the plugin may subscribe to or
	// emit: exact names or single-level wildcards ("eprint.*").
	Hooks []string `json:"hooks"`

	// Network lists the domains the plugin may reach.
	Network NetworkPermissions `json:"network"`

	// Storage bounds how many bytes the plugin may keep stored.
	Storage StoragePermissions `json:"storage"`
}

// NetworkPermissions restricts outbound network access.
type NetworkPermissions struct {
	AllowedDomains []string `json:"allowedDomains"`
}

// StoragePermissions restricts persistent storage consumption.
type StoragePermissions struct {
	// MaxSize is the byte quota. Zero means no storage is permitted.
	MaxSize int64 `json:"maxSize"`
}

// Clone creates a deep copy of the permission set.
func (s PermissionSet) Clone() PermissionSet {
	clone := s
	if s.Hooks != nil {
		clone.Hooks = make([]string, len(s.Hooks))
		copy(clone.Hooks, s.Hooks)
	}
	if s.Network.AllowedDomains != nil {
		clone.Network.AllowedDomains = make([]string, len(s.Network.AllowedDomains))
		copy(clone.Network.AllowedDomains, s.Network.AllowedDomains)
	}
	return clone
}

// AllowsHook reports whether any declared hook pattern matches the event
// name under the bus wildcard rule.
func (s *PermissionSet) AllowsHook(name event.Topic) bool {
	for _, hook := range s.Hooks {
		if name.Matches(event.Topic(hook)) {
			return true
		}
	}
	return false
}

// AllowsDomain reports whether the domain is declared. Matching is an
// exact, case-insensitive host comparison with any port stripped; there
// is no implicit subdomain matching.
func (s *PermissionSet) AllowsDomain(domain string) bool {
	host := strings.ToLower(extractHost(domain))
	for _, allowed := range s.Network.AllowedDomains {
		if host == strings.ToLower(extractHost(allowed)) {
			return true
		}
	}
	return false
}

// extractHost strips a port from a host:port string, handling bracketed
// IPv6 forms like [::1]:8080.
func extractHost(hostPort string) string {
	if host, _, err := net.SplitHostPort(hostPort); err == nil {
		return host
	}
	if strings.HasPrefix(hostPort, "[") && strings.HasSuffix(hostPort, "]") {
		return hostPort[1 : len(hostPort)-1]
	}
	return hostPort
}

// Action is a requested plugin operation submitted to the Enforcer.
type Action interface {
	// Describe names the action for diagnostics and denial errors.
	Describe() string
}

// SubscribeOrEmit asks to subscribe to or emit an event name.
type SubscribeOrEmit struct {
	Event event.Topic
}

// Describe implements Action.
func (a SubscribeOrEmit) Describe() string {
	return fmt.Sprintf("subscribe/emit %q", a.Event)
}

// NetworkAccess asks to reach a network domain.
type NetworkAccess struct {
	Domain string
}

// Describe implements Action.
func (a NetworkAccess) Describe() string {
	return fmt.Sprintf("network access to %q", a.Domain)
}

// StorageWrite asks to store Bytes additional bytes given Used bytes
// already stored. The caller supplies the running total so the Enforcer
// stays stateless with respect to plugins.
type StorageWrite struct {
	Bytes int64
	Used  int64
}

// Describe implements Action.
func (a StorageWrite) Describe() string {
	return fmt.Sprintf("storage write of %d bytes", a.Bytes)
}

// Decision is the outcome of an authorization check.
type Decision struct {
	Allowed bool
	Reason  string
}

// Allow returns a permitting decision.
func Allow() Decision {
	return Decision{Allowed: true}
}

// Deny returns a rejecting decision with a reason.
func Deny(reason string) Decision {
	return Decision{Allowed: false, Reason: reason}
}

// PermissionError reports a denied action. It unwraps to
// ErrPermissionDenied so callers can classify with errors.Is.
type PermissionError struct {
	PluginID string
	Action   string
	Reason   string
}

// Error implements error.
func (e *PermissionError) Error() string {
	return fmt.Sprintf("plugin %s: %s denied: %s", e.PluginID, e.Action, e.Reason)
}

// Unwrap implements errors.Is support.
func (e *PermissionError) Unwrap() error {
	return ErrPermissionDenied
}

// NewPermissionError builds the denial error for an action.
func NewPermissionError(pluginID string, act Action, reason string) *PermissionError {
	return &PermissionError{PluginID: pluginID, Action: act.Describe(), Reason: reason}
}

// Enforcer evaluates actions against declared permission sets. It holds
// no state and is safe for concurrent use.
type Enforcer struct{}

// NewEnforcer creates an Enforcer.
func NewEnforcer() *Enforcer {
	return &Enforcer{}
}

// Authorize decides whether the permission set allows the action.
func (e *Enforcer) Authorize(set *PermissionSet, act Action) Decision {
	if set == nil {
		return Deny("no permission set")
	}

	switch a := act.(type) {
	case SubscribeOrEmit:
		if !a.Event.IsValid() {
			return Deny("invalid event name")
		}
		if !set.AllowsHook(a.Event) {
			return Deny("event outside declared hooks")
		}
		return Allow()

	case NetworkAccess:
		if a.Domain == "" {
			return Deny("empty domain")
		}
		if !set.AllowsDomain(a.Domain) {
			return Deny("domain not in allowed list")
		}
		return Allow()

	case StorageWrite:
		if a.Bytes < 0 {
			return Deny("negative write size")
		}
		if a.Used+a.Bytes > set.Storage.MaxSize {
			return Deny(fmt.Sprintf("quota exceeded: %d used + %d requested > %d max",
				a.Used, a.Bytes, set.Storage.MaxSize))
		}
		return Allow()

	default:
		return Deny("unknown action")
	}
}
