package event

import "strings"

// Topic is a hierarchical event name using dot notation.
// Examples: "eprint.indexed", "review.created", "plugin.loaded".
type Topic string

// Separator divides topic segments.
const Separator = "."

// wildcardSuffix marks a single-level wildcard pattern ("eprint.*").
const wildcardSuffix = Separator + "*"

// System topics emitted by the plugin manager.
const (
	TopicPluginLoaded   Topic = "plugin.loaded"
	TopicPluginUnloaded Topic = "plugin.unloaded"
)

// String returns the topic as a string.
func (t Topic) String() string {
	return string(t)
}

// Segments returns the topic split by the separator.
func (t Topic) Segments() []string {
	if t == "" {
		return nil
	}
	return strings.Split(string(t), Separator)
}

// First returns the first segment of the topic.
func (t Topic) First() string {
	s := string(t)
	if idx := strings.Index(s, Separator); idx >= 0 {
		return s[:idx]
	}
	return s
}

// IsPattern reports whether the topic is a wildcard pattern.
func (t Topic) IsPattern() bool {
	return strings.HasSuffix(string(t), wildcardSuffix)
}

// IsValid reports whether the topic is well formed: non-empty, no leading,
// trailing, or doubled separators, and no empty segments. A wildcard is
// permitted only as the final segment.
func (t Topic) IsValid() bool {
	s := string(t)
	if s == "" {
		return false
	}
	segs := strings.Split(s, Separator)
	for i, seg := range segs {
		if seg == "" {
			return false
		}
		if strings.Contains(seg, "*") && !(seg == "*" && i == len(segs)-1) {
			return false
		}
	}
	// A bare "*" has no anchoring segment.
	return segs[0] != "*"
}

// Matches reports whether the topic matches the given pattern. A pattern
// is either an exact topic name, or a name ending in ".*" which matches
// every topic whose first segment equals the pattern's first segment.
func (t Topic) Matches(pattern Topic) bool {
	if t == pattern {
		return true
	}
	p := string(pattern)
	if !strings.HasSuffix(p, wildcardSuffix) {
		return false
	}
	prefix := p[:len(p)-len(wildcardSuffix)]
	s := string(t)
	return s == prefix || strings.HasPrefix(s, prefix+Separator)
}
