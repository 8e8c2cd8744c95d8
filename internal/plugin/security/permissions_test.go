package security

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/chive-pub/chive-sub000/internal/event"
)

func testSet() *PermissionSet {
	return &PermissionSet{
		Hooks: []string{"eprint.*", "custom.event"},
		Network: NetworkPermissions{
			AllowedDomains: []string{"api.crossref.org", "Orcid.org"},
		},
		Storage: StoragePermissions{MaxSize: 1024},
	}
}

func TestAuthorizeSubscribeOrEmit(t *testing.T) {
	e := NewEnforcer()
	set := testSet()

	tests := []struct {
		name    string
		event   string
		allowed bool
	}{
		{"wildcard hook matches", "eprint.indexed", true},
		{"wildcard hook matches sibling", "eprint.updated", true},
		{"exact hook matches", "custom.event", true},
		{"undeclared event", "other.event", false},
		{"prefix is not a segment", "eprints.indexed", false},
		{"invalid event name", "bad..topic", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := e.Authorize(set, SubscribeOrEmit{Event: event.Topic(tt.event)})
			assert.Equal(t, tt.allowed, d.Allowed, d.Reason)
		})
	}
}

func TestAuthorizeNetwork(t *testing.T) {
	e := NewEnforcer()
	set := testSet()

	tests := []struct {
		name    string
		domain  string
		allowed bool
	}{
		{"declared domain", "api.crossref.org", true},
		{"case insensitive", "ORCID.ORG", true},
		{"port stripped", "api.crossref.org:443", true},
		{"undeclared domain", "example.com", false},
		{"no implicit subdomains", "sandbox.orcid.org", false},
		{"empty domain", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := e.Authorize(set, NetworkAccess{Domain: tt.domain})
			assert.Equal(t, tt.allowed, d.Allowed, d.Reason)
		})
	}
}

func TestAuthorizeStorageWrite(t *testing.T) {
	e := NewEnforcer()
	set := testSet() // 1024 byte quota

	tests := []struct {
		name    string
		bytes   int64
		used    int64
		allowed bool
	}{
		{"fits", 100, 0, true},
		{"fills exactly", 1024, 0, true},
		{"fits on top of usage", 24, 1000, true},
		{"one byte over", 1, 1024, false},
		{"over with usage", 100, 1000, false},
		{"negative size", -1, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := e.Authorize(set, StorageWrite{Bytes: tt.bytes, Used: tt.used})
			assert.Equal(t, tt.allowed, d.Allowed, d.Reason)
		})
	}
}

func TestAuthorizeNilSet(t *testing.T) {
	e := NewEnforcer()
	d := e.Authorize(nil, SubscribeOrEmit{Event: "eprint.indexed"})
	assert.False(t, d.Allowed)
}

func TestPermissionError(t *testing.T) {
	err := NewPermissionError("my-plugin", SubscribeOrEmit{Event: "other.event"}, "event outside declared hooks")
	assert.ErrorIs(t, err, ErrPermissionDenied)

	var perr *PermissionError
	assert.True(t, errors.As(err, &perr))
	assert.Equal(t, "my-plugin", perr.PluginID)
	assert.Contains(t, err.Error(), "other.event")
}
