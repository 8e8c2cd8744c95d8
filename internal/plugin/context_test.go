package plugin

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chive-pub/chive-sub000/internal/event"
	"github.com/chive-pub/chive-sub000/internal/plugin/security"
	"github.com/chive-pub/chive-sub000/internal/plugin/storage"
)

func testManifest(t *testing.T) *Manifest {
	t.Helper()
	m, err := ParseManifest([]byte(`{
		"id": "ctx-test",
		"name": "Context Test",
		"version": "1.0.0",
		"permissions": {
			"hooks": ["eprint.*", "custom.done"],
			"network": {"allowedDomains": ["api.crossref.org", "127.0.0.1"]},
			"storage": {"maxSize": 100}
		}
	}`))
	require.NoError(t, err)
	return m
}

func testFactory(t *testing.T) (*ContextFactory, *event.Bus, *security.Governor) {
	t.Helper()
	bus := event.NewBus(nil)
	governor := security.NewGovernor(security.DefaultBudget(), security.DefaultPolicy())
	store := storage.NewMemoryStore()
	t.Cleanup(func() { store.Close() })
	f := NewContextFactory(bus, security.NewEnforcer(), governor, store)
	return f, bus, governor
}

func TestEventsHandleSubscribeFiltered(t *testing.T) {
	f, bus, _ := testFactory(t)
	pc := f.Build(testManifest(t))

	var mu sync.Mutex
	var got []string
	id, err := pc.Events.Subscribe("eprint.*", func(topic string, _ map[string]any) {
		mu.Lock()
		got = append(got, topic)
		mu.Unlock()
	})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	bus.Emit("eprint.indexed", nil)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1 && got[0] == "eprint.indexed"
	}, 2*time.Second, 10*time.Millisecond)

	// A pattern outside the manifest's hooks is denied.
	_, err = pc.Events.Subscribe("admin.*", func(string, map[string]any) {})
	assert.ErrorIs(t, err, security.ErrPermissionDenied)
}

func TestEventsHandleEmitFiltered(t *testing.T) {
	f, bus, _ := testFactory(t)
	pc := f.Build(testManifest(t))

	var mu sync.Mutex
	var got []string
	_, err := bus.Subscribe("custom.*", "observer", func(evt event.Event) error {
		mu.Lock()
		got = append(got, string(evt.Topic))
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, pc.Events.Emit("custom.done", map[string]any{"n": 1}))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, 2*time.Second, 10*time.Millisecond)

	err = pc.Events.Emit("system.shutdown", nil)
	assert.ErrorIs(t, err, security.ErrPermissionDenied)
}

func TestStorageHandleQuota(t *testing.T) {
	f, _, governor := testFactory(t)
	m := testManifest(t)
	governor.Register(m.ID, security.Budget{StorageBytes: m.Permissions.Storage.MaxSize})
	pc := f.Build(m)
	ctx := context.Background()

	// Fill the 100-byte quota exactly.
	require.NoError(t, pc.Storage.Put(ctx, "a", make([]byte, 60)))
	require.NoError(t, pc.Storage.Put(ctx, "b", make([]byte, 40)))

	// One more byte is denied and the store is untouched.
	err := pc.Storage.Put(ctx, "c", []byte{1})
	require.ErrorIs(t, err, security.ErrPermissionDenied)
	_, ok, err := pc.Storage.Get(ctx, "c")
	require.NoError(t, err)
	assert.False(t, ok)

	// Overwriting pays only the delta: shrinking "a" frees room.
	require.NoError(t, pc.Storage.Put(ctx, "a", make([]byte, 10)))
	require.NoError(t, pc.Storage.Put(ctx, "c", make([]byte, 50)))

	used, err := pc.Storage.UsedBytes(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(100), used)

	// Deleting credits the quota back.
	require.NoError(t, pc.Storage.Delete(ctx, "b"))
	require.NoError(t, pc.Storage.Put(ctx, "d", make([]byte, 40)))
}

func TestStorageHandleDeniedWritePreservesOldValue(t *testing.T) {
	f, _, governor := testFactory(t)
	m := testManifest(t)
	governor.Register(m.ID, security.Budget{StorageBytes: m.Permissions.Storage.MaxSize})
	pc := f.Build(m)
	ctx := context.Background()

	require.NoError(t, pc.Storage.Put(ctx, "k", []byte("small")))

	err := pc.Storage.Put(ctx, "k", make([]byte, 200))
	require.ErrorIs(t, err, security.ErrPermissionDenied)

	v, ok, err := pc.Storage.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("small"), v)
}

func TestStorageNamespacesIsolated(t *testing.T) {
	f, _, governor := testFactory(t)

	m1 := testManifest(t)
	m2 := testManifest(t)
	m2.ID = "ctx-other"
	governor.Register(m1.ID, security.Budget{StorageBytes: 100})
	governor.Register(m2.ID, security.Budget{StorageBytes: 100})

	pc1 := f.Build(m1)
	pc2 := f.Build(m2)
	ctx := context.Background()

	require.NoError(t, pc1.Storage.Put(ctx, "k", []byte("one")))
	_, ok, err := pc2.Storage.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHTTPHandleDomainCheck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	f, _, _ := testFactory(t)
	m := testManifest(t)
	pc := f.Build(m)
	ctx := context.Background()

	// The test server listens on 127.0.0.1, which the manifest allows.
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	require.Contains(t, m.Permissions.Network.AllowedDomains, u.Hostname())

	status, body, err := pc.HTTP.Get(ctx, srv.URL)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, `{"ok":true}`, string(body))

	// An undeclared domain is denied before any connection.
	_, _, err = pc.HTTP.Get(ctx, "https://evil.example/steal")
	assert.ErrorIs(t, err, security.ErrPermissionDenied)
}

func TestHTTPHandleRedirectDomainCheck(t *testing.T) {
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("should never be reachable"))
	}))
	defer target.Close()

	// Same listener, addressed by a hostname the manifest does not
	// declare.
	outside := strings.Replace(target.URL, "127.0.0.1", "localhost", 1)

	mux := http.NewServeMux()
	mux.HandleFunc("/bounce", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, outside, http.StatusFound)
	})
	mux.HandleFunc("/hop", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/final", http.StatusFound)
	})
	mux.HandleFunc("/final", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("landed"))
	})
	front := httptest.NewServer(mux)
	defer front.Close()

	f, _, _ := testFactory(t)
	pc := f.Build(testManifest(t))
	ctx := context.Background()

	// The allowed host redirects to a disallowed one: denied at the hop.
	_, _, err := pc.HTTP.Get(ctx, front.URL+"/bounce")
	require.ErrorIs(t, err, security.ErrPermissionDenied)

	// A redirect that stays on an allowed host is followed.
	status, body, err := pc.HTTP.Get(ctx, front.URL+"/hop")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "landed", string(body))
}

func TestContextPermissionsCopied(t *testing.T) {
	f, _, _ := testFactory(t)
	m := testManifest(t)
	pc := f.Build(m)

	// Widening the manifest after Build must not widen the live context.
	m.Permissions.Hooks = append(m.Permissions.Hooks, "admin.*")
	_, err := pc.Events.Subscribe("admin.nuke", func(string, map[string]any) {})
	assert.ErrorIs(t, err, security.ErrPermissionDenied)
}
