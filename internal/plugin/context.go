package plugin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/chive-pub/chive-sub000/internal/event"
	"github.com/chive-pub/chive-sub000/internal/plugin/metrics"
	"github.com/chive-pub/chive-sub000/internal/plugin/security"
	"github.com/chive-pub/chive-sub000/internal/plugin/storage"
)

// maxResponseBytes caps plugin HTTP response bodies.
const maxResponseBytes = 10 * 1024 * 1024

// ContextFactory builds the capability-scoped contexts handed to
// plugins. Shared infrastructure goes in once; every Build call
// produces a facade bound to one plugin's manifest permissions.
type ContextFactory struct {
	bus      *event.Bus
	enforcer *security.Enforcer
	governor *security.Governor
	store    storage.Store
	metrics  *metrics.Registry
	logger   *zap.Logger
	client   *http.Client
}

// FactoryOption configures a ContextFactory.
type FactoryOption func(*ContextFactory)

// WithMetrics sets the metrics registry contexts record into.
func WithMetrics(reg *metrics.Registry) FactoryOption {
	return func(f *ContextFactory) {
		f.metrics = reg
	}
}

// WithLogger sets the parent logger child loggers derive from.
func WithLogger(logger *zap.Logger) FactoryOption {
	return func(f *ContextFactory) {
		f.logger = logger
	}
}

// WithHTTPClient sets the client plugin HTTP requests go through.
func WithHTTPClient(client *http.Client) FactoryOption {
	return func(f *ContextFactory) {
		f.client = client
	}
}

// NewContextFactory creates a context factory over the shared runtime
// services.
func NewContextFactory(bus *event.Bus, enforcer *security.Enforcer, governor *security.Governor, store storage.Store, opts ...FactoryOption) *ContextFactory {
	f := &ContextFactory{
		bus:      bus,
		enforcer: enforcer,
		governor: governor,
		store:    store,
		logger:   zap.NewNop(),
		client:   &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Context is one plugin's window onto the host. Every handle checks
// the plugin's manifest permissions on each call; holding the context
// grants nothing the manifest does not.
type Context struct {
	PluginID string

	Events  *EventsHandle
	Storage *StorageHandle
	HTTP    *HTTPHandle

	Metrics *metrics.PluginMetrics
	Logger  *zap.Logger
}

// Build creates the scoped context for a manifest. The permission set
// is copied so later manifest mutation cannot widen a live context.
func (f *ContextFactory) Build(m *Manifest) *Context {
	perms := m.Permissions.Clone()

	var pm *metrics.PluginMetrics
	if f.metrics != nil {
		pm = f.metrics.ForPlugin(m.ID)
	}

	logger := f.logger.With(zap.String("plugin", m.ID))

	httpHandle := &HTTPHandle{
		pluginID: m.ID,
		perms:    &perms,
		enforcer: f.enforcer,
		metrics:  pm,
	}
	httpHandle.client = f.redirectCheckedClient(httpHandle)

	return &Context{
		PluginID: m.ID,
		Events: &EventsHandle{
			pluginID: m.ID,
			perms:    &perms,
			bus:      f.bus,
			enforcer: f.enforcer,
			metrics:  pm,
		},
		Storage: &StorageHandle{
			pluginID: m.ID,
			perms:    &perms,
			store:    f.store,
			enforcer: f.enforcer,
			governor: f.governor,
			metrics:  pm,
		},
		HTTP:    httpHandle,
		Metrics: pm,
		Logger:  logger,
	}
}

// redirectCheckedClient derives a per-plugin client whose redirect hops
// re-run the domain check. Without it an allowed host could bounce the
// request to any host outside the manifest.
func (f *ContextFactory) redirectCheckedClient(h *HTTPHandle) *http.Client {
	client := *f.client
	inner := f.client.CheckRedirect
	client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if err := h.authorize(req.URL.Host); err != nil {
			return err
		}
		if inner != nil {
			return inner(req, via)
		}
		if len(via) >= 10 {
			return errors.New("stopped after 10 redirects")
		}
		return nil
	}
	return &client
}

// EventsHandle is a plugin's pre-filtered view of the event bus.
type EventsHandle struct {
	pluginID string
	perms    *security.PermissionSet
	bus      *event.Bus
	enforcer *security.Enforcer
	metrics  *metrics.PluginMetrics
}

// Subscribe registers a handler for events matching pattern, provided
// the manifest's hooks cover it.
func (h *EventsHandle) Subscribe(pattern string, handler func(topic string, payload map[string]any)) (string, error) {
	act := security.SubscribeOrEmit{Event: event.Topic(pattern)}
	if d := h.enforcer.Authorize(h.perms, act); !d.Allowed {
		h.metrics.PermissionDenied("subscribe")
		return "", security.NewPermissionError(h.pluginID, act, d.Reason)
	}

	sub, err := h.bus.Subscribe(event.Topic(pattern), h.pluginID, func(evt event.Event) error {
		h.metrics.EventDelivered()
		handler(string(evt.Topic), evt.Payload)
		return nil
	})
	if err != nil {
		return "", err
	}
	return sub.ID(), nil
}

// Unsubscribe removes a subscription by id.
func (h *EventsHandle) Unsubscribe(id string) bool {
	return h.bus.Unsubscribe(id)
}

// Emit publishes an event if the manifest's hooks cover the topic.
func (h *EventsHandle) Emit(topic string, payload map[string]any) error {
	act := security.SubscribeOrEmit{Event: event.Topic(topic)}
	if d := h.enforcer.Authorize(h.perms, act); !d.Allowed {
		h.metrics.PermissionDenied("emit")
		return security.NewPermissionError(h.pluginID, act, d.Reason)
	}

	h.metrics.EventEmitted()
	h.bus.Emit(event.Topic(topic), payload)
	return nil
}

// StorageHandle is a plugin's quota-checked storage namespace.
type StorageHandle struct {
	pluginID string
	perms    *security.PermissionSet
	store    storage.Store
	enforcer *security.Enforcer
	governor *security.Governor
	metrics  *metrics.PluginMetrics
}

// Put stores a value under the plugin's namespace. A write that would
// push the namespace past its quota is denied without touching the
// store; overwrites are charged only for the size delta.
func (h *StorageHandle) Put(ctx context.Context, key string, value []byte) error {
	oldSize, err := h.store.SizeOf(ctx, h.pluginID, key)
	if err != nil {
		return err
	}
	used, err := h.store.UsedBytes(ctx, h.pluginID)
	if err != nil {
		return err
	}

	act := security.StorageWrite{
		Bytes: int64(len(value)),
		Used:  used - oldSize,
	}
	if d := h.enforcer.Authorize(h.perms, act); !d.Allowed {
		h.metrics.PermissionDenied("storage")
		return security.NewPermissionError(h.pluginID, act, d.Reason)
	}

	if err := h.store.Put(ctx, h.pluginID, key, value); err != nil {
		return err
	}

	delta := int64(len(value)) - oldSize
	h.governor.RecordStorage(h.pluginID, delta)
	h.metrics.SetStorageBytes(used + delta)
	return nil
}

// Get reads a value from the plugin's namespace.
func (h *StorageHandle) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return h.store.Get(ctx, h.pluginID, key)
}

// Delete removes a key and credits its size back against the quota.
func (h *StorageHandle) Delete(ctx context.Context, key string) error {
	oldSize, err := h.store.SizeOf(ctx, h.pluginID, key)
	if err != nil {
		return err
	}
	if err := h.store.Delete(ctx, h.pluginID, key); err != nil {
		return err
	}
	if oldSize > 0 {
		h.governor.RecordStorage(h.pluginID, -oldSize)
		if used, err := h.store.UsedBytes(ctx, h.pluginID); err == nil {
			h.metrics.SetStorageBytes(used)
		}
	}
	return nil
}

// Keys lists the plugin's stored keys.
func (h *StorageHandle) Keys(ctx context.Context) ([]string, error) {
	return h.store.Keys(ctx, h.pluginID)
}

// UsedBytes returns the namespace's current footprint.
func (h *StorageHandle) UsedBytes(ctx context.Context) (int64, error) {
	return h.store.UsedBytes(ctx, h.pluginID)
}

// HTTPHandle is a plugin's domain-checked HTTP client.
type HTTPHandle struct {
	pluginID string
	perms    *security.PermissionSet
	enforcer *security.Enforcer
	client   *http.Client
	metrics  *metrics.PluginMetrics
}

// authorize checks one request host against the manifest's allowed
// domains. Used for the initial URL and again on every redirect hop.
func (h *HTTPHandle) authorize(host string) error {
	act := security.NetworkAccess{Domain: host}
	if d := h.enforcer.Authorize(h.perms, act); !d.Allowed {
		h.metrics.PermissionDenied("network")
		return security.NewPermissionError(h.pluginID, act, d.Reason)
	}
	return nil
}

// Get fetches a URL whose host appears in the manifest's allowed
// domains. The check happens before any connection is made.
func (h *HTTPHandle) Get(ctx context.Context, rawURL string) (int, []byte, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return 0, nil, fmt.Errorf("invalid url: %w", err)
	}
	if err := h.authorize(u.Host); err != nil {
		return 0, nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return 0, nil, err
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, body, nil
}

// luaLogger adapts a zap logger to the narrow surface the chive.log
// module needs.
type luaLogger struct {
	l *zap.Logger
}

func (a luaLogger) Debug(msg string) { a.l.Debug(msg) }
func (a luaLogger) Info(msg string)  { a.l.Info(msg) }
func (a luaLogger) Warn(msg string)  { a.l.Warn(msg) }
func (a luaLogger) Error(msg string) { a.l.Error(msg) }
