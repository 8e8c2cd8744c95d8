package plugin

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"go.uber.org/zap"
)

// Loader locates plugins on disk and resolves them to a validated
// manifest plus entrypoint source. Validation strictly precedes code:
// Resolve never reads the entrypoint until the manifest has passed.
type Loader struct {
	paths  []string
	logger *zap.Logger
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithSearchPaths sets the plugin search paths.
func WithSearchPaths(paths ...string) LoaderOption {
	return func(l *Loader) {
		l.paths = paths
	}
}

// WithLoaderLogger sets the loader's logger.
func WithLoaderLogger(logger *zap.Logger) LoaderOption {
	return func(l *Loader) {
		l.logger = logger
	}
}

// NewLoader creates a plugin loader.
func NewLoader(opts ...LoaderOption) *Loader {
	l := &Loader{
		paths:  DefaultSearchPaths(),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// DefaultSearchPaths returns the default plugin search paths.
func DefaultSearchPaths() []string {
	paths := make([]string, 0, 2)

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "chive", "plugins"))
	}
	if cwd, err := os.Getwd(); err == nil {
		paths = append(paths, filepath.Join(cwd, "plugins"))
	}

	return paths
}

// Paths returns the configured search paths.
func (l *Loader) Paths() []string {
	return l.paths
}

// Resolve loads and validates the plugin at source, which is either a
// plugin directory containing plugin.json or a path to the manifest
// file itself. It returns the manifest and the entrypoint source.
func (l *Loader) Resolve(source string) (*Manifest, string, error) {
	manifestPath, err := l.manifestPath(source)
	if err != nil {
		return nil, "", err
	}

	m, err := LoadManifest(manifestPath)
	if err != nil {
		return nil, "", err
	}
	if m.Entrypoint == "" {
		return nil, "", fmt.Errorf("%w: entrypoint is required", ErrManifestInvalid)
	}

	entry, err := os.ReadFile(m.EntrypointPath())
	if err != nil {
		return nil, "", fmt.Errorf("failed to read entrypoint for %s: %w", m.ID, err)
	}
	return m, string(entry), nil
}

func (l *Loader) manifestPath(source string) (string, error) {
	info, err := os.Stat(source)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrPluginNotFound, source)
	}
	if info.IsDir() {
		return filepath.Join(source, "plugin.json"), nil
	}
	return source, nil
}

// Discover finds all valid plugins in the search paths, sorted by id.
// The first path wins when two paths carry the same plugin id; invalid
// manifests are logged and skipped rather than aborting discovery.
func (l *Loader) Discover() []*Manifest {
	found := make(map[string]*Manifest)

	for _, basePath := range l.paths {
		entries, err := os.ReadDir(basePath)
		if err != nil {
			continue // missing search paths are not errors
		}

		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			dir := filepath.Join(basePath, entry.Name())
			m, err := LoadManifest(filepath.Join(dir, "plugin.json"))
			if err != nil {
				if !errors.Is(err, os.ErrNotExist) {
					l.logger.Warn("skipping plugin with invalid manifest",
						zap.String("dir", dir),
						zap.Error(err))
				}
				continue
			}
			if _, exists := found[m.ID]; !exists {
				found[m.ID] = m
			}
		}
	}

	manifests := make([]*Manifest, 0, len(found))
	for _, m := range found {
		manifests = append(manifests, m)
	}
	sort.Slice(manifests, func(i, j int) bool {
		return manifests[i].ID < manifests[j].ID
	})
	return manifests
}
