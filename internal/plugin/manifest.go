package plugin

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/tidwall/gjson"

	"github.com/chive-pub/chive-sub000/internal/event"
	"github.com/chive-pub/chive-sub000/internal/plugin/security"
)

// Manifest describes a plugin's identity and the permissions it
// requests. Everything a plugin may do at runtime is bounded by what
// its manifest declares; validation happens before any plugin code
// runs.
type Manifest struct {
	// Identity
	ID          string `json:"id"`          // unique identifier (e.g. "doi-resolver")
	Name        string `json:"name"`        // human-readable name
	Version     string `json:"version"`     // semver
	Description string `json:"description"` // short description
	Author      string `json:"author"`      // author name or org
	License     string `json:"license"`     // SPDX license identifier

	// Entrypoint is the relative path to the main Lua file.
	Entrypoint string `json:"entrypoint"`

	// Permissions requested by the plugin.
	Permissions security.PermissionSet `json:"permissions"`

	// path to the plugin directory, set when loaded from disk.
	path string
}

// idPattern validates plugin ids.
var idPattern = regexp.MustCompile(`^[a-z][a-z0-9-]*[a-z0-9]$|^[a-z]$`)

// semverPattern validates version strings (simplified semver).
var semverPattern = regexp.MustCompile(`^\d+\.\d+\.\d+(-[a-zA-Z0-9.-]+)?(\+[a-zA-Z0-9.-]+)?$`)

// manifestFields are the allowed top-level manifest keys.
var manifestFields = map[string]bool{
	"id":          true,
	"name":        true,
	"version":     true,
	"description": true,
	"author":      true,
	"license":     true,
	"entrypoint":  true,
	"permissions": true,
}

// permissionFields are the allowed keys under "permissions".
var permissionFields = map[string]bool{
	"hooks":   true,
	"network": true,
	"storage": true,
}

// ParseManifest parses and validates manifest JSON. Every failure
// wraps ErrManifestInvalid so callers can classify it without string
// matching.
func ParseManifest(data []byte) (*Manifest, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("%w: not valid JSON", ErrManifestInvalid)
	}

	if err := checkShape(gjson.ParseBytes(data)); err != nil {
		return nil, err
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrManifestInvalid, err)
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// checkShape rejects manifests with unknown or mistyped fields before
// unmarshalling, so a typo like "permisions" fails loudly instead of
// silently granting nothing.
func checkShape(root gjson.Result) error {
	if !root.IsObject() {
		return fmt.Errorf("%w: top level must be an object", ErrManifestInvalid)
	}

	var shapeErr error
	root.ForEach(func(key, value gjson.Result) bool {
		if !manifestFields[key.Str] {
			shapeErr = fmt.Errorf("%w: unknown field %q", ErrManifestInvalid, key.Str)
			return false
		}
		if key.Str != "permissions" && value.Type != gjson.String {
			shapeErr = fmt.Errorf("%w: field %q must be a string", ErrManifestInvalid, key.Str)
			return false
		}
		return true
	})
	if shapeErr != nil {
		return shapeErr
	}

	perms := root.Get("permissions")
	if !perms.Exists() {
		return nil
	}
	if !perms.IsObject() {
		return fmt.Errorf("%w: permissions must be an object", ErrManifestInvalid)
	}
	perms.ForEach(func(key, _ gjson.Result) bool {
		if !permissionFields[key.Str] {
			shapeErr = fmt.Errorf("%w: unknown permission field %q", ErrManifestInvalid, key.Str)
			return false
		}
		return true
	})
	if shapeErr != nil {
		return shapeErr
	}

	if hooks := perms.Get("hooks"); hooks.Exists() && !hooks.IsArray() {
		return fmt.Errorf("%w: permissions.hooks must be an array", ErrManifestInvalid)
	}
	if domains := perms.Get("network.allowedDomains"); domains.Exists() && !domains.IsArray() {
		return fmt.Errorf("%w: permissions.network.allowedDomains must be an array", ErrManifestInvalid)
	}
	if size := perms.Get("storage.maxSize"); size.Exists() && size.Type != gjson.Number {
		return fmt.Errorf("%w: permissions.storage.maxSize must be a number", ErrManifestInvalid)
	}
	return nil
}

// Validate checks the manifest's field values.
func (m *Manifest) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("%w: id is required", ErrManifestInvalid)
	}
	if !idPattern.MatchString(m.ID) {
		return fmt.Errorf("%w: id %q must be lowercase alphanumeric with hyphens", ErrManifestInvalid, m.ID)
	}
	if m.Name == "" {
		return fmt.Errorf("%w: name is required", ErrManifestInvalid)
	}
	if m.Version == "" {
		return fmt.Errorf("%w: version is required", ErrManifestInvalid)
	}
	if !semverPattern.MatchString(m.Version) {
		return fmt.Errorf("%w: version %q must be valid semver", ErrManifestInvalid, m.Version)
	}
	if m.Entrypoint != "" {
		if filepath.Ext(m.Entrypoint) != ".lua" {
			return fmt.Errorf("%w: entrypoint %q must be a .lua file", ErrManifestInvalid, m.Entrypoint)
		}
		// The entrypoint must stay inside the plugin directory.
		if !filepath.IsLocal(m.Entrypoint) {
			return fmt.Errorf("%w: entrypoint %q must be a relative path inside the plugin directory", ErrManifestInvalid, m.Entrypoint)
		}
	}

	for _, hook := range m.Permissions.Hooks {
		if !event.Topic(hook).IsValid() {
			return fmt.Errorf("%w: invalid hook pattern %q", ErrManifestInvalid, hook)
		}
	}
	if m.Permissions.Storage.MaxSize < 0 {
		return fmt.Errorf("%w: storage.maxSize must not be negative", ErrManifestInvalid)
	}
	return nil
}

// LoadManifest loads and validates a manifest from a file.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	m, err := ParseManifest(data)
	if err != nil {
		return nil, err
	}
	m.path = filepath.Dir(path)
	return m, nil
}

// Path returns the plugin directory, if loaded from disk.
func (m *Manifest) Path() string {
	return m.path
}

// EntrypointPath returns the full path to the main Lua file.
func (m *Manifest) EntrypointPath() string {
	return filepath.Join(m.path, m.Entrypoint)
}

// String returns a short identity string.
func (m *Manifest) String() string {
	return fmt.Sprintf("%s v%s", m.ID, m.Version)
}

// Clone creates a deep copy of the manifest.
func (m *Manifest) Clone() *Manifest {
	clone := *m
	clone.Permissions = m.Permissions.Clone()
	return &clone
}
