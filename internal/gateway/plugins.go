package gateway

import (
	"errors"
	"os"
	"path/filepath"
	"sort"

	"meshgw/internal/api"
	"meshgw/internal/wire"
)

// ErrPluginNotFound is returned when no bundle directory exists for a name.
var ErrPluginNotFound = errors.New("plugin not found")

// PluginStore serves browser bundles for mesh plugins from a directory tree:
// one subdirectory per plugin holding bundle.html, bundle.js and bundle.css.
// Missing bundle files are served as empty strings; only a missing directory
// is an error.
type PluginStore struct {
	dir string
}

// NewPluginStore creates a store rooted at dir. An empty dir means no
// plugins are installed.
func NewPluginStore(dir string) *PluginStore {
	return &PluginStore{dir: dir}
}

// List returns installed plugin names, sorted. Entries whose names would not
// survive the path-parameter allow-list are skipped entirely.
func (p *PluginStore) List() ([]string, error) {
	if p.dir == "" {
		return []string{}, nil
	}
	entries, err := os.ReadDir(p.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, err
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if wire.ValidatePluginName(entry.Name()) != nil {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return names, nil
}

// Bundle loads a plugin's bundle files.
func (p *PluginStore) Bundle(name string) (api.BundleResponse, error) {
	if p.dir == "" {
		return api.BundleResponse{}, ErrPluginNotFound
	}
	dir := filepath.Join(p.dir, name)
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return api.BundleResponse{}, ErrPluginNotFound
	}

	html, err := readOptional(filepath.Join(dir, "bundle.html"))
	if err != nil {
		return api.BundleResponse{}, err
	}
	js, err := readOptional(filepath.Join(dir, "bundle.js"))
	if err != nil {
		return api.BundleResponse{}, err
	}
	css, err := readOptional(filepath.Join(dir, "bundle.css"))
	if err != nil {
		return api.BundleResponse{}, err
	}

	return api.BundleResponse{HTML: html, JS: js, CSS: css}, nil
}

func readOptional(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	return string(data), nil
}
