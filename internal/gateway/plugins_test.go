package gateway

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func writePlugin(t *testing.T, dir, name string, files map[string]string) {
	t.Helper()
	pluginDir := filepath.Join(dir, name)
	if err := os.MkdirAll(pluginDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	for file, content := range files {
		if err := os.WriteFile(filepath.Join(pluginDir, file), []byte(content), 0o644); err != nil {
			t.Fatalf("write %s: %v", file, err)
		}
	}
}

func TestPluginList(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writePlugin(t, dir, "sequencer", map[string]string{"bundle.html": "<div/>"})
	writePlugin(t, dir, "fade-2", map[string]string{"bundle.js": "export {}"})
	writePlugin(t, dir, "bad name", map[string]string{"bundle.js": ""})
	if err := os.WriteFile(filepath.Join(dir, "stray.txt"), nil, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	names, err := NewPluginStore(dir).List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	// Sorted, loose files skipped, unroutable names skipped.
	if want := []string{"fade-2", "sequencer"}; !reflect.DeepEqual(names, want) {
		t.Fatalf("names=%v, want %v", names, want)
	}
}

func TestPluginList_MissingDir(t *testing.T) {
	t.Parallel()

	for _, dir := range []string{"", filepath.Join(t.TempDir(), "nope")} {
		names, err := NewPluginStore(dir).List()
		if err != nil {
			t.Fatalf("dir %q: %v", dir, err)
		}
		if len(names) != 0 {
			t.Fatalf("dir %q: names=%v", dir, names)
		}
	}
}

func TestPluginBundle(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writePlugin(t, dir, "sequencer", map[string]string{
		"bundle.html": "<div id=\"seq\"></div>",
		"bundle.js":   "console.log(1)",
	})

	bundle, err := NewPluginStore(dir).Bundle("sequencer")
	if err != nil {
		t.Fatalf("bundle: %v", err)
	}
	if bundle.HTML != "<div id=\"seq\"></div>" {
		t.Fatalf("html=%q", bundle.HTML)
	}
	if bundle.JS != "console.log(1)" {
		t.Fatalf("js=%q", bundle.JS)
	}
	// Missing css file is served empty, not as an error.
	if bundle.CSS != "" {
		t.Fatalf("css=%q", bundle.CSS)
	}
}

func TestPluginBundle_NotFound(t *testing.T) {
	t.Parallel()

	store := NewPluginStore(t.TempDir())
	if _, err := store.Bundle("sequencer"); !errors.Is(err, ErrPluginNotFound) {
		t.Fatalf("err=%v", err)
	}

	empty := NewPluginStore("")
	if _, err := empty.Bundle("sequencer"); !errors.Is(err, ErrPluginNotFound) {
		t.Fatalf("err=%v", err)
	}
}
