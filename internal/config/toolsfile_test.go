package config

import (
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"
)

func TestToolsWatcherLoadsInitialFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tools.yaml")
	body := "binaries:\n  codex: /opt/codex/bin\nredaction_patterns:\n  - \"INTERNAL-[0-9]{4}\"\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	tw, err := NewToolsWatcher(path)
	if err != nil {
		t.Fatalf("NewToolsWatcher: %v", err)
	}
	defer tw.Close()

	if tw.Binaries()["codex"] != "/opt/codex/bin" {
		t.Fatalf("Binaries()[codex] = %q, want /opt/codex/bin", tw.Binaries()["codex"])
	}
	if len(tw.Patterns()) != 1 {
		t.Fatalf("Patterns() len = %d, want 1", len(tw.Patterns()))
	}
}

func TestToolsWatcherEmptyPathNeverReloads(t *testing.T) {
	tw, err := NewToolsWatcher("")
	if err != nil {
		t.Fatalf("NewToolsWatcher: %v", err)
	}
	defer tw.Close()

	if len(tw.Binaries()) != 0 || len(tw.Patterns()) != 0 {
		t.Fatal("expected an empty watcher for an empty path")
	}
}

func TestToolsWatcherOnReloadFiresOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tools.yaml")
	if err := os.WriteFile(path, []byte("binaries: {}\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	tw, err := NewToolsWatcher(path)
	if err != nil {
		t.Fatalf("NewToolsWatcher: %v", err)
	}
	defer tw.Close()

	reloaded := make(chan []*regexp.Regexp, 1)
	tw.OnReload(func(patterns []*regexp.Regexp) {
		reloaded <- patterns
	})

	updated := "binaries: {}\nredaction_patterns:\n  - \"SECRET-[0-9]+\"\n"
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	select {
	case patterns := <-reloaded:
		if len(patterns) != 1 {
			t.Fatalf("reloaded patterns len = %d, want 1", len(patterns))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnReload callback did not fire after write")
	}

	if len(tw.Patterns()) != 1 {
		t.Fatalf("Patterns() after reload len = %d, want 1", len(tw.Patterns()))
	}
}
