package config

import (
	"fmt"
	"os"
	"regexp"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// ToolsFile is the deployment-supplied YAML document carrying per-tool
// binary overrides (resolution step (b) in spec §4.1's Create run) and
// extra redaction regexes (spec §4.6's "user may provide extra regexes").
type ToolsFile struct {
	Binaries          map[string]string `yaml:"binaries,omitempty"`
	RedactionPatterns []string          `yaml:"redaction_patterns,omitempty"`
}

func loadToolsFile(path string) (ToolsFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return ToolsFile{}, nil
		}
		return ToolsFile{}, fmt.Errorf("read tools config %s: %w", path, err)
	}
	var tf ToolsFile
	if err := yaml.Unmarshal(data, &tf); err != nil {
		return ToolsFile{}, fmt.Errorf("parse tools config %s: %w", path, err)
	}
	return tf, nil
}

func (tf ToolsFile) compilePatterns() []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(tf.RedactionPatterns))
	for _, p := range tf.RedactionPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			continue
		}
		out = append(out, re)
	}
	return out
}

// ToolsWatcher holds the current binary-override map and compiled extra
// redaction patterns, hot-reloaded from path whenever it changes on disk.
// A path of "" yields an always-empty, never-reloading watcher.
type ToolsWatcher struct {
	mu       sync.RWMutex
	binaries map[string]string
	patterns []*regexp.Regexp
	onReload func([]*regexp.Regexp)

	watcher *fsnotify.Watcher
}

// OnReload registers fn to run with the freshly compiled pattern set every
// time path is reloaded from disk, in addition to updating Patterns(). Used
// to keep a live redact.Redactor's extra patterns in sync via its SetExtra
// method without rebuilding the Redactor on every reload.
func (tw *ToolsWatcher) OnReload(fn func([]*regexp.Regexp)) {
	tw.mu.Lock()
	tw.onReload = fn
	tw.mu.Unlock()
}

// NewToolsWatcher loads path once and, if non-empty, starts watching it
// for changes via fsnotify; each write event triggers a reload.
func NewToolsWatcher(path string) (*ToolsWatcher, error) {
	tw := &ToolsWatcher{binaries: map[string]string{}}
	if path == "" {
		return tw, nil
	}

	tf, err := loadToolsFile(path)
	if err != nil {
		return nil, err
	}
	tw.binaries = tf.Binaries
	tw.patterns = tf.compilePatterns()

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create tools config watcher: %w", err)
	}
	if err := w.Add(path); err != nil {
		w.Close()
		return nil, fmt.Errorf("watch tools config %s: %w", path, err)
	}
	tw.watcher = w

	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if tf, err := loadToolsFile(path); err == nil {
					patterns := tf.compilePatterns()
					tw.mu.Lock()
					tw.binaries = tf.Binaries
					tw.patterns = patterns
					onReload := tw.onReload
					tw.mu.Unlock()
					if onReload != nil {
						onReload(patterns)
					}
				}
			case _, ok := <-w.Errors:
				if !ok {
					return
				}
			}
		}
	}()

	return tw, nil
}

// Close stops the underlying filesystem watch, if any.
func (tw *ToolsWatcher) Close() error {
	if tw.watcher != nil {
		return tw.watcher.Close()
	}
	return nil
}

// Binaries returns the current per-tool binary override map.
func (tw *ToolsWatcher) Binaries() map[string]string {
	tw.mu.RLock()
	defer tw.mu.RUnlock()
	out := make(map[string]string, len(tw.binaries))
	for k, v := range tw.binaries {
		out[k] = v
	}
	return out
}

// Patterns returns the current deployment-supplied extra redaction
// patterns.
func (tw *ToolsWatcher) Patterns() []*regexp.Regexp {
	tw.mu.RLock()
	defer tw.mu.RUnlock()
	out := make([]*regexp.Regexp, len(tw.patterns))
	copy(out, tw.patterns)
	return out
}
