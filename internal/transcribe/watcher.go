package transcribe

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"

	"github.com/fortdesk/knoxcore/pkg/telemetry"
)

// RuleSetWatcher hot-reloads the refinement rule table from a directory of
// YAML files, swapping in the newest successfully-parsed RuleSet behind an
// atomic pointer so concurrent Refine calls never observe a half-applied
// reload. Grounded on the pack's fsnotify directory-watcher idiom
// (debounce-free here: a bad reload is simply logged and ignored, so there
// is no repair/rewrite loop to debounce against).
type RuleSetWatcher struct {
	dir     string
	watcher *fsnotify.Watcher
	logger  *telemetry.Logger
	current atomic.Pointer[RuleSet]
}

// NewRuleSetWatcher seeds current with initial and starts watching dir
// (which need not exist yet) for .yaml file changes. Call Close when done.
func NewRuleSetWatcher(dir string, initial RuleSet, logger *telemetry.Logger) (*RuleSetWatcher, error) {
	if logger == nil {
		logger = telemetry.Nop
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	rw := &RuleSetWatcher{dir: dir, watcher: w, logger: logger}
	rw.current.Store(&initial)

	if err := os.MkdirAll(dir, 0o755); err == nil {
		_ = w.Add(dir)
	}
	return rw, nil
}

// Current returns the RuleSet currently in effect.
func (rw *RuleSetWatcher) Current() RuleSet {
	return *rw.current.Load()
}

// Run blocks, reloading on every write/create event for a .yaml file under
// dir, until ctx is cancelled. Intended to run in its own goroutine.
func (rw *RuleSetWatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-rw.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if !strings.HasSuffix(ev.Name, ".yaml") && !strings.HasSuffix(ev.Name, ".yml") {
				continue
			}
			rw.reload(ctx, ev.Name)
		case err, ok := <-rw.watcher.Errors:
			if !ok {
				return
			}
			rw.logger.Warn(ctx, "transcribe: rule watcher error", map[string]any{"error": err.Error()})
		}
	}
}

func (rw *RuleSetWatcher) reload(ctx context.Context, path string) {
	b, err := os.ReadFile(path)
	if err != nil {
		rw.logger.Warn(ctx, "transcribe: rule reload read failed", map[string]any{"path": filepath.Base(path)})
		return
	}
	rs, err := ParseRuleSet(b)
	if err != nil {
		rw.logger.Warn(ctx, "transcribe: rule reload parse failed", map[string]any{"path": filepath.Base(path), "error": err.Error()})
		return
	}
	rw.current.Store(&rs)
	rw.logger.Info(ctx, "transcribe: refinement rule table reloaded", map[string]any{"version": rs.Version})
}

// Close stops the underlying fsnotify watcher.
func (rw *RuleSetWatcher) Close() error {
	return rw.watcher.Close()
}
