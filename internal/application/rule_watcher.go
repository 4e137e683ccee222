package application

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// DefaultWatchDebounce is how long the watcher waits for further changes
// to a file before invalidating it.
const DefaultWatchDebounce = 100 * time.Millisecond

// Invalidator drops cached state for a path. RuleSetLoader implements it.
type Invalidator interface {
	Invalidate(path string)
}

// RuleWatcher invalidates cached rule sets when files under the rules
// directory change, so edits take effect without a restart.
type RuleWatcher struct {
	dir      string
	target   Invalidator
	logger   *zap.Logger
	debounce time.Duration
	fsw      *fsnotify.Watcher

	mu      sync.Mutex
	pending map[string]struct{}
}

// NewRuleWatcher starts watching dir. Call Run to process events.
func NewRuleWatcher(dir string, target Invalidator, logger *zap.Logger) (*RuleWatcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := fsw.Add(dir); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	return &RuleWatcher{
		dir:      dir,
		target:   target,
		logger:   logger.Named("rule_watcher"),
		debounce: DefaultWatchDebounce,
		fsw:      fsw,
		pending:  make(map[string]struct{}),
	}, nil
}

// Run processes change events until ctx is done, then releases the
// underlying watcher.
func (w *RuleWatcher) Run(ctx context.Context) error {
	defer w.fsw.Close()

	ticker := time.NewTicker(w.debounce)
	defer ticker.Stop()

	w.logger.Info("watching rule files", zap.String("dir", w.dir))
	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			w.handle(event)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("watcher error", zap.Error(err))

		case <-ticker.C:
			w.flush()
		}
	}
}

func (w *RuleWatcher) handle(event fsnotify.Event) {
	if !isRuleFile(event.Name) {
		return
	}
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
		!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return
	}
	w.mu.Lock()
	w.pending[filepath.Clean(event.Name)] = struct{}{}
	w.mu.Unlock()
}

func (w *RuleWatcher) flush() {
	w.mu.Lock()
	if len(w.pending) == 0 {
		w.mu.Unlock()
		return
	}
	paths := make([]string, 0, len(w.pending))
	for p := range w.pending {
		paths = append(paths, p)
	}
	clear(w.pending)
	w.mu.Unlock()

	for _, p := range paths {
		w.logger.Debug("rule file changed", zap.String("path", p))
		w.target.Invalidate(p)
	}
}

func isRuleFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}
