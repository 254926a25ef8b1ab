// Package watch reports batches of workspace file changes.
package watch

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const defaultDebounce = 500 * time.Millisecond

// DefaultIgnore holds directory names never watched.
var DefaultIgnore = []string{".git", ".taskgate", "node_modules", "vendor"}

// Watcher calls OnChange once per quiet period after files under Root change.
// OnChange runs on the watch goroutine; changes seen while it runs are
// collected into the next batch.
type Watcher struct {
	Root     string
	Debounce time.Duration
	Ignore   []string
	OnChange func(ctx context.Context, paths []string)
	Logger   *zap.Logger
}

// Run watches until ctx is done.
func (w Watcher) Run(ctx context.Context) error {
	log := w.Logger
	if log == nil {
		log = zap.NewNop()
	}
	ignore := w.Ignore
	if ignore == nil {
		ignore = DefaultIgnore
	}
	debounce := w.Debounce
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer fw.Close()
	if err := addTree(fw, w.Root, ignore); err != nil {
		return err
	}

	pending := map[string]struct{}{}
	timer := time.NewTimer(debounce)
	timer.Stop()
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if skipped(w.Root, event.Name, ignore) || event.Op == fsnotify.Chmod {
				continue
			}
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := addTree(fw, event.Name, ignore); err != nil {
						log.Warn("watch: add directory failed", zap.String("path", event.Name), zap.Error(err))
					}
				}
			}
			rel, err := filepath.Rel(w.Root, event.Name)
			if err != nil {
				rel = event.Name
			}
			pending[filepath.ToSlash(rel)] = struct{}{}
			timer.Reset(debounce)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			log.Warn("watch: fsnotify error", zap.Error(err))
		case <-timer.C:
			if len(pending) == 0 {
				continue
			}
			paths := make([]string, 0, len(pending))
			for p := range pending {
				paths = append(paths, p)
			}
			sort.Strings(paths)
			pending = map[string]struct{}{}
			log.Debug("watch: change batch", zap.Strings("paths", paths))
			if w.OnChange != nil {
				w.OnChange(ctx, paths)
			}
		}
	}
}

func addTree(fw *fsnotify.Watcher, root string, ignore []string) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if p != root && ignored(d.Name(), ignore) {
			return filepath.SkipDir
		}
		if err := fw.Add(p); err != nil {
			return fmt.Errorf("watch %s: %w", p, err)
		}
		return nil
	})
}

func skipped(root, name string, ignore []string) bool {
	rel, err := filepath.Rel(root, name)
	if err != nil {
		return false
	}
	for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
		if ignored(part, ignore) {
			return true
		}
	}
	return false
}

func ignored(name string, ignore []string) bool {
	for _, ig := range ignore {
		if name == ig {
			return true
		}
	}
	return false
}
