package reload

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/timzifer/eiptag/internal/config"
)

type fileState struct {
	modTime time.Time
	size    int64
}

// Watcher tracks the configuration file by modification time and size.
type Watcher struct {
	mu    sync.Mutex
	files map[string]fileState
}

// NewWatcher starts tracking path and the files cfg was loaded from.
func NewWatcher(path string, cfg *config.Config) (*Watcher, error) {
	watcher := &Watcher{}
	if err := watcher.Update(path, cfg); err != nil {
		return nil, err
	}
	return watcher, nil
}

// Update replaces the tracked snapshot. Missing files and directories are skipped.
func (w *Watcher) Update(path string, cfg *config.Config) error {
	if w == nil {
		return nil
	}
	paths := config.SourceFiles(cfg)
	if path != "" {
		if abs, err := filepath.Abs(path); err == nil {
			paths = append(paths, abs)
		}
	}
	states := make(map[string]fileState, len(paths))
	for _, p := range uniquePaths(paths) {
		info, err := os.Stat(p)
		if err != nil || info.IsDir() {
			continue
		}
		states[p] = fileState{modTime: info.ModTime(), size: info.Size()}
	}
	w.mu.Lock()
	w.files = states
	w.mu.Unlock()
	return nil
}

// Check reports the files that changed or disappeared since the last snapshot.
func (w *Watcher) Check() ([]string, error) {
	if w == nil {
		return nil, nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	changed := make([]string, 0)
	for path, state := range w.files {
		info, err := os.Stat(path)
		if err != nil {
			changed = append(changed, path)
			continue
		}
		if info.ModTime().After(state.modTime) || info.Size() != state.size {
			changed = append(changed, path)
		}
	}
	sort.Strings(changed)
	return changed, nil
}

// Changes polls Check every interval and delivers non-empty results until ctx
// ends. The caller must Update the watcher after handling a change, otherwise
// the same files are reported again.
func (w *Watcher) Changes(ctx context.Context, interval time.Duration) <-chan []string {
	if interval <= 0 {
		interval = time.Second
	}
	out := make(chan []string)
	go func() {
		defer close(out)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			changed, err := w.Check()
			if err != nil || len(changed) == 0 {
				continue
			}
			select {
			case out <- changed:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func uniquePaths(paths []string) []string {
	seen := make(map[string]struct{}, len(paths))
	result := make([]string, 0, len(paths))
	for _, path := range paths {
		if strings.TrimSpace(path) == "" {
			continue
		}
		if _, ok := seen[path]; ok {
			continue
		}
		seen[path] = struct{}{}
		result = append(result, path)
	}
	return result
}
