package context

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// BackgroundSource supplies the static background text included in every
// turn, such as project conventions or a role description.
type BackgroundSource interface {
	Background(ctx context.Context) (string, error)
}

// StaticBackground is a fixed background string.
type StaticBackground string

// Background returns the string itself.
func (s StaticBackground) Background(context.Context) (string, error) {
	return string(s), nil
}

// FileBackground reads background text from a file. Without Watch the file
// is read on every call; with Watch the content is cached and reloaded when
// the file changes.
type FileBackground struct {
	path   string
	logger *slog.Logger

	mu      sync.RWMutex
	content string
	loaded  bool
}

// NewFileBackground creates a source for path. A missing file yields empty
// background text rather than an error.
func NewFileBackground(path string) *FileBackground {
	return &FileBackground{
		path:   path,
		logger: slog.Default().With("component", "background"),
	}
}

// Background returns the current file content.
func (f *FileBackground) Background(ctx context.Context) (string, error) {
	f.mu.RLock()
	if f.loaded {
		defer f.mu.RUnlock()
		return f.content, nil
	}
	f.mu.RUnlock()
	return f.read()
}

func (f *FileBackground) read() (string, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read background: %w", err)
	}
	return string(data), nil
}

func (f *FileBackground) reload() {
	content, err := f.read()
	if err != nil {
		f.logger.Warn("background reload failed", "path", f.path, "error", err)
		return
	}
	f.mu.Lock()
	f.content = content
	f.loaded = true
	f.mu.Unlock()
	f.logger.Debug("background reloaded", "path", f.path, "bytes", len(content))
}

// Watch loads the file and keeps the cached content current until ctx is
// cancelled. The parent directory is watched so that editors replacing the
// file with a rename are picked up.
func (f *FileBackground) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch background: %w", err)
	}
	dir := filepath.Dir(f.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch background: %w", err)
	}
	f.reload()

	go f.loop(ctx, watcher)
	return nil
}

func (f *FileBackground) loop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer watcher.Close()
	target := filepath.Clean(f.path)

	// Debounce bursts of writes from editors.
	var timer *time.Timer
	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(50*time.Millisecond, f.reload)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			f.logger.Error("background watcher error", "error", err)
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		}
	}
}
