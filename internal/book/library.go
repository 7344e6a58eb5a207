package book

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Info is one library listing entry.
type Info struct {
	File     string `json:"file"`
	Title    string `json:"title"`
	Format   string `json:"format"`
	HasIndex bool   `json:"hasIndex"`
}

// Library lists the books directory and keeps the listing fresh via fsnotify.
// The scan result is cached until a filesystem event invalidates it.
type Library struct {
	dir        string
	cacheDir   string
	extractors ExtractorSet
	logger     *zap.Logger

	mu     sync.Mutex
	cached []Info
	valid  bool
}

func NewLibrary(dir, cacheDir string, extractors ExtractorSet, logger *zap.Logger) *Library {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Library{dir: dir, cacheDir: cacheDir, extractors: extractors, logger: logger}
}

// Dir returns the library root.
func (l *Library) Dir() string { return l.dir }

// Resolve maps a bare filename to its absolute path inside the library,
// rejecting path traversal.
func (l *Library) Resolve(file string) (string, error) {
	if file == "" || strings.ContainsAny(file, "/\\") || file != filepath.Base(file) {
		return "", fmt.Errorf("invalid book filename %q", file)
	}
	path := filepath.Join(l.dir, file)
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("book %q not found: %w", file, err)
	}
	return path, nil
}

// List returns the library entries, sorted by filename. The listing is
// re-scanned only after invalidation.
func (l *Library) List() ([]Info, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.valid {
		return l.cached, nil
	}
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("scan books dir %s: %w", l.dir, err)
	}
	var infos []Info
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if !l.extractors.Supports(ext) {
			continue
		}
		path := filepath.Join(l.dir, e.Name())
		_, statErr := os.Stat(IndexPath(l.cacheDir, path))
		infos = append(infos, Info{
			File:     e.Name(),
			Title:    Stem(e.Name()),
			Format:   strings.TrimPrefix(ext, "."),
			HasIndex: statErr == nil,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].File < infos[j].File })
	l.cached = infos
	l.valid = true
	return infos, nil
}

// Invalidate drops the cached listing.
func (l *Library) Invalidate() {
	l.mu.Lock()
	l.valid = false
	l.mu.Unlock()
}

// Watch invalidates the listing on any change in the books directory.
// It blocks until ctx is cancelled.
func (l *Library) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(l.dir); err != nil {
		return fmt.Errorf("watch %s: %w", l.dir, err)
	}
	l.logger.Info("watching books directory", zap.String("dir", l.dir))
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Remove|fsnotify.Rename|fsnotify.Write) != 0 {
				l.logger.Debug("library changed", zap.String("event", ev.String()))
				l.Invalidate()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			l.logger.Warn("library watcher error", zap.Error(err))
		}
	}
}
