package book

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/owner888/smartbook/internal/metrics"
	"github.com/owner888/smartbook/internal/retrieval"
)

// Entry is one loaded book: its retrieval engine, metadata, and a derived
// table of contents.
type Entry struct {
	File   string
	Meta   Metadata
	Engine *retrieval.Engine
	TOC    []string
}

// BuildObserver tracks index build lifecycles. BuildStarted returns an
// opaque id handed back to BuildFinished; chunks is zero when err is non-nil.
type BuildObserver interface {
	BuildStarted(file string) string
	BuildFinished(id, file string, chunks int, err error)
}

// Registry loads book indexes lazily and keeps them for the process
// lifetime. A missing index file is built on first reference.
type Registry struct {
	library  *Library
	builder  *Builder
	logger   *zap.Logger
	observer BuildObserver

	mu      sync.Mutex
	loaded  map[string]*Entry
	loading map[string]chan struct{}
}

func NewRegistry(library *Library, builder *Builder, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		library: library,
		builder: builder,
		logger:  logger,
		loaded:  map[string]*Entry{},
		loading: map[string]chan struct{}{},
	}
}

// Library exposes the underlying listing for callers that only need names.
func (r *Registry) Library() *Library { return r.library }

// SetObserver installs the build observer. Call before the first Get.
func (r *Registry) SetObserver(o BuildObserver) { r.observer = o }

// Get returns the loaded entry for a book filename, loading or building the
// index on first reference. Concurrent callers for the same book share one
// load.
func (r *Registry) Get(ctx context.Context, file string) (*Entry, error) {
	for {
		r.mu.Lock()
		if e, ok := r.loaded[file]; ok {
			r.mu.Unlock()
			return e, nil
		}
		if wait, ok := r.loading[file]; ok {
			r.mu.Unlock()
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		done := make(chan struct{})
		r.loading[file] = done
		r.mu.Unlock()

		entry, err := r.load(ctx, file)

		r.mu.Lock()
		delete(r.loading, file)
		if err == nil {
			r.loaded[file] = entry
		}
		close(done)
		r.mu.Unlock()
		return entry, err
	}
}

func (r *Registry) load(ctx context.Context, file string) (*Entry, error) {
	path, err := r.library.Resolve(file)
	if err != nil {
		return nil, err
	}

	indexPath := IndexPath(r.library.cacheDir, path)
	var idx *Index
	meta := Metadata{}.withTitleDefault(path)

	if _, statErr := os.Stat(indexPath); statErr == nil {
		idx, err = LoadIndex(indexPath)
		if err != nil {
			r.logger.Warn("index file unreadable, rebuilding",
				zap.String("book", file), zap.Error(err))
		}
	}
	if idx == nil {
		var buildID string
		if r.observer != nil {
			buildID = r.observer.BuildStarted(file)
		}
		idx, meta, err = r.builder.BuildAndSave(ctx, r.library.cacheDir, path)
		if r.observer != nil {
			chunks := 0
			if err == nil {
				chunks = len(idx.Chunks)
			}
			r.observer.BuildFinished(buildID, file, chunks, err)
		}
		if err != nil {
			return nil, fmt.Errorf("build index for %s: %w", file, err)
		}
		r.library.Invalidate()
	}

	engine := retrieval.NewEngine(idx.Chunks, idx.Embeddings, r.logger.With(zap.String("book", file)))
	metrics.IndexChunks.WithLabelValues(file).Set(float64(engine.Size()))
	r.logger.Info("book loaded",
		zap.String("book", file),
		zap.Int("chunks", engine.Size()),
		zap.Int("dimension", engine.Dimension()))

	return &Entry{
		File:   file,
		Meta:   meta,
		Engine: engine,
		TOC:    deriveTOC(idx.Chunks),
	}, nil
}

// Loaded returns a snapshot of loaded entries.
func (r *Registry) Loaded() []*Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Entry, 0, len(r.loaded))
	for _, e := range r.loaded {
		out = append(out, e)
	}
	return out
}

var headingRe = regexp.MustCompile(`(?m)^\s*(第[零一二三四五六七八九十百千0-9]{1,6}[章回卷节]\S*.*|Chapter\s+\d+.*|CHAPTER\s+[IVXLC0-9]+.*)\s*$`)

// deriveTOC pulls chapter-style headings out of the chunk texts, in order.
func deriveTOC(chunks []retrieval.Chunk) []string {
	var toc []string
	seen := map[string]bool{}
	for _, ch := range chunks {
		for _, m := range headingRe.FindAllString(ch.Text, -1) {
			h := strings.TrimSpace(m)
			if h == "" || seen[h] {
				continue
			}
			seen[h] = true
			toc = append(toc, h)
		}
	}
	return toc
}
