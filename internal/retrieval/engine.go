package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/kalambet/icdbench/internal/storage"
)

// Mode selects which sources an index is built from.
type Mode string

const (
	ModeAuthoritative Mode = "authoritative"
	ModeDerived       Mode = "derived"
	ModeBoth          Mode = "both"
)

// Modes lists every corpus mode.
func Modes() []Mode {
	return []Mode{ModeAuthoritative, ModeDerived, ModeBoth}
}

// ParseMode accepts a mode name or one of its legacy aliases.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "authoritative", "real_only", "real":
		return ModeAuthoritative, nil
	case "derived", "synthetic_only", "synthetic":
		return ModeDerived, nil
	case "both", "":
		return ModeBoth, nil
	}
	return "", fmt.Errorf("unknown corpus mode %q (want authoritative, derived or both)", s)
}

// DocSource supplies corpus documents. *storage.Store implements it.
// CorpusCounts must agree with the lengths of the two document lists; the
// engine uses it to notice that an index has fallen behind its source.
type DocSource interface {
	AuthoritativeDocs() ([]storage.CorpusDoc, error)
	DerivedDocs() ([]storage.CorpusDoc, error)
	CorpusCounts() (authoritative, derived int, err error)
}

var _ DocSource = (*storage.Store)(nil)

// Engine serves one lazily built index per corpus mode, backed by an
// on-disk cache. It is safe for concurrent use.
type Engine struct {
	src      DocSource
	cacheDir string
	opts     Options
	logger   *slog.Logger

	mu      sync.Mutex
	modes   map[Mode]*modeSlot
	builder func(ctx context.Context, docs []Doc, opts Options) (*Index, error)
}

type modeSlot struct {
	mu sync.Mutex
	ix *Index
}

// NewEngine returns an Engine reading documents from src. An empty cacheDir
// disables the disk cache.
func NewEngine(src DocSource, cacheDir string, opts Options) *Engine {
	return &Engine{
		src:      src,
		cacheDir: cacheDir,
		opts:     opts,
		logger:   slog.Default(),
		modes:    make(map[Mode]*modeSlot),
		builder:  Build,
	}
}

// WithLogger replaces the engine's logger.
func (e *Engine) WithLogger(l *slog.Logger) *Engine {
	e.logger = l
	return e
}

func (e *Engine) slot(mode Mode) *modeSlot {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.modes[mode]
	if !ok {
		s = &modeSlot{}
		e.modes[mode] = s
	}
	return s
}

// Index returns the index for mode, loading it from the cache or building
// and caching it on first use. An index whose document counts no longer
// match the source is rebuilt, so documents saved since the last build are
// always searchable.
func (e *Engine) Index(ctx context.Context, mode Mode) (*Index, error) {
	s := e.slot(mode)
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ix != nil {
		fresh, err := e.fresh(mode, s.ix)
		if err != nil {
			// A stale index still answers; the next query checks again.
			e.logger.Warn("checking retrieval index freshness failed", "mode", mode, "error", err)
			return s.ix, nil
		}
		if fresh {
			return s.ix, nil
		}
		e.logger.Info("retrieval index is behind its source, rebuilding", "mode", mode, "docs", s.ix.Len())
		s.ix = nil
	} else if e.cacheDir != "" {
		ix, err := LoadIndex(e.cacheDir, mode)
		switch {
		case err == nil:
			fresh, ferr := e.fresh(mode, ix)
			if ferr != nil {
				return nil, ferr
			}
			if fresh {
				e.logger.Debug("loaded retrieval index from cache", "mode", mode, "docs", ix.Len())
				s.ix = ix
				return ix, nil
			}
			e.logger.Debug("retrieval cache is behind its source, rebuilding", "mode", mode, "docs", ix.Len())
		case errors.Is(err, ErrCacheMismatch):
			e.logger.Debug("retrieval cache unusable, rebuilding", "mode", mode, "reason", err)
		default:
			return nil, err
		}
	}

	ix, err := e.build(ctx, mode)
	if err != nil {
		return nil, err
	}
	s.ix = ix
	return ix, nil
}

// fresh reports whether ix holds as many documents of each source used by
// mode as the document source currently has.
func (e *Engine) fresh(mode Mode, ix *Index) (bool, error) {
	auth, derived, err := e.src.CorpusCounts()
	if err != nil {
		return false, err
	}
	if mode == ModeDerived {
		auth = 0
	}
	if mode == ModeAuthoritative {
		derived = 0
	}
	haveAuth, haveDerived := ix.SourceCounts()
	return haveAuth == auth && haveDerived == derived, nil
}

// Rebuild discards any cached index for mode and builds a fresh one from
// the document source.
func (e *Engine) Rebuild(ctx context.Context, mode Mode) (*Index, error) {
	s := e.slot(mode)
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ix = nil
	if e.cacheDir != "" {
		if err := RemoveIndex(e.cacheDir, mode); err != nil {
			return nil, err
		}
	}
	ix, err := e.build(ctx, mode)
	if err != nil {
		return nil, err
	}
	s.ix = ix
	return ix, nil
}

// Query ranks the mode's corpus against text.
func (e *Engine) Query(ctx context.Context, mode Mode, text string, opts QueryOptions) ([]Hit, error) {
	ix, err := e.Index(ctx, mode)
	if err != nil {
		return nil, err
	}
	return ix.Query(text, opts), nil
}

// Context returns up to topK hits for text, excluding excludeKey and
// preferring authoritative entries over derived ones.
func (e *Engine) Context(ctx context.Context, mode Mode, text, excludeKey string, topK int) ([]Hit, error) {
	hits, err := e.Query(ctx, mode, text, QueryOptions{TopK: 3 * topK, ExcludeKey: excludeKey})
	if err != nil {
		return nil, err
	}
	return MixPreferAuthoritative(hits, topK), nil
}

func (e *Engine) build(ctx context.Context, mode Mode) (*Index, error) {
	docs, err := e.corpus(mode)
	if err != nil {
		return nil, err
	}
	ix, err := e.builder(ctx, docs, e.opts)
	if err != nil {
		return nil, fmt.Errorf("building %s index: %w", mode, err)
	}
	e.logger.Info("built retrieval index", "mode", mode, "docs", ix.Len(), "terms", ix.Vectorizer().VocabularySize())

	if e.cacheDir != "" {
		if err := SaveIndex(e.cacheDir, mode, ix); err != nil {
			// The in-memory index is still usable.
			e.logger.Warn("saving retrieval cache failed", "mode", mode, "error", err)
		}
	}
	return ix, nil
}

func (e *Engine) corpus(mode Mode) ([]Doc, error) {
	var docs []Doc
	if mode == ModeAuthoritative || mode == ModeBoth {
		auth, err := e.src.AuthoritativeDocs()
		if err != nil {
			return nil, fmt.Errorf("loading authoritative documents: %w", err)
		}
		docs = appendDocs(docs, auth, Authoritative)
	}
	if mode == ModeDerived || mode == ModeBoth {
		derived, err := e.src.DerivedDocs()
		if err != nil {
			return nil, fmt.Errorf("loading derived documents: %w", err)
		}
		docs = appendDocs(docs, derived, Derived)
	}
	return docs, nil
}

func appendDocs(dst []Doc, src []storage.CorpusDoc, source Source) []Doc {
	for _, d := range src {
		dst = append(dst, Doc{Key: d.Key, Text: d.Text, Source: source, DetailLevel: d.DetailLevel})
	}
	return dst
}
