package retrieval

import (
	"context"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"
)

// Source tags where a corpus document came from.
type Source string

const (
	// Authoritative documents are the catalog texts, one per code.
	Authoritative Source = "authoritative"
	// Derived documents are generated descriptions, many per code.
	Derived Source = "derived"
)

// Doc is one corpus entry.
type Doc struct {
	Key         string `json:"key"`
	Text        string `json:"text"`
	Source      Source `json:"source"`
	DetailLevel int    `json:"detail_level"`
}

// Hit is a ranked query result.
type Hit struct {
	Key         string
	Text        string
	Score       float64
	Source      Source
	DetailLevel int
}

// QueryOptions narrows a query.
type QueryOptions struct {
	TopK int
	// ExcludeKey drops every entry with this key after ranking.
	ExcludeKey string
	// Source keeps only entries with this tag when non-empty.
	Source Source
}

// Index is a vectorized corpus. It is read-only after construction and safe
// for concurrent queries.
type Index struct {
	vec  *Vectorizer
	docs []Doc
	rows []SparseVector
}

// vectorizeLimit bounds the goroutines transforming corpus rows.
const vectorizeLimit = 4

// Build fits a vectorizer on docs and vectorizes every document.
func Build(ctx context.Context, docs []Doc, opts Options) (*Index, error) {
	texts := make([]string, len(docs))
	for i, d := range docs {
		texts[i] = d.Text
	}

	vec := NewVectorizer(opts)
	if err := vec.Fit(texts); err != nil {
		return nil, fmt.Errorf("fitting vectorizer over %d documents: %w", len(docs), err)
	}

	rows, err := transformAll(ctx, vec, texts)
	if err != nil {
		return nil, err
	}
	return &Index{vec: vec, docs: docs, rows: rows}, nil
}

// transformAll vectorizes texts concurrently, preserving order.
func transformAll(ctx context.Context, vec *Vectorizer, texts []string) ([]SparseVector, error) {
	rows := make([]SparseVector, len(texts))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(vectorizeLimit)

	const chunk = 256
	for start := 0; start < len(texts); start += chunk {
		start := start
		end := min(start+chunk, len(texts))
		g.Go(func() error {
			if err := gCtx.Err(); err != nil {
				return fmt.Errorf("vectorizing rows %d-%d: %w", start, end, err)
			}
			for i := start; i < end; i++ {
				rows[i] = vec.Transform(texts[i])
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return rows, nil
}

// SourceCounts returns the number of authoritative and derived documents.
func (ix *Index) SourceCounts() (authoritative, derived int) {
	for _, d := range ix.docs {
		switch d.Source {
		case Authoritative:
			authoritative++
		case Derived:
			derived++
		}
	}
	return authoritative, derived
}

// Len returns the number of corpus documents.
func (ix *Index) Len() int { return len(ix.docs) }

// Docs returns the corpus documents in insertion order.
func (ix *Index) Docs() []Doc { return ix.docs }

// Vectorizer returns the fitted vectorizer.
func (ix *Index) Vectorizer() *Vectorizer { return ix.vec }

// Query ranks every document by cosine similarity to text. Equal scores keep
// corpus order. Filters apply after ranking, so at most TopK hits remain.
func (ix *Index) Query(text string, opts QueryOptions) []Hit {
	if opts.TopK <= 0 || len(ix.docs) == 0 {
		return nil
	}

	q := ix.vec.Transform(text)
	scores := make([]float64, len(ix.rows))
	for i, row := range ix.rows {
		scores[i] = q.Dot(row)
	}

	order := make([]int, len(ix.rows))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return scores[order[a]] > scores[order[b]]
	})

	hits := make([]Hit, 0, opts.TopK)
	for _, i := range order {
		d := ix.docs[i]
		if opts.ExcludeKey != "" && d.Key == opts.ExcludeKey {
			continue
		}
		if opts.Source != "" && d.Source != opts.Source {
			continue
		}
		hits = append(hits, Hit{
			Key:         d.Key,
			Text:        d.Text,
			Score:       scores[i],
			Source:      d.Source,
			DetailLevel: d.DetailLevel,
		})
		if len(hits) == opts.TopK {
			break
		}
	}
	return hits
}

// MixPreferAuthoritative keeps authoritative hits first, up to topK, and
// fills any remaining slots with derived hits in ranked order. Callers
// usually pass the result of a query for 3*topK.
func MixPreferAuthoritative(hits []Hit, topK int) []Hit {
	if topK <= 0 {
		return nil
	}
	mixed := make([]Hit, 0, topK)
	for _, h := range hits {
		if h.Source == Authoritative && len(mixed) < topK {
			mixed = append(mixed, h)
		}
	}
	for _, h := range hits {
		if len(mixed) == topK {
			break
		}
		if h.Source != Authoritative {
			mixed = append(mixed, h)
		}
	}
	return mixed
}
