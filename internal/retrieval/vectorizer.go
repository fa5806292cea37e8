package retrieval

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
)

// ErrEmptyVocabulary is returned by Fit when document frequency pruning
// leaves no terms.
var ErrEmptyVocabulary = errors.New("empty vocabulary after pruning")

// Options configures the TF-IDF vectorizer.
type Options struct {
	NGramMin    int     `json:"ngram_min"`
	NGramMax    int     `json:"ngram_max"`
	MinDF       int     `json:"min_df"`       // minimum number of documents a term must occur in
	MaxDF       float64 `json:"max_df"`       // maximum fraction of documents a term may occur in
	MaxFeatures int     `json:"max_features"` // 0 means unbounded
	Sublinear   bool    `json:"sublinear_tf"`
}

// DefaultOptions returns the settings used for clinical description corpora.
func DefaultOptions() Options {
	return Options{
		NGramMin:    1,
		NGramMax:    3,
		MinDF:       2,
		MaxDF:       0.8,
		MaxFeatures: 5000,
		Sublinear:   true,
	}
}

// SparseVector holds the non-zero weights of a vector. Indices are strictly
// ascending.
type SparseVector struct {
	Indices []int32
	Values  []float32
}

// Len returns the number of non-zero entries.
func (v SparseVector) Len() int { return len(v.Indices) }

// Dot returns the inner product of two sparse vectors. For L2-normalized
// vectors this is their cosine similarity.
func (v SparseVector) Dot(o SparseVector) float64 {
	var sum float64
	i, j := 0, 0
	for i < len(v.Indices) && j < len(o.Indices) {
		switch {
		case v.Indices[i] == o.Indices[j]:
			sum += float64(v.Values[i]) * float64(o.Values[j])
			i++
			j++
		case v.Indices[i] < o.Indices[j]:
			i++
		default:
			j++
		}
	}
	return sum
}

// Vectorizer maps text to L2-normalized TF-IDF vectors over a vocabulary
// learned by Fit. A fitted Vectorizer is read-only and safe for concurrent
// Transform calls.
type Vectorizer struct {
	opts  Options
	vocab map[string]int32
	idf   []float64
}

// NewVectorizer returns an unfitted vectorizer.
func NewVectorizer(opts Options) *Vectorizer {
	return &Vectorizer{opts: opts}
}

// Options returns the vectorizer settings.
func (v *Vectorizer) Options() Options { return v.opts }

// VocabularySize returns the number of terms learned by Fit.
func (v *Vectorizer) VocabularySize() int { return len(v.vocab) }

// Fit learns the vocabulary and inverse document frequencies from docs.
//
// Terms occurring in fewer than MinDF documents or in more than MaxDF of all
// documents are dropped. Of the rest, the MaxFeatures most frequent across
// the corpus are kept; ties go to the alphabetically smaller term.
func (v *Vectorizer) Fit(docs []string) error {
	if len(docs) == 0 {
		return fmt.Errorf("fitting vectorizer: no documents")
	}

	df := make(map[string]int)
	total := make(map[string]int)
	for _, d := range docs {
		seen := make(map[string]struct{})
		for _, t := range terms(d, v.opts) {
			total[t]++
			if _, ok := seen[t]; !ok {
				seen[t] = struct{}{}
				df[t]++
			}
		}
	}

	n := len(docs)
	maxDocs := float64(n)
	if v.opts.MaxDF > 0 && v.opts.MaxDF < 1 {
		maxDocs = v.opts.MaxDF * float64(n)
	}

	kept := make([]string, 0, len(df))
	for t, c := range df {
		if c < v.opts.MinDF || float64(c) > maxDocs {
			continue
		}
		kept = append(kept, t)
	}
	if len(kept) == 0 {
		return ErrEmptyVocabulary
	}

	if v.opts.MaxFeatures > 0 && len(kept) > v.opts.MaxFeatures {
		sort.Slice(kept, func(i, j int) bool {
			if total[kept[i]] != total[kept[j]] {
				return total[kept[i]] > total[kept[j]]
			}
			return kept[i] < kept[j]
		})
		kept = kept[:v.opts.MaxFeatures]
	}
	sort.Strings(kept)

	v.vocab = make(map[string]int32, len(kept))
	v.idf = make([]float64, len(kept))
	for i, t := range kept {
		v.vocab[t] = int32(i)
		// Smoothed idf: every term behaves as if seen in one extra document.
		v.idf[i] = math.Log(float64(1+n)/float64(1+df[t])) + 1
	}
	return nil
}

// Transform returns the L2-normalized TF-IDF vector of text. Terms outside
// the vocabulary are ignored; text without known terms yields an empty
// vector.
func (v *Vectorizer) Transform(text string) SparseVector {
	counts := make(map[int32]int)
	for _, t := range terms(text, v.opts) {
		if idx, ok := v.vocab[t]; ok {
			counts[idx]++
		}
	}
	if len(counts) == 0 {
		return SparseVector{}
	}

	indices := make([]int32, 0, len(counts))
	for idx := range counts {
		indices = append(indices, idx)
	}
	sort.Slice(indices, func(i, j int) bool { return indices[i] < indices[j] })

	weights := make([]float64, len(indices))
	var sumSq float64
	for i, idx := range indices {
		tf := float64(counts[idx])
		if v.opts.Sublinear {
			tf = 1 + math.Log(tf)
		}
		w := tf * v.idf[idx]
		weights[i] = w
		sumSq += w * w
	}

	norm := math.Sqrt(sumSq)
	values := make([]float32, len(weights))
	for i, w := range weights {
		values[i] = float32(w / norm)
	}
	return SparseVector{Indices: indices, Values: values}
}

type vectorizerState struct {
	Options    Options          `json:"options"`
	Vocabulary map[string]int32 `json:"vocabulary"`
	IDF        []float64        `json:"idf"`
}

// MarshalJSON encodes the fitted state.
func (v *Vectorizer) MarshalJSON() ([]byte, error) {
	return json.Marshal(vectorizerState{Options: v.opts, Vocabulary: v.vocab, IDF: v.idf})
}

// UnmarshalJSON restores a fitted state written by MarshalJSON.
func (v *Vectorizer) UnmarshalJSON(b []byte) error {
	var st vectorizerState
	if err := json.Unmarshal(b, &st); err != nil {
		return err
	}
	if len(st.Vocabulary) != len(st.IDF) {
		return fmt.Errorf("vocabulary has %d terms but idf has %d weights", len(st.Vocabulary), len(st.IDF))
	}
	for t, idx := range st.Vocabulary {
		if idx < 0 || int(idx) >= len(st.IDF) {
			return fmt.Errorf("term %q has out of range index %d", t, idx)
		}
	}
	v.opts = st.Options
	v.vocab = st.Vocabulary
	v.idf = st.IDF
	return nil
}
