package retrieval

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
)

// ErrCacheMismatch is returned when the cached artifacts of a mode are
// missing or disagree with each other.
var ErrCacheMismatch = errors.New("retrieval cache mismatch")

// vectorsMagic prefixes the binary vector file.
var vectorsMagic = [4]byte{'I', 'C', 'D', 'V'}

func cachePaths(dir string, mode Mode) (vectorizer, vectors, corpus string) {
	return filepath.Join(dir, "vectorizer_"+string(mode)+".json"),
		filepath.Join(dir, "vectors_"+string(mode)+".bin"),
		filepath.Join(dir, "corpus_"+string(mode)+".json")
}

// SaveIndex writes the three cache artifacts of ix for mode into dir.
func SaveIndex(dir string, mode Mode, ix *Index) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating cache directory: %w", err)
	}
	vecPath, rowsPath, corpusPath := cachePaths(dir, mode)

	vb, err := json.Marshal(ix.vec)
	if err != nil {
		return fmt.Errorf("encoding vectorizer: %w", err)
	}
	if err := writeFileAtomic(vecPath, vb); err != nil {
		return err
	}

	cb, err := json.Marshal(ix.docs)
	if err != nil {
		return fmt.Errorf("encoding corpus: %w", err)
	}
	if err := writeFileAtomic(corpusPath, cb); err != nil {
		return err
	}

	return writeFileAtomic(rowsPath, encodeRows(ix.rows))
}

// LoadIndex reads the cache artifacts of mode from dir. Missing files or
// differing row counts yield ErrCacheMismatch.
func LoadIndex(dir string, mode Mode) (*Index, error) {
	vecPath, rowsPath, corpusPath := cachePaths(dir, mode)

	vb, err := os.ReadFile(vecPath)
	if err != nil {
		return nil, fmt.Errorf("%w: reading vectorizer: %v", ErrCacheMismatch, err)
	}
	cb, err := os.ReadFile(corpusPath)
	if err != nil {
		return nil, fmt.Errorf("%w: reading corpus: %v", ErrCacheMismatch, err)
	}
	rb, err := os.ReadFile(rowsPath)
	if err != nil {
		return nil, fmt.Errorf("%w: reading vectors: %v", ErrCacheMismatch, err)
	}

	vec := &Vectorizer{}
	if err := json.Unmarshal(vb, vec); err != nil {
		return nil, fmt.Errorf("%w: decoding vectorizer: %v", ErrCacheMismatch, err)
	}
	var docs []Doc
	if err := json.Unmarshal(cb, &docs); err != nil {
		return nil, fmt.Errorf("%w: decoding corpus: %v", ErrCacheMismatch, err)
	}
	rows, err := decodeRows(rb, vec.VocabularySize())
	if err != nil {
		return nil, fmt.Errorf("%w: decoding vectors: %v", ErrCacheMismatch, err)
	}
	if len(rows) != len(docs) {
		return nil, fmt.Errorf("%w: %d vectors for %d documents", ErrCacheMismatch, len(rows), len(docs))
	}
	return &Index{vec: vec, docs: docs, rows: rows}, nil
}

// RemoveIndex deletes the cache artifacts of mode. Missing files are ignored.
func RemoveIndex(dir string, mode Mode) error {
	a, b, c := cachePaths(dir, mode)
	for _, p := range []string{a, b, c} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("removing %s: %w", p, err)
		}
	}
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("renaming %s: %w", tmp, err)
	}
	return nil
}

// encodeRows serializes sparse rows as: magic, uint32 row count, then per
// row a uint32 entry count followed by int32 indices and float32 weights,
// all little-endian.
func encodeRows(rows []SparseVector) []byte {
	size := 8
	for _, r := range rows {
		size += 4 + 8*r.Len()
	}
	buf := make([]byte, 0, size)
	buf = append(buf, vectorsMagic[:]...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(rows)))
	for _, r := range rows {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(r.Len()))
		for _, idx := range r.Indices {
			buf = binary.LittleEndian.AppendUint32(buf, uint32(idx))
		}
		buf = append(buf, encodeFloat32s(r.Values)...)
	}
	return buf
}

func decodeRows(b []byte, vocabSize int) ([]SparseVector, error) {
	r := bufio.NewReader(bytes.NewReader(b))

	var magic [4]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}
	if magic != vectorsMagic {
		return nil, fmt.Errorf("bad header %q", magic[:])
	}

	var count uint32
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, fmt.Errorf("reading row count: %w", err)
	}

	rows := make([]SparseVector, 0, min(int(count), len(b)/4))
	for i := 0; i < int(count); i++ {
		var nnz uint32
		if err := binary.Read(r, binary.LittleEndian, &nnz); err != nil {
			return nil, fmt.Errorf("reading row %d: %w", i, err)
		}
		if int(nnz) > vocabSize {
			return nil, fmt.Errorf("row %d has %d entries for a vocabulary of %d", i, nnz, vocabSize)
		}
		idx := make([]int32, nnz)
		if err := binary.Read(r, binary.LittleEndian, idx); err != nil {
			return nil, fmt.Errorf("reading row %d indices: %w", i, err)
		}
		raw := make([]byte, 4*nnz)
		if _, err := io.ReadFull(r, raw); err != nil {
			return nil, fmt.Errorf("reading row %d weights: %w", i, err)
		}
		vals, err := decodeFloat32s(raw)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		for j, v := range idx {
			if v < 0 || int(v) >= vocabSize || (j > 0 && v <= idx[j-1]) {
				return nil, fmt.Errorf("row %d has invalid index %d", i, v)
			}
		}
		rows = append(rows, SparseVector{Indices: idx, Values: vals})
	}
	if _, err := r.ReadByte(); err != io.EOF {
		return nil, fmt.Errorf("trailing data after %d rows", count)
	}
	return rows, nil
}

// encodeFloat32s serializes a float32 slice to little-endian bytes.
func encodeFloat32s(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeFloat32s deserializes little-endian bytes into a new float32 slice.
// Returns an error if the byte slice length is not a multiple of 4 (indicates data corruption).
func decodeFloat32s(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v, nil
}
