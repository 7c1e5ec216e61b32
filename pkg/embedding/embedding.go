// Package embedding resolves the --embedding identifier to pretrained word
// vectors: nothing for "random", a local text vectors file, or a named
// scheme fetched into the cache directory.
package embedding

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/samogod/tagtrain/pkg/config"
	"github.com/samogod/tagtrain/pkg/session"
	"github.com/samogod/tagtrain/pkg/vocab"
)

var DebugLog func(string, ...interface{})

var (
	ErrDimension = errors.New("embedding dimension mismatch")
	ErrNotFound  = errors.New("embedding source not found")
)

type Vectors struct {
	Dim   int
	words map[string][]float64
}

func (v *Vectors) Len() int {
	return len(v.words)
}

func (v *Vectors) Lookup(word string) ([]float64, bool) {
	vec, ok := v.words[word]
	return vec, ok
}

// Read parses word2vec / GloVe text vectors: "word v1 v2 ...", with an
// optional "count dim" header line. dim <= 0 accepts the first dimension
// seen.
func Read(r io.Reader, dim int) (*Vectors, error) {
	v := &Vectors{Dim: dim, words: make(map[string][]float64)}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 256*1024), 16*1024*1024)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}

		if lineNo == 1 && len(fields) == 2 {
			if _, err := strconv.Atoi(fields[0]); err == nil {
				d, err := strconv.Atoi(fields[1])
				if err == nil {
					if v.Dim > 0 && d != v.Dim {
						return nil, fmt.Errorf("%w: header says %d, want %d", ErrDimension, d, v.Dim)
					}
					v.Dim = d
					continue
				}
			}
		}

		values := fields[1:]
		if v.Dim <= 0 {
			v.Dim = len(values)
		}
		if len(values) != v.Dim {
			return nil, fmt.Errorf("line %d: %w: got %d values, want %d", lineNo, ErrDimension, len(values), v.Dim)
		}

		vec := make([]float64, v.Dim)
		for i, s := range values {
			f, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return nil, fmt.Errorf("line %d: bad value %q: %w", lineNo, s, err)
			}
			vec[i] = f
		}
		if _, dup := v.words[fields[0]]; !dup {
			v.words[fields[0]] = vec
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading vectors: %w", err)
	}

	return v, nil
}

func LoadFile(path string, dim int) (*Vectors, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open vectors: %w", err)
	}
	defer f.Close()

	v, err := Read(f, dim)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	if DebugLog != nil {
		DebugLog("loaded %d vectors of dimension %d from %s", v.Len(), v.Dim, path)
	}
	return v, nil
}

// IsRandom reports whether the identifier asks for no pretrained vectors.
func IsRandom(identifier string) bool {
	switch strings.ToLower(strings.TrimSpace(identifier)) {
	case "", "random", "none":
		return true
	}
	return false
}

type Resolver struct {
	downloader *Downloader
}

func NewResolver(cfg *config.Config, sess *session.Session) *Resolver {
	return &Resolver{
		downloader: NewDownloader(cfg.Embeddings.CacheDir, cfg.Embeddings.BaseURL, sess),
	}
}

// Resolve returns nil vectors for random initialisation.
func (r *Resolver) Resolve(ctx context.Context, identifier string, dim int) (*Vectors, error) {
	if IsRandom(identifier) {
		return nil, nil
	}

	if info, err := os.Stat(identifier); err == nil && !info.IsDir() {
		return LoadFile(identifier, dim)
	}

	if strings.ContainsAny(identifier, `/\`) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, identifier)
	}

	path, err := r.downloader.Fetch(ctx, identifier, false)
	if err != nil {
		return nil, err
	}
	return LoadFile(path, dim)
}

// Apply copies vectors into the rows of a row-major table with one row per
// vocabulary entry and returns how many rows were covered.
func Apply(table []float64, dim int, words *vocab.Vocabulary, vectors *Vectors) (int, error) {
	if vectors == nil {
		return 0, nil
	}
	if vectors.Dim != dim {
		return 0, fmt.Errorf("%w: vectors have %d, model wants %d", ErrDimension, vectors.Dim, dim)
	}
	if len(table) != words.Len()*dim {
		return 0, fmt.Errorf("embedding table has %d values, want %d", len(table), words.Len()*dim)
	}

	covered := 0
	for i, tok := range words.Tokens() {
		vec, ok := vectors.Lookup(tok)
		if !ok {
			vec, ok = vectors.Lookup(strings.ToLower(tok))
		}
		if !ok {
			continue
		}
		copy(table[i*dim:(i+1)*dim], vec)
		covered++
	}
	return covered, nil
}

// CachePath is where a named scheme is stored locally.
func CachePath(cacheDir, name string) string {
	return filepath.Join(cacheDir, name+".txt")
}
