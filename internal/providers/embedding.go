package providers

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"

	"github.com/sashabaranov/go-openai"
)

type embedFunc func(ctx context.Context, texts []string) ([][]float32, error)

// EmbeddingSimilarity scores texts by cosine similarity of their
// embeddings. Any failure yields ok=false so callers degrade.
type EmbeddingSimilarity struct {
	embed embedFunc
	cfg   EmbeddingConfig

	mu    sync.Mutex
	cache map[string]*list.Element
	lru   *list.List
}

type cacheEntry struct {
	text   string
	vector []float32
}

// NewEmbeddingSimilarity builds a scorer on an OpenAI-compatible embeddings
// endpoint.
func NewEmbeddingSimilarity(cfg EmbeddingConfig, client *openai.Client) *EmbeddingSimilarity {
	model := openai.EmbeddingModel(cfg.Model)
	return newEmbeddingSimilarity(cfg, func(ctx context.Context, texts []string) ([][]float32, error) {
		resp, err := client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
			Input: texts,
			Model: model,
		})
		if err != nil {
			return nil, fmt.Errorf("create embeddings: %w", err)
		}
		out := make([][]float32, len(texts))
		for i, d := range resp.Data {
			idx := d.Index
			if idx < 0 || idx >= len(out) {
				idx = i
			}
			out[idx] = d.Embedding
		}
		return out, nil
	})
}

func newEmbeddingSimilarity(cfg EmbeddingConfig, embed embedFunc) *EmbeddingSimilarity {
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = DefaultEmbeddingConfig().CacheSize
	}
	return &EmbeddingSimilarity{
		embed: embed,
		cfg:   cfg,
		cache: make(map[string]*list.Element),
		lru:   list.New(),
	}
}

// Similarity implements schema.SimilarityScorer.
func (s *EmbeddingSimilarity) Similarity(ctx context.Context, a, b string) (float64, bool) {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	if a == "" || b == "" {
		return 0, false
	}
	if a == b {
		return 1, true
	}

	vectors, err := s.vectors(ctx, []string{a, b})
	if err != nil {
		slog.Debug("embedding similarity unavailable", "err", err)
		return 0, false
	}
	score, ok := Cosine(vectors[0], vectors[1])
	return score, ok
}

// vectors returns embeddings for texts, fetching only cache misses.
func (s *EmbeddingSimilarity) vectors(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var missing []string
	var missingIdx []int

	s.mu.Lock()
	for i, t := range texts {
		if el, ok := s.cache[t]; ok {
			s.lru.MoveToFront(el)
			out[i] = el.Value.(*cacheEntry).vector
			continue
		}
		missing = append(missing, t)
		missingIdx = append(missingIdx, i)
	}
	s.mu.Unlock()

	if len(missing) == 0 {
		return out, nil
	}

	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}
	fetched, err := s.embed(ctx, missing)
	if err != nil {
		return nil, err
	}
	if len(fetched) != len(missing) {
		return nil, fmt.Errorf("embedding count mismatch: got %d want %d", len(fetched), len(missing))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range fetched {
		if len(v) == 0 {
			return nil, errors.New("empty embedding returned")
		}
		out[missingIdx[k]] = v
		s.putLocked(missing[k], v)
	}
	return out, nil
}

func (s *EmbeddingSimilarity) putLocked(text string, v []float32) {
	if el, ok := s.cache[text]; ok {
		s.lru.MoveToFront(el)
		return
	}
	s.cache[text] = s.lru.PushFront(&cacheEntry{text: text, vector: v})
	for s.lru.Len() > s.cfg.CacheSize {
		last := s.lru.Back()
		s.lru.Remove(last)
		delete(s.cache, last.Value.(*cacheEntry).text)
	}
}

// Cosine returns the cosine similarity of a and b. ok is false when the
// vectors differ in length or either has zero magnitude.
func Cosine(a, b []float32) (float64, bool) {
	if len(a) == 0 || len(a) != len(b) {
		return 0, false
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0, false
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb)), true
}
