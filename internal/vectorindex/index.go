// Package vectorindex provides in-memory cosine similarity search over
// fact edge embeddings, partitioned by namespace. It is the semantic
// half of hybrid retrieval; the keyword half lives in textindex.
package vectorindex

import (
	"math"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Entry is one indexed vector.
type Entry struct {
	UUID   string
	Vector []float32
}

// Match is a search result with its cosine similarity.
type Match struct {
	UUID       string
	Similarity float64
}

// Index holds per-namespace vector sets. Fact edge counts per user stay
// small enough that exact scan beats any approximate structure.
type Index struct {
	mu     sync.RWMutex
	byNS   map[string]map[string][]float32
	logger *zap.Logger
}

// NewIndex creates an empty vector index.
func NewIndex(logger *zap.Logger) *Index {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Index{
		byNS:   make(map[string]map[string][]float32),
		logger: logger.Named("vector_index"),
	}
}

// Add inserts or replaces a vector in a namespace.
func (ix *Index) Add(namespace, uuid string, vector []float32) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	ns, ok := ix.byNS[namespace]
	if !ok {
		ns = make(map[string][]float32)
		ix.byNS[namespace] = ns
	}
	ns[uuid] = normalize(vector)
}

// Remove deletes a vector from a namespace.
func (ix *Index) Remove(namespace, uuid string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ns, ok := ix.byNS[namespace]; ok {
		delete(ns, uuid)
	}
}

// DropNamespace deletes all vectors in a namespace.
func (ix *Index) DropNamespace(namespace string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	delete(ix.byNS, namespace)
}

// Count returns the number of vectors in a namespace.
func (ix *Index) Count(namespace string) int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.byNS[namespace])
}

// Search returns the topK nearest vectors by cosine similarity.
func (ix *Index) Search(namespace string, query []float32, topK int) []Match {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	ns, ok := ix.byNS[namespace]
	if !ok || len(ns) == 0 {
		return nil
	}

	q := normalize(query)
	matches := make([]Match, 0, len(ns))
	for uuid, vec := range ns {
		matches = append(matches, Match{
			UUID:       uuid,
			Similarity: dotProduct(q, vec),
		})
	}

	sort.Slice(matches, func(i, j int) bool {
		return matches[i].Similarity > matches[j].Similarity
	})

	if topK > 0 && len(matches) > topK {
		matches = matches[:topK]
	}
	return matches
}

func dotProduct(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0.0
	}
	sum := 0.0
	for i := 0; i < len(a); i++ {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

func normalize(v []float32) []float32 {
	result := make([]float32, len(v))
	copy(result, v)

	norm := 0.0
	for _, val := range result {
		norm += float64(val) * float64(val)
	}
	norm = math.Sqrt(norm)

	if norm > 0 {
		for i := range result {
			result[i] = float32(float64(result[i]) / norm)
		}
	}
	return result
}

// CosineSimilarity returns the cosine similarity of two raw vectors.
// Used for entity resolution outside the index.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0.0
	}

	dot := 0.0
	normA := 0.0
	normB := 0.0
	for i := 0; i < len(a); i++ {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	normA = math.Sqrt(normA)
	normB = math.Sqrt(normB)
	if normA == 0 || normB == 0 {
		return 0.0
	}
	return dot / (normA * normB)
}
