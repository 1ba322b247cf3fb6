// Package memory is the temporal knowledge graph engine: episode
// ingestion with entity resolution and contradiction handling, hybrid
// fact retrieval, and the full-history dump. One partition per user,
// one writer per partition.
package memory

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/companion-memory-kernel/internal/cache"
	"github.com/companion-memory-kernel/internal/graph"
	"github.com/companion-memory-kernel/internal/llm"
	"github.com/companion-memory-kernel/internal/textindex"
	"github.com/companion-memory-kernel/internal/vectorindex"
)

// Config tunes the engine.
type Config struct {
	SearchTopK      int
	IncludeEpisodes bool
	// ResolveThreshold is the cosine similarity above which an
	// extracted entity snaps to an existing one.
	ResolveThreshold float64
	// CandidateFactor widens the hybrid candidate pool before rerank.
	CandidateFactor int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		SearchTopK:       5,
		IncludeEpisodes:  false,
		ResolveThreshold: 0.85,
		CandidateFactor:  4,
	}
}

// Engine owns all per-user temporal memory.
type Engine struct {
	graph   *graph.Client
	gw      llm.Gateway
	facts   *textindex.FactIndex
	vectors *vectorindex.Index
	embeds  *cache.EmbedCache
	cfg     Config
	logger  *zap.Logger
	now     func() time.Time

	mu      sync.Mutex
	handles map[string]*userHandle
}

// userHandle serializes writes for one user's partition and warms the
// in-memory indexes exactly once. Handles are created lazily and never
// evicted.
type userHandle struct {
	namespace string
	mu        sync.Mutex
	warm      sync.Once
	warmErr   error
}

// NewEngine creates the memory engine.
func NewEngine(graphClient *graph.Client, gw llm.Gateway, facts *textindex.FactIndex,
	vectors *vectorindex.Index, embeds *cache.EmbedCache, cfg Config, logger *zap.Logger) *Engine {
	if cfg.SearchTopK == 0 {
		cfg.SearchTopK = 5
	}
	if cfg.ResolveThreshold == 0 {
		cfg.ResolveThreshold = 0.85
	}
	if cfg.CandidateFactor == 0 {
		cfg.CandidateFactor = 4
	}
	return &Engine{
		graph:   graphClient,
		gw:      gw,
		facts:   facts,
		vectors: vectors,
		embeds:  embeds,
		cfg:     cfg,
		logger:  logger.Named("memory"),
		now:     time.Now,
		handles: make(map[string]*userHandle),
	}
}

// handle returns the user's partition handle, creating and warming it
// on first touch. Concurrent first touches dedupe on the engine lock;
// warming dedupes on the handle's Once.
func (e *Engine) handle(ctx context.Context, userID string) (*userHandle, error) {
	e.mu.Lock()
	h, ok := e.handles[userID]
	if !ok {
		h = &userHandle{namespace: graph.NamespaceFor(userID)}
		e.handles[userID] = h
	}
	e.mu.Unlock()

	h.warm.Do(func() {
		h.warmErr = e.warmIndexes(ctx, h.namespace)
	})
	return h, h.warmErr
}

// warmIndexes rebuilds the in-memory vector and keyword indexes for a
// partition from the graph.
func (e *Engine) warmIndexes(ctx context.Context, namespace string) error {
	edges, err := e.graph.EdgeEmbeddings(ctx, namespace)
	if err != nil {
		return err
	}

	docs := make([]textindex.FactDoc, 0, len(edges))
	for _, edge := range edges {
		if len(edge.Embedding) > 0 {
			e.vectors.Add(namespace, edge.UUID, edge.Embedding)
		}
		docs = append(docs, textindex.FactDoc{
			UUID:      edge.UUID,
			Fact:      edge.Fact,
			Predicate: edge.Predicate,
			Namespace: namespace,
		})
	}
	if err := e.facts.BatchIndex(ctx, docs); err != nil {
		return err
	}

	e.logger.Info("partition indexes warmed",
		zap.String("namespace", namespace),
		zap.Int("edges", len(edges)))
	return nil
}

// embed returns the vector for one text, via the two-tier cache.
func (e *Engine) embed(ctx context.Context, text string) ([]float32, error) {
	if vec, ok := e.embeds.Get(ctx, text); ok {
		return vec, nil
	}
	vectors, err := e.gw.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	e.embeds.Set(ctx, text, vectors[0])
	return vectors[0], nil
}
