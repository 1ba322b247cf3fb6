package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/companion-memory-kernel/internal/graph"
)

// Result is one retrieved fact.
type Result struct {
	EdgeUUID  string     `json:"id"`
	Fact      string     `json:"content"`
	Score     float64    `json:"score"`
	ValidAt   time.Time  `json:"valid_at"`
	InvalidAt *time.Time `json:"invalid_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// EpisodeResult is one backfilled source episode.
type EpisodeResult struct {
	Name      string    `json:"name"`
	Content   string    `json:"content"`
	Source    string    `json:"source"`
	CreatedAt time.Time `json:"created_at"`
}

// SearchResult bundles facts with optional episode backfill.
type SearchResult struct {
	Facts    []Result        `json:"facts"`
	Episodes []EpisodeResult `json:"episodes,omitempty"`
}

// Search runs hybrid retrieval: vector and keyword candidates merged,
// reranked against the query, top-k kept. Invalidated facts still
// surface, carrying their interval.
func (e *Engine) Search(ctx context.Context, userID, query string, k int) (*SearchResult, error) {
	h, err := e.handle(ctx, userID)
	if err != nil {
		return nil, err
	}
	if k <= 0 {
		k = e.cfg.SearchTopK
	}
	pool := k * e.cfg.CandidateFactor

	var candidates []string
	if vec, err := e.embed(ctx, query); err == nil {
		for _, m := range e.vectors.Search(h.namespace, vec, pool) {
			candidates = append(candidates, m.UUID)
		}
	} else {
		e.logger.Warn("query embedding failed, keyword-only search", zap.Error(err))
	}

	hits, err := e.facts.Search(ctx, h.namespace, query, pool)
	if err != nil {
		e.logger.Warn("keyword search failed", zap.Error(err))
	}
	for _, hit := range hits {
		candidates = append(candidates, hit.UUID)
	}
	candidates = dedupe(candidates)
	if len(candidates) == 0 {
		return &SearchResult{}, nil
	}

	edges, err := e.graph.EdgesByUUIDs(ctx, h.namespace, candidates)
	if err != nil {
		return nil, fmt.Errorf("hydrate candidates: %w", err)
	}

	edges = e.rerank(ctx, query, edges)
	if len(edges) > k {
		edges = edges[:k]
	}

	out := &SearchResult{Facts: make([]Result, 0, len(edges))}
	for i, edge := range edges {
		out.Facts = append(out.Facts, Result{
			EdgeUUID:  edge.UUID,
			Fact:      edge.Fact,
			Score:     scoreOf(edge, i),
			ValidAt:   edge.ValidAt,
			InvalidAt: edge.InvalidAt,
			CreatedAt: edge.CreatedAt,
		})
	}

	if e.cfg.IncludeEpisodes {
		out.Episodes = e.backfillEpisodes(ctx, h.namespace, edges)
	}
	return out, nil
}

// rerank orders candidates by the reranker's relevance score; on
// reranker failure the hybrid candidate order stands.
func (e *Engine) rerank(ctx context.Context, query string, edges []graph.FactEdge) []graph.FactEdge {
	if len(edges) < 2 {
		return edges
	}

	texts := make([]string, len(edges))
	for i, edge := range edges {
		texts[i] = edge.Fact
	}

	scores, err := e.gw.Rerank(ctx, query, texts)
	if err != nil || len(scores) != len(edges) {
		e.logger.Warn("rerank failed, keeping hybrid order", zap.Error(err))
		return edges
	}

	type scored struct {
		edge  graph.FactEdge
		score float64
	}
	ranked := make([]scored, len(edges))
	for i := range edges {
		ranked[i] = scored{edges[i], scores[i]}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].score > ranked[j].score
	})

	out := make([]graph.FactEdge, len(ranked))
	for i, r := range ranked {
		out[i] = r.edge
		out[i].RerankScore = r.score
	}
	return out
}

func scoreOf(edge graph.FactEdge, rank int) float64 {
	if edge.RerankScore > 0 {
		return edge.RerankScore
	}
	// Positional fallback when the reranker was unavailable.
	return 1.0 / float64(rank+1)
}

// backfillEpisodes finds episodes mentioning any endpoint entity of
// the result edges, newest first.
func (e *Engine) backfillEpisodes(ctx context.Context, namespace string, edges []graph.FactEdge) []EpisodeResult {
	var entityUIDs []string
	for _, edge := range edges {
		if edge.Subject != nil {
			entityUIDs = append(entityUIDs, edge.Subject.UID)
		}
		if edge.Object != nil {
			entityUIDs = append(entityUIDs, edge.Object.UID)
		}
	}

	episodes, err := e.graph.EpisodesMentioning(ctx, namespace, dedupe(entityUIDs), e.cfg.SearchTopK)
	if err != nil {
		e.logger.Warn("episode backfill failed", zap.Error(err))
		return nil
	}

	out := make([]EpisodeResult, 0, len(episodes))
	for _, ep := range episodes {
		out = append(out, EpisodeResult{
			Name:      ep.Name,
			Content:   ep.Content,
			Source:    string(ep.Source),
			CreatedAt: ep.CreatedAt,
		})
	}
	return out
}

// EdgeView is one row of the history dump.
type EdgeView struct {
	Subject   string     `json:"subject"`
	Predicate string     `json:"predicate"`
	Object    string     `json:"object"`
	Fact      string     `json:"fact"`
	ValidAt   time.Time  `json:"valid_at"`
	InvalidAt *time.Time `json:"invalid_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	IsCurrent bool       `json:"is_current"`
}

// Dump is the full-history view of a partition.
type Dump struct {
	Edges       []EdgeView            `json:"edges"`
	ByPredicate map[string][]EdgeView `json:"by_predicate"`
}

// GetAll returns every fact edge, current and invalidated, grouped by
// predicate with each group in valid_at order.
func (e *Engine) GetAll(ctx context.Context, userID string) (*Dump, error) {
	h, err := e.handle(ctx, userID)
	if err != nil {
		return nil, err
	}

	edges, err := e.graph.FactEdges(ctx, h.namespace)
	if err != nil {
		return nil, err
	}

	views := make([]EdgeView, 0, len(edges))
	for _, edge := range edges {
		v := EdgeView{
			Predicate: edge.Predicate,
			Fact:      edge.Fact,
			ValidAt:   edge.ValidAt,
			InvalidAt: edge.InvalidAt,
			CreatedAt: edge.CreatedAt,
			IsCurrent: edge.IsCurrent(),
		}
		if edge.Subject != nil {
			v.Subject = edge.Subject.Name
		}
		if edge.Object != nil {
			v.Object = edge.Object.Name
		}
		views = append(views, v)
	}

	return &Dump{Edges: views, ByPredicate: GroupByPredicate(views)}, nil
}

// GroupByPredicate buckets edges by predicate, each bucket sorted by
// valid_at ascending.
func GroupByPredicate(views []EdgeView) map[string][]EdgeView {
	grouped := make(map[string][]EdgeView)
	for _, v := range views {
		grouped[v.Predicate] = append(grouped[v.Predicate], v)
	}
	for pred := range grouped {
		group := grouped[pred]
		sort.SliceStable(group, func(i, j int) bool {
			return group[i].ValidAt.Before(group[j].ValidAt)
		})
		grouped[pred] = group
	}
	return grouped
}

// Clear drops a user's entire partition: graph nodes, keyword index
// and vectors.
func (e *Engine) Clear(ctx context.Context, userID string) error {
	h, err := e.handle(ctx, userID)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := e.graph.DropNamespace(ctx, h.namespace); err != nil {
		return err
	}
	if err := e.facts.DeleteNamespace(ctx, h.namespace); err != nil {
		e.logger.Warn("keyword index clear failed", zap.String("namespace", h.namespace), zap.Error(err))
	}
	e.vectors.DropNamespace(h.namespace)
	return nil
}

// Decider gates expensive memory operations with cheap model calls.
type Decider interface {
	ShouldRetrieve(ctx context.Context, query string) (bool, string)
	ShouldStore(ctx context.Context, conversation string) (bool, string)
}

// Retrieve runs Search only when the decider judges the query to need
// personal history. Returns nil (no error) when skipped.
func (e *Engine) Retrieve(ctx context.Context, dec Decider, userID, query string, k int) (*SearchResult, error) {
	ok, reason := dec.ShouldRetrieve(ctx, query)
	if !ok {
		e.logger.Debug("retrieval skipped", zap.String("user", userID), zap.String("reason", reason))
		return nil, nil
	}
	return e.Search(ctx, userID, query, k)
}

// SmartStore ingests a conversation round only when the decider judges
// it memorable. Returns nil (no error) when skipped.
func (e *Engine) SmartStore(ctx context.Context, dec Decider, userID, conversation string, referenceTime time.Time) (*AddResult, error) {
	ok, reason := dec.ShouldStore(ctx, conversation)
	if !ok {
		e.logger.Debug("store skipped", zap.String("user", userID), zap.String("reason", reason))
		return nil, nil
	}
	return e.AddEpisode(ctx, userID, conversation, graph.SourceChat, referenceTime)
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := in[:0]
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
