package graph

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/companion-memory-kernel/internal/jsonx"
)

// CreateEntity stores a new entity node and returns its uid.
func (c *Client) CreateEntity(ctx context.Context, e Entity) (string, error) {
	blank := BlankID("entity")
	e.UID = blank
	e.DType = []string{string(KindEntity)}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	e.UpdatedAt = e.CreatedAt

	uids, err := c.MutateJSON(ctx, e)
	if err != nil {
		return "", err
	}
	uid, ok := uids[blank[2:]]
	if !ok {
		return "", fmt.Errorf("no uid returned for entity %q", e.Name)
	}
	return uid, nil
}

// UpdateEntitySummary replaces an entity's summary.
func (c *Client) UpdateEntitySummary(ctx context.Context, uid, summary string) error {
	_, err := c.MutateJSON(ctx, map[string]interface{}{
		"uid":        uid,
		"summary":    summary,
		"updated_at": time.Now(),
	})
	return err
}

// Entities returns every entity in a namespace, embeddings included,
// for name and vector resolution.
func (c *Client) Entities(ctx context.Context, namespace string) ([]Entity, error) {
	const q = `
		query Entities($ns: string) {
			entities(func: eq(namespace, $ns)) @filter(type(Entity)) {
				uid
				entity_name
				summary
				embedding
				created_at
				updated_at
			}
		}`

	data, err := c.Query(ctx, q, map[string]string{"$ns": namespace})
	if err != nil {
		return nil, err
	}

	var result struct {
		Entities []Entity `json:"entities"`
	}
	if err := jsonx.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("unmarshal entities: %w", err)
	}
	return result.Entities, nil
}

// CreateEpisode stores an episode node linked to the entities it
// mentions and returns its uid.
func (c *Client) CreateEpisode(ctx context.Context, ep Episode, mentionUIDs []string) (string, error) {
	blank := BlankID("episode")
	ep.UID = blank
	ep.DType = []string{string(KindEpisode)}
	if ep.CreatedAt.IsZero() {
		ep.CreatedAt = time.Now()
	}
	for _, uid := range mentionUIDs {
		ep.Mentions = append(ep.Mentions, Entity{UID: uid})
	}

	uids, err := c.MutateJSON(ctx, ep)
	if err != nil {
		return "", err
	}
	uid, ok := uids[blank[2:]]
	if !ok {
		return "", fmt.Errorf("no uid returned for episode %q", ep.Name)
	}
	return uid, nil
}

// AddMentions links an episode to the entities it references.
func (c *Client) AddMentions(ctx context.Context, episodeUID string, entityUIDs []string) error {
	if len(entityUIDs) == 0 {
		return nil
	}
	mentions := make([]Entity, 0, len(entityUIDs))
	for _, uid := range entityUIDs {
		mentions = append(mentions, Entity{UID: uid})
	}
	_, err := c.MutateJSON(ctx, map[string]interface{}{
		"uid":      episodeUID,
		"mentions": mentions,
	})
	return err
}

// EdgeEmbedding pairs a fact edge uuid with its stored vector.
type EdgeEmbedding struct {
	UUID      string    `json:"edge_uuid"`
	Fact      string    `json:"fact"`
	Predicate string    `json:"predicate"`
	Embedding []float32 `json:"embedding"`
}

// EdgeEmbeddings returns uuid/vector pairs for every fact edge in a
// namespace. Used to warm the in-memory indexes on first touch.
func (c *Client) EdgeEmbeddings(ctx context.Context, namespace string) ([]EdgeEmbedding, error) {
	const q = `
		query Embeddings($ns: string) {
			facts(func: eq(namespace, $ns)) @filter(type(Fact)) {
				edge_uuid
				fact
				predicate
				embedding
			}
		}`

	data, err := c.Query(ctx, q, map[string]string{"$ns": namespace})
	if err != nil {
		return nil, err
	}

	var result struct {
		Facts []EdgeEmbedding `json:"facts"`
	}
	if err := jsonx.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("unmarshal edge embeddings: %w", err)
	}
	return result.Facts, nil
}

// CreateFactEdge stores a fact edge between two resolved entities and
// returns its uid.
func (c *Client) CreateFactEdge(ctx context.Context, edge FactEdge, subjectUID, objectUID, episodeUID string) (string, error) {
	blank := BlankID("fact")
	edge.UID = blank
	edge.DType = []string{string(KindFact)}
	if edge.CreatedAt.IsZero() {
		edge.CreatedAt = time.Now()
	}
	edge.Subject = &Entity{UID: subjectUID}
	edge.Object = &Entity{UID: objectUID}
	if episodeUID != "" {
		edge.SourceEpisodes = []Episode{{UID: episodeUID}}
	}

	uids, err := c.MutateJSON(ctx, edge)
	if err != nil {
		return "", err
	}
	uid, ok := uids[blank[2:]]
	if !ok {
		return "", fmt.Errorf("no uid returned for fact %q", edge.UUID)
	}
	return uid, nil
}

// CurrentEdge returns the newest current fact edge for a subject and
// predicate, or nil when none exists. Used for contradiction checks.
func (c *Client) CurrentEdge(ctx context.Context, namespace, subjectUID, predicate string) (*FactEdge, error) {
	const q = `
		query Current($ns: string, $pred: string, $subj: string) {
			var(func: uid($subj)) {
				candidates as ~subject
			}
			edges(func: uid(candidates), orderdesc: valid_at, first: 1) @filter(type(Fact) AND eq(namespace, $ns) AND eq(predicate, $pred) AND NOT has(invalid_at)) {
				uid
				edge_uuid
				fact
				predicate
				valid_at
				created_at
				object {
					uid
					entity_name
				}
			}
		}`

	data, err := c.Query(ctx, q, map[string]string{
		"$ns":   namespace,
		"$pred": predicate,
		"$subj": subjectUID,
	})
	if err != nil {
		return nil, err
	}

	var result struct {
		Edges []FactEdge `json:"edges"`
	}
	if err := jsonx.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("unmarshal current edge: %w", err)
	}
	if len(result.Edges) == 0 {
		return nil, nil
	}
	return &result.Edges[0], nil
}

// InvalidateEdge closes a fact edge's world-time interval. The row
// stays queryable; nothing is deleted.
func (c *Client) InvalidateEdge(ctx context.Context, uid string, invalidAt time.Time) error {
	now := time.Now()
	_, err := c.MutateJSON(ctx, map[string]interface{}{
		"uid":        uid,
		"invalid_at": invalidAt,
		"expired_at": now,
	})
	return err
}

// FactEdges returns every fact edge in a namespace with resolved
// subject and object names, current and invalidated alike.
func (c *Client) FactEdges(ctx context.Context, namespace string) ([]FactEdge, error) {
	const q = `
		query Facts($ns: string) {
			facts(func: eq(namespace, $ns)) @filter(type(Fact)) {
				uid
				edge_uuid
				fact
				predicate
				valid_at
				invalid_at
				created_at
				expired_at
				subject {
					uid
					entity_name
				}
				object {
					uid
					entity_name
				}
			}
		}`

	data, err := c.Query(ctx, q, map[string]string{"$ns": namespace})
	if err != nil {
		return nil, err
	}

	var result struct {
		Facts []FactEdge `json:"facts"`
	}
	if err := jsonx.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("unmarshal fact edges: %w", err)
	}
	return result.Facts, nil
}

// EdgesByUUIDs hydrates fact edges from their stable uuids, preserving
// input order. Unknown uuids are skipped.
func (c *Client) EdgesByUUIDs(ctx context.Context, namespace string, uuids []string) ([]FactEdge, error) {
	if len(uuids) == 0 {
		return nil, nil
	}

	all, err := c.FactEdges(ctx, namespace)
	if err != nil {
		return nil, err
	}

	byUUID := make(map[string]FactEdge, len(all))
	for _, e := range all {
		byUUID[e.UUID] = e
	}

	out := make([]FactEdge, 0, len(uuids))
	for _, id := range uuids {
		if e, ok := byUUID[id]; ok {
			out = append(out, e)
		}
	}
	return out, nil
}

// EpisodesMentioning returns episodes that mention any of the given
// entities, newest first, deduplicated by uid.
func (c *Client) EpisodesMentioning(ctx context.Context, namespace string, entityUIDs []string, limit int) ([]Episode, error) {
	if len(entityUIDs) == 0 {
		return nil, nil
	}

	const q = `
		query Mentioning($ns: string) {
			episodes(func: eq(namespace, $ns), orderdesc: created_at) @filter(type(Episode)) {
				uid
				episode_name
				content
				source
				valid_at
				created_at
				mentions {
					uid
				}
			}
		}`

	data, err := c.Query(ctx, q, map[string]string{"$ns": namespace})
	if err != nil {
		return nil, err
	}

	var result struct {
		Episodes []Episode `json:"episodes"`
	}
	if err := jsonx.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("unmarshal episodes: %w", err)
	}

	wanted := make(map[string]bool, len(entityUIDs))
	for _, uid := range entityUIDs {
		wanted[uid] = true
	}

	out := make([]Episode, 0, limit)
	for _, ep := range result.Episodes {
		for _, m := range ep.Mentions {
			if wanted[m.UID] {
				out = append(out, ep)
				break
			}
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// DropNamespace deletes every node in a user's namespace.
func (c *Client) DropNamespace(ctx context.Context, namespace string) error {
	const q = `
		query All($ns: string) {
			nodes(func: eq(namespace, $ns)) {
				uid
			}
		}`

	data, err := c.Query(ctx, q, map[string]string{"$ns": namespace})
	if err != nil {
		return err
	}

	var result struct {
		Nodes []struct {
			UID string `json:"uid"`
		} `json:"nodes"`
	}
	if err := jsonx.Unmarshal(data, &result); err != nil {
		return fmt.Errorf("unmarshal namespace nodes: %w", err)
	}
	if len(result.Nodes) == 0 {
		return nil
	}

	payload := make([]map[string]string, 0, len(result.Nodes))
	for _, n := range result.Nodes {
		payload = append(payload, map[string]string{"uid": n.UID})
	}
	if err := c.DeleteJSON(ctx, payload); err != nil {
		return err
	}

	c.logger.Info("namespace dropped",
		zap.String("namespace", namespace),
		zap.Int("nodes", len(result.Nodes)))
	return nil
}
