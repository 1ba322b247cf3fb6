// Package graph provides the DGraph client and schema for the per-user
// temporal knowledge graph. Entities, episodes and fact edges live as
// nodes; fact edges carry a bi-temporal interval (valid_at/invalid_at
// for world time, created_at/expired_at for system time).
package graph

import "time"

// NodeKind discriminates the node flavours sharing the graph.
type NodeKind string

const (
	KindEntity  NodeKind = "Entity"
	KindEpisode NodeKind = "Episode"
	KindFact    NodeKind = "Fact"
)

// EpisodeSource tags where an episode came from.
type EpisodeSource string

const (
	SourceChat EpisodeSource = "chat"
	SourceAPI  EpisodeSource = "api"
)

// Entity is a resolved node in a user's knowledge graph.
type Entity struct {
	UID       string    `json:"uid,omitempty"`
	DType     []string  `json:"dgraph.type,omitempty"`
	Name      string    `json:"entity_name,omitempty"`
	Summary   string    `json:"summary,omitempty"`
	Namespace string    `json:"namespace,omitempty"`
	Embedding []float32 `json:"embedding,omitempty"`
	CreatedAt time.Time `json:"created_at,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// Episode is a raw unit of experience: one conversation round or one
// externally ingested text.
type Episode struct {
	UID       string        `json:"uid,omitempty"`
	DType     []string      `json:"dgraph.type,omitempty"`
	Name      string        `json:"episode_name,omitempty"`
	Content   string        `json:"content,omitempty"`
	Source    EpisodeSource `json:"source,omitempty"`
	Namespace string        `json:"namespace,omitempty"`
	ValidAt   time.Time     `json:"valid_at,omitempty"`
	CreatedAt time.Time     `json:"created_at,omitempty"`

	// Entities this episode mentions.
	Mentions []Entity `json:"mentions,omitempty"`
}

// FactEdge is a bi-temporal relationship between two entities. It is
// stored as a node so the interval and provenance can be indexed.
//
// ValidAt/InvalidAt bound when the fact held in the world; InvalidAt is
// nil while the fact is current. CreatedAt/ExpiredAt bound when the
// system believed it; ExpiredAt is set at invalidation and never makes
// the row disappear.
type FactEdge struct {
	UID       string   `json:"uid,omitempty"`
	DType     []string `json:"dgraph.type,omitempty"`
	UUID      string   `json:"edge_uuid,omitempty"`
	Fact      string   `json:"fact,omitempty"`
	Predicate string   `json:"predicate,omitempty"`
	Namespace string   `json:"namespace,omitempty"`

	Subject *Entity `json:"subject,omitempty"`
	Object  *Entity `json:"object,omitempty"`

	ValidAt   time.Time  `json:"valid_at,omitempty"`
	InvalidAt *time.Time `json:"invalid_at,omitempty"`
	CreatedAt time.Time  `json:"created_at,omitempty"`
	ExpiredAt *time.Time `json:"expired_at,omitempty"`

	Embedding []float32 `json:"embedding,omitempty"`

	// Episodes that asserted this fact.
	SourceEpisodes []Episode `json:"source_episodes,omitempty"`

	// RerankScore is populated transiently during retrieval.
	RerankScore float64 `json:"-"`
}

// IsCurrent reports whether the fact still holds.
func (e *FactEdge) IsCurrent() bool {
	return e.InvalidAt == nil
}

// Schema is the full DGraph schema applied at startup. namespace is
// indexed exact on every node kind so per-user isolation is a single
// eq() filter.
const Schema = `
	# Node types
	type Entity {
		entity_name
		summary
		namespace
		embedding
		created_at
		updated_at
	}

	type Episode {
		episode_name
		content
		source
		namespace
		valid_at
		created_at
		mentions
	}

	type Fact {
		edge_uuid
		fact
		predicate
		namespace
		subject
		object
		valid_at
		invalid_at
		created_at
		expired_at
		source_episodes
	}

	# Predicates with indexes
	entity_name: string @index(exact, term) .
	summary: string .
	episode_name: string @index(exact) .
	content: string .
	source: string @index(exact) .
	edge_uuid: string @index(exact) .
	fact: string @index(fulltext) .
	predicate: string @index(exact) .
	namespace: string @index(exact) .
	embedding: [float] .
	subject: uid @reverse .
	object: uid @reverse .
	mentions: [uid] @reverse .
	source_episodes: [uid] @reverse .
	valid_at: dateTime @index(hour) .
	invalid_at: dateTime .
	created_at: dateTime @index(hour) .
	expired_at: dateTime .
	updated_at: dateTime .
`

// NamespaceFor returns the graph namespace for a user.
func NamespaceFor(userID string) string {
	return "user_" + userID
}
