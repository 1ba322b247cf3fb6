// Package textindex provides keyword search over fact edges using
// Bleve. It is the lexical half of hybrid retrieval; the vector half
// lives in vectorindex.
package textindex

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/search/query"
	"go.uber.org/zap"
)

// Config holds configuration for the fact index.
type Config struct {
	IndexPath string
	InMemory  bool
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		IndexPath: "./data/facts.bleve",
		InMemory:  false,
	}
}

// FactDoc is the indexed representation of a fact edge.
type FactDoc struct {
	UUID      string `json:"uuid"`
	Fact      string `json:"fact"`
	Predicate string `json:"predicate"`
	Namespace string `json:"namespace"`
}

// Hit is a single search result.
type Hit struct {
	UUID  string  `json:"uuid"`
	Fact  string  `json:"fact"`
	Score float64 `json:"score"`
}

// FactIndex provides keyword search over fact text with namespace
// isolation.
type FactIndex struct {
	index  bleve.Index
	config Config
	logger *zap.Logger
	mu     sync.RWMutex
}

// NewFactIndex creates or opens a fact index.
func NewFactIndex(cfg Config, logger *zap.Logger) (*FactIndex, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	fi := &FactIndex{
		config: cfg,
		logger: logger.Named("fact_index"),
	}

	var err error
	if cfg.InMemory {
		fi.index, err = bleve.NewMemOnly(fi.createMapping())
	} else {
		if err := os.MkdirAll(filepath.Dir(cfg.IndexPath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create index directory: %w", err)
		}

		index, openErr := bleve.Open(cfg.IndexPath)
		if openErr == bleve.ErrorIndexPathDoesNotExist {
			index, openErr = bleve.New(cfg.IndexPath, fi.createMapping())
		}
		fi.index, err = index, openErr
	}

	if err != nil {
		return nil, fmt.Errorf("failed to create/open bleve index: %w", err)
	}

	fi.logger.Info("fact index initialized",
		zap.String("path", cfg.IndexPath),
		zap.Bool("in_memory", cfg.InMemory))

	return fi, nil
}

func (fi *FactIndex) createMapping() mapping.IndexMapping {
	factMapping := bleve.NewDocumentMapping()

	textField := bleve.NewTextFieldMapping()
	textField.Index = true
	textField.Store = true
	textField.IncludeTermVectors = true
	textField.IncludeInAll = true
	factMapping.AddFieldMappingsAt("fact", textField)

	keywordField := bleve.NewTextFieldMapping()
	keywordField.Index = true
	keywordField.Store = true
	keywordField.IncludeInAll = false
	factMapping.AddFieldMappingsAt("uuid", keywordField)
	factMapping.AddFieldMappingsAt("predicate", keywordField)
	factMapping.AddFieldMappingsAt("namespace", keywordField)

	indexMapping := bleve.NewIndexMapping()
	indexMapping.AddDocumentMapping("fact", factMapping)
	indexMapping.DefaultAnalyzer = "standard"

	return indexMapping
}

// Index adds or updates one fact edge.
func (fi *FactIndex) Index(ctx context.Context, doc FactDoc) error {
	fi.mu.Lock()
	defer fi.mu.Unlock()

	if err := fi.index.Index(doc.UUID, doc); err != nil {
		return fmt.Errorf("failed to index fact: %w", err)
	}
	return nil
}

// BatchIndex adds multiple fact edges in one batch.
func (fi *FactIndex) BatchIndex(ctx context.Context, docs []FactDoc) error {
	if len(docs) == 0 {
		return nil
	}

	fi.mu.Lock()
	defer fi.mu.Unlock()

	batch := fi.index.NewBatch()
	for _, doc := range docs {
		if err := batch.Index(doc.UUID, doc); err != nil {
			fi.logger.Warn("failed to add fact to batch",
				zap.String("uuid", doc.UUID),
				zap.Error(err))
		}
	}
	if err := fi.index.Batch(batch); err != nil {
		return fmt.Errorf("failed to execute batch index: %w", err)
	}
	return nil
}

// Search returns facts matching the query text within a namespace,
// best first.
func (fi *FactIndex) Search(ctx context.Context, namespace, text string, limit int) ([]Hit, error) {
	fi.mu.RLock()
	defer fi.mu.RUnlock()

	matchQuery := bleve.NewMatchQuery(text)
	matchQuery.SetField("fact")

	namespaceQuery := query.NewTermQuery(namespace)
	namespaceQuery.SetField("namespace")

	searchRequest := bleve.NewSearchRequest(
		query.NewConjunctionQuery([]query.Query{matchQuery, namespaceQuery}))
	searchRequest.Size = limit
	searchRequest.Fields = []string{"uuid", "fact"}

	searchResult, err := fi.index.Search(searchRequest)
	if err != nil {
		return nil, fmt.Errorf("fact search failed: %w", err)
	}

	hits := make([]Hit, 0, len(searchResult.Hits))
	for _, hit := range searchResult.Hits {
		h := Hit{Score: hit.Score}
		if hit.Fields != nil {
			if u, ok := hit.Fields["uuid"].(string); ok {
				h.UUID = u
			}
			if f, ok := hit.Fields["fact"].(string); ok {
				h.Fact = f
			}
		}
		hits = append(hits, h)
	}
	return hits, nil
}

// Delete removes one fact edge from the index.
func (fi *FactIndex) Delete(ctx context.Context, uuid string) error {
	fi.mu.Lock()
	defer fi.mu.Unlock()
	return fi.index.Delete(uuid)
}

// DeleteNamespace removes every fact in a namespace.
func (fi *FactIndex) DeleteNamespace(ctx context.Context, namespace string) error {
	fi.mu.Lock()
	defer fi.mu.Unlock()

	namespaceQuery := query.NewTermQuery(namespace)
	namespaceQuery.SetField("namespace")

	for {
		searchRequest := bleve.NewSearchRequest(namespaceQuery)
		searchRequest.Size = 1000

		searchResult, err := fi.index.Search(searchRequest)
		if err != nil {
			return fmt.Errorf("namespace scan failed: %w", err)
		}
		if len(searchResult.Hits) == 0 {
			return nil
		}

		batch := fi.index.NewBatch()
		for _, hit := range searchResult.Hits {
			batch.Delete(hit.ID)
		}
		if err := fi.index.Batch(batch); err != nil {
			return fmt.Errorf("namespace delete failed: %w", err)
		}
	}
}

// Close releases the index.
func (fi *FactIndex) Close() error {
	return fi.index.Close()
}
