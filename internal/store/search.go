package store

import (
	"fmt"
	"sync"

	"github.com/blevesearch/bleve"

	core "github.com/mohammad-safakhou/prosearch/internal/agent/core"
)

// SourceDoc is one indexed reference from a completed run.
type SourceDoc struct {
	RunID string  `json:"run_id"`
	Topic string  `json:"topic"`
	Label string  `json:"label"`
	URL   string  `json:"url"`
	Score float64 `json:"score,omitempty"`
}

// SourceIndex is an in-memory full-text index over the sources gathered by
// completed runs, queried by GET /runs/search. It is rebuilt from scratch
// on process start, so losing it costs nothing durable.
type SourceIndex struct {
	index bleve.Index

	mu   sync.RWMutex
	docs map[string]SourceDoc
}

func NewSourceIndex() (*SourceIndex, error) {
	mapping := bleve.NewIndexMapping()
	index, err := bleve.NewMemOnly(mapping)
	if err != nil {
		return nil, fmt.Errorf("creating source index: %w", err)
	}
	return &SourceIndex{index: index, docs: make(map[string]SourceDoc)}, nil
}

// IndexRun adds every referenced source of a finished run to the index.
func (si *SourceIndex) IndexRun(result *core.RunResult) error {
	if si == nil || result == nil {
		return nil
	}
	batch := si.index.NewBatch()
	added := make(map[string]SourceDoc, len(result.Sources))
	for i, source := range result.Sources {
		id := fmt.Sprintf("%s:%d", result.RunID, i)
		doc := SourceDoc{
			RunID: result.RunID,
			Topic: result.Topic,
			Label: source.Label,
			URL:   source.OriginalURL,
		}
		if err := batch.Index(id, doc); err != nil {
			return fmt.Errorf("indexing source %s: %w", id, err)
		}
		added[id] = doc
	}
	if err := si.index.Batch(batch); err != nil {
		return fmt.Errorf("committing source batch: %w", err)
	}
	si.mu.Lock()
	for id, doc := range added {
		si.docs[id] = doc
	}
	si.mu.Unlock()
	return nil
}

// Search runs a query-string query and returns matching source documents
// ranked by score.
func (si *SourceIndex) Search(q string, limit int) ([]SourceDoc, error) {
	if si == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}
	query := bleve.NewQueryStringQuery(q)
	req := bleve.NewSearchRequestOptions(query, limit, 0, false)
	res, err := si.index.Search(req)
	if err != nil {
		return nil, fmt.Errorf("searching sources: %w", err)
	}

	si.mu.RLock()
	defer si.mu.RUnlock()
	out := make([]SourceDoc, 0, len(res.Hits))
	for _, hit := range res.Hits {
		doc, ok := si.docs[hit.ID]
		if !ok {
			continue
		}
		doc.Score = hit.Score
		out = append(out, doc)
	}
	return out, nil
}
