package store

import (
	"sync"

	"github.com/blevesearch/bleve"
)

// lexicalIndex is an in-memory bleve index over analysis lines. It backs the
// similarity fallback when the embedding path is unavailable, and is rebuilt
// from the analyses table on startup.
type lexicalIndex struct {
	mu    sync.RWMutex
	index bleve.Index
	lines map[string]string // analysis id -> line
}

type lexicalDoc struct {
	Line string `json:"line"`
}

func newLexicalIndex() *lexicalIndex {
	index, err := bleve.NewMemOnly(bleve.NewIndexMapping())
	if err != nil {
		// NewMemOnly only fails on mapping errors; the default mapping is valid.
		panic(err)
	}
	return &lexicalIndex{index: index, lines: make(map[string]string)}
}

func (l *lexicalIndex) Add(id, line string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines[id] = line
	return l.index.Index(id, lexicalDoc{Line: line})
}

func (l *lexicalIndex) Remove(id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.lines, id)
	return l.index.Delete(id)
}

func (l *lexicalIndex) Search(line string, limit int, excludeID string) ([]SimilarHit, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	query := bleve.NewMatchQuery(line)
	req := bleve.NewSearchRequestOptions(query, limit+1, 0, false)
	res, err := l.index.Search(req)
	if err != nil {
		return nil, err
	}
	var hits []SimilarHit
	for _, hit := range res.Hits {
		if hit.ID == excludeID {
			continue
		}
		hits = append(hits, SimilarHit{
			AnalysisID: hit.ID,
			Line:       l.lines[hit.ID],
			Score:      hit.Score,
		})
		if len(hits) >= limit {
			break
		}
	}
	return hits, nil
}
