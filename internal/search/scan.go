package search

import (
	"context"
	"fmt"
	"log"
	"strings"

	"hanwrite/api/internal/store"
)

// Catalog is the read side of document storage.
type Catalog interface {
	List(ctx context.Context) ([]store.DocumentInfo, error)
	Load(ctx context.Context, id string) (store.Record, error)
}

// StoreScan searches by loading every stored document. It is the fallback
// for stores without a text index.
type StoreScan struct {
	catalog Catalog
}

func NewStoreScan(catalog Catalog) *StoreScan {
	return &StoreScan{catalog: catalog}
}

func (s *StoreScan) Healthy() bool {
	return true
}

func (s *StoreScan) Search(ctx context.Context, q Query) ([]Result, int, error) {
	text := strings.TrimSpace(q.Text)
	if text == "" {
		return nil, 0, nil
	}
	infos, err := s.catalog.List(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("scan list: %w", err)
	}

	var matches []Result
	for _, info := range infos {
		rec, err := s.catalog.Load(ctx, info.ID)
		if err != nil {
			log.Printf("search: scan load %s: %v", info.ID, err)
			continue
		}
		doc := RecordFrom(rec)
		if !containsFold(doc.Name, text) && !containsFold(doc.Text, text) && !containsFold(doc.Pinyin, text) {
			continue
		}
		matches = append(matches, Result{ID: doc.ID, Name: doc.Name, Snippet: makeSnippet(doc.Text, text)})
	}

	total := len(matches)
	from := min(q.offset(), total)
	to := min(from+q.limit(), total)
	return matches[from:to], total, nil
}

// AllRecords loads every stored document for reindexing.
func AllRecords(ctx context.Context, catalog Catalog) ([]DocumentRecord, error) {
	infos, err := catalog.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	docs := make([]DocumentRecord, 0, len(infos))
	for _, info := range infos {
		rec, err := catalog.Load(ctx, info.ID)
		if err != nil {
			log.Printf("search: reindex load %s: %v", info.ID, err)
			continue
		}
		docs = append(docs, RecordFrom(rec))
	}
	return docs, nil
}
