package search

import (
	"context"
	"log"
	"sync"

	"hanwrite/api/internal/store"
)

// Service is the facade that tries the index first and falls back to the
// fallback searcher. It also keeps the index current as documents are saved.
type Service struct {
	index    Index
	fallback Searcher
	pending  sync.WaitGroup
}

// NewService creates a search service. index may be nil if Meilisearch is
// not configured.
func NewService(index Index, fallback Searcher) *Service {
	return &Service{index: index, fallback: fallback}
}

func (s *Service) indexReady() bool {
	return s.index != nil && s.index.Healthy()
}

// Search tries the index if healthy, otherwise falls back.
func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.indexReady() {
		results, total, err := s.index.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		log.Printf("search: index error, falling back: %v", err)
	}
	if s.fallback == nil {
		return Response{Results: []Result{}, Query: q.Text}
	}

	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		log.Printf("search: fallback error: %v", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// DocumentSaved re-indexes a document (fire-and-forget).
func (s *Service) DocumentSaved(rec store.Record) {
	if !s.indexReady() {
		return
	}
	doc := RecordFrom(rec)
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		if err := s.index.IndexDocument(doc); err != nil {
			log.Printf("search: index document %s: %v", doc.ID, err)
		}
	}()
}

// DocumentDeleted removes a document from the index (fire-and-forget).
func (s *Service) DocumentDeleted(id string) {
	if !s.indexReady() {
		return
	}
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		if err := s.index.DeleteDocument(id); err != nil {
			log.Printf("search: delete document %s: %v", id, err)
		}
	}()
}

// Reindex pushes every stored document into the index.
func (s *Service) Reindex(ctx context.Context, catalog Catalog) {
	if !s.indexReady() {
		return
	}
	docs, err := AllRecords(ctx, catalog)
	if err != nil {
		log.Printf("search: reindex: %v", err)
		return
	}
	if err := s.index.IndexDocuments(docs); err != nil {
		log.Printf("search: reindex documents: %v", err)
		return
	}
	log.Printf("search: reindexed %d documents", len(docs))
}

// Wait blocks until in-flight index updates are done.
func (s *Service) Wait() {
	s.pending.Wait()
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
