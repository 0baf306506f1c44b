package search

import (
	"context"
	"strings"

	"hanwrite/api/internal/changeset"
	"hanwrite/api/internal/store"
)

// Result is a single search hit returned to the caller.
type Result struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Snippet string `json:"snippet"`
}

// Query describes a search request.
type Query struct {
	Text   string
	Limit  int
	Offset int
}

func (q Query) limit() int {
	if q.Limit <= 0 {
		return 20
	}
	return q.Limit
}

func (q Query) offset() int {
	if q.Offset < 0 {
		return 0
	}
	return q.Offset
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// Index is a Searcher that documents can be pushed into.
type Index interface {
	Searcher
	IndexDocument(doc DocumentRecord) error
	IndexDocuments(docs []DocumentRecord) error
	DeleteDocument(id string) error
}

// DocumentRecord is the data we index for a document. Pinyin holds the
// romanizations of annotated cells so romanized queries match.
type DocumentRecord struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Text   string `json:"text"`
	Pinyin string `json:"pinyin"`
}

func RecordFrom(rec store.Record) DocumentRecord {
	var pinyin []string
	for _, c := range rec.Text {
		if c.Pinyin != "" {
			pinyin = append(pinyin, c.Pinyin)
		}
	}
	return DocumentRecord{
		ID:     rec.ID,
		Name:   rec.Name,
		Text:   changeset.PlainString(rec.Text),
		Pinyin: strings.Join(pinyin, " "),
	}
}
