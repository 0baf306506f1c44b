// Package store persists documents by id. Only the head text is stored;
// revision history lives in memory while a document is loaded.
package store

import (
	"context"
	"errors"
	"regexp"
	"time"

	"hanwrite/api/internal/changeset"
)

var (
	ErrNotFound  = errors.New("document not found")
	ErrInvalidID = errors.New("invalid document id")
)

// Record is the persisted form of a document. Text becomes the baseline
// the next time the document is loaded.
type Record struct {
	ID   string           `json:"docId"`
	Name string           `json:"name"`
	Text []changeset.Char `json:"startText"`
}

type DocumentInfo struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Store is implemented by every backend.
type Store interface {
	Load(ctx context.Context, id string) (Record, error)
	Save(ctx context.Context, rec Record) error
	Delete(ctx context.Context, id string) error
	Exists(ctx context.Context, id string) (bool, error)
	List(ctx context.Context) ([]DocumentInfo, error)
	Ping(ctx context.Context) error
}

var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

func validateID(id string) error {
	if !idPattern.MatchString(id) {
		return ErrInvalidID
	}
	return nil
}

func normalize(rec Record) Record {
	if rec.Text == nil {
		rec.Text = []changeset.Char{}
	}
	return rec
}
