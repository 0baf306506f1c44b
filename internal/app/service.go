package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"unicode/utf8"

	"hanwrite/api/internal/changeset"
	"hanwrite/api/internal/document"
	"hanwrite/api/internal/export"
	"hanwrite/api/internal/gitrepo"
	"hanwrite/api/internal/juggler"
	"hanwrite/api/internal/search"
	"hanwrite/api/internal/store"
)

const maxNameLength = 200

// Registry is the session registry the API manages documents through.
type Registry interface {
	CreateDocument(ctx context.Context, name string) (string, error)
	DeleteDocument(ctx context.Context, id string) error
	RequestSession(ctx context.Context, docID string) (string, error)
	DocumentName(ctx context.Context, id string) (string, error)
	HeadText(ctx context.Context, id string) ([]changeset.Char, error)
	Snapshot(ctx context.Context, id string) (document.Snapshot, error)
	ListDocuments(ctx context.Context) ([]store.DocumentInfo, error)
	Stats() juggler.Stats
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type History interface {
	History(docID string, limit int) ([]gitrepo.Commit, error)
	Content(docID, hash string) (store.Record, error)
}

type Dependencies struct {
	Registry Registry
	Store    Pinger
	// Optional; nil disables the matching routes.
	History History
	Search  *search.Service
	Export  *export.Service
}

type Service struct {
	registry Registry
	store    Pinger
	history  History
	search   *search.Service
	export   *export.Service
}

func NewService(deps Dependencies) *Service {
	return &Service{
		registry: deps.Registry,
		store:    deps.Store,
		history:  deps.History,
		search:   deps.Search,
		export:   deps.Export,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) Stats() juggler.Stats {
	return s.registry.Stats()
}

func (s *Service) CreateDocument(ctx context.Context, name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", domainError(http.StatusBadRequest, "VALIDATION_ERROR", "name is required", nil)
	}
	if utf8.RuneCountInString(name) > maxNameLength {
		return "", domainError(http.StatusBadRequest, "VALIDATION_ERROR", "name is too long", map[string]any{"max": maxNameLength})
	}
	return s.registry.CreateDocument(ctx, name)
}

func (s *Service) ListDocuments(ctx context.Context) ([]store.DocumentInfo, error) {
	docs, err := s.registry.ListDocuments(ctx)
	if err != nil {
		return nil, err
	}
	if docs == nil {
		docs = []store.DocumentInfo{}
	}
	return docs, nil
}

func (s *Service) DocumentName(ctx context.Context, id string) (string, error) {
	return s.registry.DocumentName(ctx, id)
}

func (s *Service) DeleteDocument(ctx context.Context, id string) error {
	return s.registry.DeleteDocument(ctx, id)
}

func (s *Service) RequestSession(ctx context.Context, docID string) (string, error) {
	return s.registry.RequestSession(ctx, docID)
}

func (s *Service) HeadText(ctx context.Context, id string) ([]changeset.Char, error) {
	text, err := s.registry.HeadText(ctx, id)
	if err != nil {
		return nil, err
	}
	if text == nil {
		text = []changeset.Char{}
	}
	return text, nil
}

// History lists archived snapshots, newest first. A document that was never
// archived has an empty history.
func (s *Service) History(ctx context.Context, id string, limit int) ([]gitrepo.Commit, error) {
	if s.history == nil {
		return nil, errFeatureDisabled
	}
	if _, err := s.registry.DocumentName(ctx, id); err != nil {
		return nil, err
	}
	commits, err := s.history.History(id, limit)
	if errors.Is(err, gitrepo.ErrNotArchived) {
		return []gitrepo.Commit{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	if commits == nil {
		commits = []gitrepo.Commit{}
	}
	return commits, nil
}

func (s *Service) HistoryContent(id, hash string) (store.Record, error) {
	if s.history == nil {
		return store.Record{}, errFeatureDisabled
	}
	rec, err := s.history.Content(id, hash)
	if errors.Is(err, gitrepo.ErrNotArchived) || errors.Is(err, gitrepo.ErrUnknownRevision) {
		return store.Record{}, domainError(http.StatusNotFound, "NOT_FOUND", "Snapshot not found", nil)
	}
	return rec, err
}

func (s *Service) Export(ctx context.Context, id, format string) (string, error) {
	if s.export == nil {
		return "", errFeatureDisabled
	}
	f, err := export.ParseFormat(format)
	if err != nil {
		return "", err
	}
	snap, err := s.registry.Snapshot(ctx, id)
	if err != nil {
		return "", err
	}
	return s.export.Export(ctx, export.Document{ID: snap.ID, Name: snap.Name, Text: snap.Text}, f)
}

func (s *Service) Download(ctx context.Context, id string) (*export.Result, error) {
	if s.export == nil {
		return nil, errFeatureDisabled
	}
	return s.export.Download(ctx, id)
}

func (s *Service) Search(ctx context.Context, q search.Query) (search.Response, error) {
	if s.search == nil {
		return search.Response{}, errFeatureDisabled
	}
	if strings.TrimSpace(q.Text) == "" {
		return search.Response{}, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "q is required", nil)
	}
	return s.search.Search(ctx, q), nil
}
