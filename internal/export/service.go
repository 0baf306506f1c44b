package export

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
)

// Converter turns rendered HTML into the bytes of one format.
type Converter func(ctx context.Context, html, title string) (*Result, error)

// Service provides document export functionality
type Service struct {
	downloads  Downloads
	converters map[Format]Converter
	now        func() time.Time
}

type Option func(*Service)

// WithConverter replaces the converter used for format.
func WithConverter(format Format, c Converter) Option {
	return func(s *Service) { s.converters[format] = c }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(downloads Downloads, opts ...Option) *Service {
	s := &Service{
		downloads: downloads,
		converters: map[Format]Converter{
			FormatPDF:  exportPDF,
			FormatDOCX: exportDOCX,
			FormatHTML: exportHTML,
		},
		now: time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Export renders doc, stores the result and returns its download id.
func (s *Service) Export(ctx context.Context, doc Document, format Format) (string, error) {
	convert, ok := s.converters[format]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}

	title := doc.Name
	if title == "" {
		title = doc.ID
	}
	html, err := RenderDocumentHTML(TemplateData{Title: title, Paragraphs: Paragraphs(doc.Text)})
	if err != nil {
		return "", fmt.Errorf("render template: %w", err)
	}

	result, err := convert(ctx, html, title)
	if err != nil {
		return "", err
	}

	id := fmt.Sprintf("%s-%s.%s", doc.ID, uuid.NewString(), format)
	if err := s.downloads.Put(ctx, id, result.Data, result.MimeType); err != nil {
		return "", err
	}
	log.Printf("export: %s rendered as %s (%d bytes)", doc.ID, id, len(result.Data))
	return id, nil
}

// Download fetches a stored export.
func (s *Service) Download(ctx context.Context, id string) (*Result, error) {
	if err := ValidateDownloadID(id); err != nil {
		return nil, err
	}
	data, err := s.downloads.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return &Result{Data: data, Filename: id, MimeType: formatOf(id).MimeType()}, nil
}

// RunCleanup purges downloads older than retention every interval until ctx
// is done.
func (s *Service) RunCleanup(ctx context.Context, interval, retention time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Cleanup(ctx, retention)
		}
	}
}

func (s *Service) Cleanup(ctx context.Context, retention time.Duration) {
	removed, err := s.downloads.Purge(ctx, s.now().Add(-retention))
	if err != nil {
		log.Printf("export: cleanup: %v", err)
	}
	if removed > 0 {
		log.Printf("export: removed %d expired downloads", removed)
	}
}
