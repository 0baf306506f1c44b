package export

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"hanwrite/api/internal/changeset"
)

func annotated(s string, pinyin ...string) []changeset.Char {
	text := changeset.Text(s)
	for i, p := range pinyin {
		text[i].Pinyin = p
	}
	return text
}

func TestParagraphs(t *testing.T) {
	text := annotated("北京好\n\nab")
	text[0].Pinyin = "bei"

	got := Paragraphs(text)
	if len(got) != 3 {
		t.Fatalf("Paragraphs() returned %d paragraphs, want 3", len(got))
	}
	want0 := Paragraph{{Text: "北", Pinyin: "bei"}, {Text: "京好"}}
	if len(got[0]) != len(want0) || got[0][0] != want0[0] || got[0][1] != want0[1] {
		t.Errorf("first paragraph = %#v, want %#v", got[0], want0)
	}
	if len(got[1]) != 0 {
		t.Errorf("second paragraph = %#v, want empty", got[1])
	}
	if len(got[2]) != 1 || got[2][0].Text != "ab" {
		t.Errorf("third paragraph = %#v, want plain ab", got[2])
	}
}

func TestParagraphsEmpty(t *testing.T) {
	got := Paragraphs(nil)
	if len(got) != 1 || len(got[0]) != 0 {
		t.Errorf("Paragraphs(nil) = %#v, want one empty paragraph", got)
	}
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"Simple Title", "Simple-Title"},
		{"Title with 123 numbers", "Title-with-123-numbers"},
		{"Special!@#$%Characters", "SpecialCharacters"},
		{"under_score-dash", "under_score-dash"},
		{"北京 笔记", "北京-笔记"},
		{"!!!", "document"},
		{"", "document"},
		{strings.Repeat("a", 60), strings.Repeat("a", 50)},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result := sanitizeFilename(tt.input)
			if result != tt.expected {
				t.Errorf("sanitizeFilename(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestRenderDocumentHTML(t *testing.T) {
	text := annotated("北京<b>")
	text[0].Pinyin = "bei"
	text[1].Pinyin = "jing"

	html, err := RenderDocumentHTML(TemplateData{Title: "Trip & Notes", Paragraphs: Paragraphs(text)})
	if err != nil {
		t.Fatalf("RenderDocumentHTML() error = %v", err)
	}

	if !strings.Contains(html, "<title>Trip &amp; Notes</title>") {
		t.Error("HTML missing escaped title")
	}
	if !strings.Contains(html, "<ruby>北<rt>bei</rt></ruby><ruby>京<rt>jing</rt></ruby>") {
		t.Errorf("HTML missing ruby annotations:\n%s", html)
	}
	if strings.Contains(html, "<b>") {
		t.Error("document text was not escaped")
	}
	if !strings.Contains(html, "&lt;b&gt;") {
		t.Error("HTML missing escaped text")
	}
}

func TestParseFormat(t *testing.T) {
	for input, want := range map[string]Format{"pdf": FormatPDF, "DOCX": FormatDOCX, " html ": FormatHTML, "": FormatPDF} {
		got, err := ParseFormat(input)
		if err != nil || got != want {
			t.Errorf("ParseFormat(%q) = %q, %v; want %q", input, got, err, want)
		}
	}
	if _, err := ParseFormat("odt"); !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("ParseFormat(odt) error = %v, want ErrUnsupportedFormat", err)
	}
}

func newLocalService(t *testing.T, opts ...Option) (*Service, string) {
	t.Helper()
	dir := t.TempDir()
	downloads, err := NewLocalDownloads(dir)
	if err != nil {
		t.Fatalf("NewLocalDownloads() error = %v", err)
	}
	return NewService(downloads, opts...), dir
}

func TestExportHTMLRoundTrip(t *testing.T) {
	svc, dir := newLocalService(t)
	ctx := context.Background()

	id, err := svc.Export(ctx, Document{ID: "doc1", Name: "Notes", Text: changeset.Text("你好")}, FormatHTML)
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	if !strings.HasPrefix(id, "doc1-") || !strings.HasSuffix(id, ".html") {
		t.Errorf("download id = %q, want doc1-<uuid>.html", id)
	}
	if err := ValidateDownloadID(id); err != nil {
		t.Errorf("ValidateDownloadID(%q) = %v", id, err)
	}
	if _, err := os.Stat(filepath.Join(dir, id)); err != nil {
		t.Errorf("export file missing: %v", err)
	}

	res, err := svc.Download(ctx, id)
	if err != nil {
		t.Fatalf("Download() error = %v", err)
	}
	if !strings.Contains(string(res.Data), "你好") {
		t.Error("downloaded HTML missing text")
	}
	if res.MimeType != FormatHTML.MimeType() || res.Filename != id {
		t.Errorf("Download() = %q %q", res.MimeType, res.Filename)
	}
}

func TestExportUsesConverter(t *testing.T) {
	var gotTitle, gotHTML string
	svc, _ := newLocalService(t, WithConverter(FormatPDF, func(_ context.Context, html, title string) (*Result, error) {
		gotHTML, gotTitle = html, title
		return &Result{Data: []byte("%PDF-1.7"), MimeType: FormatPDF.MimeType()}, nil
	}))

	id, err := svc.Export(context.Background(), Document{ID: "doc1", Text: changeset.Text("x")}, FormatPDF)
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	if gotTitle != "doc1" {
		t.Errorf("converter title = %q, want the id for unnamed documents", gotTitle)
	}
	if !strings.Contains(gotHTML, "<p>x</p>") {
		t.Errorf("converter html = %q", gotHTML)
	}
	res, err := svc.Download(context.Background(), id)
	if err != nil {
		t.Fatalf("Download() error = %v", err)
	}
	if string(res.Data) != "%PDF-1.7" || res.MimeType != "application/pdf" {
		t.Errorf("Download() = %q %q", res.Data, res.MimeType)
	}
}

func TestExportConverterFailure(t *testing.T) {
	svc, dir := newLocalService(t, WithConverter(FormatDOCX, func(context.Context, string, string) (*Result, error) {
		return nil, ErrDOCXDependencyMissing
	}))

	_, err := svc.Export(context.Background(), Document{ID: "doc1"}, FormatDOCX)
	if !errors.Is(err, ErrDOCXDependencyMissing) {
		t.Fatalf("Export() error = %v, want ErrDOCXDependencyMissing", err)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("failed export left %d files", len(entries))
	}
}

func TestExportUnsupportedFormat(t *testing.T) {
	svc, _ := newLocalService(t)
	if _, err := svc.Export(context.Background(), Document{ID: "doc1"}, Format("odt")); !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("Export(odt) error = %v", err)
	}
}

func TestDownloadErrors(t *testing.T) {
	svc, _ := newLocalService(t)
	ctx := context.Background()

	for _, id := range []string{"", "../etc/passwd", "doc1.pdf", "doc1-123.pdf", "doc1-0e5c1f0a-6b1f-4c3e-9a1a-0d6f5b1a2c3d.exe"} {
		if _, err := svc.Download(ctx, id); !errors.Is(err, ErrInvalidDownloadID) {
			t.Errorf("Download(%q) error = %v, want ErrInvalidDownloadID", id, err)
		}
	}
	if _, err := svc.Download(ctx, "doc1-0e5c1f0a-6b1f-4c3e-9a1a-0d6f5b1a2c3d.pdf"); !errors.Is(err, ErrDownloadNotFound) {
		t.Errorf("Download(missing) error = %v, want ErrDownloadNotFound", err)
	}
}

func TestCleanupRemovesExpiredDownloads(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc, dir := newLocalService(t, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	oldID, err := svc.Export(ctx, Document{ID: "old"}, FormatHTML)
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	newID, err := svc.Export(ctx, Document{ID: "new"}, FormatHTML)
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	stale := now.Add(-2 * time.Hour)
	if err := os.Chtimes(filepath.Join(dir, oldID), stale, stale); err != nil {
		t.Fatalf("Chtimes() error = %v", err)
	}
	fresh := now.Add(-time.Minute)
	if err := os.Chtimes(filepath.Join(dir, newID), fresh, fresh); err != nil {
		t.Fatalf("Chtimes() error = %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("keep"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(filepath.Join(dir, "notes.txt"), stale, stale); err != nil {
		t.Fatal(err)
	}

	svc.Cleanup(ctx, time.Hour)

	if _, err := svc.Download(ctx, oldID); !errors.Is(err, ErrDownloadNotFound) {
		t.Errorf("expired download still present: %v", err)
	}
	if _, err := svc.Download(ctx, newID); err != nil {
		t.Errorf("fresh download removed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "notes.txt")); err != nil {
		t.Errorf("unrelated file removed: %v", err)
	}
}

func TestMinioUnreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := NewMinioDownloads(ctx, MinioConfig{Endpoint: "127.0.0.1:1", AccessKey: "a", SecretKey: "b", Bucket: "exports"})
	if err == nil {
		t.Fatal("NewMinioDownloads() succeeded against a closed port")
	}
}
