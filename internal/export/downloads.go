package export

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"time"
)

// Downloads keeps rendered exports until they are purged.
type Downloads interface {
	Put(ctx context.Context, id string, data []byte, mimeType string) error
	Get(ctx context.Context, id string) ([]byte, error)
	// Purge removes downloads created before the cutoff and reports how
	// many were removed.
	Purge(ctx context.Context, before time.Time) (int, error)
}

var downloadIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}-[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}\.(pdf|docx|html)$`)

func ValidateDownloadID(id string) error {
	if !downloadIDPattern.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidDownloadID, id)
	}
	return nil
}

// formatOf returns the format encoded in a valid download id.
func formatOf(id string) Format {
	return Format(filepath.Ext(id)[1:])
}

// LocalDownloads stores downloads as files in one directory.
type LocalDownloads struct {
	dir string
}

func NewLocalDownloads(dir string) (*LocalDownloads, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create exports dir: %w", err)
	}
	return &LocalDownloads{dir: dir}, nil
}

func (l *LocalDownloads) Put(_ context.Context, id string, data []byte, _ string) error {
	tmp, err := os.CreateTemp(l.dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create download %s: %w", id, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write download %s: %w", id, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close download %s: %w", id, err)
	}
	if err := os.Rename(tmpName, filepath.Join(l.dir, id)); err != nil {
		return fmt.Errorf("store download %s: %w", id, err)
	}
	return nil
}

func (l *LocalDownloads) Get(_ context.Context, id string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(l.dir, id))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrDownloadNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read download %s: %w", id, err)
	}
	return data, nil
}

func (l *LocalDownloads) Purge(_ context.Context, before time.Time) (int, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return 0, fmt.Errorf("list exports dir: %w", err)
	}
	removed := 0
	for _, e := range entries {
		if e.IsDir() || ValidateDownloadID(e.Name()) != nil {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if !info.ModTime().Before(before) {
			continue
		}
		if err := os.Remove(filepath.Join(l.dir, e.Name())); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return removed, fmt.Errorf("remove download %s: %w", e.Name(), err)
		}
		removed++
	}
	return removed, nil
}
