package docstore

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/rotisserie/eris"
)

// Local stores documents under baseDir/<project>/<doc>.pdf.
type Local struct {
	baseDir string
}

// NewLocal returns a filesystem-backed Store rooted at baseDir.
func NewLocal(baseDir string) *Local {
	return &Local{baseDir: baseDir}
}

func (l *Local) Put(_ context.Context, projectID, docID string, body io.Reader) error {
	if err := validateKey(projectID, docID); err != nil {
		return err
	}
	dir := filepath.Join(l.baseDir, projectID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return eris.Wrap(err, "docstore: create dirs")
	}

	// Write to a temp file and rename so readers never see a partial PDF.
	tmp, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return eris.Wrap(err, "docstore: create temp file")
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck

	if _, err := io.Copy(tmp, body); err != nil {
		tmp.Close()
		return eris.Wrap(err, "docstore: write document")
	}
	if err := tmp.Close(); err != nil {
		return eris.Wrap(err, "docstore: close temp file")
	}
	return eris.Wrap(os.Rename(tmp.Name(), filepath.Join(dir, objectName(docID))), "docstore: rename document")
}

func (l *Local) Get(_ context.Context, projectID, docID string) (io.ReadCloser, error) {
	if err := validateKey(projectID, docID); err != nil {
		return nil, err
	}
	f, err := os.Open(filepath.Join(l.baseDir, projectID, objectName(docID)))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "docstore: open document")
	}
	return f, nil
}

func (l *Local) List(_ context.Context, projectID string) ([]string, error) {
	if err := validateKey(projectID, "x"); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(filepath.Join(l.baseDir, projectID))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "docstore: read dir")
	}

	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if id, ok := docIDFromName(e.Name()); ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (l *Local) Count(ctx context.Context, projectID string) (int, error) {
	ids, err := l.List(ctx, projectID)
	return len(ids), err
}
