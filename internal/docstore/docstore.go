// Package docstore stores full-text PDFs addressed by project and document
// identifier, on local disk or in S3.
package docstore

import (
	"context"
	"io"
	"strings"

	"github.com/rotisserie/eris"
)

// ErrNotFound is returned when a document does not exist.
var ErrNotFound = eris.New("docstore: document not found")

const ext = ".pdf"

// Store is binary storage for a project's documents.
type Store interface {
	Put(ctx context.Context, projectID, docID string, body io.Reader) error
	Get(ctx context.Context, projectID, docID string) (io.ReadCloser, error)
	List(ctx context.Context, projectID string) ([]string, error)
	Count(ctx context.Context, projectID string) (int, error)
}

// validateKey rejects identifiers that would escape the project namespace.
func validateKey(projectID, docID string) error {
	for _, part := range []string{projectID, docID} {
		if part == "" || part == "." || part == ".." || strings.ContainsAny(part, `/\`) {
			return eris.Errorf("docstore: invalid identifier %q", part)
		}
	}
	return nil
}

func objectName(docID string) string {
	return docID + ext
}

func docIDFromName(name string) (string, bool) {
	if !strings.HasSuffix(name, ext) {
		return "", false
	}
	return strings.TrimSuffix(name, ext), true
}
