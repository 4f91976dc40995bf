// Package blob stores PDFs, raw detections and export artifacts.
package blob

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/wolfeidau/tablepipe/internal/apperr"
)

// ErrNotFound is returned when an object does not exist.
var ErrNotFound = fmt.Errorf("object not found: %w", apperr.ErrNotFound)

// ErrInvalidKey is returned for keys outside the tenant layout.
var ErrInvalidKey = errors.New("invalid object key")

// Store is write-once object storage. Writing a key that already exists is
// not an error and leaves the stored object unchanged.
type Store interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// SourceKey is where an uploaded PDF lives.
func SourceKey(orgID, projectID, fileID uuid.UUID) string {
	return fmt.Sprintf("%s/%s/%s/source.pdf", orgID, projectID, fileID)
}

// RawTableKey is where the raw detection behind a table lives.
func RawTableKey(orgID, projectID, fileID, tableID uuid.UUID) string {
	return fmt.Sprintf("%s/%s/%s/tables/%s", orgID, projectID, fileID, tableID)
}

// ExportKey is where an export artifact lives.
func ExportKey(orgID, projectID, exportID uuid.UUID, ext string) string {
	return fmt.Sprintf("%s/%s/exports/%s.%s", orgID, projectID, exportID, ext)
}

// OrgOf returns the organization that owns key.
func OrgOf(key string) (uuid.UUID, error) {
	if len(key) < 37 || key[36] != '/' {
		return uuid.Nil, fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	id, err := uuid.Parse(key[:36])
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return id, nil
}
