package domain

import "context"

// ArchiveWriter stores finished batch documents in object storage. Paths are
// relative to the configured prefix.
type ArchiveWriter interface {
	Put(ctx context.Context, path string, body []byte, contentType string) error
}
