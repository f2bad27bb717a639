package storage

import (
	"errors"
	"io"
)

// ErrNotFound indicates that no blob exists at the requested path.
var ErrNotFound = errors.New("storage: blob not found")

// BlobKind names the category a stored blob belongs to. The kind determines
// the subdirectory a blob is filed under and the extension it receives.
type BlobKind string

const (
	// BlobKindFullSave holds complete segmentation volumes saved over REST.
	BlobKindFullSave BlobKind = "full_save"
	// BlobKindDelta holds encoded delta tokens too large for inline storage.
	BlobKindDelta BlobKind = "delta"
	// BlobKindSnapshot holds periodic full-volume snapshots taken during live sessions.
	BlobKindSnapshot BlobKind = "snapshot"
	// BlobKindVersion holds durable version checkpoints.
	BlobKindVersion BlobKind = "version"
)

// Store is the byte-oriented blob boundary the sync core writes through.
// Paths are generated on Put and never reused, so writers cannot race.
type Store interface {
	Put(data []byte, kind BlobKind, segmentationID string) (string, error)
	Get(path string) ([]byte, error)
	Stream(path string) (io.ReadCloser, error)
	Size(path string) (int64, error)
	Delete(path string) error
}
