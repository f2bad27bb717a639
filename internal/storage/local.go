package storage

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	errMissingBasePath = errors.New("storage: base path is required")
	errEscapingPath    = errors.New("storage: path escapes storage root")
)

var blobSubdirectories = map[BlobKind]string{
	BlobKindFullSave: "segmentations",
	BlobKindDelta:    "deltas",
	BlobKindSnapshot: "snapshots",
	BlobKindVersion:  "versions",
}

var blobExtensions = map[BlobKind]string{
	BlobKindFullSave: "vol",
	BlobKindDelta:    "json",
	BlobKindSnapshot: "vol",
	BlobKindVersion:  "vol",
}

// LocalStoreConfig describes the dependencies for a filesystem blob store.
type LocalStoreConfig struct {
	BasePath string
	Clock    func() time.Time
	Logger   *zap.Logger
}

// LocalStore persists blobs on the local filesystem under typed
// subdirectories. Every Put generates a fresh unique path.
type LocalStore struct {
	basePath string
	clock    func() time.Time
	logger   *zap.Logger
}

// NewLocalStore creates the directory layout and returns a LocalStore.
func NewLocalStore(cfg LocalStoreConfig) (*LocalStore, error) {
	if strings.TrimSpace(cfg.BasePath) == "" {
		return nil, errMissingBasePath
	}
	basePath, err := filepath.Abs(cfg.BasePath)
	if err != nil {
		return nil, err
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	for _, subdir := range blobSubdirectories {
		if err := os.MkdirAll(filepath.Join(basePath, subdir), 0o755); err != nil {
			return nil, err
		}
	}

	logger.Info("blob store initialized", zap.String("base_path", basePath))
	return &LocalStore{basePath: basePath, clock: clock, logger: logger}, nil
}

// Put writes the blob and returns its store-relative path.
func (s *LocalStore) Put(data []byte, kind BlobKind, segmentationID string) (string, error) {
	subdir, ok := blobSubdirectories[kind]
	if !ok {
		return "", fmt.Errorf("storage: unknown blob kind %q", kind)
	}

	filename := s.generateFilename(kind, segmentationID)
	relativePath := filepath.ToSlash(filepath.Join(subdir, filename))
	fullPath := filepath.Join(s.basePath, subdir, filename)

	if err := os.WriteFile(fullPath, data, 0o644); err != nil {
		s.logger.Error("blob write failed", zap.String("path", relativePath), zap.Error(err))
		return "", err
	}

	s.logger.Debug("blob stored",
		zap.String("path", relativePath),
		zap.Int("size_bytes", len(data)))
	return relativePath, nil
}

// Get reads an entire blob into memory.
func (s *LocalStore) Get(path string) ([]byte, error) {
	fullPath, err := s.resolve(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(fullPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Stream opens the blob for chunked reading. The caller closes the reader.
func (s *LocalStore) Stream(path string) (io.ReadCloser, error) {
	fullPath, err := s.resolve(path)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(fullPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if err != nil {
		return nil, err
	}
	return file, nil
}

// Size returns the stored size of the blob in bytes.
func (s *LocalStore) Size(path string) (int64, error) {
	fullPath, err := s.resolve(path)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(fullPath)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// Delete removes a blob. Missing paths report ErrNotFound.
func (s *LocalStore) Delete(path string) error {
	fullPath, err := s.resolve(path)
	if err != nil {
		return err
	}
	err = os.Remove(fullPath)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	return err
}

func (s *LocalStore) resolve(path string) (string, error) {
	cleaned := filepath.Clean(filepath.FromSlash(path))
	if cleaned == "." || strings.HasPrefix(cleaned, "..") || filepath.IsAbs(cleaned) {
		return "", fmt.Errorf("%w: %s", errEscapingPath, path)
	}
	return filepath.Join(s.basePath, cleaned), nil
}

func (s *LocalStore) generateFilename(kind BlobKind, segmentationID string) string {
	timestamp := s.clock().UTC().Format("20060102_150405")
	suffix := strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
	extension := blobExtensions[kind]
	return fmt.Sprintf("seg_%s_%s_%s_%s.%s", segmentationID, kind, timestamp, suffix, extension)
}
