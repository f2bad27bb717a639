package segmentation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/voxelatlas/atlas/backend/internal/storage"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	// inlineDeltaMaxBytes is the stored-size bound below which delta tokens
	// live inline on the edit record instead of in the blob store.
	inlineDeltaMaxBytes = 100 * 1024
)

var (
	// ErrNotFound indicates a missing segmentation, edit, or version.
	ErrNotFound = errors.New("segmentation: not found")
	// ErrNoBaseState indicates that reconstruction found no full state at or
	// before the session start. This is a data-integrity condition; callers
	// must surface it rather than fall back to an empty volume.
	ErrNoBaseState = errors.New("segmentation: no base state for reconstruction")

	errMissingDatabase   = errors.New("database handle is required")
	errMissingBlobStore  = errors.New("blob store is required")
	errMissingIDProvider = errors.New("id provider is required")

	noOpLogger = zap.NewNop()
)

// ServiceError carries an operation.reason code alongside its cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the operation.reason code.
func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

const (
	opServiceNew      = "segmentation.service.new"
	opAppendDelta     = "segmentation.append_delta"
	opSaveFull        = "segmentation.save_full"
	opEditsSince      = "segmentation.edits_since"
	opLatestFullState = "segmentation.latest_full_state"
	opReconstruct     = "segmentation.reconstruct"
	opSnapshotCheck   = "segmentation.snapshot_check"
	opCreateVersion   = "segmentation.create_version"
	opListVersions    = "segmentation.list_versions"
	opGetData         = "segmentation.get_data"
)

// IDProvider issues identifiers for new records.
type IDProvider interface {
	NewID() (string, error)
}

// ServiceConfig describes the dependencies of the segmentation service.
type ServiceConfig struct {
	Database   *gorm.DB
	Blobs      storage.Store
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Service owns the append-only edit log, the snapshot policy, the
// reconstruction engine, and version checkpoints for segmentations.
type Service struct {
	db         *gorm.DB
	blobs      storage.Store
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewService validates dependencies and returns a segmentation Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.Blobs == nil {
		return nil, newServiceError(opServiceNew, "missing_blob_store", errMissingBlobStore)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:         cfg.Database,
		blobs:      cfg.Blobs,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
		locks:      make(map[string]*sync.Mutex),
	}, nil
}

// lockSegmentation serializes log appends and version assignment per
// segmentation. The returned function releases the lock.
func (s *Service) lockSegmentation(segmentationID string) func() {
	s.locksMu.Lock()
	lock, ok := s.locks[segmentationID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[segmentationID] = lock
	}
	s.locksMu.Unlock()

	lock.Lock()
	return lock.Unlock
}

// AppendDeltaRequest describes one incremental change submission.
type AppendDeltaRequest struct {
	SegmentationID    SegmentationID
	Delta             Delta
	Author            UserID
	SessionID         string
	SessionStartNanos int64
	ClientTimeSeconds int64
}

// AppendDelta encodes the delta, stores it inline or in the blob store
// depending on its encoded size, and appends a delta edit. When the delta
// belongs to a session, the snapshot policy is evaluated afterwards; a
// failed snapshot is logged but does not invalidate the accepted delta.
func (s *Service) AppendDelta(ctx context.Context, request AppendDeltaRequest) (Edit, error) {
	token, sizeBytes, err := EncodeDelta(request.Delta, true)
	if err != nil {
		s.logError(opAppendDelta, "encode_failed", err,
			zap.String("segmentation_id", request.SegmentationID.String()))
		return Edit{}, newServiceError(opAppendDelta, "encode_failed", err)
	}

	blobPath := ""
	inlineToken := token
	if sizeBytes >= inlineDeltaMaxBytes {
		path, putErr := s.blobs.Put([]byte(token), storage.BlobKindDelta, request.SegmentationID.String())
		if putErr != nil {
			s.logError(opAppendDelta, "blob_put_failed", putErr,
				zap.String("segmentation_id", request.SegmentationID.String()))
			return Edit{}, newServiceError(opAppendDelta, "blob_put_failed", putErr)
		}
		blobPath = path
		inlineToken = ""
	}

	edit, err := s.appendEdit(ctx, appendEditInput{
		segmentationID:    request.SegmentationID.String(),
		kind:              EditKindDelta,
		blobPath:          blobPath,
		deltaToken:        inlineToken,
		sizeBytes:         int64(sizeBytes),
		voxelsModified:    int64(request.Delta.VoxelCount),
		author:            request.Author.String(),
		sessionID:         request.SessionID,
		description:       request.Delta.Metadata["description"],
		clientTimeSeconds: request.ClientTimeSeconds,
	})
	if err != nil {
		return Edit{}, err
	}

	if request.SessionID != "" {
		if snapErr := s.maybeSnapshot(ctx, request.SegmentationID.String(), request.SessionID, request.SessionStartNanos, request.Author.String()); snapErr != nil {
			s.logError(opSnapshotCheck, "snapshot_failed", snapErr,
				zap.String("segmentation_id", request.SegmentationID.String()),
				zap.String("session_id", request.SessionID))
		}
	}

	return edit, nil
}

// SaveFullRequest describes a complete volume save.
type SaveFullRequest struct {
	SegmentationID SegmentationID
	Data           []byte
	Author         UserID
	Description    string
	CreateVersion  bool
	SessionID      string
}

// SaveFull stores a complete volume in the blob store, appends a full-save
// edit, and optionally records a durable version checkpoint.
func (s *Service) SaveFull(ctx context.Context, request SaveFullRequest) (Edit, *Version, error) {
	blobPath, err := s.blobs.Put(request.Data, storage.BlobKindFullSave, request.SegmentationID.String())
	if err != nil {
		s.logError(opSaveFull, "blob_put_failed", err,
			zap.String("segmentation_id", request.SegmentationID.String()))
		return Edit{}, nil, newServiceError(opSaveFull, "blob_put_failed", err)
	}

	edit, err := s.appendEdit(ctx, appendEditInput{
		segmentationID: request.SegmentationID.String(),
		kind:           EditKindFullSave,
		blobPath:       blobPath,
		sizeBytes:      int64(len(request.Data)),
		author:         request.Author.String(),
		sessionID:      request.SessionID,
		description:    request.Description,
	})
	if err != nil {
		return Edit{}, nil, err
	}

	if !request.CreateVersion {
		return edit, nil, nil
	}

	version, err := s.CreateVersion(ctx, CreateVersionRequest{
		SegmentationID:  request.SegmentationID,
		Author:          request.Author,
		BlobPath:        blobPath,
		Description:     request.Description,
		IsCompleteState: true,
	})
	if err != nil {
		return Edit{}, nil, err
	}
	return edit, &version, nil
}

type appendEditInput struct {
	segmentationID    string
	kind              EditKind
	blobPath          string
	deltaToken        string
	sizeBytes         int64
	voxelsModified    int64
	author            string
	sessionID         string
	description       string
	clientTimeSeconds int64
}

// appendEdit assigns the server timestamp and per-segmentation sequence
// under the segmentation lock, then persists the edit and touches the
// segmentation metadata in one transaction. The sequence, not wall-clock
// precision, is the tie-break authority for ordering.
func (s *Service) appendEdit(ctx context.Context, input appendEditInput) (Edit, error) {
	operation := opAppendDelta
	if input.kind != EditKindDelta {
		operation = opSaveFull
	}

	editID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(operation, "id_generation_failed", err,
			zap.String("segmentation_id", input.segmentationID))
		return Edit{}, newServiceError(operation, "id_generation_failed", err)
	}

	unlock := s.lockSegmentation(input.segmentationID)
	defer unlock()

	var edit Edit
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var seg Segmentation
		err := tx.Where("segmentation_id = ?", input.segmentationID).Take(&seg).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(operation, "segmentation_missing", fmt.Errorf("%w: segmentation %s", ErrNotFound, input.segmentationID))
		}
		if err != nil {
			return newServiceError(operation, "segmentation_lookup_failed", err)
		}

		var last struct {
			MaxSeq   int64
			MaxNanos int64
		}
		err = tx.Model(&Edit{}).
			Select("COALESCE(MAX(segmentation_seq), 0) AS max_seq, COALESCE(MAX(created_at_ns), 0) AS max_nanos").
			Where("segmentation_id = ?", input.segmentationID).
			Scan(&last).Error
		if err != nil {
			return newServiceError(operation, "sequence_lookup_failed", err)
		}

		createdAtNanos := s.clock().UTC().UnixNano()
		if createdAtNanos < last.MaxNanos {
			createdAtNanos = last.MaxNanos
		}

		edit = Edit{
			EditID:            editID,
			SegmentationID:    input.segmentationID,
			Kind:              input.kind,
			BlobPath:          input.blobPath,
			DeltaToken:        input.deltaToken,
			SizeBytes:         input.sizeBytes,
			VoxelsModified:    input.voxelsModified,
			CreatedByID:       input.author,
			CreatedAtNanos:    createdAtNanos,
			SegmentationSeq:   last.MaxSeq + 1,
			SessionID:         input.sessionID,
			ChangeDescription: input.description,
			ClientTimeSeconds: input.clientTimeSeconds,
		}
		if err := tx.Create(&edit).Error; err != nil {
			return newServiceError(operation, "edit_insert_failed", err)
		}

		updates := map[string]interface{}{
			"updated_at_s":   createdAtNanos / int64(time.Second),
			"last_editor_id": input.author,
		}
		if err := tx.Model(&Segmentation{}).
			Where("segmentation_id = ?", input.segmentationID).
			Updates(updates).Error; err != nil {
			return newServiceError(operation, "segmentation_touch_failed", err)
		}
		return nil
	})
	if txErr != nil {
		var serviceErr *ServiceError
		if !errors.As(txErr, &serviceErr) {
			txErr = newServiceError(operation, "transaction_failed", txErr)
		}
		s.logError(operation, "append_failed", txErr,
			zap.String("segmentation_id", input.segmentationID),
			zap.String("kind", string(input.kind)))
		return Edit{}, txErr
	}
	return edit, nil
}

// Get returns the segmentation record by identifier.
func (s *Service) Get(ctx context.Context, segmentationID SegmentationID) (Segmentation, error) {
	var seg Segmentation
	err := s.db.WithContext(ctx).
		Where("segmentation_id = ?", segmentationID.String()).
		Take(&seg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Segmentation{}, fmt.Errorf("%w: segmentation %s", ErrNotFound, segmentationID.String())
	}
	if err != nil {
		return Segmentation{}, err
	}
	return seg, nil
}

// EditsSince returns edits for a segmentation strictly after the provided
// timestamp in ascending log order, optionally scoped to one session.
func (s *Service) EditsSince(ctx context.Context, segmentationID SegmentationID, since time.Time, sessionID string) ([]Edit, error) {
	query := s.db.WithContext(ctx).
		Where("segmentation_id = ? AND created_at_ns > ?", segmentationID.String(), since.UTC().UnixNano())
	if sessionID != "" {
		query = query.Where("session_id = ?", sessionID)
	}

	var edits []Edit
	if err := query.Order("segmentation_seq ASC").Find(&edits).Error; err != nil {
		s.logError(opEditsSince, "query_failed", err,
			zap.String("segmentation_id", segmentationID.String()))
		return nil, newServiceError(opEditsSince, "query_failed", err)
	}
	return edits, nil
}

// LatestFullState returns the most recent full-save or snapshot edit for a
// segmentation, or ErrNotFound if no full state has ever been stored.
func (s *Service) LatestFullState(ctx context.Context, segmentationID SegmentationID) (Edit, error) {
	var edit Edit
	err := s.db.WithContext(ctx).
		Where("segmentation_id = ? AND kind IN ?", segmentationID.String(), []EditKind{EditKindFullSave, EditKindSnapshot}).
		Order("segmentation_seq DESC").
		Take(&edit).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Edit{}, newServiceError(opLatestFullState, "no_full_state", fmt.Errorf("%w: segmentation %s has no full state", ErrNotFound, segmentationID.String()))
	}
	if err != nil {
		s.logError(opLatestFullState, "query_failed", err,
			zap.String("segmentation_id", segmentationID.String()))
		return Edit{}, newServiceError(opLatestFullState, "query_failed", err)
	}
	return edit, nil
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("segmentation service error", attrs...)
}
