package segmentation

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// CreateVersionRequest describes a durable version checkpoint.
type CreateVersionRequest struct {
	SegmentationID  SegmentationID
	Author          UserID
	BlobPath        string
	Description     string
	IsCompleteState bool
}

// CreateVersion assigns the next version number for the segmentation and
// persists the checkpoint. Number assignment runs under the segmentation
// lock so concurrent calls produce a gap-free increasing sequence; the
// unique index on (segmentation_id, version_number) backs the invariant.
func (s *Service) CreateVersion(ctx context.Context, request CreateVersionRequest) (Version, error) {
	versionID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreateVersion, "id_generation_failed", err,
			zap.String("segmentation_id", request.SegmentationID.String()))
		return Version{}, newServiceError(opCreateVersion, "id_generation_failed", err)
	}

	unlock := s.lockSegmentation(request.SegmentationID.String())
	defer unlock()

	var version Version
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var lastNumber int64
		err := tx.Model(&Version{}).
			Select("COALESCE(MAX(version_number), 0)").
			Where("segmentation_id = ?", request.SegmentationID.String()).
			Scan(&lastNumber).Error
		if err != nil {
			return newServiceError(opCreateVersion, "number_lookup_failed", err)
		}

		version = Version{
			VersionID:         versionID,
			SegmentationID:    request.SegmentationID.String(),
			VersionNumber:     lastNumber + 1,
			BlobPath:          request.BlobPath,
			CreatedByID:       request.Author.String(),
			CreatedAtSeconds:  s.clock().UTC().Unix(),
			ChangeDescription: request.Description,
			IsCompleteState:   request.IsCompleteState,
		}
		if err := tx.Create(&version).Error; err != nil {
			return newServiceError(opCreateVersion, "version_insert_failed", err)
		}
		return nil
	})
	if txErr != nil {
		s.logError(opCreateVersion, "create_failed", txErr,
			zap.String("segmentation_id", request.SegmentationID.String()))
		return Version{}, txErr
	}
	return version, nil
}

// ListVersions returns the version history for a segmentation, newest first.
func (s *Service) ListVersions(ctx context.Context, segmentationID SegmentationID, limit int) ([]Version, error) {
	query := s.db.WithContext(ctx).
		Where("segmentation_id = ?", segmentationID.String()).
		Order("version_number DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}

	var versions []Version
	if err := query.Find(&versions).Error; err != nil {
		s.logError(opListVersions, "query_failed", err,
			zap.String("segmentation_id", segmentationID.String()))
		return nil, newServiceError(opListVersions, "query_failed", err)
	}
	return versions, nil
}

// GetData returns the stored volume bytes for a segmentation: a specific
// version when versionID is provided, otherwise the latest full state.
func (s *Service) GetData(ctx context.Context, segmentationID SegmentationID, versionID string) ([]byte, error) {
	blobPath := ""
	if versionID != "" {
		var version Version
		err := s.db.WithContext(ctx).
			Where("version_id = ? AND segmentation_id = ?", versionID, segmentationID.String()).
			Take(&version).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, newServiceError(opGetData, "version_missing", fmt.Errorf("%w: version %s", ErrNotFound, versionID))
		}
		if err != nil {
			s.logError(opGetData, "version_lookup_failed", err,
				zap.String("segmentation_id", segmentationID.String()))
			return nil, newServiceError(opGetData, "version_lookup_failed", err)
		}
		blobPath = version.BlobPath
	} else {
		latest, err := s.LatestFullState(ctx, segmentationID)
		if err != nil {
			return nil, err
		}
		blobPath = latest.BlobPath
	}

	data, err := s.blobs.Get(blobPath)
	if err != nil {
		s.logError(opGetData, "blob_read_failed", err, zap.String("blob_path", blobPath))
		return nil, newServiceError(opGetData, "blob_read_failed", err)
	}
	return data, nil
}
