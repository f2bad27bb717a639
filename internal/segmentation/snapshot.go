package segmentation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/voxelatlas/atlas/backend/internal/storage"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	// snapshotIntervalDeltas triggers a snapshot once this many deltas have
	// accumulated since the reference point.
	snapshotIntervalDeltas = 50
	// snapshotIntervalMinutes triggers a snapshot once this much time has
	// elapsed since the reference point.
	snapshotIntervalMinutes = 10

	snapshotDescription = "automatic snapshot"
)

// ShouldSnapshot reports whether the accumulation since the last snapshot
// (or session start when none exists) has crossed either policy threshold.
func ShouldSnapshot(deltasSince int64, elapsed time.Duration) bool {
	return deltasSince >= snapshotIntervalDeltas || elapsed.Minutes() >= snapshotIntervalMinutes
}

// maybeSnapshot evaluates the snapshot policy for a session after a delta
// append and materializes a snapshot edit when a threshold is crossed. The
// new snapshot becomes the reference point for subsequent checks.
func (s *Service) maybeSnapshot(ctx context.Context, segmentationID, sessionID string, sessionStartNanos int64, author string) error {
	var lastSnapshot Edit
	haveSnapshot := true
	err := s.db.WithContext(ctx).
		Where("segmentation_id = ? AND session_id = ? AND kind = ?", segmentationID, sessionID, EditKindSnapshot).
		Order("segmentation_seq DESC").
		Take(&lastSnapshot).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		haveSnapshot = false
	} else if err != nil {
		return newServiceError(opSnapshotCheck, "snapshot_lookup_failed", err)
	}

	referenceNanos := sessionStartNanos
	deltaQuery := s.db.WithContext(ctx).Model(&Edit{}).
		Where("segmentation_id = ? AND session_id = ? AND kind = ?", segmentationID, sessionID, EditKindDelta)
	if haveSnapshot {
		referenceNanos = lastSnapshot.CreatedAtNanos
		deltaQuery = deltaQuery.Where("segmentation_seq > ?", lastSnapshot.SegmentationSeq)
	}

	var deltasSince int64
	if err := deltaQuery.Count(&deltasSince).Error; err != nil {
		return newServiceError(opSnapshotCheck, "delta_count_failed", err)
	}

	elapsed := s.clock().UTC().Sub(time.Unix(0, referenceNanos).UTC())
	if !ShouldSnapshot(deltasSince, elapsed) {
		return nil
	}

	reconstructed, err := s.Reconstruct(ctx, SegmentationID(segmentationID), sessionID, sessionStartNanos)
	if err != nil {
		return err
	}

	blobPath, err := s.blobs.Put(reconstructed, storage.BlobKindSnapshot, segmentationID)
	if err != nil {
		return newServiceError(opSnapshotCheck, "blob_put_failed", err)
	}

	if _, err := s.appendEdit(ctx, appendEditInput{
		segmentationID: segmentationID,
		kind:           EditKindSnapshot,
		blobPath:       blobPath,
		sizeBytes:      int64(len(reconstructed)),
		author:         author,
		sessionID:      sessionID,
		description:    snapshotDescription,
	}); err != nil {
		return err
	}

	s.loggerOrDefault().Info("session snapshot created",
		zap.String("segmentation_id", segmentationID),
		zap.String("session_id", sessionID),
		zap.Int64("deltas_since_reference", deltasSince))
	return nil
}

// Reconstruct rebuilds the full volume for a session: it loads the most
// recent full state at or before the session start and replays the
// session's deltas in log order. The result is serialized in the same
// container format as the base; identical inputs always produce
// byte-identical output.
func (s *Service) Reconstruct(ctx context.Context, segmentationID SegmentationID, sessionID string, sessionStartNanos int64) ([]byte, error) {
	var baseEdit Edit
	err := s.db.WithContext(ctx).
		Where("segmentation_id = ? AND kind IN ? AND created_at_ns <= ?",
			segmentationID.String(), []EditKind{EditKindFullSave, EditKindSnapshot}, sessionStartNanos).
		Order("segmentation_seq DESC").
		Take(&baseEdit).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		s.logError(opReconstruct, "no_base_state", ErrNoBaseState,
			zap.String("segmentation_id", segmentationID.String()),
			zap.String("session_id", sessionID))
		return nil, newServiceError(opReconstruct, "no_base_state", fmt.Errorf("%w: segmentation %s", ErrNoBaseState, segmentationID.String()))
	}
	if err != nil {
		return nil, newServiceError(opReconstruct, "base_lookup_failed", err)
	}

	baseData, err := s.blobs.Get(baseEdit.BlobPath)
	if err != nil {
		s.logError(opReconstruct, "base_blob_read_failed", err,
			zap.String("blob_path", baseEdit.BlobPath))
		return nil, newServiceError(opReconstruct, "base_blob_read_failed", err)
	}

	volume, err := DecodeVolume(baseData)
	if err != nil {
		return nil, newServiceError(opReconstruct, "base_decode_failed", err)
	}

	var deltaEdits []Edit
	if err := s.db.WithContext(ctx).
		Where("segmentation_id = ? AND session_id = ? AND kind = ?", segmentationID.String(), sessionID, EditKindDelta).
		Order("segmentation_seq ASC").
		Find(&deltaEdits).Error; err != nil {
		return nil, newServiceError(opReconstruct, "delta_query_failed", err)
	}

	for _, edit := range deltaEdits {
		token := edit.DeltaToken
		if !edit.HasInlineDelta() {
			blob, blobErr := s.blobs.Get(edit.BlobPath)
			if blobErr != nil {
				s.logError(opReconstruct, "delta_blob_read_failed", blobErr,
					zap.String("edit_id", edit.EditID),
					zap.String("blob_path", edit.BlobPath))
				return nil, newServiceError(opReconstruct, "delta_blob_read_failed", blobErr)
			}
			token = string(blob)
		}

		delta, decodeErr := DecodeDelta(token)
		if decodeErr != nil {
			return nil, newServiceError(opReconstruct, "delta_decode_failed", decodeErr)
		}
		if applyErr := volume.ApplyDelta(delta); applyErr != nil {
			return nil, newServiceError(opReconstruct, "delta_apply_failed", applyErr)
		}
	}

	return volume.Encode(), nil
}
