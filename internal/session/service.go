package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/voxelatlas/atlas/backend/internal/segmentation"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrNotFound indicates a missing session.
	ErrNotFound = errors.New("session: not found")
	// ErrSessionConflict indicates an attempt to start a second active
	// session on a segmentation.
	ErrSessionConflict = errors.New("session: active session already exists")
	// ErrInvalidState indicates an operation not valid for the session's
	// current state.
	ErrInvalidState = errors.New("session: invalid state for operation")
	// ErrForbidden indicates a requester without standing for the operation.
	ErrForbidden = errors.New("session: operation forbidden")

	errMissingDatabase     = errors.New("database handle is required")
	errMissingSegmentation = errors.New("segmentation service is required")
	errMissingIDProvider   = errors.New("id provider is required")

	noOpLogger = zap.NewNop()
)

const (
	opServiceNew = "session.service.new"
	opStart      = "session.start"
	opJoin       = "session.join"
	opLeave      = "session.leave"
	opEnd        = "session.end"
	opAbandon    = "session.abandon"
	opListActive = "session.list_active"
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

// ServiceConfig describes the dependencies of the session lifecycle service.
type ServiceConfig struct {
	Database      *gorm.DB
	Segmentations *segmentation.Service
	Clock         func() time.Time
	IDProvider    segmentation.IDProvider
	Logger        *zap.Logger
}

// Service owns the session state machine: it enforces the single active
// session per segmentation invariant and materializes final state on end.
type Service struct {
	db            *gorm.DB
	segmentations *segmentation.Service
	clock         func() time.Time
	idProvider    segmentation.IDProvider
	logger        *zap.Logger

	// transitionMu serializes state-machine transitions; transitions are
	// infrequent compared to delta traffic so a single lock suffices.
	transitionMu sync.Mutex
}

// NewService validates dependencies and returns a session Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.Segmentations == nil {
		return nil, newServiceError(opServiceNew, "missing_segmentation_service", errMissingSegmentation)
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
		db:            cfg.Database,
		segmentations: cfg.Segmentations,
		clock:         clock,
		idProvider:    cfg.IDProvider,
		logger:        logger,
	}, nil
}

// Start creates a new Active session for the segmentation with the starter
// as its first participant. It fails with ErrSessionConflict when an Active
// session already exists for that segmentation.
func (s *Service) Start(ctx context.Context, segmentationID segmentation.SegmentationID, starter segmentation.UserID, name string) (Session, error) {
	sessionID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opStart, "id_generation_failed", err)
		return Session{}, newServiceError(opStart, "id_generation_failed", err)
	}

	s.transitionMu.Lock()
	defer s.transitionMu.Unlock()

	var created Session
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var seg segmentation.Segmentation
		err := tx.Where("segmentation_id = ?", segmentationID.String()).Take(&seg).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(opStart, "segmentation_missing", fmt.Errorf("%w: segmentation %s", ErrNotFound, segmentationID.String()))
		}
		if err != nil {
			return newServiceError(opStart, "segmentation_lookup_failed", err)
		}

		var activeCount int64
		err = tx.Model(&Session{}).
			Where("segmentation_id = ? AND status = ?", segmentationID.String(), StatusActive).
			Count(&activeCount).Error
		if err != nil {
			return newServiceError(opStart, "conflict_check_failed", err)
		}
		if activeCount > 0 {
			return newServiceError(opStart, "session_conflict", fmt.Errorf("%w: segmentation %s", ErrSessionConflict, segmentationID.String()))
		}

		now := s.clock().UTC()
		created = Session{
			SessionID:      sessionID,
			SegmentationID: segmentationID.String(),
			StartedByID:    starter.String(),
			StartedAtNanos: now.UnixNano(),
			Status:         StatusActive,
			SessionName:    name,
		}
		if err := tx.Create(&created).Error; err != nil {
			return newServiceError(opStart, "session_insert_failed", err)
		}

		roster := Participant{
			SessionID:       sessionID,
			UserID:          starter.String(),
			JoinedAtSeconds: now.Unix(),
		}
		if err := tx.Create(&roster).Error; err != nil {
			return newServiceError(opStart, "participant_insert_failed", err)
		}
		return nil
	})
	if txErr != nil {
		s.logError(opStart, "start_failed", txErr,
			zap.String("segmentation_id", segmentationID.String()))
		return Session{}, txErr
	}

	s.logger.Info("session started",
		zap.String("session_id", created.SessionID),
		zap.String("segmentation_id", created.SegmentationID),
		zap.String("started_by", created.StartedByID))
	return created, nil
}

// Get returns a session by identifier.
func (s *Service) Get(ctx context.Context, sessionID string) (Session, error) {
	var record Session
	err := s.db.WithContext(ctx).Where("session_id = ?", sessionID).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Session{}, fmt.Errorf("%w: session %s", ErrNotFound, sessionID)
	}
	if err != nil {
		return Session{}, err
	}
	return record, nil
}

// Join adds a user to an Active session's roster. Joining twice is a no-op.
func (s *Service) Join(ctx context.Context, sessionID string, userID segmentation.UserID) error {
	s.transitionMu.Lock()
	defer s.transitionMu.Unlock()

	record, err := s.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if record.Status != StatusActive {
		return newServiceError(opJoin, "not_active", fmt.Errorf("%w: session is %s", ErrInvalidState, record.Status))
	}

	already, err := s.isParticipant(ctx, sessionID, userID.String())
	if err != nil {
		return newServiceError(opJoin, "roster_lookup_failed", err)
	}
	if already {
		return nil
	}

	roster := Participant{
		SessionID:       sessionID,
		UserID:          userID.String(),
		JoinedAtSeconds: s.clock().UTC().Unix(),
	}
	if err := s.db.WithContext(ctx).Create(&roster).Error; err != nil {
		s.logError(opJoin, "participant_insert_failed", err, zap.String("session_id", sessionID))
		return newServiceError(opJoin, "participant_insert_failed", err)
	}
	return nil
}

// Leave removes a user from the roster. The starter cannot leave the
// roster, though they may disconnect.
func (s *Service) Leave(ctx context.Context, sessionID string, userID segmentation.UserID) error {
	s.transitionMu.Lock()
	defer s.transitionMu.Unlock()

	record, err := s.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if userID.String() == record.StartedByID {
		return newServiceError(opLeave, "starter_cannot_leave", fmt.Errorf("%w: starter cannot leave the roster", ErrForbidden))
	}

	result := s.db.WithContext(ctx).
		Where("session_id = ? AND user_id = ?", sessionID, userID.String()).
		Delete(&Participant{})
	if result.Error != nil {
		s.logError(opLeave, "participant_delete_failed", result.Error, zap.String("session_id", sessionID))
		return newServiceError(opLeave, "participant_delete_failed", result.Error)
	}
	return nil
}

// End closes an Active session. When makeFinalVersion is set, the final
// state is reconstructed from the session's deltas and recorded as a
// full-save edit plus a durable version before the transition to Ended.
func (s *Service) End(ctx context.Context, sessionID string, requester segmentation.UserID, makeFinalVersion bool) (Session, error) {
	s.transitionMu.Lock()
	defer s.transitionMu.Unlock()

	record, err := s.Get(ctx, sessionID)
	if err != nil {
		return Session{}, err
	}
	if record.Status != StatusActive {
		return Session{}, newServiceError(opEnd, "not_active", fmt.Errorf("%w: session is %s", ErrInvalidState, record.Status))
	}

	standing, err := s.isParticipant(ctx, sessionID, requester.String())
	if err != nil {
		return Session{}, newServiceError(opEnd, "roster_lookup_failed", err)
	}
	if !standing && requester.String() != record.StartedByID {
		return Session{}, newServiceError(opEnd, "not_participant", fmt.Errorf("%w: %s is not a participant", ErrForbidden, requester.String()))
	}

	finalVersionID := ""
	if makeFinalVersion {
		segID, idErr := segmentation.NewSegmentationID(record.SegmentationID)
		if idErr != nil {
			return Session{}, newServiceError(opEnd, "segmentation_id_invalid", idErr)
		}

		finalData, recErr := s.segmentations.Reconstruct(ctx, segID, sessionID, record.StartedAtNanos)
		if recErr != nil {
			s.logError(opEnd, "reconstruction_failed", recErr, zap.String("session_id", sessionID))
			return Session{}, recErr
		}

		description := fmt.Sprintf("Final version from session %s", sessionID)
		if record.SessionName != "" {
			description = fmt.Sprintf("Final version from session %q", record.SessionName)
		}
		_, version, saveErr := s.segmentations.SaveFull(ctx, segmentation.SaveFullRequest{
			SegmentationID: segID,
			Data:           finalData,
			Author:         requester,
			Description:    description,
			CreateVersion:  true,
			SessionID:      sessionID,
		})
		if saveErr != nil {
			s.logError(opEnd, "final_save_failed", saveErr, zap.String("session_id", sessionID))
			return Session{}, saveErr
		}
		if version != nil {
			finalVersionID = version.VersionID
		}
	}

	updates := map[string]interface{}{
		"status":           StatusEnded,
		"ended_at_ns":      s.clock().UTC().UnixNano(),
		"final_version_id": finalVersionID,
	}
	if err := s.db.WithContext(ctx).Model(&Session{}).
		Where("session_id = ?", sessionID).
		Updates(updates).Error; err != nil {
		s.logError(opEnd, "session_update_failed", err, zap.String("session_id", sessionID))
		return Session{}, newServiceError(opEnd, "session_update_failed", err)
	}

	s.logger.Info("session ended",
		zap.String("session_id", sessionID),
		zap.String("ended_by", requester.String()),
		zap.Bool("final_version", makeFinalVersion))
	return s.Get(ctx, sessionID)
}

// Abandon transitions an Active session to Abandoned without producing a
// final version. Used when every participant has been disconnected past the
// grace period.
func (s *Service) Abandon(ctx context.Context, sessionID string) (Session, error) {
	s.transitionMu.Lock()
	defer s.transitionMu.Unlock()

	record, err := s.Get(ctx, sessionID)
	if err != nil {
		return Session{}, err
	}
	if record.Status != StatusActive {
		return Session{}, newServiceError(opAbandon, "not_active", fmt.Errorf("%w: session is %s", ErrInvalidState, record.Status))
	}

	updates := map[string]interface{}{
		"status":      StatusAbandoned,
		"ended_at_ns": s.clock().UTC().UnixNano(),
	}
	if err := s.db.WithContext(ctx).Model(&Session{}).
		Where("session_id = ?", sessionID).
		Updates(updates).Error; err != nil {
		s.logError(opAbandon, "session_update_failed", err, zap.String("session_id", sessionID))
		return Session{}, newServiceError(opAbandon, "session_update_failed", err)
	}

	s.logger.Info("session abandoned", zap.String("session_id", sessionID))
	return s.Get(ctx, sessionID)
}

// ListActive returns Active sessions, optionally filtered by segmentation
// and by a user who must be on the roster.
func (s *Service) ListActive(ctx context.Context, segmentationID, userID string) ([]Session, error) {
	query := s.db.WithContext(ctx).Where("status = ?", StatusActive)
	if segmentationID != "" {
		query = query.Where("segmentation_id = ?", segmentationID)
	}

	var sessions []Session
	if err := query.Order("started_at_ns ASC").Find(&sessions).Error; err != nil {
		s.logError(opListActive, "query_failed", err)
		return nil, newServiceError(opListActive, "query_failed", err)
	}
	if userID == "" {
		return sessions, nil
	}

	filtered := make([]Session, 0, len(sessions))
	for _, record := range sessions {
		if record.StartedByID == userID {
			filtered = append(filtered, record)
			continue
		}
		member, err := s.isParticipant(ctx, record.SessionID, userID)
		if err != nil {
			return nil, newServiceError(opListActive, "roster_lookup_failed", err)
		}
		if member {
			filtered = append(filtered, record)
		}
	}
	return filtered, nil
}

// Participants returns the ordered roster of a session.
func (s *Service) Participants(ctx context.Context, sessionID string) ([]string, error) {
	var roster []Participant
	if err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("joined_at_s ASC, user_id ASC").
		Find(&roster).Error; err != nil {
		return nil, err
	}
	userIDs := make([]string, 0, len(roster))
	for _, member := range roster {
		userIDs = append(userIDs, member.UserID)
	}
	return userIDs, nil
}

// IsParticipant reports whether the user is the starter or on the roster.
func (s *Service) IsParticipant(ctx context.Context, sessionID, userID string) (bool, error) {
	record, err := s.Get(ctx, sessionID)
	if err != nil {
		return false, err
	}
	if record.StartedByID == userID {
		return true, nil
	}
	return s.isParticipant(ctx, sessionID, userID)
}

func (s *Service) isParticipant(ctx context.Context, sessionID, userID string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&Participant{}).
		Where("session_id = ? AND user_id = ?", sessionID, userID).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
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
	s.logger.Error("session service error", attrs...)
}
