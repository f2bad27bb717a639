package access

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// Checker is the permission boundary the sync core evaluates before
// starting a session and before accepting any delta.
type Checker interface {
	CanEdit(ctx context.Context, userID, projectID string) (bool, error)
	CanView(ctx context.Context, userID, projectID string) (bool, error)
}

// ServiceConfig describes the dependencies for role lookups.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service resolves project roles from the role table.
type Service struct {
	db  *gorm.DB
	now func() time.Time
}

// NewService constructs the access service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("access: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{db: cfg.Database, now: clock}, nil
}

// CanEdit reports whether the user holds an owner or editor role on the project.
func (s *Service) CanEdit(ctx context.Context, userID, projectID string) (bool, error) {
	role, found, err := s.lookupRole(ctx, userID, projectID)
	if err != nil {
		return false, err
	}
	return found && role.CanModify(), nil
}

// CanView reports whether the user holds any role on the project.
func (s *Service) CanView(ctx context.Context, userID, projectID string) (bool, error) {
	_, found, err := s.lookupRole(ctx, userID, projectID)
	if err != nil {
		return false, err
	}
	return found, nil
}

// Grant assigns or replaces the user's role on a project.
func (s *Service) Grant(ctx context.Context, userID, projectID string, role Role) error {
	record := ProjectRole{
		ProjectID:      projectID,
		UserID:         userID,
		Role:           role,
		AddedAtSeconds: s.now().UTC().Unix(),
	}
	return s.db.WithContext(ctx).Save(&record).Error
}

func (s *Service) lookupRole(ctx context.Context, userID, projectID string) (Role, bool, error) {
	var record ProjectRole
	err := s.db.WithContext(ctx).
		Where("project_id = ? AND user_id = ?", projectID, userID).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return record.Role, true, nil
}
