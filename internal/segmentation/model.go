package segmentation

import (
	"errors"
	"fmt"
	"strings"
)

// EditKind enumerates the accepted change event categories.
type EditKind string

const (
	// EditKindFullSave is a complete volume save submitted over REST.
	EditKindFullSave EditKind = "full_save"
	// EditKindDelta is an incremental change submitted during a live session.
	EditKindDelta EditKind = "delta"
	// EditKindSnapshot is a periodic full-volume materialization taken during a session.
	EditKindSnapshot EditKind = "snapshot"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidSegmentationID indicates an empty or oversized segmentation identifier.
	ErrInvalidSegmentationID = errors.New("segmentation: invalid segmentation id")
	// ErrInvalidUserID indicates an empty or oversized user identifier.
	ErrInvalidUserID = errors.New("segmentation: invalid user id")
	// ErrInvalidEditKind indicates an unknown edit kind value.
	ErrInvalidEditKind = errors.New("segmentation: invalid edit kind")
)

// SegmentationID represents a validated segmentation identifier.
type SegmentationID string

// NewSegmentationID validates raw input and returns a SegmentationID.
func NewSegmentationID(rawInput string) (SegmentationID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidSegmentationID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidSegmentationID, maxIdentifierLength)
	}
	return SegmentationID(trimmed), nil
}

// String returns the underlying string identifier.
func (id SegmentationID) String() string {
	return string(id)
}

// UserID represents a validated user identifier.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, maxIdentifierLength)
	}
	return UserID(trimmed), nil
}

// String returns the underlying string identifier.
func (id UserID) String() string {
	return string(id)
}

// ParseEditKind validates a raw edit kind value.
func ParseEditKind(value string) (EditKind, error) {
	switch EditKind(strings.ToLower(strings.TrimSpace(value))) {
	case EditKindFullSave:
		return EditKindFullSave, nil
	case EditKindDelta:
		return EditKindDelta, nil
	case EditKindSnapshot:
		return EditKindSnapshot, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidEditKind, value)
	}
}

// Segmentation models a named labeled volume belonging to a project. Its
// state is mutated only through Edit Log writes, never edited in place.
type Segmentation struct {
	SegmentationID   string `gorm:"column:segmentation_id;primaryKey;size:190;not null"`
	ProjectID        string `gorm:"column:project_id;size:190;not null;index"`
	Name             string `gorm:"column:name;size:190;not null"`
	Color            string `gorm:"column:color;size:9"`
	CreatedByID      string `gorm:"column:created_by_id;size:190;not null"`
	LastEditorID     string `gorm:"column:last_editor_id;size:190;not null;default:''"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (Segmentation) TableName() string {
	return "segmentations"
}

// Edit is one accepted change event in the append-only edit log. For delta
// edits exactly one of DeltaToken and BlobPath is set. CreatedAtNanos is the
// server-assigned timestamp, monotonically non-decreasing per segmentation;
// SegmentationSeq is the tie-break authority for equal timestamps.
type Edit struct {
	EditID            string   `gorm:"column:edit_id;primaryKey;size:190;not null"`
	SegmentationID    string   `gorm:"column:segmentation_id;size:190;not null;index:idx_edits_seg_seq,priority:1"`
	Kind              EditKind `gorm:"column:kind;size:32;not null"`
	BlobPath          string   `gorm:"column:blob_path;size:500;not null;default:''"`
	DeltaToken        string   `gorm:"column:delta_token;type:text;not null;default:''"`
	SizeBytes         int64    `gorm:"column:size_bytes;not null;default:0"`
	VoxelsModified    int64    `gorm:"column:voxels_modified;not null;default:0"`
	CreatedByID       string   `gorm:"column:created_by_id;size:190;not null"`
	CreatedAtNanos    int64    `gorm:"column:created_at_ns;not null;index"`
	SegmentationSeq   int64    `gorm:"column:segmentation_seq;not null;index:idx_edits_seg_seq,priority:2"`
	SessionID         string   `gorm:"column:session_id;size:190;not null;default:'';index"`
	ChangeDescription string   `gorm:"column:change_description;size:500;not null;default:''"`
	ClientTimeSeconds int64    `gorm:"column:client_time_s;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (Edit) TableName() string {
	return "segmentation_edits"
}

// HasInlineDelta reports whether the edit carries its delta token inline.
func (e Edit) HasInlineDelta() bool {
	return e.DeltaToken != ""
}

// Version is a durable numbered full-state checkpoint of a segmentation,
// independent of live-session snapshotting. Version numbers form a gap-free
// increasing sequence starting at 1 per segmentation.
type Version struct {
	VersionID         string `gorm:"column:version_id;primaryKey;size:190;not null"`
	SegmentationID    string `gorm:"column:segmentation_id;size:190;not null;uniqueIndex:idx_versions_seg_number,priority:1"`
	VersionNumber     int64  `gorm:"column:version_number;not null;uniqueIndex:idx_versions_seg_number,priority:2"`
	BlobPath          string `gorm:"column:blob_path;size:500;not null"`
	CreatedByID       string `gorm:"column:created_by_id;size:190;not null"`
	CreatedAtSeconds  int64  `gorm:"column:created_at_s;not null"`
	ChangeDescription string `gorm:"column:change_description;size:300;not null;default:''"`
	IsCompleteState   bool   `gorm:"column:is_complete_state;not null;default:true"`
}

// TableName provides the explicit table binding for GORM.
func (Version) TableName() string {
	return "segmentation_versions"
}
