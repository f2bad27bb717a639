package session

// Status enumerates the session state machine. Ended and Abandoned are
// terminal; no transition out of either is permitted.
type Status string

const (
	// StatusActive marks a session currently accepting edits.
	StatusActive Status = "active"
	// StatusEnded marks a session closed explicitly by a participant.
	StatusEnded Status = "ended"
	// StatusAbandoned marks a session reaped after all participants disconnected.
	StatusAbandoned Status = "abandoned"
)

// Session is a bounded window of live collaboration on one segmentation.
// At most one session per segmentation is Active at any instant.
type Session struct {
	SessionID      string `gorm:"column:session_id;primaryKey;size:190;not null"`
	SegmentationID string `gorm:"column:segmentation_id;size:190;not null;index:idx_sessions_seg_status,priority:1"`
	StartedByID    string `gorm:"column:started_by_id;size:190;not null"`
	StartedAtNanos int64  `gorm:"column:started_at_ns;not null"`
	EndedAtNanos   int64  `gorm:"column:ended_at_ns;not null;default:0"`
	Status         Status `gorm:"column:status;size:32;not null;index:idx_sessions_seg_status,priority:2"`
	SessionName    string `gorm:"column:session_name;size:200;not null;default:''"`
	FinalVersionID string `gorm:"column:final_version_id;size:190;not null;default:''"`
}

// TableName provides the explicit table binding for GORM.
func (Session) TableName() string {
	return "collaborative_sessions"
}

// Participant is one member of a session's roster. The roster is an owned
// collection mutated only through the lifecycle service's join and leave
// operations.
type Participant struct {
	SessionID       string `gorm:"column:session_id;primaryKey;size:190;not null"`
	UserID          string `gorm:"column:user_id;primaryKey;size:190;not null"`
	JoinedAtSeconds int64  `gorm:"column:joined_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Participant) TableName() string {
	return "session_participants"
}
