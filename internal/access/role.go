package access

// Role names the level of access a user holds on a project.
type Role string

const (
	// RoleOwner owns the project.
	RoleOwner Role = "owner"
	// RoleEditor can modify project segmentations.
	RoleEditor Role = "editor"
	// RoleReviewer can view and comment but not modify.
	RoleReviewer Role = "reviewer"
	// RoleViewer has read-only access.
	RoleViewer Role = "viewer"
	// RoleGuest has minimal access.
	RoleGuest Role = "guest"
)

// CanModify reports whether the role permits editing.
func (r Role) CanModify() bool {
	return r == RoleOwner || r == RoleEditor
}

// ProjectRole maps one user to their role on one project.
type ProjectRole struct {
	ProjectID      string `gorm:"column:project_id;primaryKey;size:190;not null"`
	UserID         string `gorm:"column:user_id;primaryKey;size:190;not null"`
	Role           Role   `gorm:"column:role;size:32;not null"`
	AddedAtSeconds int64  `gorm:"column:added_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (ProjectRole) TableName() string {
	return "project_roles"
}
