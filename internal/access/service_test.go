package access

import (
	"context"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func newTestAccess(t *testing.T) *Service {
	t.Helper()

	dsn := fmt.Sprintf("file:atlas_access_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&ProjectRole{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	service, err := NewService(ServiceConfig{
		Database: db,
		Clock:    func() time.Time { return time.Unix(1700000000, 0).UTC() },
	})
	if err != nil {
		t.Fatalf("failed to construct access service: %v", err)
	}
	return service
}

func TestRoleCanModify(t *testing.T) {
	cases := map[Role]bool{
		RoleOwner:    true,
		RoleEditor:   true,
		RoleReviewer: false,
		RoleViewer:   false,
		RoleGuest:    false,
	}
	for role, want := range cases {
		if got := role.CanModify(); got != want {
			t.Fatalf("role %s: expected CanModify %v, got %v", role, want, got)
		}
	}
}

func TestCanEditRequiresModifyingRole(t *testing.T) {
	service := newTestAccess(t)
	ctx := context.Background()

	if err := service.Grant(ctx, "user-editor", "project-1", RoleEditor); err != nil {
		t.Fatalf("unexpected grant error: %v", err)
	}
	if err := service.Grant(ctx, "user-viewer", "project-1", RoleViewer); err != nil {
		t.Fatalf("unexpected grant error: %v", err)
	}

	canEdit, err := service.CanEdit(ctx, "user-editor", "project-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !canEdit {
		t.Fatalf("expected editor to pass the edit check")
	}

	canEdit, err = service.CanEdit(ctx, "user-viewer", "project-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if canEdit {
		t.Fatalf("expected viewer to fail the edit check")
	}

	canEdit, err = service.CanEdit(ctx, "user-unknown", "project-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if canEdit {
		t.Fatalf("expected unknown user to fail the edit check")
	}
}

func TestCanViewRequiresAnyRole(t *testing.T) {
	service := newTestAccess(t)
	ctx := context.Background()

	if err := service.Grant(ctx, "user-guest", "project-1", RoleGuest); err != nil {
		t.Fatalf("unexpected grant error: %v", err)
	}

	canView, err := service.CanView(ctx, "user-guest", "project-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !canView {
		t.Fatalf("expected any role to pass the view check")
	}

	canView, err = service.CanView(ctx, "user-guest", "project-2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if canView {
		t.Fatalf("expected missing role on other project to fail the view check")
	}
}

func TestGrantReplacesExistingRole(t *testing.T) {
	service := newTestAccess(t)
	ctx := context.Background()

	if err := service.Grant(ctx, "user-1", "project-1", RoleViewer); err != nil {
		t.Fatalf("unexpected grant error: %v", err)
	}
	if err := service.Grant(ctx, "user-1", "project-1", RoleOwner); err != nil {
		t.Fatalf("unexpected grant error: %v", err)
	}

	canEdit, err := service.CanEdit(ctx, "user-1", "project-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !canEdit {
		t.Fatalf("expected promotion to owner to take effect")
	}
}
