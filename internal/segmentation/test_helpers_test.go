package segmentation

import (
	"fmt"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/voxelatlas/atlas/backend/internal/storage"
	"gorm.io/gorm"
)

// counterIDGenerator issues sequential identifiers and is safe for
// concurrent use.
type counterIDGenerator struct {
	mu     sync.Mutex
	prefix string
	next   int
}

func (g *counterIDGenerator) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.next++
	return fmt.Sprintf("%s-%d", g.prefix, g.next), nil
}

// testClock is a settable clock shared between a test and the service.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock(start time.Time) *testClock {
	return &testClock{now: start.UTC()}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func mustSegmentationID(t *testing.T, value string) SegmentationID {
	t.Helper()
	id, err := NewSegmentationID(value)
	if err != nil {
		t.Fatalf("unexpected segmentation id error: %v", err)
	}
	return id
}

func mustUserID(t *testing.T, value string) UserID {
	t.Helper()
	id, err := NewUserID(value)
	if err != nil {
		t.Fatalf("unexpected user id error: %v", err)
	}
	return id
}

func mustDelta(t *testing.T, action string, changes []VoxelChange, metadata map[string]string) Delta {
	t.Helper()
	delta, err := NewDelta(action, changes, metadata)
	if err != nil {
		t.Fatalf("unexpected delta error: %v", err)
	}
	return delta
}

func newTestService(t *testing.T, clock *testClock) (*Service, *gorm.DB) {
	t.Helper()

	dsn := fmt.Sprintf("file:atlas_seg_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Segmentation{}, &Edit{}, &Version{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	blobs, err := storage.NewLocalStore(storage.LocalStoreConfig{
		BasePath: t.TempDir(),
		Clock:    clock.Now,
	})
	if err != nil {
		t.Fatalf("failed to construct blob store: %v", err)
	}

	service, err := NewService(ServiceConfig{
		Database:   db,
		Blobs:      blobs,
		Clock:      clock.Now,
		IDProvider: &counterIDGenerator{prefix: "id"},
	})
	if err != nil {
		t.Fatalf("failed to construct segmentation service: %v", err)
	}

	return service, db
}

func seedSegmentation(t *testing.T, db *gorm.DB, segmentationID, projectID string) {
	t.Helper()
	record := Segmentation{
		SegmentationID:   segmentationID,
		ProjectID:        projectID,
		Name:             "test segmentation",
		CreatedByID:      "user-seed",
		CreatedAtSeconds: 1700000000,
	}
	if err := db.Create(&record).Error; err != nil {
		t.Fatalf("failed to seed segmentation: %v", err)
	}
}
