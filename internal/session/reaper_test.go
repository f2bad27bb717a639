package session

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"
)

type staticConnectionCounter struct {
	counts map[string]int
}

func (c *staticConnectionCounter) ConnectedCount(sessionID string) int {
	return c.counts[sessionID]
}

func TestReaperAbandonsSessionsEmptyPastGracePeriod(t *testing.T) {
	fixture := newTestFixture(t)
	fixture.seedSegmentation(t, "seg-1")
	fixture.seedSegmentation(t, "seg-2")
	ctx := context.Background()

	idle, err := fixture.sessions.Start(ctx, mustSegID(t, "seg-1"), mustUser(t, "user-1"), "")
	if err != nil {
		t.Fatalf("unexpected start error: %v", err)
	}
	busy, err := fixture.sessions.Start(ctx, mustSegID(t, "seg-2"), mustUser(t, "user-2"), "")
	if err != nil {
		t.Fatalf("unexpected start error: %v", err)
	}

	connections := &staticConnectionCounter{counts: map[string]int{busy.SessionID: 2}}
	reaper := NewReaper(ReaperConfig{
		Sessions:    fixture.sessions,
		Connections: connections,
		GracePeriod: 5 * time.Minute,
		Clock:       fixture.clock.Now,
		Logger:      zap.NewNop(),
	})

	// First sweep only starts tracking the empty session.
	reaper.Sweep(ctx)
	record, err := fixture.sessions.Get(ctx, idle.SessionID)
	if err != nil {
		t.Fatalf("unexpected get error: %v", err)
	}
	if record.Status != StatusActive {
		t.Fatalf("session abandoned before grace period: %s", record.Status)
	}

	// Still inside the grace period.
	fixture.clock.Advance(4 * time.Minute)
	reaper.Sweep(ctx)
	record, _ = fixture.sessions.Get(ctx, idle.SessionID)
	if record.Status != StatusActive {
		t.Fatalf("session abandoned inside grace period: %s", record.Status)
	}

	// Past the grace period the idle session is abandoned; the busy one
	// survives.
	fixture.clock.Advance(2 * time.Minute)
	reaper.Sweep(ctx)

	record, _ = fixture.sessions.Get(ctx, idle.SessionID)
	if record.Status != StatusAbandoned {
		t.Fatalf("expected idle session to be abandoned, got %s", record.Status)
	}
	if record.EndedAtNanos == 0 {
		t.Fatalf("expected abandonment timestamp to be recorded")
	}
	record, _ = fixture.sessions.Get(ctx, busy.SessionID)
	if record.Status != StatusActive {
		t.Fatalf("expected busy session to survive, got %s", record.Status)
	}
}

func TestReaperResetsTrackingWhenConnectionsReturn(t *testing.T) {
	fixture := newTestFixture(t)
	fixture.seedSegmentation(t, "seg-1")
	ctx := context.Background()

	record, err := fixture.sessions.Start(ctx, mustSegID(t, "seg-1"), mustUser(t, "user-1"), "")
	if err != nil {
		t.Fatalf("unexpected start error: %v", err)
	}

	connections := &staticConnectionCounter{counts: map[string]int{}}
	reaper := NewReaper(ReaperConfig{
		Sessions:    fixture.sessions,
		Connections: connections,
		GracePeriod: 5 * time.Minute,
		Clock:       fixture.clock.Now,
		Logger:      zap.NewNop(),
	})

	reaper.Sweep(ctx)
	fixture.clock.Advance(4 * time.Minute)

	// A client reconnects, clearing the empty-since tracking.
	connections.counts[record.SessionID] = 1
	reaper.Sweep(ctx)

	// Disconnected again; the grace period restarts from here.
	connections.counts[record.SessionID] = 0
	fixture.clock.Advance(4 * time.Minute)
	reaper.Sweep(ctx)

	loaded, err := fixture.sessions.Get(ctx, record.SessionID)
	if err != nil {
		t.Fatalf("unexpected get error: %v", err)
	}
	if loaded.Status != StatusActive {
		t.Fatalf("expected session to survive after reconnect reset, got %s", loaded.Status)
	}
}
