package session

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const (
	defaultGracePeriod  = 5 * time.Minute
	defaultSweepPeriod  = 30 * time.Second
	reaperAbandonReason = "all participants disconnected past grace period"
)

// ConnectionCounter reports how many live channels a session currently has.
// The connection hub satisfies this interface.
type ConnectionCounter interface {
	ConnectedCount(sessionID string) int
}

// ReaperConfig configures the abandoned-session sweeper.
type ReaperConfig struct {
	Sessions    *Service
	Connections ConnectionCounter
	GracePeriod time.Duration
	SweepEvery  time.Duration
	Clock       func() time.Time
	Logger      *zap.Logger
}

// Reaper periodically abandons active sessions whose every participant has
// been disconnected for longer than the grace period. A session seen with at
// least one connection resets its clock.
type Reaper struct {
	sessions    *Service
	connections ConnectionCounter
	gracePeriod time.Duration
	sweepEvery  time.Duration
	clock       func() time.Time
	logger      *zap.Logger

	emptySince map[string]time.Time
}

// NewReaper constructs a Reaper with sane defaults.
func NewReaper(cfg ReaperConfig) *Reaper {
	grace := cfg.GracePeriod
	if grace <= 0 {
		grace = defaultGracePeriod
	}
	sweep := cfg.SweepEvery
	if sweep <= 0 {
		sweep = defaultSweepPeriod
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reaper{
		sessions:    cfg.Sessions,
		connections: cfg.Connections,
		gracePeriod: grace,
		sweepEvery:  sweep,
		clock:       clock,
		logger:      logger,
		emptySince:  make(map[string]time.Time),
	}
}

// Run sweeps until the context is cancelled. It is expected to run on its
// own goroutine for the lifetime of the process.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep performs one pass over active sessions, abandoning those empty for
// longer than the grace period.
func (r *Reaper) Sweep(ctx context.Context) {
	records, err := r.sessions.ListActive(ctx, "", "")
	if err != nil {
		r.logger.Error("reaper failed to list active sessions", zap.Error(err))
		return
	}

	now := r.clock().UTC()
	live := make(map[string]struct{}, len(records))

	for _, record := range records {
		live[record.SessionID] = struct{}{}

		if r.connections.ConnectedCount(record.SessionID) > 0 {
			delete(r.emptySince, record.SessionID)
			continue
		}

		firstSeen, tracked := r.emptySince[record.SessionID]
		if !tracked {
			r.emptySince[record.SessionID] = now
			continue
		}
		if now.Sub(firstSeen) < r.gracePeriod {
			continue
		}

		if _, err := r.sessions.Abandon(ctx, record.SessionID); err != nil {
			r.logger.Error("reaper failed to abandon session",
				zap.String("session_id", record.SessionID),
				zap.Error(err))
			continue
		}
		delete(r.emptySince, record.SessionID)
		r.logger.Info("abandoned idle session",
			zap.String("session_id", record.SessionID),
			zap.String("reason", reaperAbandonReason))
	}

	// Drop tracking for sessions that ended through other paths.
	for sessionID := range r.emptySince {
		if _, stillActive := live[sessionID]; !stillActive {
			delete(r.emptySince, sessionID)
		}
	}
}
