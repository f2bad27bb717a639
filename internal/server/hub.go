package server

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Event is one duplex-channel protocol message: a type tag, a timestamp,
// and type-specific fields.
type Event map[string]interface{}

// NewEvent returns an event carrying its type and timestamp.
func NewEvent(eventType string, at time.Time) Event {
	return Event{
		"type":      eventType,
		"timestamp": at.UTC().Format(time.RFC3339Nano),
	}
}

// Channel is one participant's duplex connection as the hub sees it. Send
// must not block on a slow consumer; it reports an error instead so the hub
// can evict the channel.
type Channel interface {
	Send(event Event) error
	Close() error
}

// Hub tracks the open channels of every live session and fans events out to
// them. The registry is a bidirectional index kept consistent only through
// Register and Unregister: session to channel set, and channel to user.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]map[Channel]struct{}
	users    map[Channel]string
	logger   *zap.Logger
}

// NewHub constructs an empty connection hub.
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		sessions: make(map[string]map[Channel]struct{}),
		users:    make(map[Channel]string),
		logger:   logger,
	}
}

// Register adds a channel to a session and records its user for presence.
func (h *Hub) Register(channel Channel, sessionID, userID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.sessions[sessionID]; !ok {
		h.sessions[sessionID] = make(map[Channel]struct{})
	}
	h.sessions[sessionID][channel] = struct{}{}
	h.users[channel] = userID
}

// Unregister removes a channel from a session. It never leaves a dangling
// registry entry: empty sessions are dropped along with the user mapping.
func (h *Hub) Unregister(channel Channel, sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if channels, ok := h.sessions[sessionID]; ok {
		delete(channels, channel)
		if len(channels) == 0 {
			delete(h.sessions, sessionID)
		}
	}
	delete(h.users, channel)
}

// Broadcast delivers the event to every registered channel of the session
// except the excluded one. Membership is snapshotted under the read lock
// and sends happen outside it, so a slow or failed channel cannot stall the
// registry. A channel whose send fails is unregistered and closed.
func (h *Hub) Broadcast(sessionID string, event Event, exclude Channel) {
	h.mu.RLock()
	channels := h.sessions[sessionID]
	targets := make([]Channel, 0, len(channels))
	for channel := range channels {
		if channel == exclude {
			continue
		}
		targets = append(targets, channel)
	}
	h.mu.RUnlock()

	for _, channel := range targets {
		if err := channel.Send(event); err != nil {
			h.logger.Warn("evicting channel after failed send",
				zap.String("session_id", sessionID),
				zap.Error(err))
			h.Unregister(channel, sessionID)
			_ = channel.Close()
		}
	}
}

// SendTo delivers an event to a single channel.
func (h *Hub) SendTo(channel Channel, event Event) error {
	return channel.Send(event)
}

// ParticipantsOf returns the distinct user identifiers currently connected
// to a session.
func (h *Hub) ParticipantsOf(sessionID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	seen := make(map[string]struct{})
	userIDs := make([]string, 0, len(h.sessions[sessionID]))
	for channel := range h.sessions[sessionID] {
		userID, ok := h.users[channel]
		if !ok {
			continue
		}
		if _, dup := seen[userID]; dup {
			continue
		}
		seen[userID] = struct{}{}
		userIDs = append(userIDs, userID)
	}
	return userIDs
}

// ConnectedCount reports how many channels a session currently has open.
func (h *Hub) ConnectedCount(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[sessionID])
}

// CloseSession unregisters and closes every channel of a session. Used on
// session end after the final notification has been broadcast.
func (h *Hub) CloseSession(sessionID string) {
	h.mu.Lock()
	channels := h.sessions[sessionID]
	delete(h.sessions, sessionID)
	closing := make([]Channel, 0, len(channels))
	for channel := range channels {
		delete(h.users, channel)
		closing = append(closing, channel)
	}
	h.mu.Unlock()

	for _, channel := range closing {
		_ = channel.Close()
	}
}
