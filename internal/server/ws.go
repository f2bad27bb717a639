package server

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/voxelatlas/atlas/backend/internal/segmentation"
	"github.com/voxelatlas/atlas/backend/internal/session"
	"go.uber.org/zap"
)

const wsSendBufferSize = 32

var (
	errChannelClosed     = errors.New("server: channel closed")
	errChannelBacklogged = errors.New("server: channel send buffer full")
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1 << 20,
	WriteBufferSize: 1 << 20,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// wsChannel adapts a websocket connection to the hub's Channel contract.
// Outbound events pass through a bounded queue drained by a single writer
// goroutine; a full queue fails the send instead of blocking, so one slow
// consumer never stalls a broadcast.
type wsChannel struct {
	conn      *websocket.Conn
	outbound  chan Event
	done      chan struct{}
	closeOnce sync.Once
}

func newWSChannel(conn *websocket.Conn) *wsChannel {
	channel := &wsChannel{
		conn:     conn,
		outbound: make(chan Event, wsSendBufferSize),
		done:     make(chan struct{}),
	}
	go channel.writePump()
	return channel
}

func (c *wsChannel) Send(event Event) error {
	select {
	case <-c.done:
		return errChannelClosed
	default:
	}
	select {
	case c.outbound <- event:
		return nil
	default:
		return errChannelBacklogged
	}
}

func (c *wsChannel) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
	})
	return c.conn.Close()
}

func (c *wsChannel) writePump() {
	for {
		select {
		case event := <-c.outbound:
			if err := c.conn.WriteJSON(event); err != nil {
				_ = c.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}

type inboundVoxelChange struct {
	X   int `json:"x"`
	Y   int `json:"y"`
	Z   int `json:"z"`
	Old int `json:"old"`
	New int `json:"new"`
}

type inboundDelta struct {
	Action       string               `json:"action"`
	VoxelChanges []inboundVoxelChange `json:"voxel_changes"`
	Metadata     map[string]string    `json:"metadata"`
}

type inboundMessage struct {
	Type              string         `json:"type"`
	Delta             *inboundDelta  `json:"delta,omitempty"`
	Position          map[string]any `json:"position,omitempty"`
	Message           string         `json:"message,omitempty"`
	ClientTimeSeconds int64          `json:"client_time_s,omitempty"`
}

// handleSessionSocket upgrades the connection, authenticates it, joins the
// caller to the session, and runs the read loop until disconnect.
func (h *httpHandler) handleSessionSocket(c *gin.Context) {
	sessionID := c.Param("id")

	conn, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	userID, err := h.tokens.ValidateToken(c.Query("token"))
	if err != nil {
		h.logger.Warn("websocket authentication failed", zap.Error(err))
		closePolicyViolation(conn, "authentication failed")
		return
	}

	ctx := c.Request.Context()
	record, err := h.sessions.Get(ctx, sessionID)
	if err != nil || record.Status != session.StatusActive {
		closePolicyViolation(conn, "session not found or inactive")
		return
	}

	seg, err := h.segmentations.Get(ctx, segmentation.SegmentationID(record.SegmentationID))
	if err != nil {
		closePolicyViolation(conn, "segmentation not found")
		return
	}
	allowed, err := h.permissions.CanEdit(ctx, userID, seg.ProjectID)
	if err != nil || !allowed {
		closePolicyViolation(conn, "access denied")
		return
	}

	author, err := segmentation.NewUserID(userID)
	if err != nil {
		closePolicyViolation(conn, "access denied")
		return
	}
	if err := h.sessions.Join(ctx, sessionID, author); err != nil {
		closePolicyViolation(conn, "session not found or inactive")
		return
	}

	channel := newWSChannel(conn)
	h.hub.Register(channel, sessionID, userID)

	joined := NewEvent(EventTypeUserJoined, h.clock())
	joined["user_id"] = userID
	joined["session_id"] = sessionID
	h.hub.Broadcast(sessionID, joined, channel)

	state := NewEvent(EventTypeSessionState, h.clock())
	state["session_id"] = sessionID
	state["segmentation_id"] = record.SegmentationID
	state["active_users"] = h.hub.ParticipantsOf(sessionID)
	if err := h.hub.SendTo(channel, state); err != nil {
		h.disconnect(channel, sessionID, userID)
		return
	}

	h.logger.Info("participant connected",
		zap.String("session_id", sessionID),
		zap.String("user_id", userID))

	h.readLoop(ctx, channel, record, author)
	h.disconnect(channel, sessionID, userID)
}

func (h *httpHandler) readLoop(ctx context.Context, channel *wsChannel, record session.Session, author segmentation.UserID) {
	sessionID := record.SessionID
	for {
		var message inboundMessage
		if err := channel.conn.ReadJSON(&message); err != nil {
			return
		}

		switch message.Type {
		case EventTypeDelta:
			h.handleDeltaMessage(ctx, channel, record, author, message)

		case EventTypeCursor:
			relay := NewEvent(EventTypeCursor, h.clock())
			relay["user_id"] = author.String()
			relay["position"] = message.Position
			h.hub.Broadcast(sessionID, relay, channel)

		case EventTypeChat:
			relay := NewEvent(EventTypeChat, h.clock())
			relay["user_id"] = author.String()
			relay["message"] = message.Message
			h.hub.Broadcast(sessionID, relay, nil)

		case EventTypePing:
			pong := NewEvent(EventTypePong, h.clock())
			if err := h.hub.SendTo(channel, pong); err != nil {
				return
			}
		}
	}
}

// handleDeltaMessage appends the delta to the edit log, then forwards it to
// peers and acknowledges the sender. Failures are isolated to the sender as
// an error event; the session and its other participants are unaffected.
func (h *httpHandler) handleDeltaMessage(ctx context.Context, channel *wsChannel, record session.Session, author segmentation.UserID, message inboundMessage) {
	current, err := h.sessions.Get(ctx, record.SessionID)
	if err != nil || current.Status != session.StatusActive {
		h.sendErrorEvent(channel, "session is no longer active")
		return
	}

	if message.Delta == nil {
		h.sendErrorEvent(channel, "delta payload missing")
		return
	}

	changes := make([]segmentation.VoxelChange, 0, len(message.Delta.VoxelChanges))
	for _, change := range message.Delta.VoxelChanges {
		changes = append(changes, segmentation.VoxelChange(change))
	}
	delta, err := segmentation.NewDelta(message.Delta.Action, changes, message.Delta.Metadata)
	if err != nil {
		h.sendErrorEvent(channel, "invalid delta: "+err.Error())
		return
	}

	edit, err := h.segmentations.AppendDelta(ctx, segmentation.AppendDeltaRequest{
		SegmentationID:    segmentation.SegmentationID(record.SegmentationID),
		Delta:             delta,
		Author:            author,
		SessionID:         record.SessionID,
		SessionStartNanos: record.StartedAtNanos,
		ClientTimeSeconds: message.ClientTimeSeconds,
	})
	if err != nil {
		h.logger.Warn("delta append failed",
			zap.String("session_id", record.SessionID),
			zap.String("user_id", author.String()),
			zap.Error(err))
		h.sendErrorEvent(channel, "failed to apply delta")
		return
	}

	forward := NewEvent(EventTypeDelta, h.clock())
	forward["user_id"] = author.String()
	forward["edit_id"] = edit.EditID
	forward["delta"] = message.Delta
	h.hub.Broadcast(record.SessionID, forward, channel)

	ack := NewEvent(EventTypeDeltaAck, h.clock())
	ack["edit_id"] = edit.EditID
	if err := h.hub.SendTo(channel, ack); err != nil {
		h.logger.Warn("delta ack delivery failed",
			zap.String("session_id", record.SessionID),
			zap.Error(err))
	}
}

func (h *httpHandler) sendErrorEvent(channel Channel, message string) {
	event := NewEvent(EventTypeError, h.clock())
	event["message"] = message
	_ = channel.Send(event)
}

// disconnect synchronously unregisters the channel and announces the
// departure so no dangling registry entry survives a closed connection.
func (h *httpHandler) disconnect(channel *wsChannel, sessionID, userID string) {
	h.hub.Unregister(channel, sessionID)
	_ = channel.Close()

	left := NewEvent(EventTypeUserLeft, h.clock())
	left["user_id"] = userID
	left["session_id"] = sessionID
	h.hub.Broadcast(sessionID, left, nil)

	h.logger.Info("participant disconnected",
		zap.String("session_id", sessionID),
		zap.String("user_id", userID))
}

func closePolicyViolation(conn *websocket.Conn, reason string) {
	message := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason)
	_ = conn.WriteMessage(websocket.CloseMessage, message)
	_ = conn.Close()
}
