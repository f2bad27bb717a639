package server

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/voxelatlas/atlas/backend/internal/segmentation"
)

func (env *testEnvironment) dialSocket(t *testing.T, sessionID, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/collaboration/sessions/" + sessionID + "/ws?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("failed to dial socket: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readEventOfType drains events until one of the wanted type arrives; presence
// events from other connections may interleave with the one under test.
func readEventOfType(t *testing.T, conn *websocket.Conn, eventType string) map[string]any {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	if err := conn.SetReadDeadline(deadline); err != nil {
		t.Fatalf("failed to set read deadline: %v", err)
	}
	for {
		var event map[string]any
		if err := conn.ReadJSON(&event); err != nil {
			t.Fatalf("failed to read event of type %q: %v", eventType, err)
		}
		if event["type"] == eventType {
			return event
		}
	}
}

func TestSessionSocketRejectsInvalidToken(t *testing.T) {
	env := newTestEnvironment(t)
	env.seedSegmentation(t, "seg-1", "project-1")
	env.grantEditor(t, "user-1", "project-1")

	record, err := env.sessions.Start(context.Background(), mustID(t, "seg-1"), mustUID(t, "user-1"), "")
	if err != nil {
		t.Fatalf("unexpected start error: %v", err)
	}

	conn := env.dialSocket(t, record.SessionID, "not-a-valid-token")
	if err := conn.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
		t.Fatalf("failed to set read deadline: %v", err)
	}
	_, _, readErr := conn.ReadMessage()
	var closeErr *websocket.CloseError
	if !errors.As(readErr, &closeErr) {
		t.Fatalf("expected close error, got %v", readErr)
	}
	if closeErr.Code != websocket.ClosePolicyViolation {
		t.Fatalf("expected policy violation close code, got %d", closeErr.Code)
	}
}

func TestSessionSocketRejectsUnknownSession(t *testing.T) {
	env := newTestEnvironment(t)
	token := env.issueToken(t, "user-1")

	conn := env.dialSocket(t, "session-missing", token)
	if err := conn.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
		t.Fatalf("failed to set read deadline: %v", err)
	}
	_, _, readErr := conn.ReadMessage()
	var closeErr *websocket.CloseError
	if !errors.As(readErr, &closeErr) || closeErr.Code != websocket.ClosePolicyViolation {
		t.Fatalf("expected policy violation close, got %v", readErr)
	}
}

func TestSessionSocketDeltaBroadcast(t *testing.T) {
	env := newTestEnvironment(t)
	env.seedSegmentation(t, "seg-1", "project-1")
	env.grantEditor(t, "user-a", "project-1")
	env.grantEditor(t, "user-b", "project-1")

	record, err := env.sessions.Start(context.Background(), mustID(t, "seg-1"), mustUID(t, "user-a"), "")
	if err != nil {
		t.Fatalf("unexpected start error: %v", err)
	}

	connA := env.dialSocket(t, record.SessionID, env.issueToken(t, "user-a"))
	stateA := readEventOfType(t, connA, EventTypeSessionState)
	if stateA["segmentation_id"] != "seg-1" {
		t.Fatalf("unexpected session state %+v", stateA)
	}

	connB := env.dialSocket(t, record.SessionID, env.issueToken(t, "user-b"))
	readEventOfType(t, connB, EventTypeSessionState)
	// The first connection sees the second participant join.
	joined := readEventOfType(t, connA, EventTypeUserJoined)
	if joined["user_id"] != "user-b" {
		t.Fatalf("unexpected join event %+v", joined)
	}

	payload := map[string]any{
		"type": EventTypeDelta,
		"delta": map[string]any{
			"action": "paint",
			"voxel_changes": []map[string]any{
				{"x": 1, "y": 2, "z": 3, "old": 0, "new": 7},
			},
		},
	}
	if err := connA.WriteJSON(payload); err != nil {
		t.Fatalf("failed to send delta: %v", err)
	}

	ack := readEventOfType(t, connA, EventTypeDeltaAck)
	editID, _ := ack["edit_id"].(string)
	if editID == "" {
		t.Fatalf("expected edit id in ack, got %+v", ack)
	}

	forwarded := readEventOfType(t, connB, EventTypeDelta)
	if forwarded["user_id"] != "user-a" || forwarded["edit_id"] != editID {
		t.Fatalf("unexpected forwarded delta %+v", forwarded)
	}

	// The delta landed in the edit log as well.
	edits, err := env.segmentations.EditsSince(context.Background(), mustID(t, "seg-1"), time.Unix(0, 0), record.SessionID)
	if err != nil {
		t.Fatalf("unexpected edits error: %v", err)
	}
	if len(edits) != 1 || edits[0].EditID != editID || edits[0].Kind != segmentation.EditKindDelta {
		t.Fatalf("unexpected edit log contents %+v", edits)
	}
}

func TestSessionSocketRejectsMalformedDelta(t *testing.T) {
	env := newTestEnvironment(t)
	env.seedSegmentation(t, "seg-1", "project-1")
	env.grantEditor(t, "user-a", "project-1")

	record, err := env.sessions.Start(context.Background(), mustID(t, "seg-1"), mustUID(t, "user-a"), "")
	if err != nil {
		t.Fatalf("unexpected start error: %v", err)
	}

	conn := env.dialSocket(t, record.SessionID, env.issueToken(t, "user-a"))
	readEventOfType(t, conn, EventTypeSessionState)

	if err := conn.WriteJSON(map[string]any{"type": EventTypeDelta}); err != nil {
		t.Fatalf("failed to send message: %v", err)
	}
	failure := readEventOfType(t, conn, EventTypeError)
	message, _ := failure["message"].(string)
	if !strings.Contains(message, "delta") {
		t.Fatalf("unexpected error event %+v", failure)
	}
}

func TestSessionSocketPingPong(t *testing.T) {
	env := newTestEnvironment(t)
	env.seedSegmentation(t, "seg-1", "project-1")
	env.grantEditor(t, "user-a", "project-1")

	record, err := env.sessions.Start(context.Background(), mustID(t, "seg-1"), mustUID(t, "user-a"), "")
	if err != nil {
		t.Fatalf("unexpected start error: %v", err)
	}

	conn := env.dialSocket(t, record.SessionID, env.issueToken(t, "user-a"))
	readEventOfType(t, conn, EventTypeSessionState)

	if err := conn.WriteJSON(map[string]any{"type": EventTypePing}); err != nil {
		t.Fatalf("failed to send ping: %v", err)
	}
	readEventOfType(t, conn, EventTypePong)
}
