package server

// Event types carried over the duplex channel protocol.
const (
	EventTypeDelta        = "delta"
	EventTypeCursor       = "cursor"
	EventTypeChat         = "chat"
	EventTypePing         = "ping"
	EventTypePong         = "pong"
	EventTypeDeltaAck     = "delta_ack"
	EventTypeError        = "error"
	EventTypeUserJoined   = "user_joined"
	EventTypeUserLeft     = "user_left"
	EventTypeSessionState = "session_state"
	EventTypeSessionEnded = "session_ended"
)
