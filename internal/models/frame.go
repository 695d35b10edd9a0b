package models

import (
	"encoding/json"
	"time"
)

// FrameType is the discriminator carried by every realtime frame
type FrameType string

const (
	FrameMessage        FrameType = "message"
	FrameTyping         FrameType = "typing"
	FrameRead           FrameType = "read"
	FrameLocationUpdate FrameType = "location_update"
	FrameStatusUpdate   FrameType = "status_update"
	FrameError          FrameType = "error"
)

// Frame is the wire envelope for every realtime event. Frames with an
// unknown type are ignored so the server can add types without breaking
// older clients.
type Frame struct {
	Type FrameType       `json:"type"`
	Data json.RawMessage `json:"data"`
}

// TypingPayload signals that a participant is typing. It is ephemeral:
// absence of a follow-up signal within the expiry window means "stopped".
type TypingPayload struct {
	ConversationID string `json:"conversationId"`
	SenderID       string `json:"senderId"`
}

// ReadPayload confirms messages were read by the other party
type ReadPayload struct {
	ConversationID string    `json:"conversationId"`
	MessageIDs     []string  `json:"messageIds"`
	ReadAt         time.Time `json:"readAt"`
}

// LocationPayload carries one position fix for one party
type LocationPayload struct {
	RequestID  string    `json:"requestId"`
	ActorRole  ActorRole `json:"actorRole"`
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	CapturedAt time.Time `json:"capturedAt"`
}

// StatusPayload carries request/notification status changes
type StatusPayload struct {
	RequestID string    `json:"requestId"`
	Status    string    `json:"status"`
	Title     string    `json:"title,omitempty"`
	Body      string    `json:"body,omitempty"`
	At        time.Time `json:"at"`
}

// ErrorPayload is a server-pushed error frame. It is surfaced to the channel
// owner and never retried automatically.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
