package models

import "time"

// MessageType matches the backend message type enum
type MessageType string

const (
	MessageText     MessageType = "text"
	MessageImage    MessageType = "image"
	MessageFile     MessageType = "file"
	MessageLocation MessageType = "location"
	MessageVoice    MessageType = "voice"
	MessageVideo    MessageType = "video"
	MessageSystem   MessageType = "system"
)

// DeliveryState tracks a locally-sent message through server confirmation
type DeliveryState string

const (
	// DeliveryPending: appended locally, not yet echoed by the server
	DeliveryPending DeliveryState = "pending"
	// DeliveryConfirmed: server assigned the message its final identity
	DeliveryConfirmed DeliveryState = "confirmed"
	// DeliveryFailed: persistence failed; the message stays visible, marked failed
	DeliveryFailed DeliveryState = "failed"
)

// Attachment represents a file attached to a message
type Attachment struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	URL      string `json:"url"`
	MimeType string `json:"mimeType,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// Message represents a single chat message.
//
// Identity is the server-assigned ID once confirmed. A message sent from this
// client carries a CorrelationID generated at send time; the server echoes it
// back so the pending entry can be replaced in place instead of duplicated.
type Message struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversationId"`
	SenderID       string        `json:"senderId"`
	SenderName     string        `json:"senderName,omitempty"`
	Type           MessageType   `json:"type"`
	Body           string        `json:"body"`
	CreatedAt      time.Time     `json:"createdAt"`
	IsRead         bool          `json:"isRead"`
	ReadAt         *time.Time    `json:"readAt,omitempty"`
	Attachments    []Attachment  `json:"attachments,omitempty"`
	CorrelationID  string        `json:"correlationId,omitempty"`
	Delivery       DeliveryState `json:"-"`
}

// Identity returns the key a message is deduplicated by: the server ID once
// confirmed, the correlation token while still pending.
func (m *Message) Identity() string {
	if m.ID != "" {
		return m.ID
	}
	return m.CorrelationID
}
