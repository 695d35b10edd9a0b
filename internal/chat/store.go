package chat

import (
	"sort"
	"sync"
	"time"

	"github.com/fixlink/fixlink-client/internal/models"

	"go.uber.org/zap"
)

// Snapshot is the conversation view-model handed to the presentation layer
type Snapshot struct {
	ConversationID string
	Messages       []models.Message
	UnreadCount    int
	TypingSenders  []string
}

type conversation struct {
	id       string
	messages []*models.Message
	// index by server id backs the ordered slice so AppendOrReplace stays
	// sub-linear on the dedup check
	index   map[string]*models.Message
	pending map[string]*models.Message
	typing  map[string]time.Time
}

// ConversationStore keeps the in-memory ordered message log per
// conversation, merged from REST history and realtime events. REST and
// realtime are two delivery paths for the same facts: everything merges by
// message identity, never by arrival order. The list stays sorted by
// (createdAt, id) after every mutation.
type ConversationStore struct {
	selfID    string
	typingTTL time.Duration
	logger    *zap.Logger

	conversations map[string]*conversation
	onChange      func(conversationID string)
	mu            sync.Mutex
}

// NewConversationStore creates a store. selfID is the session user's id,
// used to keep unread counts for the other party's messages only.
func NewConversationStore(selfID string, typingTTL time.Duration, logger *zap.Logger) *ConversationStore {
	return &ConversationStore{
		selfID:        selfID,
		typingTTL:     typingTTL,
		logger:        logger,
		conversations: make(map[string]*conversation),
	}
}

// OnChange registers the observer notified after every visible mutation
func (cs *ConversationStore) OnChange(fn func(conversationID string)) {
	cs.mu.Lock()
	cs.onChange = fn
	cs.mu.Unlock()
}

// MergeHistory merges a REST history snapshot. Messages already present by
// id are skipped; realtime events that raced ahead of the fetch stay.
func (cs *ConversationStore) MergeHistory(conversationID string, history []models.Message) {
	cs.mu.Lock()
	conv := cs.conversationLocked(conversationID)
	for i := range history {
		msg := history[i]
		msg.Delivery = models.DeliveryConfirmed
		cs.appendOrReplaceLocked(conv, msg)
	}
	cs.mu.Unlock()

	cs.notify(conversationID)
}

// AppendOrReplace applies one server-confirmed message. Idempotent by server
// id. A message echoing a still-pending local send (matched by correlation
// token) replaces the pending entry in place so the sent message neither
// jumps nor duplicates on confirmation.
func (cs *ConversationStore) AppendOrReplace(msg models.Message) {
	cs.mu.Lock()
	conv := cs.conversationLocked(msg.ConversationID)
	msg.Delivery = models.DeliveryConfirmed
	changed := cs.appendOrReplaceLocked(conv, msg)
	cs.mu.Unlock()

	if changed {
		cs.notify(msg.ConversationID)
	}
}

func (cs *ConversationStore) appendOrReplaceLocked(conv *conversation, msg models.Message) bool {
	if msg.ID == "" {
		cs.logger.Warn("Dropping confirmed message without id",
			zap.String("conversation_id", conv.id),
		)
		return false
	}
	if _, exists := conv.index[msg.ID]; exists {
		return false
	}

	if msg.CorrelationID != "" {
		if pendingMsg, ok := conv.pending[msg.CorrelationID]; ok {
			// Server echo of a local send: replace in place, keep position
			position := pendingMsg.CreatedAt
			id := pendingMsg.Identity()
			*pendingMsg = msg
			pendingMsg.CreatedAt = position
			delete(conv.pending, msg.CorrelationID)
			conv.index[msg.ID] = pendingMsg
			cs.logger.Debug("Pending message confirmed",
				zap.String("correlation_id", msg.CorrelationID),
				zap.String("id", msg.ID),
				zap.String("was", id),
			)
			return true
		}
	}

	stored := msg
	conv.index[msg.ID] = &stored
	cs.insertSortedLocked(conv, &stored)
	return true
}

// AppendPending adds a locally-sent message before the server confirms it
func (cs *ConversationStore) AppendPending(msg models.Message) {
	cs.mu.Lock()
	conv := cs.conversationLocked(msg.ConversationID)
	msg.Delivery = models.DeliveryPending
	stored := msg
	conv.pending[msg.CorrelationID] = &stored
	cs.insertSortedLocked(conv, &stored)
	cs.mu.Unlock()

	cs.notify(msg.ConversationID)
}

// MarkFailed tags a pending message as failed. The message stays in the log:
// a user-authored message is never removed by error handling.
func (cs *ConversationStore) MarkFailed(conversationID, correlationID string) {
	cs.mu.Lock()
	conv := cs.conversationLocked(conversationID)
	msg, ok := conv.pending[correlationID]
	if ok {
		msg.Delivery = models.DeliveryFailed
	}
	cs.mu.Unlock()

	if ok {
		cs.notify(conversationID)
	}
}

// MarkRead is the local optimistic read update: it never blocks the UI and
// is reconciled later against the server's read receipt.
func (cs *ConversationStore) MarkRead(conversationID string, ids []string) {
	now := time.Now()

	cs.mu.Lock()
	conv := cs.conversationLocked(conversationID)
	changed := false
	for _, id := range ids {
		if msg, ok := conv.index[id]; ok && !msg.IsRead {
			msg.IsRead = true
			msg.ReadAt = &now
			changed = true
		}
	}
	cs.mu.Unlock()

	if changed {
		cs.notify(conversationID)
	}
}

// ApplyReadReceipt reconciles a server read confirmation (REST or realtime)
func (cs *ConversationStore) ApplyReadReceipt(payload models.ReadPayload) {
	cs.mu.Lock()
	conv := cs.conversationLocked(payload.ConversationID)
	changed := false
	for _, id := range payload.MessageIDs {
		if msg, ok := conv.index[id]; ok && !msg.IsRead {
			msg.IsRead = true
			readAt := payload.ReadAt
			msg.ReadAt = &readAt
			changed = true
		}
	}
	cs.mu.Unlock()

	if changed {
		cs.notify(payload.ConversationID)
	}
}

// SetTyping records a typing signal for a sender. With no explicit stop
// frame, absence of a fresh signal within the TTL means "stopped".
func (cs *ConversationStore) SetTyping(conversationID, senderID string) {
	if senderID == cs.selfID {
		return
	}

	cs.mu.Lock()
	conv := cs.conversationLocked(conversationID)
	conv.typing[senderID] = time.Now().Add(cs.typingTTL)
	cs.mu.Unlock()

	cs.notify(conversationID)
}

// Snapshot returns a copy of the conversation view-model
func (cs *ConversationStore) Snapshot(conversationID string) Snapshot {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	conv := cs.conversationLocked(conversationID)

	snap := Snapshot{
		ConversationID: conversationID,
		Messages:       make([]models.Message, 0, len(conv.messages)),
	}

	for _, msg := range conv.messages {
		snap.Messages = append(snap.Messages, *msg)
		if msg.SenderID != cs.selfID && !msg.IsRead {
			snap.UnreadCount++
		}
	}

	now := time.Now()
	for sender, expiry := range conv.typing {
		if now.Before(expiry) {
			snap.TypingSenders = append(snap.TypingSenders, sender)
		} else {
			delete(conv.typing, sender)
		}
	}
	sort.Strings(snap.TypingSenders)

	return snap
}

// insertSortedLocked places the message at its (createdAt, id) position.
// Appends are the common case, so the scan runs from the tail.
func (cs *ConversationStore) insertSortedLocked(conv *conversation, msg *models.Message) {
	i := len(conv.messages)
	for i > 0 && messageAfter(conv.messages[i-1], msg) {
		i--
	}
	conv.messages = append(conv.messages, nil)
	copy(conv.messages[i+1:], conv.messages[i:])
	conv.messages[i] = msg
}

// messageAfter reports whether a sorts strictly after b by (createdAt, id)
func messageAfter(a, b *models.Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.Identity() > b.Identity()
}

func (cs *ConversationStore) conversationLocked(id string) *conversation {
	conv, ok := cs.conversations[id]
	if !ok {
		conv = &conversation{
			id:      id,
			index:   make(map[string]*models.Message),
			pending: make(map[string]*models.Message),
			typing:  make(map[string]time.Time),
		}
		cs.conversations[id] = conv
	}
	return conv
}

func (cs *ConversationStore) notify(conversationID string) {
	cs.mu.Lock()
	fn := cs.onChange
	cs.mu.Unlock()
	if fn != nil {
		fn(conversationID)
	}
}
