package chat

import (
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/fixlink/fixlink-client/internal/models"

	"go.uber.org/zap"
)

const (
	selfID  = "user-self"
	otherID = "user-other"
	convID  = "conv-1"
)

func newTestStore(t *testing.T) *ConversationStore {
	t.Helper()
	return NewConversationStore(selfID, 50*time.Millisecond, zap.NewNop())
}

func confirmed(id string, sender string, at time.Time) models.Message {
	return models.Message{
		ID:             id,
		ConversationID: convID,
		SenderID:       sender,
		Type:           models.MessageText,
		Body:           "body of " + id,
		CreatedAt:      at,
	}
}

func TestAppendOrReplace_Idempotent(t *testing.T) {
	cs := newTestStore(t)
	msg := confirmed("m1", otherID, time.Now())

	cs.AppendOrReplace(msg)
	cs.AppendOrReplace(msg)
	cs.AppendOrReplace(msg)

	snap := cs.Snapshot(convID)
	if len(snap.Messages) != 1 {
		t.Fatalf("expected exactly one message, got %d", len(snap.Messages))
	}
}

func TestAppendOrReplace_KeepsOrdering(t *testing.T) {
	cs := newTestStore(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	// Deliver out of order; the store must keep (createdAt, id) order
	cs.AppendOrReplace(confirmed("m3", otherID, base.Add(2*time.Second)))
	cs.AppendOrReplace(confirmed("m1", otherID, base))
	cs.AppendOrReplace(confirmed("m2", selfID, base.Add(time.Second)))

	snap := cs.Snapshot(convID)
	var ids []string
	for _, m := range snap.Messages {
		ids = append(ids, m.ID)
	}
	want := []string{"m1", "m2", "m3"}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("order wrong: got %v, want %v", ids, want)
		}
	}
}

func TestAppendOrReplace_TieBrokenByID(t *testing.T) {
	cs := newTestStore(t)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	cs.AppendOrReplace(confirmed("b", otherID, at))
	cs.AppendOrReplace(confirmed("a", otherID, at))

	snap := cs.Snapshot(convID)
	if snap.Messages[0].ID != "a" || snap.Messages[1].ID != "b" {
		t.Fatalf("tie not broken by id: %s, %s", snap.Messages[0].ID, snap.Messages[1].ID)
	}
}

func TestPendingConfirmation_NoDuplicate(t *testing.T) {
	cs := newTestStore(t)

	pending := models.Message{
		ConversationID: convID,
		SenderID:       selfID,
		Type:           models.MessageText,
		Body:           "salut",
		CreatedAt:      time.Now(),
		CorrelationID:  "corr-1",
	}
	cs.AppendPending(pending)

	echo := pending
	echo.ID = "m-server-1"
	cs.AppendOrReplace(echo)

	snap := cs.Snapshot(convID)
	if len(snap.Messages) != 1 {
		t.Fatalf("pending + echo produced %d messages, want 1", len(snap.Messages))
	}
	got := snap.Messages[0]
	if got.ID != "m-server-1" {
		t.Fatalf("confirmed message lost server id: %q", got.ID)
	}
	if got.Delivery != models.DeliveryConfirmed {
		t.Fatalf("delivery state %s, want confirmed", got.Delivery)
	}

	// Whichever path arrives second must be a no-op
	cs.AppendOrReplace(echo)
	if snap := cs.Snapshot(convID); len(snap.Messages) != 1 {
		t.Fatalf("second delivery path duplicated the message: %d", len(snap.Messages))
	}
}

func TestPendingConfirmation_KeepsPosition(t *testing.T) {
	cs := newTestStore(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	cs.AppendOrReplace(confirmed("m1", otherID, base))

	pending := models.Message{
		ConversationID: convID,
		SenderID:       selfID,
		Type:           models.MessageText,
		Body:           "salut",
		CreatedAt:      base.Add(time.Second),
		CorrelationID:  "corr-1",
	}
	cs.AppendPending(pending)
	cs.AppendOrReplace(confirmed("m3", otherID, base.Add(2*time.Second)))

	// Server clock differs; the echo must still not jump in the list
	echo := pending
	echo.ID = "m2"
	echo.CreatedAt = base.Add(90 * time.Second)
	cs.AppendOrReplace(echo)

	snap := cs.Snapshot(convID)
	if len(snap.Messages) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(snap.Messages))
	}
	if snap.Messages[1].ID != "m2" {
		t.Fatalf("confirmed message moved: middle is %q", snap.Messages[1].ID)
	}
}

func TestMergeHistory_WithRacingRealtime(t *testing.T) {
	cs := newTestStore(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	// Realtime frame lands before the history snapshot
	cs.AppendOrReplace(confirmed("m2", otherID, base.Add(time.Second)))

	cs.MergeHistory(convID, []models.Message{
		confirmed("m1", otherID, base),
		confirmed("m2", otherID, base.Add(time.Second)),
	})

	snap := cs.Snapshot(convID)
	if len(snap.Messages) != 2 {
		t.Fatalf("merge duplicated racing message: %d messages", len(snap.Messages))
	}
}

func TestMarkFailed_MessageStays(t *testing.T) {
	cs := newTestStore(t)

	pending := models.Message{
		ConversationID: convID,
		SenderID:       selfID,
		Body:           "ne pas perdre",
		Type:           models.MessageText,
		CreatedAt:      time.Now(),
		CorrelationID:  "corr-1",
	}
	cs.AppendPending(pending)
	cs.MarkFailed(convID, "corr-1")

	snap := cs.Snapshot(convID)
	if len(snap.Messages) != 1 {
		t.Fatal("failed message was dropped")
	}
	if snap.Messages[0].Delivery != models.DeliveryFailed {
		t.Fatalf("delivery state %s, want failed", snap.Messages[0].Delivery)
	}
}

func TestMarkRead_Optimistic(t *testing.T) {
	cs := newTestStore(t)
	now := time.Now()

	cs.AppendOrReplace(confirmed("m1", otherID, now))
	cs.AppendOrReplace(confirmed("m2", otherID, now.Add(time.Second)))

	if snap := cs.Snapshot(convID); snap.UnreadCount != 2 {
		t.Fatalf("unread count %d, want 2", snap.UnreadCount)
	}

	cs.MarkRead(convID, []string{"m1", "m2"})

	snap := cs.Snapshot(convID)
	if snap.UnreadCount != 0 {
		t.Fatalf("unread count %d after mark read", snap.UnreadCount)
	}
	for _, m := range snap.Messages {
		if !m.IsRead || m.ReadAt == nil {
			t.Fatalf("message %s not marked read", m.ID)
		}
	}
}

func TestTyping_AutoExpires(t *testing.T) {
	cs := newTestStore(t)

	cs.SetTyping(convID, otherID)
	if snap := cs.Snapshot(convID); len(snap.TypingSenders) != 1 {
		t.Fatalf("typing sender missing: %v", snap.TypingSenders)
	}

	// No explicit stop frame: absence of a fresh signal means stopped
	time.Sleep(80 * time.Millisecond)
	if snap := cs.Snapshot(convID); len(snap.TypingSenders) != 0 {
		t.Fatalf("typing did not expire: %v", snap.TypingSenders)
	}
}

func TestTyping_SelfIgnored(t *testing.T) {
	cs := newTestStore(t)

	cs.SetTyping(convID, selfID)
	if snap := cs.Snapshot(convID); len(snap.TypingSenders) != 0 {
		t.Fatalf("own typing signal tracked: %v", snap.TypingSenders)
	}
}

func TestOnChange_FiresPerMutation(t *testing.T) {
	cs := newTestStore(t)

	var changed []string
	cs.OnChange(func(id string) { changed = append(changed, id) })

	cs.AppendOrReplace(confirmed("m1", otherID, time.Now()))
	cs.AppendOrReplace(confirmed("m1", otherID, time.Now())) // no-op, no event
	cs.MarkRead(convID, []string{"m1"})

	if len(changed) != 2 {
		t.Fatalf("expected 2 change events, got %d (%v)", len(changed), changed)
	}
}

func TestSnapshot_ManyMessagesStaySorted(t *testing.T) {
	cs := newTestStore(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	// Interleave arrival order
	for _, i := range []int{5, 0, 9, 3, 7, 1, 8, 2, 6, 4} {
		cs.AppendOrReplace(confirmed(fmt.Sprintf("m%02d", i), otherID, base.Add(time.Duration(i)*time.Second)))
	}

	snap := cs.Snapshot(convID)
	if !sort.SliceIsSorted(snap.Messages, func(i, j int) bool {
		return snap.Messages[i].CreatedAt.Before(snap.Messages[j].CreatedAt)
	}) {
		t.Fatal("messages not sorted by createdAt")
	}
}
