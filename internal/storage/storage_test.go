package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/fixlink/fixlink-client/internal/auth"
	"github.com/fixlink/fixlink-client/internal/models"

	"go.uber.org/zap"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(filepath.Join(t.TempDir(), "fixlink.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestTokenPair_Roundtrip(t *testing.T) {
	store := newTestStore(t)

	if _, found, err := store.LoadTokenPair(); err != nil || found {
		t.Fatalf("fresh store: found=%v err=%v", found, err)
	}

	pair := auth.TokenPair{AccessToken: "acc-1", RefreshToken: "ref-1"}
	if err := store.SaveTokenPair(pair, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, found, err := store.LoadTokenPair()
	if err != nil || !found {
		t.Fatalf("load: found=%v err=%v", found, err)
	}
	if loaded != pair {
		t.Fatalf("loaded %+v, want %+v", loaded, pair)
	}
}

func TestTokenPair_SaveReplaces(t *testing.T) {
	store := newTestStore(t)

	if err := store.SaveTokenPair(auth.TokenPair{AccessToken: "old", RefreshToken: "old-r"}, time.Now()); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := store.SaveTokenPair(auth.TokenPair{AccessToken: "new", RefreshToken: "new-r"}, time.Now()); err != nil {
		t.Fatalf("save replacement: %v", err)
	}

	loaded, found, err := store.LoadTokenPair()
	if err != nil || !found {
		t.Fatalf("load: found=%v err=%v", found, err)
	}
	if loaded.AccessToken != "new" || loaded.RefreshToken != "new-r" {
		t.Fatalf("pair not replaced: %+v", loaded)
	}
}

func TestTokenPair_Clear(t *testing.T) {
	store := newTestStore(t)

	if err := store.SaveTokenPair(auth.TokenPair{AccessToken: "a", RefreshToken: "r"}, time.Now()); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := store.ClearTokenPair(); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if _, found, err := store.LoadTokenPair(); err != nil || found {
		t.Fatalf("after clear: found=%v err=%v", found, err)
	}

	// Clearing an already-empty store is not an error
	if err := store.ClearTokenPair(); err != nil {
		t.Fatalf("second clear: %v", err)
	}
}

func TestRecentAccounts_OrderedByLastLogin(t *testing.T) {
	store := newTestStore(t)
	base := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)

	for i, username := range []string{"aissata", "moussa", "fatou"} {
		if err := store.TouchAccount(username, base.Add(time.Duration(i)*time.Hour)); err != nil {
			t.Fatalf("touch %s: %v", username, err)
		}
	}
	// aissata logs in again and jumps to the front
	if err := store.TouchAccount("aissata", base.Add(10*time.Hour)); err != nil {
		t.Fatalf("touch again: %v", err)
	}

	usernames, err := store.RecentAccounts(10)
	if err != nil {
		t.Fatalf("recent accounts: %v", err)
	}
	want := []string{"aissata", "fatou", "moussa"}
	if len(usernames) != len(want) {
		t.Fatalf("got %v, want %v", usernames, want)
	}
	for i := range want {
		if usernames[i] != want[i] {
			t.Fatalf("got %v, want %v", usernames, want)
		}
	}
}

func TestOutbox_EnqueueDequeueRemove(t *testing.T) {
	store := newTestStore(t)

	msgs := []models.Message{
		{ConversationID: "c1", CorrelationID: "corr-1", Type: models.MessageText, Body: "first"},
		{ConversationID: "c1", CorrelationID: "corr-2", Type: models.MessageText, Body: "second"},
	}
	if err := store.Enqueue(msgs); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if count, err := store.PendingCount(); err != nil || count != 2 {
		t.Fatalf("pending count %d err=%v, want 2", count, err)
	}

	dequeued, ids, err := store.Dequeue(10)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if len(dequeued) != 2 || len(ids) != 2 {
		t.Fatalf("dequeued %d messages, %d ids", len(dequeued), len(ids))
	}
	if dequeued[0].Body != "first" || dequeued[1].Body != "second" {
		t.Fatalf("dequeue order wrong: %q, %q", dequeued[0].Body, dequeued[1].Body)
	}

	if err := store.Remove(ids); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if count, err := store.PendingCount(); err != nil || count != 0 {
		t.Fatalf("pending count %d err=%v after remove", count, err)
	}
}

func TestOutbox_DequeueRespectsLimit(t *testing.T) {
	store := newTestStore(t)

	var msgs []models.Message
	for _, corr := range []string{"a", "b", "c", "d"} {
		msgs = append(msgs, models.Message{ConversationID: "c1", CorrelationID: corr, Body: corr})
	}
	if err := store.Enqueue(msgs); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	dequeued, _, err := store.Dequeue(2)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if len(dequeued) != 2 {
		t.Fatalf("dequeued %d messages, want 2", len(dequeued))
	}
}

func TestOutbox_IncrementRetry(t *testing.T) {
	store := newTestStore(t)

	if err := store.Enqueue([]models.Message{
		{ConversationID: "c1", CorrelationID: "corr-1", Body: "stuck"},
	}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	_, ids, err := store.Dequeue(1)
	if err != nil || len(ids) != 1 {
		t.Fatalf("dequeue: ids=%v err=%v", ids, err)
	}

	if err := store.IncrementRetry(ids); err != nil {
		t.Fatalf("increment retry: %v", err)
	}
	if err := store.IncrementRetry(ids); err != nil {
		t.Fatalf("second increment: %v", err)
	}

	var retries int
	if err := store.QueryRow(`SELECT retry_count FROM outbox WHERE id = ?`, ids[0]).Scan(&retries); err != nil {
		t.Fatalf("read retry count: %v", err)
	}
	if retries != 2 {
		t.Fatalf("retry count %d, want 2", retries)
	}

	// Retried entries stay queued until a send succeeds
	if count, err := store.PendingCount(); err != nil || count != 1 {
		t.Fatalf("pending count %d err=%v", count, err)
	}
}

func TestOutbox_MessageSurvivesRoundtrip(t *testing.T) {
	store := newTestStore(t)

	at := time.Date(2026, 8, 15, 14, 30, 0, 0, time.UTC)
	msg := models.Message{
		ConversationID: "c9",
		SenderID:       "u1",
		Type:           models.MessageText,
		Body:           "le technicien arrive",
		CreatedAt:      at,
		CorrelationID:  "corr-9",
	}
	if err := store.Enqueue([]models.Message{msg}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	dequeued, _, err := store.Dequeue(1)
	if err != nil || len(dequeued) != 1 {
		t.Fatalf("dequeue: n=%d err=%v", len(dequeued), err)
	}
	got := dequeued[0]
	if got.Body != msg.Body || got.CorrelationID != msg.CorrelationID || !got.CreatedAt.Equal(at) {
		t.Fatalf("roundtrip mangled message: %+v", got)
	}
}
