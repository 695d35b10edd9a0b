package service

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fixlink/fixlink-client/internal/auth"
	"github.com/fixlink/fixlink-client/internal/chat"
	"github.com/fixlink/fixlink-client/internal/client"
	"github.com/fixlink/fixlink-client/internal/models"
	"github.com/fixlink/fixlink-client/internal/storage"

	"go.uber.org/zap"
)

type serviceHarness struct {
	svc     *SyncService
	store   *storage.Store
	convs   *chat.ConversationStore
	backend *httptest.Server

	// 0 = succeed, non-zero = respond with that status
	failStatus int32
}

func newServiceHarness(t *testing.T) *serviceHarness {
	t.Helper()
	h := &serviceHarness{}

	h.backend = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if status := atomic.LoadInt32(&h.failStatus); status != 0 {
			w.WriteHeader(int(status))
			return
		}

		switch {
		case r.Method == http.MethodGet:
			json.NewEncoder(w).Encode([]models.Message{
				{ID: "h1", ConversationID: "conv-1", SenderID: "user-other", Body: "history one", CreatedAt: time.Unix(100, 0)},
				{ID: "h2", ConversationID: "conv-1", SenderID: "user-other", Body: "history two", CreatedAt: time.Unix(200, 0)},
			})
		case r.Method == http.MethodPost:
			var payload map[string]interface{}
			json.NewDecoder(r.Body).Decode(&payload)
			echo := models.Message{
				ID:             "srv-" + payload["correlationId"].(string),
				ConversationID: "conv-1",
				SenderID:       "user-self",
				Type:           models.MessageText,
				CreatedAt:      time.Now(),
				CorrelationID:  payload["correlationId"].(string),
			}
			if body, ok := payload["body"].(string); ok {
				echo.Body = body
			}
			json.NewEncoder(w).Encode(echo)
		}
	}))
	t.Cleanup(h.backend.Close)

	logger := zap.NewNop()
	store, err := storage.New(filepath.Join(t.TempDir(), "fixlink.db"), logger)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	h.store = store

	tokens := auth.NewTokenController(store, logger)
	tokens.SetPair(auth.TokenPair{AccessToken: "acc", RefreshToken: "ref"})
	session := auth.NewSessionLifecycle(tokens, store, time.Hour, 2*time.Hour, logger)
	api := client.NewAPIClient(h.backend.URL, tokens, 2*time.Second, logger)

	h.convs = chat.NewConversationStore("user-self", 3*time.Second, logger)
	h.svc = NewSyncService(Options{
		// Nothing listens here; channel dials fail and wait out the long delay
		RealtimeBaseURL: "ws://127.0.0.1:9",
		ReconnectDelay:  time.Hour,
		SendQueueSize:   8,
		SampleInterval:  time.Second,
		MinutesPerKm:    5,
		MovementEpsilon: 5,
		OutboxInterval:  time.Hour,
		SelfID:          "user-self",
		SelfRole:        models.RoleClient,
	}, session, api, store, h.convs, nil, logger)
	t.Cleanup(h.svc.Stop)

	return h
}

func TestSendMessage_EchoConfirmsPending(t *testing.T) {
	h := newServiceHarness(t)

	corr, err := h.svc.SendMessage(context.Background(), "conv-1", "bonjour", models.MessageText)
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	snap := h.convs.Snapshot("conv-1")
	if len(snap.Messages) != 1 {
		t.Fatalf("snapshot has %d messages, want 1", len(snap.Messages))
	}
	msg := snap.Messages[0]
	if msg.ID != "srv-"+corr {
		t.Fatalf("message id %q, want the server echo id", msg.ID)
	}
	if msg.Delivery != models.DeliveryConfirmed {
		t.Fatalf("delivery %s, want confirmed", msg.Delivery)
	}

	if count, _ := h.store.PendingCount(); count != 0 {
		t.Fatalf("outbox holds %d entries after successful send", count)
	}
}

func TestSendMessage_FailureParksInOutboxThenRetries(t *testing.T) {
	h := newServiceHarness(t)
	atomic.StoreInt32(&h.failStatus, http.StatusInternalServerError)

	corr, err := h.svc.SendMessage(context.Background(), "conv-1", "en panne", models.MessageText)
	if err == nil {
		t.Fatal("SendMessage succeeded against a failing backend")
	}

	// Failed message stays visible and lands in the outbox
	snap := h.convs.Snapshot("conv-1")
	if len(snap.Messages) != 1 || snap.Messages[0].Delivery != models.DeliveryFailed {
		t.Fatalf("failed message not kept visible: %+v", snap.Messages)
	}
	if count, _ := h.store.PendingCount(); count != 1 {
		t.Fatalf("outbox holds %d entries, want 1", count)
	}

	// Backend recovers; the retry pass delivers and confirms
	atomic.StoreInt32(&h.failStatus, 0)
	h.svc.processOutbox()

	if count, _ := h.store.PendingCount(); count != 0 {
		t.Fatalf("outbox still holds %d entries after retry", count)
	}
	snap = h.convs.Snapshot("conv-1")
	if len(snap.Messages) != 1 {
		t.Fatalf("retry duplicated the message: %d entries", len(snap.Messages))
	}
	if snap.Messages[0].ID != "srv-"+corr || snap.Messages[0].Delivery != models.DeliveryConfirmed {
		t.Fatalf("retried message not confirmed in place: %+v", snap.Messages[0])
	}
}

func TestSendMessage_RetryFailureBumpsCount(t *testing.T) {
	h := newServiceHarness(t)
	atomic.StoreInt32(&h.failStatus, http.StatusInternalServerError)

	h.svc.SendMessage(context.Background(), "conv-1", "stuck", models.MessageText)
	h.svc.processOutbox()

	// Still failing: the entry survives with a bumped retry count
	if count, _ := h.store.PendingCount(); count != 1 {
		t.Fatalf("outbox holds %d entries, want 1", count)
	}
	_, ids, err := h.store.Dequeue(1)
	if err != nil || len(ids) != 1 {
		t.Fatalf("dequeue: ids=%v err=%v", ids, err)
	}
	var retries int
	if err := h.store.QueryRow(`SELECT retry_count FROM outbox WHERE id = ?`, ids[0]).Scan(&retries); err != nil {
		t.Fatalf("read retry count: %v", err)
	}
	if retries != 1 {
		t.Fatalf("retry count %d, want 1", retries)
	}
}

func TestOpenConversation_MergesHistory(t *testing.T) {
	h := newServiceHarness(t)

	// A realtime frame races ahead of the history fetch
	h.convs.AppendOrReplace(models.Message{
		ID: "h2", ConversationID: "conv-1", SenderID: "user-other",
		Body: "history two", CreatedAt: time.Unix(200, 0),
	})

	if err := h.svc.OpenConversation(context.Background(), "conv-1"); err != nil {
		t.Fatalf("OpenConversation: %v", err)
	}

	snap := h.convs.Snapshot("conv-1")
	if len(snap.Messages) != 2 {
		t.Fatalf("snapshot has %d messages, want 2", len(snap.Messages))
	}
	if snap.Messages[0].ID != "h1" || snap.Messages[1].ID != "h2" {
		t.Fatalf("history order wrong: %s, %s", snap.Messages[0].ID, snap.Messages[1].ID)
	}
}

func TestNotificationFeed_BoundedAndObserved(t *testing.T) {
	h := newServiceHarness(t)

	var seen int32
	h.svc.OnNotification(func(models.StatusPayload) { atomic.AddInt32(&seen, 1) })

	for i := 0; i < 220; i++ {
		data, _ := json.Marshal(models.StatusPayload{
			RequestID: "req-1", Status: "in_progress", At: time.Now(),
		})
		h.svc.handleNotificationFrame(models.Frame{Type: models.FrameStatusUpdate, Data: data})
	}

	if n := atomic.LoadInt32(&seen); n != 220 {
		t.Fatalf("observer saw %d notifications, want 220", n)
	}
	if n := len(h.svc.Notifications()); n != 200 {
		t.Fatalf("feed holds %d entries, want the 200 newest", n)
	}
}

func TestTrackingFrame_OwnRoleSkipped(t *testing.T) {
	h := newServiceHarness(t)

	tracker := h.svc.OpenTracking("req-1")

	ownSample, _ := json.Marshal(models.LocationPayload{
		RequestID: "req-1", ActorRole: models.RoleClient,
		Latitude: 12.64, Longitude: -8.00, CapturedAt: time.Now(),
	})
	h.svc.handleTrackingFrame("req-1", models.Frame{Type: models.FrameLocationUpdate, Data: ownSample})

	if state := tracker.State(); state.ClientPosition != nil {
		t.Fatal("echo of own position applied twice")
	}

	otherSample, _ := json.Marshal(models.LocationPayload{
		RequestID: "req-1", ActorRole: models.RoleTechnician,
		Latitude: 12.65, Longitude: -8.01, CapturedAt: time.Now(),
	})
	h.svc.handleTrackingFrame("req-1", models.Frame{Type: models.FrameLocationUpdate, Data: otherSample})

	if state := tracker.State(); state.TechnicianPosition == nil {
		t.Fatal("other party's position not applied")
	}
}

func TestOpenTracking_Idempotent(t *testing.T) {
	h := newServiceHarness(t)

	first := h.svc.OpenTracking("req-1")
	second := h.svc.OpenTracking("req-1")
	if first != second {
		t.Fatal("OpenTracking created a second session for the same request")
	}
}
