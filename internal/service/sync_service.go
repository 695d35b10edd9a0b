package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/fixlink/fixlink-client/internal/auth"
	"github.com/fixlink/fixlink-client/internal/chat"
	"github.com/fixlink/fixlink-client/internal/client"
	"github.com/fixlink/fixlink-client/internal/geo"
	"github.com/fixlink/fixlink-client/internal/models"
	"github.com/fixlink/fixlink-client/internal/realtime"
	"github.com/fixlink/fixlink-client/internal/storage"
	"github.com/fixlink/fixlink-client/internal/tracking"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Options carries the tuning knobs the sync service needs from config
type Options struct {
	RealtimeBaseURL string
	ReconnectDelay  time.Duration
	SendQueueSize   int
	SampleInterval  time.Duration
	MinutesPerKm    float64
	MovementEpsilon float64
	OutboxInterval  time.Duration
	SelfID          string
	SelfRole        models.ActorRole
}

// SyncService orchestrates the realtime engine: it owns the channels, feeds
// their frames into the conversation store and tracking sessions, and
// implements the imperative commands the presentation layer calls.
type SyncService struct {
	opts          Options
	session       *auth.SessionLifecycle
	api           *client.APIClient
	store         *storage.Store
	conversations *chat.ConversationStore
	locator       geo.Locator
	logger        *zap.Logger

	channels      map[string]*realtime.Channel
	trackers      map[string]*tracking.Session
	lastReissue   map[string]time.Time
	notifications []models.StatusPayload
	onNotify      func(models.StatusPayload)
	mu            sync.Mutex

	stopChan chan struct{}
	stopped  bool
	wg       sync.WaitGroup
}

// NewSyncService creates the sync orchestrator
func NewSyncService(
	opts Options,
	session *auth.SessionLifecycle,
	api *client.APIClient,
	store *storage.Store,
	conversations *chat.ConversationStore,
	locator geo.Locator,
	logger *zap.Logger,
) *SyncService {
	return &SyncService{
		opts:          opts,
		session:       session,
		api:           api,
		store:         store,
		conversations: conversations,
		locator:       locator,
		logger:        logger,
		channels:      make(map[string]*realtime.Channel),
		trackers:      make(map[string]*tracking.Session),
		lastReissue:   make(map[string]time.Time),
		stopChan:      make(chan struct{}),
	}
}

// Start launches the background loops
func (ss *SyncService) Start() {
	ss.wg.Add(1)
	go ss.outboxLoop()

	ss.logger.Info("Sync service started",
		zap.String("self_id", ss.opts.SelfID),
		zap.String("self_role", string(ss.opts.SelfRole)),
	)
}

// Stop tears down channels, tracking sessions and loops
func (ss *SyncService) Stop() {
	ss.mu.Lock()
	if ss.stopped {
		ss.mu.Unlock()
		return
	}
	ss.stopped = true
	close(ss.stopChan)
	channels := ss.channels
	ss.channels = make(map[string]*realtime.Channel)
	trackers := ss.trackers
	ss.trackers = make(map[string]*tracking.Session)
	ss.mu.Unlock()

	for _, tracker := range trackers {
		tracker.StopSharing()
	}
	for _, ch := range channels {
		ch.Close()
	}

	ss.wg.Wait()
	ss.logger.Info("Sync service stopped")
}

// OnNotification registers the observer for the notification feed
func (ss *SyncService) OnNotification(fn func(models.StatusPayload)) {
	ss.mu.Lock()
	ss.onNotify = fn
	ss.mu.Unlock()
}

// Notifications returns a copy of the received notification feed
func (ss *SyncService) Notifications() []models.StatusPayload {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	out := make([]models.StatusPayload, len(ss.notifications))
	copy(out, ss.notifications)
	return out
}

// OpenConversation loads the REST history snapshot and opens the realtime
// chat channel. Realtime events and the snapshot merge by message identity,
// so the two paths can arrive in either order.
func (ss *SyncService) OpenConversation(ctx context.Context, conversationID string) error {
	history, err := ss.api.History(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("failed to load history: %w", err)
	}
	ss.conversations.MergeHistory(conversationID, history)

	name := "chat:" + conversationID
	endpoint := ss.channelEndpoint("/ws/conversations/" + url.PathEscape(conversationID))
	ss.openChannel(name, endpoint, func(frame models.Frame) {
		ss.handleChatFrame(conversationID, frame)
	})
	return nil
}

// SendMessage appends the message optimistically, then persists it over
// REST. The echo confirms the pending entry; on failure the message is
// marked failed and parked in the outbox, never dropped.
func (ss *SyncService) SendMessage(ctx context.Context, conversationID, body string, msgType models.MessageType) (string, error) {
	msg := models.Message{
		ConversationID: conversationID,
		SenderID:       ss.opts.SelfID,
		Type:           msgType,
		Body:           body,
		CreatedAt:      time.Now(),
		CorrelationID:  uuid.New().String(),
	}

	ss.conversations.AppendPending(msg)

	echo, err := ss.api.SendMessage(ctx, msg)
	if err != nil {
		ss.logger.Warn("Message send failed, parking in outbox",
			zap.String("correlation_id", msg.CorrelationID),
			zap.Error(err),
		)
		ss.conversations.MarkFailed(conversationID, msg.CorrelationID)
		if queueErr := ss.store.Enqueue([]models.Message{msg}); queueErr != nil {
			ss.logger.Error("Failed to enqueue message", zap.Error(queueErr))
		}
		return msg.CorrelationID, err
	}

	ss.conversations.AppendOrReplace(echo)
	return msg.CorrelationID, nil
}

// SendTyping emits the ephemeral typing signal; dropped when the channel is
// not immediately sendable.
func (ss *SyncService) SendTyping(conversationID string) {
	ss.mu.Lock()
	ch := ss.channels["chat:"+conversationID]
	ss.mu.Unlock()
	if ch == nil {
		return
	}

	err := ch.Send("typing", realtime.Ephemeral, models.FrameTyping, models.TypingPayload{
		ConversationID: conversationID,
		SenderID:       ss.opts.SelfID,
	})
	if err != nil {
		ss.logger.Debug("Typing signal not sent", zap.Error(err))
	}
}

// MarkRead updates the store optimistically and reports to the server in the
// background; the UI never waits on the confirmation.
func (ss *SyncService) MarkRead(conversationID string, messageIDs []string) {
	ss.conversations.MarkRead(conversationID, messageIDs)

	ss.wg.Add(1)
	go func() {
		defer ss.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := ss.api.MarkRead(ctx, conversationID, messageIDs); err != nil {
			ss.logger.Warn("Failed to confirm read state", zap.Error(err))
		}
	}()
}

// OpenTracking opens the tracking channel for a repair request and returns
// the tracking session view-model.
func (ss *SyncService) OpenTracking(requestID string) *tracking.Session {
	ss.mu.Lock()
	if tracker, ok := ss.trackers[requestID]; ok {
		ss.mu.Unlock()
		return tracker
	}
	ss.mu.Unlock()

	tracker := tracking.NewSession(
		requestID,
		ss.opts.SelfRole,
		ss.locator,
		ss.opts.SampleInterval,
		ss.opts.MinutesPerKm,
		ss.opts.MovementEpsilon,
		ss.pushLocation,
		ss.logger,
	)

	ss.mu.Lock()
	ss.trackers[requestID] = tracker
	ss.mu.Unlock()

	name := "tracking:" + requestID
	endpoint := ss.channelEndpoint("/ws/requests/" + url.PathEscape(requestID))
	ss.openChannel(name, endpoint, func(frame models.Frame) {
		ss.handleTrackingFrame(requestID, frame)
	})

	return tracker
}

// ShareLocation starts pushing this party's position for the request
func (ss *SyncService) ShareLocation(ctx context.Context, requestID string, onError func(error)) {
	tracker := ss.OpenTracking(requestID)
	tracker.StartSharing(ctx, onError)
}

// StopSharing cancels the outbound sampling immediately
func (ss *SyncService) StopSharing(requestID string) {
	ss.mu.Lock()
	tracker := ss.trackers[requestID]
	ss.mu.Unlock()
	if tracker != nil {
		tracker.StopSharing()
	}
}

// OpenNotifications opens the session-wide notification feed channel
func (ss *SyncService) OpenNotifications() {
	endpoint := ss.channelEndpoint("/ws/notifications")
	ss.openChannel("notifications", endpoint, ss.handleNotificationFrame)
}

// pushLocation sends one outbound sample over REST for persistence and over
// the tracking channel for live delivery to the other party.
func (ss *SyncService) pushLocation(ctx context.Context, requestID string, sample models.PositionSample) error {
	ss.mu.Lock()
	ch := ss.channels["tracking:"+requestID]
	ss.mu.Unlock()

	if ch != nil {
		err := ch.Send("location", realtime.Ephemeral, models.FrameLocationUpdate, models.LocationPayload{
			RequestID:  requestID,
			ActorRole:  sample.ActorRole,
			Latitude:   sample.Latitude,
			Longitude:  sample.Longitude,
			CapturedAt: sample.CapturedAt,
		})
		if err != nil {
			ss.logger.Debug("Live location send skipped", zap.Error(err))
		}
	}

	return ss.api.SendLocation(ctx, requestID, sample)
}

func (ss *SyncService) handleChatFrame(conversationID string, frame models.Frame) {
	switch frame.Type {
	case models.FrameMessage:
		var msg models.Message
		if err := json.Unmarshal(frame.Data, &msg); err != nil {
			ss.logger.Warn("Dropping malformed message payload", zap.Error(err))
			return
		}
		ss.conversations.AppendOrReplace(msg)
	case models.FrameTyping:
		var payload models.TypingPayload
		if err := json.Unmarshal(frame.Data, &payload); err != nil {
			ss.logger.Warn("Dropping malformed typing payload", zap.Error(err))
			return
		}
		ss.conversations.SetTyping(payload.ConversationID, payload.SenderID)
	case models.FrameRead:
		var payload models.ReadPayload
		if err := json.Unmarshal(frame.Data, &payload); err != nil {
			ss.logger.Warn("Dropping malformed read payload", zap.Error(err))
			return
		}
		ss.conversations.ApplyReadReceipt(payload)
	default:
		ss.logger.Debug("Ignoring frame on chat channel",
			zap.String("conversation_id", conversationID),
			zap.String("type", string(frame.Type)),
		)
	}
}

func (ss *SyncService) handleTrackingFrame(requestID string, frame models.Frame) {
	switch frame.Type {
	case models.FrameLocationUpdate:
		var payload models.LocationPayload
		if err := json.Unmarshal(frame.Data, &payload); err != nil {
			ss.logger.Warn("Dropping malformed location payload", zap.Error(err))
			return
		}
		// Own samples are already applied locally at capture time
		if payload.ActorRole == ss.opts.SelfRole {
			return
		}

		ss.mu.Lock()
		tracker := ss.trackers[requestID]
		ss.mu.Unlock()
		if tracker == nil {
			return
		}

		tracker.OnPositionSample(models.PositionSample{
			ActorRole:  payload.ActorRole,
			Latitude:   payload.Latitude,
			Longitude:  payload.Longitude,
			CapturedAt: payload.CapturedAt,
		})
	case models.FrameStatusUpdate:
		ss.handleNotificationFrame(frame)
	default:
		ss.logger.Debug("Ignoring frame on tracking channel",
			zap.String("request_id", requestID),
			zap.String("type", string(frame.Type)),
		)
	}
}

func (ss *SyncService) handleNotificationFrame(frame models.Frame) {
	if frame.Type != models.FrameStatusUpdate {
		return
	}

	var payload models.StatusPayload
	if err := json.Unmarshal(frame.Data, &payload); err != nil {
		ss.logger.Warn("Dropping malformed status payload", zap.Error(err))
		return
	}

	ss.mu.Lock()
	ss.notifications = append(ss.notifications, payload)
	// Push notifications are at-least-once; the feed itself is bounded
	if len(ss.notifications) > 200 {
		ss.notifications = ss.notifications[len(ss.notifications)-200:]
	}
	fn := ss.onNotify
	ss.mu.Unlock()

	if fn != nil {
		fn(payload)
	}
}

// openChannel creates, registers and opens a channel. The session tears it
// down on logout or expiry.
func (ss *SyncService) openChannel(name, endpoint string, onFrame func(models.Frame)) {
	ss.mu.Lock()
	if ss.stopped {
		ss.mu.Unlock()
		return
	}
	if _, exists := ss.channels[name]; exists {
		ss.mu.Unlock()
		return
	}
	ss.mu.Unlock()

	tokens := ss.session.Tokens()
	ch := realtime.NewChannel(
		name,
		endpoint,
		tokens.AccessToken,
		ss.opts.ReconnectDelay,
		ss.opts.SendQueueSize,
		ss.logger,
	)
	ch.OnFrame(onFrame)
	ch.OnError(func(err error) {
		ss.handleChannelError(name, endpoint, onFrame, err)
	})

	ss.mu.Lock()
	ss.channels[name] = ch
	ss.mu.Unlock()

	ss.session.RegisterTeardown(func() {
		ss.closeChannel(name)
	})

	ch.Open()
}

// handleChannelError reacts to surfaced channel failures. An auth-rejected
// handshake is recovered by one explicit refresh and channel re-issue per
// delay window; anything else is logged and left to the caller-visible feed.
func (ss *SyncService) handleChannelError(name, endpoint string, onFrame func(models.Frame), err error) {
	var authErr *realtime.AuthRejectedError
	if !errors.As(err, &authErr) {
		ss.logger.Warn("Channel error surfaced",
			zap.String("channel", name),
			zap.Error(err),
		)
		return
	}

	ss.mu.Lock()
	last := ss.lastReissue[name]
	if time.Since(last) < ss.opts.ReconnectDelay {
		ss.mu.Unlock()
		ss.logger.Warn("Channel auth failure within reissue window, giving up",
			zap.String("channel", name),
		)
		return
	}
	ss.lastReissue[name] = time.Now()
	ss.mu.Unlock()

	ss.logger.Info("Channel rejected for auth, refreshing and re-issuing",
		zap.String("channel", name),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if refreshErr := ss.session.RefreshNow(ctx); refreshErr != nil {
		// Terminal refresh failures expire the session through the
		// controller's own hook; nothing more to do here.
		ss.logger.Warn("Refresh after channel rejection failed", zap.Error(refreshErr))
		return
	}

	ss.closeChannel(name)
	ss.openChannel(name, endpoint, onFrame)
}

func (ss *SyncService) closeChannel(name string) {
	ss.mu.Lock()
	ch := ss.channels[name]
	delete(ss.channels, name)
	ss.mu.Unlock()
	if ch != nil {
		ch.Close()
	}
}

func (ss *SyncService) channelEndpoint(path string) string {
	return ss.opts.RealtimeBaseURL + path
}

// outboxLoop retries messages whose send previously failed
func (ss *SyncService) outboxLoop() {
	defer ss.wg.Done()

	ticker := time.NewTicker(ss.opts.OutboxInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ss.processOutbox()
		case <-ss.stopChan:
			return
		}
	}
}

func (ss *SyncService) processOutbox() {
	pending, err := ss.store.PendingCount()
	if err != nil {
		ss.logger.Error("Failed to get outbox count", zap.Error(err))
		return
	}
	if pending == 0 {
		return
	}

	messages, ids, err := ss.store.Dequeue(50)
	if err != nil {
		ss.logger.Error("Failed to dequeue outbox", zap.Error(err))
		return
	}

	var sent []int64
	var failed []int64

	for i, msg := range messages {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		echo, err := ss.api.SendMessage(ctx, msg)
		cancel()

		if err != nil {
			failed = append(failed, ids[i])
			continue
		}

		ss.conversations.AppendOrReplace(echo)
		sent = append(sent, ids[i])
	}

	if len(sent) > 0 {
		if err := ss.store.Remove(sent); err != nil {
			ss.logger.Error("Failed to remove sent outbox entries", zap.Error(err))
		} else {
			ss.logger.Info("Outbox messages delivered", zap.Int("count", len(sent)))
		}
	}
	if len(failed) > 0 {
		if err := ss.store.IncrementRetry(failed); err != nil {
			ss.logger.Error("Failed to bump outbox retries", zap.Error(err))
		}
	}
}
