package auth

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// SessionState is the auth state exposed to the presentation layer
type SessionState string

const (
	// SessionActive: a valid pair is held and the user interacted recently
	SessionActive SessionState = "active"
	// SessionWarning: inactivity warning threshold passed, logout imminent
	SessionWarning SessionState = "warning"
	// SessionExpired: no usable session; explicit reauthentication required
	SessionExpired SessionState = "expired"
)

// Interaction event kinds that reset the inactivity timers
var interactionKinds = map[string]bool{
	"pointermove": true,
	"pointerdown": true,
	"keypress":    true,
	"touch":       true,
	"scroll":      true,
}

// ValidInteraction reports whether an event kind counts as user interaction
func ValidInteraction(kind string) bool {
	return interactionKinds[kind]
}

// Authenticator performs the session REST calls. Implemented by the API
// client and bound after construction.
type Authenticator interface {
	Login(ctx context.Context, username, password, deviceID string) (TokenPair, error)
	Logout(ctx context.Context) error
}

// AccountStore records recently-used-account metadata. May be nil.
type AccountStore interface {
	TouchAccount(username string, lastLogin time.Time) error
}

// SessionLifecycle composes the token controller with the inactivity watcher
// and owns teardown of every realtime channel the session created. Warning
// fires after the warning threshold without user interaction; the forced
// logout fires at the logout threshold. Any registered interaction resets
// both.
type SessionLifecycle struct {
	tokens   *TokenController
	accounts AccountStore
	logger   *zap.Logger

	authenticator Authenticator

	warningAfter time.Duration
	logoutAfter  time.Duration
	checkEvery   time.Duration

	state           SessionState
	lastInteraction time.Time
	onStateChange   func(SessionState)
	teardowns       []func()
	mu              sync.Mutex

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewSessionLifecycle creates a session lifecycle. It hooks the token
// controller's expiry signal so a terminally failed refresh expires the
// session the same way the inactivity logout does.
func NewSessionLifecycle(
	tokens *TokenController,
	accounts AccountStore,
	warningAfter time.Duration,
	logoutAfter time.Duration,
	logger *zap.Logger,
) *SessionLifecycle {
	sl := &SessionLifecycle{
		tokens:          tokens,
		accounts:        accounts,
		logger:          logger,
		warningAfter:    warningAfter,
		logoutAfter:     logoutAfter,
		checkEvery:      watcherInterval(warningAfter),
		state:           SessionExpired,
		lastInteraction: time.Now(),
		stopChan:        make(chan struct{}),
	}
	tokens.OnSessionExpired(func() {
		sl.expire("refresh token rejected")
	})
	return sl
}

// BindAuthenticator sets the API client that performs session calls
func (sl *SessionLifecycle) BindAuthenticator(a Authenticator) {
	sl.mu.Lock()
	sl.authenticator = a
	sl.mu.Unlock()
}

// OnStateChange registers the observer for session state transitions
func (sl *SessionLifecycle) OnStateChange(fn func(SessionState)) {
	sl.mu.Lock()
	sl.onStateChange = fn
	sl.mu.Unlock()
}

// RegisterTeardown adds a function run when the session ends, in reverse
// registration order. Channels register their Close here.
func (sl *SessionLifecycle) RegisterTeardown(fn func()) {
	sl.mu.Lock()
	sl.teardowns = append(sl.teardowns, fn)
	sl.mu.Unlock()
}

// Tokens exposes the controller so channels and the API client can read the
// current token at the moment of use.
func (sl *SessionLifecycle) Tokens() *TokenController {
	return sl.tokens
}

// State returns the current session state
func (sl *SessionLifecycle) State() SessionState {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	return sl.state
}

// Start begins the inactivity watcher
func (sl *SessionLifecycle) Start() {
	sl.wg.Add(1)
	go sl.watchLoop()

	sl.logger.Info("Session lifecycle started",
		zap.Duration("warning_after", sl.warningAfter),
		zap.Duration("logout_after", sl.logoutAfter),
	)
}

// Stop halts the watcher without touching session state
func (sl *SessionLifecycle) Stop() {
	sl.mu.Lock()
	select {
	case <-sl.stopChan:
		sl.mu.Unlock()
		return
	default:
		close(sl.stopChan)
	}
	sl.mu.Unlock()
	sl.wg.Wait()
	sl.logger.Info("Session lifecycle stopped")
}

// Login authenticates, installs the new pair, and activates the session
func (sl *SessionLifecycle) Login(ctx context.Context, username, password, deviceID string) error {
	sl.mu.Lock()
	authenticator := sl.authenticator
	sl.mu.Unlock()
	if authenticator == nil {
		return ErrNoSession
	}

	pair, err := authenticator.Login(ctx, username, password, deviceID)
	if err != nil {
		return err
	}

	sl.tokens.SetPair(pair)

	if sl.accounts != nil {
		if err := sl.accounts.TouchAccount(username, time.Now()); err != nil {
			sl.logger.Warn("Failed to record account", zap.Error(err))
		}
	}

	sl.mu.Lock()
	sl.lastInteraction = time.Now()
	sl.mu.Unlock()
	sl.setState(SessionActive)

	sl.logger.Info("Logged in", zap.String("username", username))
	return nil
}

// Resume activates the session from a persisted pair, e.g. at startup
func (sl *SessionLifecycle) Resume(pair TokenPair) {
	sl.tokens.SetPair(pair)
	sl.mu.Lock()
	sl.lastInteraction = time.Now()
	sl.mu.Unlock()
	sl.setState(SessionActive)
	sl.logger.Info("Session resumed from stored tokens")
}

// Logout ends the session explicitly. The server call is best-effort; local
// state is cleared regardless, and a refresh racing this logout loses.
func (sl *SessionLifecycle) Logout(ctx context.Context) {
	sl.mu.Lock()
	authenticator := sl.authenticator
	sl.mu.Unlock()

	if authenticator != nil {
		if err := authenticator.Logout(ctx); err != nil {
			sl.logger.Warn("Server logout failed", zap.Error(err))
		}
	}
	sl.expire("logged out")
}

// RefreshNow forces a token refresh outside the 401 path
func (sl *SessionLifecycle) RefreshNow(ctx context.Context) error {
	_, err := sl.tokens.HandleUnauthorized(ctx)
	return err
}

// RecordInteraction resets both inactivity timers. An expired session is not
// revived: that requires explicit login.
func (sl *SessionLifecycle) RecordInteraction() {
	sl.mu.Lock()
	sl.lastInteraction = time.Now()
	state := sl.state
	sl.mu.Unlock()

	if state == SessionWarning {
		sl.setState(SessionActive)
	}
}

func (sl *SessionLifecycle) watchLoop() {
	defer sl.wg.Done()

	ticker := time.NewTicker(sl.checkEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			sl.checkInactivity()
		case <-sl.stopChan:
			return
		}
	}
}

func (sl *SessionLifecycle) checkInactivity() {
	sl.mu.Lock()
	state := sl.state
	idle := time.Since(sl.lastInteraction)
	sl.mu.Unlock()

	if state == SessionExpired {
		return
	}

	switch {
	case idle >= sl.logoutAfter:
		sl.logger.Info("Inactivity limit reached, forcing logout",
			zap.Duration("idle", idle),
		)
		sl.expire("inactivity")
	case idle >= sl.warningAfter && state == SessionActive:
		sl.logger.Info("Inactivity warning",
			zap.Duration("idle", idle),
		)
		sl.setState(SessionWarning)
	}
}

// expire tears the session down: tokens cleared, channels closed, expired
// state surfaced. Idempotent.
func (sl *SessionLifecycle) expire(reason string) {
	sl.mu.Lock()
	if sl.state == SessionExpired {
		sl.mu.Unlock()
		return
	}
	teardowns := sl.teardowns
	sl.teardowns = nil
	sl.mu.Unlock()

	sl.tokens.Clear()

	for i := len(teardowns) - 1; i >= 0; i-- {
		teardowns[i]()
	}

	sl.setState(SessionExpired)
	sl.logger.Info("Session expired", zap.String("reason", reason))
}

func (sl *SessionLifecycle) setState(state SessionState) {
	sl.mu.Lock()
	old := sl.state
	sl.state = state
	fn := sl.onStateChange
	sl.mu.Unlock()

	if old != state && fn != nil {
		fn(state)
	}
}

// watcherInterval picks a check cadence fine enough to hit the thresholds
// promptly without busy-polling long sessions.
func watcherInterval(warningAfter time.Duration) time.Duration {
	interval := warningAfter / 8
	if interval > 5*time.Second {
		return 5 * time.Second
	}
	if interval < 20*time.Millisecond {
		return 20 * time.Millisecond
	}
	return interval
}
