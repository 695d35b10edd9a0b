package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// ErrNoSession is returned when an operation needs a token and none is held
var ErrNoSession = errors.New("no active session")

// ErrRefreshRejected marks a refresh call the server rejected because the
// refresh token itself is invalid or expired. Terminal for the session.
var ErrRefreshRejected = errors.New("refresh token rejected")

// SessionExpiredError is surfaced to every caller queued behind a refresh
// that failed terminally. Reauthentication is required.
type SessionExpiredError struct {
	Reason string
}

func (e *SessionExpiredError) Error() string {
	return "session expired: " + e.Reason
}

// TokenPair is the access/refresh token pair. Exactly one pair is active per
// session; the refresh token is single-use-safe on the server side.
type TokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// PairStore persists the pair across restarts. May be nil.
type PairStore interface {
	SaveTokenPair(pair TokenPair, expiresAt time.Time) error
	ClearTokenPair() error
}

// RefreshFunc performs the refresh HTTP call against the backend. It must
// wrap ErrRefreshRejected when the server rejects the refresh token, as
// opposed to failing transiently.
type RefreshFunc func(ctx context.Context, refreshToken string) (TokenPair, error)

// TokenController owns read/replace access to the token pair and serializes
// concurrent 401 recoveries: however many requests hit a 401 at once, at
// most one refresh call is in flight, and its outcome fans out to all of
// them.
type TokenController struct {
	store  PairStore
	logger *zap.Logger

	refreshFn        RefreshFunc
	onSessionExpired func()

	pair       TokenPair
	expiresAt  time.Time
	generation uint64
	mu         sync.RWMutex

	refresh singleflight.Group
}

// NewTokenController creates a token controller. The refresh call and the
// expiry hook are bound after construction because the API client that
// implements the refresh call itself depends on the controller.
func NewTokenController(store PairStore, logger *zap.Logger) *TokenController {
	return &TokenController{
		store:  store,
		logger: logger,
	}
}

// BindRefresh sets the function that performs the refresh HTTP call
func (tc *TokenController) BindRefresh(fn RefreshFunc) {
	tc.mu.Lock()
	tc.refreshFn = fn
	tc.mu.Unlock()
}

// OnSessionExpired registers the hook fired when a refresh fails terminally
func (tc *TokenController) OnSessionExpired(fn func()) {
	tc.mu.Lock()
	tc.onSessionExpired = fn
	tc.mu.Unlock()
}

// SetPair replaces the stored pair, on login or after a successful refresh
func (tc *TokenController) SetPair(pair TokenPair) {
	expiresAt, _ := accessTokenExpiry(pair.AccessToken)

	tc.mu.Lock()
	tc.pair = pair
	tc.expiresAt = expiresAt
	tc.mu.Unlock()

	if tc.store != nil {
		if err := tc.store.SaveTokenPair(pair, expiresAt); err != nil {
			tc.logger.Warn("Failed to persist token pair", zap.Error(err))
		}
	}

	tc.logger.Debug("Token pair replaced", zap.Time("expires_at", expiresAt))
}

// Clear drops both tokens. Any refresh still in flight loses the race: its
// result is discarded when it resolves.
func (tc *TokenController) Clear() {
	tc.mu.Lock()
	tc.pair = TokenPair{}
	tc.expiresAt = time.Time{}
	tc.generation++
	tc.mu.Unlock()

	if tc.store != nil {
		if err := tc.store.ClearTokenPair(); err != nil {
			tc.logger.Warn("Failed to clear persisted tokens", zap.Error(err))
		}
	}
}

// AccessToken returns the current access token. Callers must call this at
// the moment of use, never capture the value earlier in an async chain.
func (tc *TokenController) AccessToken() (string, bool) {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.pair.AccessToken, tc.pair.AccessToken != ""
}

// ExpiresAt returns the access token expiry parsed from its claims
func (tc *TokenController) ExpiresAt() time.Time {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.expiresAt
}

// ExpiresSoon reports whether the access token expires within the window.
// Used to refresh proactively before opening a realtime connection.
func (tc *TokenController) ExpiresSoon(window time.Duration) bool {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	if tc.pair.AccessToken == "" || tc.expiresAt.IsZero() {
		return false
	}
	return time.Until(tc.expiresAt) < window
}

// Authorize attaches the current access token to the request
func (tc *TokenController) Authorize(req *http.Request) error {
	token, ok := tc.AccessToken()
	if !ok {
		return ErrNoSession
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

// HandleUnauthorized recovers from a 401. Concurrent callers coalesce into
// one refresh call; each gets the new access token to retry its own request
// exactly once. On terminal failure every caller gets *SessionExpiredError,
// the pair is cleared, and the expiry hook fires; no further refresh happens
// until explicit login. A transient refresh failure leaves the pair intact
// so a later 401 can try again.
func (tc *TokenController) HandleUnauthorized(ctx context.Context) (string, error) {
	tc.mu.RLock()
	refreshToken := tc.pair.RefreshToken
	refreshFn := tc.refreshFn
	startGen := tc.generation
	tc.mu.RUnlock()

	if refreshToken == "" {
		return "", &SessionExpiredError{Reason: "no refresh token"}
	}
	if refreshFn == nil {
		return "", fmt.Errorf("refresh not configured")
	}

	resCh := tc.refresh.DoChan("refresh", func() (interface{}, error) {
		return tc.doRefresh(refreshFn, refreshToken, startGen)
	})

	select {
	case res := <-resCh:
		if res.Err != nil {
			return "", res.Err
		}
		token, ok := res.Val.(string)
		if !ok || token == "" {
			return "", &SessionExpiredError{Reason: "refresh produced no token"}
		}
		return token, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (tc *TokenController) doRefresh(refreshFn RefreshFunc, refreshToken string, startGen uint64) (interface{}, error) {
	tc.logger.Info("Refreshing access token")

	pair, err := refreshFn(context.Background(), refreshToken)
	if err != nil {
		if errors.Is(err, ErrRefreshRejected) {
			tc.logger.Warn("Refresh token rejected, session expired", zap.Error(err))
			tc.Clear()
			tc.fireSessionExpired()
			return nil, &SessionExpiredError{Reason: err.Error()}
		}
		tc.logger.Warn("Token refresh failed transiently", zap.Error(err))
		return nil, fmt.Errorf("token refresh failed: %w", err)
	}

	tc.mu.RLock()
	raced := tc.generation != startGen
	tc.mu.RUnlock()
	if raced {
		// Logout won the race; the late refresh result must not revive
		// the session.
		tc.logger.Info("Discarding refresh result, session was torn down")
		return nil, &SessionExpiredError{Reason: "logged out during refresh"}
	}

	tc.SetPair(pair)
	tc.logger.Info("Access token refreshed")
	return pair.AccessToken, nil
}

func (tc *TokenController) fireSessionExpired() {
	tc.mu.RLock()
	fn := tc.onSessionExpired
	tc.mu.RUnlock()
	if fn != nil {
		fn()
	}
}

// sessionClaims mirrors the backend's access token claims
type sessionClaims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

// TokenIdentity reads the user id and role claims from an access token
// without verifying the signature; the client has no signing key and only
// uses them to label its own state.
func TokenIdentity(token string) (subject, role string, ok bool) {
	claims := sessionClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return "", "", false
	}
	return claims.Subject, claims.Role, claims.Subject != ""
}

// accessTokenExpiry reads the exp claim without verifying the signature;
// the client has no signing key and only needs the expiry for scheduling.
func accessTokenExpiry(token string) (time.Time, bool) {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}
