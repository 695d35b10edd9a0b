package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/fixlink/fixlink-client/internal/auth"
	"github.com/fixlink/fixlink-client/internal/models"

	"go.uber.org/zap"
)

// APIClient handles communication with the backend REST API. Authorized
// calls read the current access token at request time through the token
// controller and recover from a 401 by joining the single-flight refresh,
// retrying the original request exactly once with the new token.
type APIClient struct {
	baseURL    string
	tokens     *auth.TokenController
	httpClient *http.Client
	logger     *zap.Logger
}

// NewAPIClient creates a new API client
func NewAPIClient(baseURL string, tokens *auth.TokenController, timeout time.Duration, logger *zap.Logger) *APIClient {
	return &APIClient{
		baseURL: baseURL,
		tokens:  tokens,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger,
	}
}

// Login authenticates with user credentials and returns the token pair
func (c *APIClient) Login(ctx context.Context, username, password, deviceID string) (auth.TokenPair, error) {
	body, err := c.postJSON(ctx, "/api/v1/auth/login", map[string]string{
		"username": username,
		"password": password,
		"deviceId": deviceID,
	})
	if err != nil {
		return auth.TokenPair{}, err
	}

	var pair auth.TokenPair
	if err := json.Unmarshal(body, &pair); err != nil {
		return auth.TokenPair{}, fmt.Errorf("failed to parse login response: %w", err)
	}
	return pair, nil
}

// RefreshSession exchanges the refresh token for a new pair. A 401/403 here
// means the refresh token itself is dead, which is terminal for the session.
func (c *APIClient) RefreshSession(ctx context.Context, refreshToken string) (auth.TokenPair, error) {
	body, err := c.postJSON(ctx, "/api/v1/auth/refresh", map[string]string{
		"refreshToken": refreshToken,
	})
	if err != nil {
		var rejected *ServerRejectedError
		if isAuthStatus(err, &rejected) {
			return auth.TokenPair{}, fmt.Errorf("%w: %s", auth.ErrRefreshRejected, rejected.Message)
		}
		return auth.TokenPair{}, err
	}

	var pair auth.TokenPair
	if err := json.Unmarshal(body, &pair); err != nil {
		return auth.TokenPair{}, fmt.Errorf("failed to parse refresh response: %w", err)
	}
	return pair, nil
}

// Logout invalidates the session server-side
func (c *APIClient) Logout(ctx context.Context) error {
	_, err := c.doAuthorized(ctx, http.MethodPost, "/api/v1/auth/logout", nil)
	return err
}

// History fetches the ordered message history of a conversation
func (c *APIClient) History(ctx context.Context, conversationID string) ([]models.Message, error) {
	path := fmt.Sprintf("/api/v1/conversations/%s/messages", url.PathEscape(conversationID))
	body, err := c.doAuthorized(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}

	var history []models.Message
	if err := json.Unmarshal(body, &history); err != nil {
		return nil, fmt.Errorf("failed to parse history response: %w", err)
	}

	c.logger.Debug("History fetched",
		zap.String("conversation_id", conversationID),
		zap.Int("message_count", len(history)),
	)
	return history, nil
}

// SendMessage persists a message and returns the server echo, which carries
// the final id alongside the client's correlation token.
func (c *APIClient) SendMessage(ctx context.Context, msg models.Message) (models.Message, error) {
	path := fmt.Sprintf("/api/v1/conversations/%s/messages", url.PathEscape(msg.ConversationID))
	payload := map[string]interface{}{
		"type":          msg.Type,
		"body":          msg.Body,
		"correlationId": msg.CorrelationID,
	}

	body, err := c.doAuthorized(ctx, http.MethodPost, path, payload)
	if err != nil {
		return models.Message{}, err
	}

	var echo models.Message
	if err := json.Unmarshal(body, &echo); err != nil {
		return models.Message{}, fmt.Errorf("failed to parse message echo: %w", err)
	}
	return echo, nil
}

// SendLocation persists one position sample for a tracking session
func (c *APIClient) SendLocation(ctx context.Context, requestID string, sample models.PositionSample) error {
	path := fmt.Sprintf("/api/v1/requests/%s/location", url.PathEscape(requestID))
	_, err := c.doAuthorized(ctx, http.MethodPost, path, sample)
	return err
}

// MarkRead reports locally-read message ids to the server
func (c *APIClient) MarkRead(ctx context.Context, conversationID string, messageIDs []string) error {
	path := fmt.Sprintf("/api/v1/conversations/%s/read", url.PathEscape(conversationID))
	_, err := c.doAuthorized(ctx, http.MethodPost, path, map[string]interface{}{
		"messageIds": messageIDs,
	})
	return err
}

// doAuthorized performs one authorized request. On a 401 it joins the
// single-flight refresh and retries once with the new token; a request that
// fails again is surfaced as a hard error, never re-queued.
func (c *APIClient) doAuthorized(ctx context.Context, method, path string, payload interface{}) ([]byte, error) {
	var reqBody []byte
	if payload != nil {
		var err error
		reqBody, err = json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
	}

	body, status, err := c.attempt(ctx, method, path, reqBody, "")
	if err != nil || status != http.StatusUnauthorized {
		return body, err
	}

	token, err := c.tokens.HandleUnauthorized(ctx)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("Retrying request with refreshed token",
		zap.String("method", method),
		zap.String("path", path),
	)

	body, status, err = c.attempt(ctx, method, path, reqBody, token)
	if status == http.StatusUnauthorized {
		return nil, &ServerRejectedError{
			Message:    fmt.Sprintf("%s %s unauthorized after refresh", method, path),
			StatusCode: status,
		}
	}
	return body, err
}

// attempt runs one HTTP exchange. An empty overrideToken means "read the
// current token from the controller". A 401 is returned with a nil error so
// doAuthorized can run the refresh path; other failures come back as typed
// errors.
func (c *APIClient) attempt(ctx context.Context, method, path string, reqBody []byte, overrideToken string) ([]byte, int, error) {
	var bodyReader io.Reader
	if reqBody != nil {
		bodyReader = bytes.NewReader(reqBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if overrideToken != "" {
		req.Header.Set("Authorization", "Bearer "+overrideToken)
	} else if err := c.tokens.Authorize(req); err != nil {
		return nil, 0, err
	}

	startTime := time.Now()
	resp, err := c.httpClient.Do(req)
	duration := time.Since(startTime)

	if err != nil {
		c.logger.Error("Request failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.Error(err),
			zap.Duration("duration", duration),
		)
		return nil, 0, transientErr("request failed: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return body, resp.StatusCode, nil
	}

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, resp.StatusCode, nil
	}

	return nil, resp.StatusCode, c.statusError(method, path, resp.StatusCode, body)
}

// postJSON performs an unauthorized POST; the auth endpoints carry their
// credentials in the body.
func (c *APIClient) postJSON(ctx context.Context, path string, payload interface{}) ([]byte, error) {
	reqBody, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, transientErr("request failed: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return body, nil
	}
	return nil, c.statusError(http.MethodPost, path, resp.StatusCode, body)
}

func (c *APIClient) statusError(method, path string, status int, body []byte) error {
	errMsg := fmt.Sprintf("%s %s returned status %d: %s", method, path, status, string(body))

	switch status {
	case http.StatusTooManyRequests:
		c.logger.Warn("Rate limited",
			zap.String("path", path),
			zap.Int("status_code", status),
		)
		return &RateLimitError{Message: errMsg, StatusCode: status}
	default:
		c.logger.Error("Server rejected request",
			zap.String("path", path),
			zap.Int("status_code", status),
			zap.String("response", string(body)),
		)
		return &ServerRejectedError{Message: errMsg, StatusCode: status}
	}
}

// isAuthStatus reports whether err is a ServerRejectedError with a 401/403
// status, filling target when it is.
func isAuthStatus(err error, target **ServerRejectedError) bool {
	rejected, ok := err.(*ServerRejectedError)
	if !ok {
		return false
	}
	if rejected.StatusCode != http.StatusUnauthorized && rejected.StatusCode != http.StatusForbidden {
		return false
	}
	*target = rejected
	return true
}
