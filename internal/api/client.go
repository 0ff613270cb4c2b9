// Package api is the HTTP client for the chat server's REST endpoints.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/memohai/chatsync/internal/channel"
	"github.com/memohai/chatsync/internal/config"
	"github.com/memohai/chatsync/internal/identity"
	"github.com/memohai/chatsync/internal/logger"
	"github.com/memohai/chatsync/internal/version"
)

// ErrUnauthorized is returned when the server rejects the bearer token.
var ErrUnauthorized = errors.New("api: unauthorized")

// StatusError is a non-2xx response.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Code, e.Body)
}

// Unwrap maps 401 to ErrUnauthorized.
func (e *StatusError) Unwrap() error {
	if e.Code == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	return nil
}

// Client talks to the REST API with a bearer token and a request rate limit.
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	token      func() string
	logger     *slog.Logger
}

// NewClient creates a client. token may be nil for unauthenticated calls.
func NewClient(log *slog.Logger, server config.ServerConfig, sync config.SyncConfig, token func() string) *Client {
	limit := rate.Limit(sync.RateLimit)
	if sync.RateLimit <= 0 {
		limit = rate.Inf
	}
	burst := sync.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Client{
		baseURL:    normalizeBaseURL(server.APIURL),
		httpClient: &http.Client{Timeout: server.Timeout()},
		limiter:    rate.NewLimiter(limit, burst),
		token:      token,
		logger:     logger.Component(log, "api"),
	}
}

func normalizeBaseURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		raw = config.DefaultAPIURL
	}
	return strings.TrimRight(raw, "/")
}

// Me returns the signed-in user, or nil when the server answers 401.
func (c *Client) Me(ctx context.Context) (*identity.User, error) {
	var user identity.User
	if err := c.do(ctx, http.MethodGet, "/auth/me", nil, nil, &user); err != nil {
		if errors.Is(err, ErrUnauthorized) {
			return nil, nil
		}
		return nil, err
	}
	if user.ID <= 0 {
		return nil, nil
	}
	return &user, nil
}

// Token is the credential returned by Login.
type Token struct {
	Type      string  `json:"type"`
	Token     string  `json:"token"`
	ExpiresAt *string `json:"expiresAt"`
}

// Login exchanges credentials for a bearer token.
func (c *Client) Login(ctx context.Context, email, password string) (Token, error) {
	body := map[string]string{"email": email, "password": password}
	var token Token
	if err := c.do(ctx, http.MethodPost, "/auth/login", nil, body, &token); err != nil {
		return Token{}, err
	}
	if strings.TrimSpace(token.Token) == "" {
		return Token{}, fmt.Errorf("login: empty token in response")
	}
	return token, nil
}

// Logout revokes the current token on the server.
func (c *Client) Logout(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/auth/logout", nil, nil, nil)
}

// UpdateNotificationMode changes the user's notification mode and returns the updated user.
func (c *Client) UpdateNotificationMode(ctx context.Context, mode string) (*identity.User, error) {
	switch mode {
	case identity.NotificationModeAll, identity.NotificationModeMentionsOnly:
	default:
		return nil, fmt.Errorf("unknown notification mode %q", mode)
	}
	var user identity.User
	if err := c.do(ctx, http.MethodPut, "/users/me/settings", nil, map[string]string{"notificationMode": mode}, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// MyChannels returns the full channel list of the signed-in user.
func (c *Client) MyChannels(ctx context.Context) ([]channel.Channel, error) {
	var channels []channel.Channel
	if err := c.do(ctx, http.MethodGet, "/my-channels", nil, nil, &channels); err != nil {
		return nil, err
	}
	return channels, nil
}

// CreateChannel creates a channel owned by the signed-in user.
func (c *Client) CreateChannel(ctx context.Context, name string, private bool) (channel.Channel, error) {
	body := map[string]any{"name": name, "private": private}
	var created channel.Channel
	if err := c.do(ctx, http.MethodPost, "/channels", nil, body, &created); err != nil {
		return channel.Channel{}, err
	}
	return created, nil
}

// FetchSince returns the raw catch-up delta since the given instant.
func (c *Client) FetchSince(ctx context.Context, since time.Time) (json.RawMessage, error) {
	query := url.Values{}
	query.Set("since", since.UTC().Format(time.RFC3339Nano))
	var payload json.RawMessage
	if err := c.do(ctx, http.MethodGet, "/sync", query, nil, &payload); err != nil {
		return nil, err
	}
	return payload, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s body: %w", path, err)
		}
		reader = bytes.NewReader(raw)
	}
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != nil {
		if token := strings.TrimSpace(c.token()); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s %s: read body: %w", method, path, err)
	}
	c.logger.Debug("api request",
		slog.String("method", method), slog.String("path", path),
		slog.Int("status", resp.StatusCode), slog.Duration("took", time.Since(start)))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{Method: method, Path: path, Code: resp.StatusCode, Body: truncate(strings.TrimSpace(string(respBody)), 300)}
	}
	if out == nil || len(bytes.TrimSpace(respBody)) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", method, path, err)
	}
	return nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
