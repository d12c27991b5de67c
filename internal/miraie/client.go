// Package miraie is a client for the Panasonic MirAIe cloud REST API.
// It logs in with account credentials, lists the account's homes and
// devices, and fetches device status.
//
// Bearer tokens are attached by an [oauth2.Transport]. The token source
// behind it logs in on demand and is reset whenever the cloud answers
// 401, so an expired token costs one extra round trip.
package miraie

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/nugget/miraie-bridge/internal/config"
	"github.com/nugget/miraie-bridge/internal/httpkit"
)

// ClientID is the OAuth client identifier of the vendor mobile app.
const ClientID = "PBcMcfG19njNCL8AOgvRzIC8AjQa"

// DefaultTokenLifetime is assumed when the login response carries no
// expiry. The vendor app re-logs in weekly.
const DefaultTokenLifetime = 7 * 24 * time.Hour

// maxBody bounds how much of a response body is read.
const maxBody = 4 << 20

// Config configures a Client.
type Config struct {
	UserID   string
	Password string
	AuthURL  string
	AppURL   string

	// HTTPClient is the base client. Defaults to httpkit.NewClient().
	HTTPClient *http.Client
	// TokenLifetime overrides DefaultTokenLifetime.
	TokenLifetime time.Duration
	Logger        *slog.Logger
}

// Client talks to the MirAIe cloud for one account.
type Client struct {
	cfg    Config
	logger *slog.Logger
	scope  string

	// plain has no auth; app wraps plain's transport with bearer tokens.
	plain *http.Client
	app   *http.Client

	// ctx bounds logins started from the token source. Cancelled by Close.
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	source oauth2.TokenSource
}

// New creates a Client. No network traffic happens until the first call.
func New(cfg Config) *Client {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = httpkit.NewClient()
	}
	if cfg.TokenLifetime <= 0 {
		cfg.TokenLifetime = DefaultTokenLifetime
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	cfg.AuthURL = strings.TrimRight(cfg.AuthURL, "/")
	cfg.AppURL = strings.TrimRight(cfg.AppURL, "/")

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		cfg:    cfg,
		logger: cfg.Logger,
		scope:  fmt.Sprintf("an_%d", rand.IntN(1_000_000_000)),
		plain:  cfg.HTTPClient,
		ctx:    ctx,
		cancel: cancel,
	}
	c.source = oauth2.ReuseTokenSource(nil, loginSource{c})

	base := cfg.HTTPClient.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	c.app = &http.Client{
		Timeout:   cfg.HTTPClient.Timeout,
		Transport: &oauth2.Transport{Source: currentSource{c}, Base: base},
	}
	return c
}

// Close cancels any login in flight. The client must not be used after.
func (c *Client) Close() {
	c.cancel()
}

// loginSource is the refresh path behind the reusable token source.
type loginSource struct{ c *Client }

func (s loginSource) Token() (*oauth2.Token, error) {
	return s.c.Login(s.c.ctx)
}

// currentSource reads the token source at call time so Invalidate
// takes effect for requests already holding the transport.
type currentSource struct{ c *Client }

func (s currentSource) Token() (*oauth2.Token, error) {
	s.c.mu.RLock()
	src := s.c.source
	s.c.mu.RUnlock()
	return src.Token()
}

// Invalidate drops the cached token. The next request logs in again.
func (c *Client) Invalidate() {
	c.mu.Lock()
	c.source = oauth2.ReuseTokenSource(nil, loginSource{c})
	c.mu.Unlock()
}

// Token returns the current access token, logging in if needed.
func (c *Client) Token(ctx context.Context) (*oauth2.Token, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return currentSource{c}.Token()
}

type loginRequest struct {
	ClientID string `json:"clientId"`
	Password string `json:"password"`
	Scope    string `json:"scope"`
	Email    string `json:"email,omitempty"`
	Mobile   string `json:"mobile,omitempty"`
}

type loginResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int64  `json:"expiresIn"`
	UserID       string `json:"userId"`
}

// Login exchanges the account credentials for an access token. The user
// ID is sent as an email address when it contains "@", otherwise as a
// mobile number. Any failure is an *AuthError.
func (c *Client) Login(ctx context.Context) (*oauth2.Token, error) {
	req := loginRequest{
		ClientID: ClientID,
		Password: c.cfg.Password,
		Scope:    c.scope,
	}
	if strings.Contains(c.cfg.UserID, "@") {
		req.Email = c.cfg.UserID
	} else {
		req.Mobile = c.cfg.UserID
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, &AuthError{Err: err}
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.AuthURL+"/userManagement/login", bytes.NewReader(body))
	if err != nil {
		return nil, &AuthError{Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	c.logger.Debug("logging in to miraie cloud", "user", redactUser(c.cfg.UserID))
	resp, err := c.plain.Do(httpReq)
	if err != nil {
		return nil, &AuthError{Err: err}
	}
	defer httpkit.DrainAndClose(resp.Body, 1024)

	if resp.StatusCode != http.StatusOK {
		return nil, &AuthError{
			StatusCode: resp.StatusCode,
			Body:       httpkit.ReadErrorBody(resp.Body, 512),
		}
	}

	var lr loginResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBody)).Decode(&lr); err != nil {
		return nil, &AuthError{StatusCode: resp.StatusCode, Err: fmt.Errorf("decode login response: %w", err)}
	}
	if lr.AccessToken == "" {
		return nil, &AuthError{StatusCode: resp.StatusCode, Err: errors.New("login response has no access token")}
	}

	lifetime := c.cfg.TokenLifetime
	if lr.ExpiresIn > 0 {
		lifetime = time.Duration(lr.ExpiresIn) * time.Second
	}
	tok := &oauth2.Token{
		AccessToken:  lr.AccessToken,
		TokenType:    "Bearer",
		RefreshToken: lr.RefreshToken,
		Expiry:       time.Now().Add(lifetime),
	}
	c.logger.Info("miraie login succeeded", "expires", tok.Expiry.Format(time.RFC3339))
	return tok, nil
}

// getJSON performs an authenticated GET and returns the body. A 401
// resets the token and retries exactly once. A second 401 is an
// *AuthError; other failures are *APIError.
func (c *Client) getJSON(ctx context.Context, op, path string) ([]byte, error) {
	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.AppURL+path, nil)
		if err != nil {
			return nil, &APIError{Op: op, Err: err}
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.app.Do(req)
		if err != nil {
			var ae *AuthError
			if errors.As(err, &ae) {
				return nil, ae
			}
			return nil, &APIError{Op: op, Err: unwrapURLError(err)}
		}

		switch {
		case resp.StatusCode == http.StatusUnauthorized && attempt == 0:
			httpkit.DrainAndClose(resp.Body, 1024)
			c.logger.Warn("miraie token rejected, logging in again", "op", op)
			c.Invalidate()
			continue
		case resp.StatusCode == http.StatusUnauthorized:
			return nil, &AuthError{
				StatusCode: resp.StatusCode,
				Body:       httpkit.ReadErrorBody(resp.Body, 512),
			}
		case resp.StatusCode != http.StatusOK:
			return nil, &APIError{
				Op:         op,
				StatusCode: resp.StatusCode,
				Body:       httpkit.ReadErrorBody(resp.Body, 512),
			}
		}

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
		httpkit.DrainAndClose(resp.Body, 1024)
		if err != nil {
			return nil, &APIError{Op: op, StatusCode: resp.StatusCode, Err: err}
		}
		c.logger.Log(ctx, config.LevelTrace, "miraie response", "op", op, "body", string(body))
		return body, nil
	}
}

func unwrapURLError(err error) error {
	var ue *url.Error
	if errors.As(err, &ue) {
		return ue.Err
	}
	return err
}

// redactUser keeps enough of a user ID to tell accounts apart in logs.
func redactUser(id string) string {
	if len(id) <= 4 {
		return "****"
	}
	return id[:2] + strings.Repeat("*", len(id)-4) + id[len(id)-2:]
}
