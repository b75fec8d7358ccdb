package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/openkcm/session-guard/internal/serviceerr"
	"github.com/openkcm/session-guard/pkg/cookiestore"
	"github.com/openkcm/session-guard/pkg/gateway"
	"github.com/openkcm/session-guard/pkg/token"
)

const maxErrorBody = 1 << 12

// GatewayClient talks to the gateway endpoints that manage the session
// itself. It never touches session state.
type GatewayClient struct {
	base   *url.URL
	client *http.Client
}

// Started is what a successful login hands back.
type Started struct {
	Pair    token.Pair
	Expiry  time.Time
	Session gateway.SessionResponse
}

func NewGatewayClient(baseURL string, client *http.Client) (*GatewayClient, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing gateway url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("unsupported gateway url scheme %q", base.Scheme)
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &GatewayClient{base: base, client: client}, nil
}

// URL resolves path against the gateway.
func (c *GatewayClient) URL(path string) string {
	return c.base.JoinPath(path).String()
}

// RealtimeURL is the websocket address of path.
func (c *GatewayClient) RealtimeURL(path string) string {
	u := *c.base.JoinPath(path)
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	return u.String()
}

func (c *GatewayClient) Login(ctx context.Context, username, password string) (Started, error) {
	body, err := json.Marshal(gateway.LoginRequest{Username: username, Password: password})
	if err != nil {
		return Started{}, fmt.Errorf("encoding login request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL(gateway.PathLogin), bytes.NewReader(body))
	if err != nil {
		return Started{}, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return Started{}, fmt.Errorf("%w: %w", serviceerr.ErrNetworkFailure, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Started{}, decodeError(resp)
	}

	var started Started
	if err := json.NewDecoder(resp.Body).Decode(&started.Session); err != nil {
		return Started{}, fmt.Errorf("decoding login response: %w", err)
	}

	pair, ok := PairFromResponse(resp)
	if !ok {
		return Started{}, errors.New("login response carries no token pair")
	}
	started.Pair = pair
	_, started.Expiry = StatusFromResponse(resp)
	if started.Expiry.IsZero() {
		started.Expiry = started.Session.ExpiresAt
	}

	return started, nil
}

// Rotate exchanges refreshToken at the rotation endpoint.
func (c *GatewayClient) Rotate(ctx context.Context, refreshToken string) (token.Pair, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL(gateway.PathRefresh), nil)
	if err != nil {
		return token.Pair{}, fmt.Errorf("creating request: %w", err)
	}
	req.AddCookie(&http.Cookie{Name: cookiestore.RefreshTokenCookie, Value: refreshToken})

	resp, err := c.client.Do(req)
	if err != nil {
		return token.Pair{}, fmt.Errorf("exchanging refresh token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return token.Pair{}, decodeError(resp)
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))

	pair, ok := PairFromResponse(resp)
	if !ok {
		return token.Pair{}, fmt.Errorf("%w: rotation response carries no token pair", serviceerr.ErrInvalidOrExpiredToken)
	}
	return pair, nil
}

// Logout ends the session on the gateway.
func (c *GatewayClient) Logout(ctx context.Context, pair token.Pair, csrfToken string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL(gateway.PathLogout), nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	addCredentials(req, pair)
	if csrfToken != "" {
		req.Header.Set(gateway.HeaderCSRFToken, csrfToken)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", serviceerr.ErrNetworkFailure, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}
	return nil
}

func addCredentials(req *http.Request, pair token.Pair) {
	if pair.AccessToken != "" {
		req.AddCookie(&http.Cookie{Name: cookiestore.AccessTokenCookie, Value: pair.AccessToken})
	}
	if pair.RefreshToken != "" {
		req.AddCookie(&http.Cookie{Name: cookiestore.RefreshTokenCookie, Value: pair.RefreshToken})
	}
}

// PairFromResponse returns the token pair a response set, if it set both.
func PairFromResponse(resp *http.Response) (token.Pair, bool) {
	var pair token.Pair
	for _, c := range resp.Cookies() {
		if c.MaxAge < 0 || c.Value == "" {
			continue
		}
		switch c.Name {
		case cookiestore.AccessTokenCookie:
			pair.AccessToken = c.Value
		case cookiestore.RefreshTokenCookie:
			pair.RefreshToken = c.Value
		}
	}
	return pair, pair.AccessToken != "" && pair.RefreshToken != ""
}

// StatusFromResponse reads the token status the gateway stamped.
func StatusFromResponse(resp *http.Response) (token.Status, time.Time) {
	status := token.ParseStatus(resp.Header.Get(gateway.HeaderTokenStatus))
	expiry, err := time.Parse(time.RFC3339, resp.Header.Get(gateway.HeaderTokenExpiry))
	if err != nil {
		expiry = time.Time{}
	}
	return status, expiry
}

// decodeError maps an error response back onto the service error kinds.
// Server side failures without a kind count as network failures.
func decodeError(resp *http.Response) error {
	var body gateway.ErrorResponse
	_ = json.NewDecoder(io.LimitReader(resp.Body, maxErrorBody)).Decode(&body)

	code := serviceerr.ParseCode(resp.Header.Get(gateway.HeaderErrorKind))
	if code == serviceerr.CodeUnknown {
		code = serviceerr.ParseCode(body.Error)
	}

	switch {
	case code != serviceerr.CodeUnknown:
		return &serviceerr.Error{Err: code, Description: body.Description}
	case resp.StatusCode >= http.StatusInternalServerError:
		return fmt.Errorf("%w: gateway answered %d", serviceerr.ErrNetworkFailure, resp.StatusCode)
	case resp.StatusCode == http.StatusUnauthorized:
		return serviceerr.ErrInvalidOrExpiredToken
	default:
		return fmt.Errorf("unexpected gateway status %d", resp.StatusCode)
	}
}
