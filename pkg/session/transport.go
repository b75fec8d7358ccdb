package session

import (
	"context"
	"fmt"
	"io"
	"net/http"

	slogctx "github.com/veqryn/slog-context"

	"github.com/openkcm/session-guard/internal/serviceerr"
	"github.com/openkcm/session-guard/pkg/gateway"
	"github.com/openkcm/session-guard/pkg/token"
)

// transport puts the session on every request: it attaches the credentials
// and the CSRF token, feeds the stamped token status back to the token
// manager and replays a request once after a CSRF denial.
type transport struct {
	s    *Session
	base http.RoundTripper
}

func (t *transport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	// an access token known to be dead is rotated through the token manager,
	// so the gateway never sees two exchanges of one refresh token
	if expiry, ok := t.s.tokens.AccessTokenExpiry(); ok && !t.s.clock.Now().Before(expiry) {
		if _, err := t.s.tokens.Rotate(ctx); err != nil {
			return nil, err
		}
	}

	resp, err := t.send(req, t.s.csrf.Token())
	if err != nil {
		return nil, err
	}
	t.observe(ctx, resp)

	if !csrfDenied(resp) || !replayable(req) {
		return resp, nil
	}

	slogctx.Debug(ctx, "Request denied for its csrf token, reissuing", "method", req.Method, "url", req.URL.String())
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
	resp.Body.Close()

	csrfToken, err := t.s.csrf.Reissue(ctx)
	if err != nil {
		return nil, fmt.Errorf("reissuing csrf token: %w", err)
	}

	resp, err = t.send(req, csrfToken)
	if err != nil {
		return nil, err
	}
	t.observe(ctx, resp)

	return resp, nil
}

func (t *transport) send(req *http.Request, csrfToken string) (*http.Response, error) {
	out := req.Clone(req.Context())
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("rewinding request body: %w", err)
		}
		out.Body = body
	}

	addCredentials(out, t.s.tokens.Pair())
	if csrfToken != "" && mutating(out.Method) {
		out.Header.Set(gateway.HeaderCSRFToken, csrfToken)
	}

	resp, err := t.base.RoundTrip(out)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", serviceerr.ErrNetworkFailure, err)
	}
	return resp, nil
}

// observe hands the pair and status a response carries to the token manager.
func (t *transport) observe(ctx context.Context, resp *http.Response) {
	status, expiry := StatusFromResponse(resp)
	pair, rotated := PairFromResponse(resp)
	if status == token.StatusUnknown && !rotated {
		return
	}

	err := t.s.loop.Do(ctx, func() {
		if rotated {
			if err := t.s.tokens.Store(pair); err != nil {
				slogctx.Warn(ctx, "Storing rotated token pair", "error", err)
				return
			}
		}
		// a late response must not revive a session that already ended
		if status == token.StatusActive && t.s.tokens.Pair() == (token.Pair{}) {
			return
		}
		t.s.tokens.Observe(status, expiry)
	})
	if err != nil {
		slogctx.Debug(ctx, "Dropping token status of a closed session", "error", err)
	}
}

func csrfDenied(resp *http.Response) bool {
	return resp.StatusCode == http.StatusForbidden &&
		resp.Header.Get(gateway.HeaderErrorKind) == string(serviceerr.CodeCSRFMismatch)
}

func replayable(req *http.Request) bool {
	return req.Body == nil || req.Body == http.NoBody || req.GetBody != nil
}

func mutating(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
		return false
	}
	return true
}
