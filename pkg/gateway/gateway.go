// Package gateway is the boundary every request passes. It authenticates the
// caller from the credential cookies, rotates the token pair at most once per
// request, enforces CSRF on mutating calls and stamps the resulting token
// status on the response for the client to observe.
package gateway

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	slogctx "github.com/veqryn/slog-context"

	"github.com/openkcm/session-guard/internal/authority"
	"github.com/openkcm/session-guard/internal/serviceerr"
	"github.com/openkcm/session-guard/pkg/cookiestore"
	"github.com/openkcm/session-guard/pkg/csrf"
	"github.com/openkcm/session-guard/pkg/fingerprint"
	"github.com/openkcm/session-guard/pkg/token"
)

const (
	HeaderTokenStatus = "Token-Status"
	HeaderTokenExpiry = "Token-Expiry"
	HeaderCSRFToken   = "X-CSRF-Token"
	HeaderErrorKind   = "X-Error-Kind"

	PathLogin    = "/auth/login"
	PathRefresh  = "/auth/refresh"
	PathCSRF     = "/auth/csrf"
	PathSession  = "/auth/session"
	PathLogout   = "/auth/logout"
	PathRealtime = "/realtime"

	DefaultRealtimeCheckInterval = 30 * time.Second
)

// Authority is the token issuing authority the gateway talks to.
type Authority interface {
	Authenticate(ctx context.Context, username, password string) (authority.Principal, error)
	Issue(ctx context.Context, p authority.Principal) (authority.Issued, error)
	Rotate(ctx context.Context, refreshToken string) (authority.Issued, error)
	ValidateAccess(ctx context.Context, accessToken string) (authority.Principal, error)
	Revoke(ctx context.Context, sessionID string) error
	SessionAlive(ctx context.Context, sessionID string) (bool, error)
}

type principalKey struct{}

// PrincipalFrom returns the caller authenticated by the gateway.
func PrincipalFrom(ctx context.Context) (authority.Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(authority.Principal)
	return p, ok
}

type Option func(*Gateway)

func WithClock(clock clockwork.Clock) Option {
	return func(g *Gateway) { g.clock = clock }
}

func WithMeter(meter metric.Meter) Option {
	return func(g *Gateway) { g.meter = meter }
}

// WithRealtimeCheckInterval sets how often an open realtime connection checks
// that its session was not revoked.
func WithRealtimeCheckInterval(d time.Duration) Option {
	return func(g *Gateway) {
		if d > 0 {
			g.realtimeCheck = d
		}
	}
}

// WithProtectedRoutes mounts further routes behind authentication and CSRF
// enforcement.
func WithProtectedRoutes(fn func(r chi.Router)) Option {
	return func(g *Gateway) { g.protected = append(g.protected, fn) }
}

type Gateway struct {
	authority Authority
	cookies   *cookiestore.Store
	csrf      *csrf.Service
	extractor *fingerprint.Extractor
	clock     clockwork.Clock
	meter     metric.Meter
	metrics   *metrics
	upgrader  websocket.Upgrader
	protected []func(r chi.Router)

	realtimeCheck time.Duration
}

func New(auth Authority, cookies *cookiestore.Store, csrfService *csrf.Service, extractor *fingerprint.Extractor, opts ...Option) (*Gateway, error) {
	g := &Gateway{
		authority: auth,
		cookies:   cookies,
		csrf:      csrfService,
		extractor: extractor,
		clock:     clockwork.NewRealClock(),
		meter:     otel.Meter("session-guard/gateway"),

		realtimeCheck: DefaultRealtimeCheckInterval,
	}
	for _, opt := range opts {
		opt(g)
	}

	m, err := newMetrics(g.meter)
	if err != nil {
		return nil, err
	}
	g.metrics = m

	return g, nil
}

// Handler returns the routes of the gateway.
func (g *Gateway) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(g.extractor.Middleware)

	r.Post(PathLogin, g.login)
	r.Post(PathRefresh, g.refresh)

	r.Group(func(r chi.Router) {
		r.Use(g.Authenticate, g.VerifyCSRF)

		r.Get(PathCSRF, g.issueCSRF)
		r.Get(PathSession, g.session)
		r.Post(PathLogout, g.logout)
		r.Get(PathRealtime, g.realtime)

		for _, fn := range g.protected {
			fn(r)
		}
	})

	return r
}

// Authenticate lets a request through when its access token is valid. A
// missing or expired access token gets exactly one rotation attempt with the
// refresh token. Whatever the outcome, the token status is stamped on the
// response; a failure also clears the credential cookies.
func (g *Gateway) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		accessToken, refreshToken, err := g.cookies.Credentials(r)
		if err != nil {
			g.deny(ctx, w, serviceerr.ErrInvalidOrExpiredToken)
			return
		}

		principal, err := g.authority.ValidateAccess(ctx, accessToken)
		switch {
		case err == nil:
		case errors.Is(err, serviceerr.ErrInvalidOrExpiredToken):
			issued, rerr := g.rotate(ctx, w, refreshToken)
			if rerr != nil {
				g.deny(ctx, w, rerr)
				return
			}
			principal = issued.Principal
		default:
			slogctx.Error(ctx, "Validating access token", "error", err)
			writeError(ctx, w, err)
			return
		}

		stampActive(w, principal.Expiry)

		ctx = slogctx.With(ctx, "subject", principal.Subject)
		ctx = context.WithValue(ctx, principalKey{}, principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// VerifyCSRF denies mutating requests without a valid X-CSRF-Token. It must
// run after Authenticate.
func (g *Gateway) VerifyCSRF(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requiresCSRF(r) {
			next.ServeHTTP(w, r)
			return
		}

		ctx := r.Context()
		identity, err := g.sessionIdentity(ctx)
		if err != nil || !g.csrf.Verify(r.Header.Get(HeaderCSRFToken), identity) {
			slogctx.Info(ctx, "Denied request with invalid csrf token", "method", r.Method, "path", r.URL.Path)
			g.metrics.csrfDenied(ctx)
			writeError(ctx, w, serviceerr.ErrCSRFMismatch)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func requiresCSRF(r *http.Request) bool {
	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
		return false
	}
	switch r.URL.Path {
	case PathCSRF, PathRefresh:
		return false
	}
	return true
}

func (g *Gateway) sessionIdentity(ctx context.Context) (string, error) {
	p, ok := PrincipalFrom(ctx)
	if !ok {
		return "", errors.New("no principal in ctx")
	}
	fp, err := fingerprint.ExtractFingerprint(ctx)
	if err != nil {
		return "", err
	}
	return csrf.DeriveSessionIdentity(p.Subject, fp.UserAgent, fp.SourceAddress), nil
}

// rotate performs one rotation and hands the new pair to the client.
func (g *Gateway) rotate(ctx context.Context, w http.ResponseWriter, refreshToken string) (authority.Issued, error) {
	if refreshToken == "" {
		return authority.Issued{}, serviceerr.ErrInvalidOrExpiredToken
	}

	issued, err := g.authority.Rotate(ctx, refreshToken)
	g.metrics.rotated(ctx, err)
	if err != nil {
		slogctx.Info(ctx, "Token rotation failed", "error", err)
		return authority.Issued{}, err
	}

	g.setSession(ctx, w, issued)
	return issued, nil
}

func (g *Gateway) setSession(ctx context.Context, w http.ResponseWriter, issued authority.Issued) {
	g.cookies.SetCredentials(w, issued.Pair.AccessToken, issued.Pair.RefreshToken)
	err := g.cookies.SetIdentity(w, cookiestore.Identity{
		Username: issued.Subject,
		Level:    issued.Level,
	})
	if err != nil {
		slogctx.Warn(ctx, "Setting identity cookies", "error", err)
	}
}

// deny ends the session on the client: status expired, credentials gone.
// Every failure is reported as an invalid or expired token.
func (g *Gateway) deny(ctx context.Context, w http.ResponseWriter, cause error) {
	w.Header().Set(HeaderTokenStatus, string(token.StatusExpired))
	g.cookies.Clear(w)

	if !errors.Is(cause, serviceerr.ErrInvalidOrExpiredToken) && !errors.Is(cause, serviceerr.ErrReplayedRefreshToken) {
		slogctx.Error(ctx, "Authentication failed", "error", cause)
	}
	writeError(ctx, w, serviceerr.ErrInvalidOrExpiredToken)
}

func stampActive(w http.ResponseWriter, expiry time.Time) {
	w.Header().Set(HeaderTokenStatus, string(token.StatusActive))
	w.Header().Set(HeaderTokenExpiry, expiry.UTC().Format(time.RFC3339))
}
