// Package session is the client side of session-guard. A Session is built at
// login and owns everything that keeps it alive: the token pair and its
// refresh schedule, the inactivity watchdog, the CSRF token and the realtime
// channel. All of it runs on one event loop per session.
package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	slogctx "github.com/veqryn/slog-context"

	"github.com/openkcm/session-guard/internal/config"
	"github.com/openkcm/session-guard/pkg/csrf"
	"github.com/openkcm/session-guard/pkg/eventloop"
	"github.com/openkcm/session-guard/pkg/gateway"
	"github.com/openkcm/session-guard/pkg/realtime"
	"github.com/openkcm/session-guard/pkg/token"
	"github.com/openkcm/session-guard/pkg/watchdog"
)

const defaultRequestTimeout = 10 * time.Second

var (
	ErrInactive  = errors.New("session ended after inactivity")
	ErrLoggedOut = errors.New("session ended by logout")
)

type Option func(*options)

type options struct {
	clock      clockwork.Clock
	httpClient *http.Client
	onEvent    func(realtime.Event)
}

func WithClock(clock clockwork.Clock) Option {
	return func(o *options) { o.clock = clock }
}

// WithHTTPClient sets the client used underneath the session's own transport.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// WithEventHandler receives the events pushed over the realtime channel.
func WithEventHandler(fn func(realtime.Event)) Option {
	return func(o *options) { o.onEvent = fn }
}

type Session struct {
	cfg     config.Client
	info    gateway.SessionResponse
	clock   clockwork.Clock
	logCtx  context.Context
	loop    *eventloop.Loop
	gateway *GatewayClient
	client  *http.Client

	tokens   *token.Manager
	watchdog *watchdog.Watchdog
	gate     *realtime.Gate
	channel  *realtime.WebSocketChannel
	csrf     *csrfHolder

	unsubscribe func()
	ended       chan struct{}
	endOnce     sync.Once
	endErr      error
	closeOnce   sync.Once
}

// Login authenticates against the gateway and starts a session.
func Login(ctx context.Context, cfg config.Client, username, password string, opts ...Option) (*Session, error) {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.CSRFRenewInterval <= 0 {
		cfg.CSRFRenewInterval = csrf.RenewInterval
	}

	o := options{
		clock:      clockwork.NewRealClock(),
		httpClient: &http.Client{Timeout: cfg.RequestTimeout},
	}
	for _, opt := range opts {
		opt(&o)
	}

	gw, err := NewGatewayClient(cfg.GatewayURL, o.httpClient)
	if err != nil {
		return nil, err
	}

	started, err := gw.Login(ctx, username, password)
	if err != nil {
		return nil, fmt.Errorf("logging in: %w", err)
	}

	s := &Session{
		cfg:     cfg,
		info:    started.Session,
		clock:   o.clock,
		logCtx:  slogctx.With(context.WithoutCancel(ctx), "username", started.Session.Username, "sessionID", started.Session.SessionID),
		gateway: gw,
		ended:   make(chan struct{}),
	}
	s.loop = eventloop.New().Start()

	base := o.httpClient.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	s.client = &http.Client{
		Transport: &transport{s: s, base: base},
		Timeout:   o.httpClient.Timeout,
		// redirects would carry the credentials to wherever they point
		CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
	}

	s.tokens = token.NewManager(s.loop, gw,
		token.WithClock(s.clock),
		token.WithRefreshMargin(cfg.RefreshMargin),
		token.WithRotateTimeout(cfg.RequestTimeout),
	)
	s.watchdog = watchdog.New(s.loop, s.tokens, s,
		watchdog.WithClock(s.clock),
		watchdog.WithTimeout(cfg.SessionTimeout),
		watchdog.WithWarningLead(cfg.WarningLead),
	)
	s.channel = realtime.NewWebSocketChannel(gw.RealtimeURL(cfg.RealtimePath), s.tokens, o.onEvent)
	s.gate = realtime.NewGate(s.loop, s.tokens, s.channel, realtime.WithDialTimeout(cfg.RequestTimeout))
	s.csrf = newCSRFHolder(s.client, gw.URL(gateway.PathCSRF), s.clock, cfg.CSRFRenewInterval, cfg.RequestTimeout)
	s.unsubscribe = s.tokens.Subscribe(s.onTokenEvent)

	err = s.loop.Do(ctx, func() {
		if err := s.tokens.Store(started.Pair); err != nil {
			slogctx.Warn(s.logCtx, "Reading access token expiry", "error", err)
		}
		s.watchdog.Login()
		s.tokens.Observe(token.StatusActive, started.Expiry)
	})
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("starting session: %w", err)
	}

	if _, err := s.csrf.Reissue(ctx); err != nil {
		// the first mutating request reissues it
		slogctx.Warn(s.logCtx, "Fetching csrf token at login", "error", err)
	}

	slogctx.Info(s.logCtx, "Session started", "expiry", started.Expiry)
	return s, nil
}

// Info describes the session as the gateway reported it at login.
func (s *Session) Info() gateway.SessionResponse {
	return s.info
}

// Client returns an HTTP client that carries the session. Requests must go
// to the gateway.
func (s *Session) Client() *http.Client {
	return s.client
}

// URL resolves path against the gateway.
func (s *Session) URL(path string) string {
	return s.gateway.URL(path)
}

func (s *Session) Status() token.Status {
	return s.tokens.Status()
}

func (s *Session) AccessTokenExpiry() (time.Time, bool) {
	return s.tokens.AccessTokenExpiry()
}

func (s *Session) WatchdogState() watchdog.State {
	return s.watchdog.State()
}

func (s *Session) RealtimeConnected() bool {
	return s.channel.IsConnected()
}

func (s *Session) CSRFToken() string {
	return s.csrf.Token()
}

// Subscribe forwards token status transitions. The handler runs on the
// session's event loop and must not block.
func (s *Session) Subscribe(h token.Handler) (unsubscribe func()) {
	return s.tokens.Subscribe(h)
}

// OnWarning is told shortly before an inactivity logout.
func (s *Session) OnWarning(fn func(watchdog.Notice)) {
	s.watchdog.OnWarning(fn)
}

// Activity reports a user interaction to the watchdog.
func (s *Session) Activity(ctx context.Context, sig watchdog.Signal) error {
	return s.loop.Do(ctx, func() { s.watchdog.Activity(sig) })
}

// Dismiss acknowledges an inactivity warning.
func (s *Session) Dismiss(ctx context.Context) error {
	return s.loop.Do(ctx, func() { s.watchdog.Dismiss() })
}

// Rotate rotates the token pair now.
func (s *Session) Rotate(ctx context.Context) (token.Pair, error) {
	return s.tokens.Rotate(ctx)
}

// Ended is closed once the session ended for any reason.
func (s *Session) Ended() <-chan struct{} {
	return s.ended
}

// Err tells why the session ended.
func (s *Session) Err() error {
	select {
	case <-s.ended:
		return s.endErr
	default:
		return nil
	}
}

// Logout ends the session on the gateway and locally, then tears it down.
// Local credentials are gone even when the gateway could not be reached.
func (s *Session) Logout(ctx context.Context) error {
	err := s.gateway.Logout(ctx, s.tokens.Pair(), s.csrf.Token())
	if err != nil {
		slogctx.Warn(s.logCtx, "Notifying gateway of logout", "error", err)
	}

	doErr := s.loop.Do(ctx, func() {
		s.watchdog.Logout()
		s.tokens.Clear(token.StatusExpired, ErrLoggedOut)
	})
	s.Close()

	return errors.Join(err, doErr)
}

// Close tears the session down without telling the gateway.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		_ = s.loop.Do(context.Background(), func() {
			s.unsubscribe()
			s.gate.Close()
			s.watchdog.Close()
			s.tokens.Clear(token.StatusExpired, ErrLoggedOut)
		})
		s.csrf.stop()
		s.loop.Close()
		s.end(ErrLoggedOut)
	})
}

// NotifyLogout tells the gateway about an inactivity logout without waiting
// for it. It captures the credentials now, before they are cleared.
func (s *Session) NotifyLogout() {
	pair := s.tokens.Pair()
	csrfToken := s.csrf.Token()

	go func() {
		ctx, cancel := context.WithTimeout(s.logCtx, s.cfg.RequestTimeout)
		defer cancel()
		if err := s.gateway.Logout(ctx, pair, csrfToken); err != nil {
			slogctx.Warn(ctx, "Notifying gateway of inactivity logout", "error", err)
		}
	}()
}

// ClearCredentials drops the token pair after an inactivity logout.
func (s *Session) ClearCredentials() {
	s.tokens.Clear(token.StatusExpired, ErrInactive)
}

// onTokenEvent runs on the loop.
func (s *Session) onTokenEvent(ev token.Event) {
	if !ev.Status.Ended() {
		return
	}

	slogctx.Info(s.logCtx, "Session ended", "status", ev.Status, "reason", ev.Err)
	s.csrf.stop()
	s.end(ev.Err)
}

func (s *Session) end(err error) {
	s.endOnce.Do(func() {
		s.endErr = err
		close(s.ended)
	})
}
