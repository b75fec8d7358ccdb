package session_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/openkcm/session-guard/internal/authority"
	"github.com/openkcm/session-guard/internal/authority/authoritycache"
	"github.com/openkcm/session-guard/internal/config"
	"github.com/openkcm/session-guard/internal/serviceerr"
	"github.com/openkcm/session-guard/pkg/cookiestore"
	"github.com/openkcm/session-guard/pkg/csrf"
	"github.com/openkcm/session-guard/pkg/fingerprint"
	"github.com/openkcm/session-guard/pkg/gateway"
	"github.com/openkcm/session-guard/pkg/realtime"
	"github.com/openkcm/session-guard/pkg/session"
	"github.com/openkcm/session-guard/pkg/token"
	"github.com/openkcm/session-guard/pkg/watchdog"
)

const (
	echoPath = "/api/echo"

	waitFor = 2 * time.Second
	tick    = 10 * time.Millisecond
)

var start = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

type fixture struct {
	clock  *clockwork.FakeClock
	auth   *authority.Authority
	server *httptest.Server
	cfg    config.Client
	echoes atomic.Int32

	mu   sync.Mutex
	hits map[string]int
}

func newFixture(t *testing.T, mutate ...func(*config.Client)) *fixture {
	t.Helper()

	f := &fixture{
		clock: clockwork.NewFakeClockAt(start),
		hits:  make(map[string]int),
	}

	hash, err := bcrypt.GenerateFromPassword([]byte("wonderland"), bcrypt.MinCost)
	require.NoError(t, err)

	f.auth, err = authority.New(config.Authority{
		Issuer:              "session-guard-test",
		AccessTokenTTL:      15 * time.Minute,
		RefreshTokenTTL:     7 * 24 * time.Hour,
		SigningSecretParsed: []byte("0123456789abcdef0123456789abcdef"),
		Users:               []config.User{{Username: "alice", PasswordHash: string(hash), Level: "admin"}},
	}, authoritycache.NewRepository(), authority.WithClock(f.clock))
	require.NoError(t, err)

	cookies, err := cookiestore.New(authority.CreateSecureCookieOptions(false), []byte("fedcba9876543210fedcba9876543210"))
	require.NoError(t, err)
	csrfService, err := csrf.NewService([]byte("abcdefghijklmnopqrstuvwxyz012345"), csrf.WithClock(f.clock))
	require.NoError(t, err)
	extractor, err := fingerprint.NewExtractor(nil)
	require.NoError(t, err)

	gw, err := gateway.New(f.auth, cookies, csrfService, extractor,
		gateway.WithClock(f.clock),
		gateway.WithProtectedRoutes(func(r chi.Router) {
			r.Post(echoPath, func(w http.ResponseWriter, _ *http.Request) {
				f.echoes.Add(1)
				w.WriteHeader(http.StatusNoContent)
			})
		}),
	)
	require.NoError(t, err)

	handler := gw.Handler()
	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.hits[r.Method+" "+r.URL.Path]++
		f.mu.Unlock()
		handler.ServeHTTP(w, r)
	}))
	t.Cleanup(f.server.Close)

	f.cfg = config.Client{
		GatewayURL:        f.server.URL,
		RealtimePath:      gateway.PathRealtime,
		SessionTimeout:    2 * time.Hour,
		WarningLead:       time.Minute,
		RefreshMargin:     time.Minute,
		CSRFRenewInterval: 25 * time.Minute,
		RequestTimeout:    5 * time.Second,
	}
	for _, fn := range mutate {
		fn(&f.cfg)
	}

	return f
}

func (f *fixture) hitCount(method, path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hits[method+" "+path]
}

func (f *fixture) login(t *testing.T, opts ...session.Option) *session.Session {
	t.Helper()

	opts = append([]session.Option{session.WithClock(f.clock)}, opts...)
	s, err := session.Login(t.Context(), f.cfg, "alice", "wonderland", opts...)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func (f *fixture) alive(t *testing.T, s *session.Session) bool {
	t.Helper()
	alive, err := f.auth.SessionAlive(context.Background(), s.Info().SessionID)
	require.NoError(t, err)
	return alive
}

func waitEnded(t *testing.T, s *session.Session) {
	t.Helper()
	select {
	case <-s.Ended():
	case <-time.After(waitFor):
		t.Fatal("session did not end")
	}
}

func TestLogin(t *testing.T) {
	f := newFixture(t)
	s := f.login(t)

	info := s.Info()
	assert.Equal(t, "alice", info.Username)
	assert.Equal(t, "admin", info.Level)
	assert.NotEmpty(t, info.SessionID)

	assert.Equal(t, token.StatusActive, s.Status())
	expiry, ok := s.AccessTokenExpiry()
	require.True(t, ok)
	assert.Equal(t, start.Add(15*time.Minute), expiry.UTC())

	assert.NotEmpty(t, s.CSRFToken())
	assert.Equal(t, watchdog.StateIdleArmed, s.WatchdogState())
	assert.Eventually(t, s.RealtimeConnected, waitFor, tick)
	assert.NoError(t, s.Err())
}

func TestLogin_Rejected(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name     string
		mutate   func(*config.Client)
		password string
		wantErr  error
	}{
		{
			name:     "wrong password",
			password: "looking-glass",
			wantErr:  serviceerr.ErrAccessDenied,
		},
		{
			name:     "gateway unreachable",
			mutate:   func(c *config.Client) { c.GatewayURL = "http://127.0.0.1:1" },
			password: "wonderland",
			wantErr:  serviceerr.ErrNetworkFailure,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := f.cfg
			if tt.mutate != nil {
				tt.mutate(&cfg)
			}

			s, err := session.Login(t.Context(), cfg, "alice", tt.password, session.WithClock(f.clock))
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Nil(t, s)
		})
	}

	t.Run("unsupported gateway url", func(t *testing.T) {
		cfg := f.cfg
		cfg.GatewayURL = "ftp://gateway"

		_, err := session.Login(t.Context(), cfg, "alice", "wonderland")
		assert.Error(t, err)
	})
}

func TestSession_ScheduledRotation(t *testing.T) {
	f := newFixture(t)
	s := f.login(t)

	var (
		mu     sync.Mutex
		events []token.Event
	)
	s.Subscribe(func(ev token.Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})

	f.clock.Advance(13 * time.Minute)
	assert.Never(t, func() bool { return f.hitCount(http.MethodPost, gateway.PathRefresh) > 0 }, 100*time.Millisecond, tick)

	// one minute ahead of the expiry
	f.clock.Advance(time.Minute)
	require.Eventually(t, func() bool {
		expiry, _ := s.AccessTokenExpiry()
		return expiry.Equal(start.Add(29 * time.Minute))
	}, waitFor, tick)

	assert.Equal(t, 1, f.hitCount(http.MethodPost, gateway.PathRefresh))
	assert.Equal(t, token.StatusActive, s.Status())
	assert.True(t, f.alive(t, s))

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, token.StatusActive, last.Status)
	assert.Equal(t, start.Add(29*time.Minute), last.AccessTokenExpiry.UTC())
}

func TestSession_FailedRotationEndsSession(t *testing.T) {
	f := newFixture(t)
	s := f.login(t)
	require.Eventually(t, s.RealtimeConnected, waitFor, tick)

	var failed atomic.Bool
	s.Subscribe(func(ev token.Event) {
		if ev.Status == token.StatusFailed {
			failed.Store(true)
		}
	})

	require.NoError(t, f.auth.Revoke(context.Background(), s.Info().SessionID))
	f.clock.Advance(14 * time.Minute)

	waitEnded(t, s)
	assert.True(t, failed.Load())
	assert.ErrorIs(t, s.Err(), serviceerr.ErrInvalidOrExpiredToken)
	assert.Equal(t, token.StatusExpired, s.Status())
	assert.Empty(t, s.CSRFToken())
	_, ok := s.AccessTokenExpiry()
	assert.False(t, ok)
	assert.Eventually(t, func() bool { return !s.RealtimeConnected() }, waitFor, tick)

	// no second attempt
	assert.Equal(t, 1, f.hitCount(http.MethodPost, gateway.PathRefresh))
}

func TestSession_ExpiredAccessTokenRotatesBeforeRequest(t *testing.T) {
	f := newFixture(t)
	s := f.login(t)

	f.clock.Advance(16 * time.Minute)

	req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, s.URL(gateway.PathSession), nil)
	require.NoError(t, err)
	resp, err := s.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "active", resp.Header.Get(gateway.HeaderTokenStatus))

	var body gateway.SessionResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "alice", body.Username)

	expiry, ok := s.AccessTokenExpiry()
	require.True(t, ok)
	assert.True(t, expiry.After(f.clock.Now()))
	assert.Equal(t, token.StatusActive, s.Status())
}

func TestSession_CSRFRetriedOnce(t *testing.T) {
	f := newFixture(t, func(c *config.Client) {
		// keep the held token past its lifetime
		c.CSRFRenewInterval = 2 * time.Hour
	})
	s := f.login(t)
	stale := s.CSRFToken()
	require.NotEmpty(t, stale)

	f.clock.Advance(31 * time.Minute)

	req, err := http.NewRequestWithContext(t.Context(), http.MethodPost, s.URL(echoPath), strings.NewReader(`{"ping":true}`))
	require.NoError(t, err)
	resp, err := s.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, 2, f.hitCount(http.MethodPost, echoPath))
	assert.Equal(t, int32(1), f.echoes.Load())
	assert.NotEqual(t, stale, s.CSRFToken())
	assert.Equal(t, token.StatusActive, s.Status())
}

func TestSession_CSRFRenewedOnSchedule(t *testing.T) {
	f := newFixture(t)
	s := f.login(t)
	first := s.CSRFToken()
	require.Equal(t, 1, f.hitCount(http.MethodGet, gateway.PathCSRF))

	f.clock.Advance(25 * time.Minute)
	require.Eventually(t, func() bool { return f.hitCount(http.MethodGet, gateway.PathCSRF) == 2 }, waitFor, tick)
	assert.Eventually(t, func() bool { return s.CSRFToken() != first }, waitFor, tick)

	req, err := http.NewRequestWithContext(t.Context(), http.MethodPost, s.URL(echoPath), nil)
	require.NoError(t, err)
	resp, err := s.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, 1, f.hitCount(http.MethodPost, echoPath))
}

func TestSession_InactivityLogout(t *testing.T) {
	f := newFixture(t, func(c *config.Client) {
		c.SessionTimeout = 10 * time.Minute
	})
	s := f.login(t)

	warnings := make(chan watchdog.Notice, 1)
	s.OnWarning(func(n watchdog.Notice) { warnings <- n })

	f.clock.Advance(9 * time.Minute)
	select {
	case n := <-warnings:
		assert.Equal(t, start.Add(10*time.Minute), n.Deadline)
	case <-time.After(waitFor):
		t.Fatal("no warning before the inactivity logout")
	}
	assert.Equal(t, watchdog.StateWarningShown, s.WatchdogState())

	f.clock.Advance(time.Minute)
	waitEnded(t, s)

	assert.ErrorIs(t, s.Err(), session.ErrInactive)
	assert.Equal(t, watchdog.StateTerminated, s.WatchdogState())
	assert.Equal(t, token.StatusExpired, s.Status())
	assert.Eventually(t, func() bool { return !f.alive(t, s) }, waitFor, tick)
	assert.Eventually(t, func() bool { return !s.RealtimeConnected() }, waitFor, tick)
}

func TestSession_ActivityPostponesLogout(t *testing.T) {
	f := newFixture(t, func(c *config.Client) {
		c.SessionTimeout = 10 * time.Minute
	})
	s := f.login(t)

	f.clock.Advance(8 * time.Minute)
	require.NoError(t, s.Activity(t.Context(), watchdog.SignalKeyboard))

	f.clock.Advance(5 * time.Minute)
	assert.Never(t, func() bool {
		select {
		case <-s.Ended():
			return true
		default:
			return false
		}
	}, 100*time.Millisecond, tick)
	assert.Equal(t, watchdog.StateIdleArmed, s.WatchdogState())
}

func TestSession_Logout(t *testing.T) {
	f := newFixture(t)
	s := f.login(t)
	require.Eventually(t, s.RealtimeConnected, waitFor, tick)

	require.NoError(t, s.Logout(t.Context()))

	waitEnded(t, s)
	assert.ErrorIs(t, s.Err(), session.ErrLoggedOut)
	assert.Equal(t, token.StatusExpired, s.Status())
	assert.Equal(t, watchdog.StateDisarmed, s.WatchdogState())
	assert.Empty(t, s.CSRFToken())
	assert.False(t, f.alive(t, s))
	assert.Eventually(t, func() bool { return !s.RealtimeConnected() }, waitFor, tick)

	err := s.Activity(t.Context(), watchdog.SignalMouse)
	assert.Error(t, err)
}

func TestSession_RealtimeEvents(t *testing.T) {
	f := newFixture(t)

	events := make(chan realtime.Event, 4)
	s := f.login(t, session.WithEventHandler(func(ev realtime.Event) { events <- ev }))

	select {
	case ev := <-events:
		assert.Equal(t, gateway.EventSession, ev.Type)
		var body gateway.SessionResponse
		require.NoError(t, json.Unmarshal(ev.Data, &body))
		assert.Equal(t, s.Info().SessionID, body.SessionID)
	case <-time.After(waitFor):
		t.Fatal("no event over the realtime channel")
	}
}
