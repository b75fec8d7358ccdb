// Package token keeps the client's token pair and decides when it is rotated.
//
// A Manager belongs to one session and all of its mutating methods run on
// that session's event loop. Rotate is the exception: it is called from any
// other goroutine and hands its result back to the loop itself.
package token

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"

	slogctx "github.com/veqryn/slog-context"

	"github.com/openkcm/session-guard/internal/serviceerr"
	"github.com/openkcm/session-guard/pkg/eventloop"
)

const (
	DefaultRefreshMargin = 60 * time.Second
	DefaultRotateTimeout = 10 * time.Second

	rotateKey = "rotate"
)

// Rotator exchanges a refresh token for a new pair. It is the only network
// collaborator of the Manager.
type Rotator interface {
	Rotate(ctx context.Context, refreshToken string) (Pair, error)
}

type Option func(*Manager)

func WithClock(clock clockwork.Clock) Option {
	return func(m *Manager) { m.clock = clock }
}

func WithRefreshMargin(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.refreshMargin = d
		}
	}
}

func WithRotateTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.rotateTimeout = d
		}
	}
}

type Manager struct {
	loop          *eventloop.Loop
	rotator       Rotator
	clock         clockwork.Clock
	refreshMargin time.Duration
	rotateTimeout time.Duration
	group         singleflight.Group

	state
}

func NewManager(loop *eventloop.Loop, rotator Rotator, opts ...Option) *Manager {
	m := &Manager{
		loop:          loop,
		rotator:       rotator,
		clock:         clockwork.NewRealClock(),
		refreshMargin: DefaultRefreshMargin,
		rotateTimeout: DefaultRotateTimeout,
	}
	m.status = StatusUnknown
	m.handlers = make(map[uint64]Handler)
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// AccessTokenExpiry returns the expiry embedded in the current access token.
func (m *Manager) AccessTokenExpiry() (time.Time, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.expiry, !m.expiry.IsZero()
}

func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

func (m *Manager) Pair() Pair {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pair
}

// Subscribe registers h for status transitions. Handlers run on the loop, in
// no particular order relative to each other.
func (m *Manager) Subscribe(h Handler) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextHandlerID
	m.nextHandlerID++
	m.handlers[id] = h
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.handlers, id)
		m.mu.Unlock()
	}
}

// Store replaces the token pair, e.g. with one a server response just set.
// It does not broadcast; the status that came with the pair does.
func (m *Manager) Store(pair Pair) error {
	expiry, err := ExpiryOf(pair.AccessToken)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.pair = pair
	m.expiry = expiry
	m.mu.Unlock()
	return nil
}

// Observe feeds a status stamped by the server. An active status with a new
// expiry re-schedules the refresh; expired ends the session locally.
func (m *Manager) Observe(status Status, expiry time.Time) {
	switch status {
	case StatusActive:
		m.mu.Lock()
		if expiry.IsZero() {
			expiry = m.expiry
		} else {
			m.expiry = expiry
		}
		changed := m.status != StatusActive || !m.announced.Equal(expiry)
		m.status = StatusActive
		m.announced = expiry
		m.mu.Unlock()

		if changed {
			m.broadcast(Event{Status: StatusActive, AccessTokenExpiry: expiry})
			m.ScheduleRefresh()
		}
	case StatusExpired:
		m.Clear(StatusExpired, serviceerr.ErrInvalidOrExpiredToken)
	case StatusUnknown, StatusFailed:
	}
}

// ScheduleRefresh arms the single refresh timer shortly before the access
// token expires. Arming again replaces the pending timer.
func (m *Manager) ScheduleRefresh() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stopTimerLocked()
	if m.expiry.IsZero() {
		return
	}

	gen := m.timerGen
	delay := max(m.expiry.Sub(m.clock.Now())-m.refreshMargin, 0)
	m.timer = m.clock.AfterFunc(delay, func() {
		m.loop.Dispatch(func() { m.refreshDue(gen) })
	})
}

func (m *Manager) refreshDue(gen uint64) {
	m.mu.Lock()
	if gen != m.timerGen {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	m.mu.Unlock()

	go func() {
		ctx := slogctx.With(context.Background(), "trigger", "refresh-timer")
		if _, err := m.Rotate(ctx); err != nil {
			slogctx.Warn(ctx, "Scheduled token rotation failed", "error", err)
		}
	}()
}

// Rotate exchanges the refresh token for a new pair. Concurrent callers share
// one exchange and all receive its result. A failure broadcasts failed and
// clears both tokens; there is no retry.
//
// Rotate must not be called from the event loop.
func (m *Manager) Rotate(ctx context.Context) (Pair, error) {
	ch := m.group.DoChan(rotateKey, func() (any, error) {
		// the flight outlives any single caller
		flightCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.rotateTimeout)
		defer cancel()
		return m.rotate(flightCtx)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return Pair{}, res.Err
		}
		return res.Val.(Pair), nil
	case <-ctx.Done():
		return Pair{}, ctx.Err()
	}
}

func (m *Manager) rotate(ctx context.Context) (Pair, error) {
	m.mu.RLock()
	refreshToken := m.pair.RefreshToken
	epoch := m.epoch
	m.mu.RUnlock()

	var (
		pair   Pair
		expiry time.Time
		err    error
	)
	if refreshToken == "" {
		err = serviceerr.ErrInvalidOrExpiredToken
	} else {
		pair, err = m.rotator.Rotate(ctx, refreshToken)
		if err == nil {
			expiry, err = ExpiryOf(pair.AccessToken)
		}
		err = classify(err)
	}

	var applyErr error
	doErr := m.loop.Do(ctx, func() {
		applyErr = m.applyRotation(epoch, pair, expiry, err)
	})
	if doErr != nil {
		return Pair{}, fmt.Errorf("applying rotation: %w", doErr)
	}
	if applyErr != nil {
		return Pair{}, applyErr
	}

	slogctx.Debug(ctx, "Rotated token pair", "expiry", expiry)
	return pair, nil
}

func (m *Manager) applyRotation(epoch uint64, pair Pair, expiry time.Time, err error) error {
	m.mu.Lock()
	if epoch != m.epoch {
		// the session was cleared while the exchange was in flight
		m.mu.Unlock()
		return serviceerr.ErrInvalidOrExpiredToken
	}
	if err != nil {
		m.mu.Unlock()
		m.Clear(StatusFailed, err)
		return err
	}

	m.pair = pair
	m.expiry = expiry
	m.status = StatusActive
	m.announced = expiry
	m.mu.Unlock()

	m.broadcast(Event{Status: StatusActive, AccessTokenExpiry: expiry})
	m.ScheduleRefresh()
	return nil
}

// Clear ends the session locally: the pending refresh is cancelled, reason is
// broadcast and only then are both tokens dropped. Clearing an already
// cleared session does not broadcast again.
func (m *Manager) Clear(reason Status, cause error) {
	m.mu.Lock()
	m.stopTimerLocked()
	if m.status == StatusExpired && m.pair == (Pair{}) {
		m.mu.Unlock()
		return
	}
	m.status = StatusExpired
	m.mu.Unlock()

	m.broadcast(Event{Status: reason, Err: cause})

	m.mu.Lock()
	m.pair = Pair{}
	m.expiry = time.Time{}
	m.announced = time.Time{}
	m.epoch++
	m.mu.Unlock()
}

func (m *Manager) broadcast(ev Event) {
	m.mu.RLock()
	handlers := make([]Handler, 0, len(m.handlers))
	for _, h := range m.handlers {
		handlers = append(handlers, h)
	}
	m.mu.RUnlock()

	for _, h := range handlers {
		h(ev)
	}
}

func (m *Manager) stopTimerLocked() {
	m.timerGen++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

// classify turns whatever the rotator returned into one of the service error kinds.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var svcErr *serviceerr.Error
	if errors.As(err, &svcErr) {
		switch svcErr.Err {
		case serviceerr.CodeNetworkFailure, serviceerr.CodeInvalidOrExpiredToken:
			return err
		case serviceerr.CodeReplayedRefreshToken:
			return serviceerr.ErrInvalidOrExpiredToken
		}
		return fmt.Errorf("%w: %w", serviceerr.ErrInvalidOrExpiredToken, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %w", serviceerr.ErrNetworkFailure, err)
	}

	return fmt.Errorf("%w: %w", serviceerr.ErrInvalidOrExpiredToken, err)
}
