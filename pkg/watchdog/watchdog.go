// Package watchdog logs a session out after a period without user activity.
//
// The inactivity deadline is the last qualifying activity plus the session
// timeout. A warning fires shortly before it. The terminal timer is only
// armed while the access token outlives the deadline; otherwise token expiry
// ends the session first and the watchdog waits for the next rotation to
// look again.
package watchdog

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/openkcm/session-guard/pkg/eventloop"
	"github.com/openkcm/session-guard/pkg/token"
)

const (
	DefaultTimeout     = 10 * time.Minute
	DefaultWarningLead = 60 * time.Second
)

type State string

const (
	StateDisarmed     State = "disarmed"
	StateIdleArmed    State = "idle-armed"
	StateWarningShown State = "warning-shown"
	StateTerminated   State = "terminated"
)

// Signal is a kind of user interaction.
type Signal string

const (
	SignalMouse    Signal = "mouse"
	SignalKeyboard Signal = "keyboard"
	SignalScroll   Signal = "scroll"
	SignalTouch    Signal = "touch"
	SignalFocus    Signal = "focus"
)

func (s Signal) Qualifies() bool {
	switch s {
	case SignalMouse, SignalKeyboard, SignalScroll, SignalTouch, SignalFocus:
		return true
	default:
		return false
	}
}

// Notice is the warning shown before an inactivity logout. It expires on its
// own at Deadline.
type Notice struct {
	ShownAt  time.Time
	Deadline time.Time
}

// TokenSource is what the watchdog needs to know about the token pair.
type TokenSource interface {
	AccessTokenExpiry() (time.Time, bool)
	Subscribe(token.Handler) (unsubscribe func())
}

// Ender ends the session when the watchdog gives up on the user.
type Ender interface {
	// NotifyLogout tells the server about the logout. It must not block and
	// its outcome does not matter.
	NotifyLogout()
	ClearCredentials()
}

type Option func(*Watchdog)

func WithClock(clock clockwork.Clock) Option {
	return func(w *Watchdog) { w.clock = clock }
}

func WithTimeout(d time.Duration) Option {
	return func(w *Watchdog) {
		if d > 0 {
			w.timeout = d
		}
	}
}

func WithWarningLead(d time.Duration) Option {
	return func(w *Watchdog) {
		if d >= 0 {
			w.lead = d
		}
	}
}

// Watchdog must be driven from the session's event loop. Its accessors may be
// read from anywhere.
type Watchdog struct {
	loop        *eventloop.Loop
	tokens      TokenSource
	ender       Ender
	clock       clockwork.Clock
	timeout     time.Duration
	lead        time.Duration
	unsubscribe func()

	mu           sync.Mutex
	state        State
	lastActivity time.Time
	deadline     time.Time
	warnTimer    clockwork.Timer
	termTimer    clockwork.Timer
	gen          uint64
	onWarning    []func(Notice)
	onTerminate  []func()
}

func New(loop *eventloop.Loop, tokens TokenSource, ender Ender, opts ...Option) *Watchdog {
	w := &Watchdog{
		loop:    loop,
		tokens:  tokens,
		ender:   ender,
		clock:   clockwork.NewRealClock(),
		timeout: DefaultTimeout,
		lead:    DefaultWarningLead,
		state:   StateDisarmed,
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.lead > w.timeout {
		w.lead = w.timeout
	}
	w.unsubscribe = tokens.Subscribe(w.onTokenEvent)
	return w
}

func (w *Watchdog) OnWarning(fn func(Notice)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onWarning = append(w.onWarning, fn)
}

func (w *Watchdog) OnTerminate(fn func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onTerminate = append(w.onTerminate, fn)
}

func (w *Watchdog) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Watchdog) LastActivity() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastActivity
}

// Deadline is when the session ends without further activity.
func (w *Watchdog) Deadline() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.deadline
}

func (w *Watchdog) TerminalArmed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.termTimer != nil
}

// Login starts watching a freshly authenticated session.
func (w *Watchdog) Login() {
	w.mu.Lock()
	w.armLocked()
	w.mu.Unlock()
}

// Activity records a user interaction. While armed, any qualifying signal
// restarts both timers, also once the warning is showing.
func (w *Watchdog) Activity(sig Signal) bool {
	if !sig.Qualifies() {
		return false
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != StateIdleArmed && w.state != StateWarningShown {
		return false
	}
	w.armLocked()
	return true
}

// Dismiss acknowledges the warning notice; it counts as activity.
func (w *Watchdog) Dismiss() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != StateWarningShown {
		return false
	}
	w.armLocked()
	return true
}

// Logout disarms the watchdog for a session the user ended.
func (w *Watchdog) Logout() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopLocked()
	w.state = StateDisarmed
}

// Close stops listening to token events.
func (w *Watchdog) Close() {
	w.unsubscribe()
	w.Logout()
}

func (w *Watchdog) armLocked() {
	w.stopLocked()

	now := w.clock.Now()
	w.state = StateIdleArmed
	w.lastActivity = now
	w.deadline = now.Add(w.timeout)

	gen := w.gen
	w.warnTimer = w.clock.AfterFunc(w.timeout-w.lead, func() {
		w.loop.Dispatch(func() { w.warningDue(gen) })
	})
	w.evaluateTerminalLocked()
}

// evaluateTerminalLocked arms or drops the terminal timer depending on whether
// the access token lasts until the deadline.
func (w *Watchdog) evaluateTerminalLocked() {
	expiry, ok := w.tokens.AccessTokenExpiry()
	if ok && expiry.Before(w.deadline) {
		if w.termTimer != nil {
			w.termTimer.Stop()
			w.termTimer = nil
		}
		return
	}
	if w.termTimer != nil {
		return
	}

	gen := w.gen
	w.termTimer = w.clock.AfterFunc(max(w.deadline.Sub(w.clock.Now()), 0), func() {
		w.loop.Dispatch(func() { w.terminalDue(gen) })
	})
}

func (w *Watchdog) stopLocked() {
	w.gen++
	if w.warnTimer != nil {
		w.warnTimer.Stop()
		w.warnTimer = nil
	}
	if w.termTimer != nil {
		w.termTimer.Stop()
		w.termTimer = nil
	}
}

func (w *Watchdog) warningDue(gen uint64) {
	w.mu.Lock()
	if gen != w.gen || w.state != StateIdleArmed {
		w.mu.Unlock()
		return
	}
	w.state = StateWarningShown
	w.warnTimer = nil
	notice := Notice{ShownAt: w.clock.Now(), Deadline: w.deadline}
	listeners := append([]func(Notice){}, w.onWarning...)
	w.mu.Unlock()

	for _, fn := range listeners {
		fn(notice)
	}
}

func (w *Watchdog) terminalDue(gen uint64) {
	w.mu.Lock()
	if gen != w.gen || (w.state != StateWarningShown && w.state != StateIdleArmed) {
		w.mu.Unlock()
		return
	}
	w.stopLocked()
	w.state = StateTerminated
	listeners := append([]func(){}, w.onTerminate...)
	w.mu.Unlock()

	// the server hears about it first; local clearing happens regardless
	w.ender.NotifyLogout()
	w.ender.ClearCredentials()

	for _, fn := range listeners {
		fn()
	}
}

func (w *Watchdog) onTokenEvent(ev token.Event) {
	w.mu.Lock()
	defer w.mu.Unlock()

	switch {
	case ev.Status == token.StatusActive:
		if w.state == StateIdleArmed || w.state == StateWarningShown {
			w.evaluateTerminalLocked()
		}
	case ev.Status.Ended():
		w.stopLocked()
		if w.state != StateTerminated {
			w.state = StateDisarmed
		}
	}
}
