// Package realtime keeps the realtime channel open exactly while the session
// holds valid credentials.
package realtime

import (
	"context"
	"sync"
	"time"

	slogctx "github.com/veqryn/slog-context"

	"github.com/openkcm/session-guard/pkg/eventloop"
	"github.com/openkcm/session-guard/pkg/token"
)

const DefaultDialTimeout = 10 * time.Second

// Channel is a push connection to the server.
type Channel interface {
	Connect(ctx context.Context) error
	Disconnect() error
	IsConnected() bool
}

type Subscriber interface {
	Subscribe(token.Handler) (unsubscribe func())
}

type GateOption func(*Gate)

func WithDialTimeout(d time.Duration) GateOption {
	return func(g *Gate) {
		if d > 0 {
			g.dialTimeout = d
		}
	}
}

// Gate connects the channel on an active token status and disconnects it as
// soon as the status ends. It has no timers and never retries on its own; a
// later active status is what brings the channel back.
type Gate struct {
	loop        *eventloop.Loop
	channel     Channel
	dialTimeout time.Duration
	unsubscribe func()

	mu         sync.Mutex
	active     bool
	gen        uint64
	dialing    bool
	cancelDial context.CancelFunc
}

func NewGate(loop *eventloop.Loop, tokens Subscriber, channel Channel, opts ...GateOption) *Gate {
	g := &Gate{
		loop:        loop,
		channel:     channel,
		dialTimeout: DefaultDialTimeout,
	}
	for _, opt := range opts {
		opt(g)
	}
	g.unsubscribe = tokens.Subscribe(g.onTokenEvent)
	return g
}

// Close stops following token events and drops the connection.
func (g *Gate) Close() {
	g.unsubscribe()
	g.shut()
}

func (g *Gate) Dialing() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.dialing
}

func (g *Gate) onTokenEvent(ev token.Event) {
	switch {
	case ev.Status == token.StatusActive:
		g.open()
	case ev.Status.Ended():
		g.shut()
	}
}

func (g *Gate) open() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.active = true
	if g.dialing || g.channel.IsConnected() {
		return
	}
	g.dialLocked()
}

func (g *Gate) dialLocked() {
	ctx, cancel := context.WithTimeout(context.Background(), g.dialTimeout)
	g.dialing = true
	g.cancelDial = cancel
	gen := g.gen

	go func() {
		defer cancel()
		err := g.channel.Connect(ctx)
		g.loop.Dispatch(func() { g.dialDone(ctx, gen, err) })
	}()
}

func (g *Gate) shut() {
	g.mu.Lock()
	g.active = false
	g.gen++
	if g.cancelDial != nil {
		g.cancelDial()
		g.cancelDial = nil
	}
	g.mu.Unlock()

	if err := g.channel.Disconnect(); err != nil {
		slogctx.Warn(context.Background(), "Closing realtime channel", "error", err)
	}
}

func (g *Gate) dialDone(ctx context.Context, gen uint64, err error) {
	g.mu.Lock()
	g.dialing = false
	g.cancelDial = nil

	switch {
	case !g.active:
		// credentials ended while dialing
		g.mu.Unlock()
		if err == nil {
			_ = g.channel.Disconnect()
		}
		return
	case gen != g.gen && !g.channel.IsConnected():
		// an ended status cut this dial off and a fresh active one followed
		g.dialLocked()
	case err != nil:
		slogctx.Warn(ctx, "Connecting realtime channel failed", "error", err)
	}
	g.mu.Unlock()
}
