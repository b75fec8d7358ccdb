package session

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"

	slogctx "github.com/veqryn/slog-context"

	"github.com/openkcm/session-guard/pkg/gateway"
)

// csrfHolder keeps a CSRF token for the session. It fetches one at login,
// renews it on a fixed interval ahead of its expiry and reissues it whenever
// the gateway rejected it.
type csrfHolder struct {
	client   *http.Client
	url      string
	clock    clockwork.Clock
	interval time.Duration
	timeout  time.Duration
	group    singleflight.Group

	mu        sync.Mutex
	token     string
	expiresAt time.Time
	timer     clockwork.Timer
	gen       uint64
	stopped   bool
}

func newCSRFHolder(client *http.Client, url string, clock clockwork.Clock, interval, timeout time.Duration) *csrfHolder {
	return &csrfHolder{
		client:   client,
		url:      url,
		clock:    clock,
		interval: interval,
		timeout:  timeout,
	}
}

func (h *csrfHolder) Token() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.token
}

func (h *csrfHolder) ExpiresAt() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.expiresAt
}

// Reissue fetches a fresh token. Concurrent callers share one fetch.
func (h *csrfHolder) Reissue(ctx context.Context) (string, error) {
	ch := h.group.DoChan("csrf", func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.timeout)
		defer cancel()
		return h.fetch(fetchCtx)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (h *csrfHolder) fetch(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.url, nil)
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetching csrf token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", decodeError(resp)
	}

	var body gateway.CSRFResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decoding csrf response: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return body.Token, nil
	}
	h.token = body.Token
	h.expiresAt = body.ExpiresAt
	h.armLocked()

	return body.Token, nil
}

// armLocked schedules the next renewal, replacing any pending one.
func (h *csrfHolder) armLocked() {
	h.gen++
	if h.timer != nil {
		h.timer.Stop()
	}

	gen := h.gen
	h.timer = h.clock.AfterFunc(h.interval, func() { h.renewDue(gen) })
}

func (h *csrfHolder) renewDue(gen uint64) {
	h.mu.Lock()
	if gen != h.gen || h.stopped {
		h.mu.Unlock()
		return
	}
	h.timer = nil
	h.mu.Unlock()

	ctx := slogctx.With(context.Background(), "trigger", "csrf-renewal")
	if _, err := h.Reissue(ctx); err != nil {
		slogctx.Warn(ctx, "Renewing csrf token failed", "error", err)
	}
}

// stop drops the token and cancels renewals for good.
func (h *csrfHolder) stop() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.stopped = true
	h.gen++
	h.token = ""
	h.expiresAt = time.Time{}
	if h.timer != nil {
		h.timer.Stop()
		h.timer = nil
	}
}
