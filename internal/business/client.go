package business

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/openkcm/common-sdk/pkg/commoncfg"

	slogctx "github.com/veqryn/slog-context"

	"github.com/openkcm/session-guard/internal/business/server"
	"github.com/openkcm/session-guard/internal/config"
	"github.com/openkcm/session-guard/pkg/session"
	"github.com/openkcm/session-guard/pkg/token"
	"github.com/openkcm/session-guard/pkg/watchdog"
)

const (
	cmdStay   = "stay"
	cmdStatus = "status"
	cmdPing   = "ping"
	cmdLogout = "logout"

	maxPingBody = 1 << 12
)

var errNoUsername = errors.New("client username is not configured")

// ClientMain logs in to the gateway and keeps the session until the user logs
// out, the session ends or ctx is cancelled. Every line read from stdin counts
// as keyboard activity.
func ClientMain(ctx context.Context, cfg *config.Config) error {
	return runClient(ctx, cfg.Client, os.Stdin, os.Stdout)
}

func runClient(ctx context.Context, cfg config.Client, in io.Reader, out io.Writer, opts ...session.Option) error {
	if cfg.Username == "" {
		return errNoUsername
	}

	password, err := commoncfg.LoadValueFromSourceRef(cfg.Password)
	if err != nil {
		return fmt.Errorf("loading client password: %w", err)
	}

	s, err := session.Login(ctx, cfg, cfg.Username, string(password), opts...)
	if err != nil {
		return err
	}
	defer s.Close()

	term := &terminal{out: out}
	info := s.Info()
	term.printf("Logged in as %s (session %s)\n", info.Username, info.SessionID)

	s.Subscribe(func(ev token.Event) {
		slogctx.Debug(ctx, "Token status changed", "status", ev.Status, "expiry", ev.AccessTokenExpiry)
	})
	s.OnWarning(func(n watchdog.Notice) {
		term.printf("No activity: the session ends at %s, enter %q to stay\n", n.Deadline.Format(time.TimeOnly), cmdStay)
	})

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- strings.TrimSpace(scanner.Text()):
			case <-s.Ended():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return logout(context.WithoutCancel(ctx), s, term, cfg.RequestTimeout)
		case <-s.Ended():
			if err := s.Err(); !errors.Is(err, session.ErrLoggedOut) {
				term.printf("Session ended: %v\n", err)
				return fmt.Errorf("session ended: %w", err)
			}
			return nil
		case line, ok := <-lines:
			if !ok {
				// stdin is gone; the session lives on until ctx ends
				lines = nil
				continue
			}
			if err := s.Activity(ctx, watchdog.SignalKeyboard); err != nil {
				slogctx.Debug(ctx, "Reporting activity", "error", err)
			}

			switch line {
			case "", cmdStay:
			case cmdStatus:
				printStatus(term, s)
			case cmdPing:
				if err := ping(ctx, s, term); err != nil {
					term.printf("Ping failed: %v\n", err)
				}
			case cmdLogout:
				return logout(ctx, s, term, cfg.RequestTimeout)
			default:
				term.printf("Unknown command %q; try %s, %s, %s or %s\n", line, cmdStay, cmdStatus, cmdPing, cmdLogout)
			}
		}
	}
}

func printStatus(term *terminal, s *session.Session) {
	expiry, _ := s.AccessTokenExpiry()
	term.printf("token=%s expiry=%s watchdog=%s realtime=%t\n",
		s.Status(), expiry.Format(time.RFC3339), s.WatchdogState(), s.RealtimeConnected())
}

func ping(ctx context.Context, s *session.Session, term *terminal) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL(server.PathPing), nil)
	if err != nil {
		return err
	}

	resp, err := s.Client().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPingBody))
	if err != nil {
		return fmt.Errorf("reading ping response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gateway answered %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	term.printf("%s\n", strings.TrimSpace(string(body)))
	return nil
}

func logout(ctx context.Context, s *session.Session, term *terminal, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	err := s.Logout(ctx)
	term.printf("Logged out\n")
	if err != nil {
		return fmt.Errorf("logging out: %w", err)
	}
	return nil
}

// terminal serialises writes coming from the session's event loop and the
// command loop.
type terminal struct {
	mu  sync.Mutex
	out io.Writer
}

func (t *terminal) printf(format string, args ...any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, _ = fmt.Fprintf(t.out, format, args...)
}
