package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	slogctx "github.com/veqryn/slog-context"

	"github.com/openkcm/session-guard/internal/authority"
	"github.com/openkcm/session-guard/internal/serviceerr"
	"github.com/openkcm/session-guard/pkg/realtime"
	"github.com/openkcm/session-guard/pkg/token"
)

const (
	EventSession = "session"

	maxLoginBody   = 1 << 12
	closeWriteWait = time.Second
)

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type SessionResponse struct {
	Username  string    `json:"username"`
	Level     string    `json:"level,omitempty"`
	SessionID string    `json:"sessionId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type CSRFResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func sessionResponse(p authority.Principal) SessionResponse {
	return SessionResponse{
		Username:  p.Subject,
		Level:     p.Level,
		SessionID: p.SessionID,
		ExpiresAt: p.Expiry.UTC(),
	}
}

func (g *Gateway) login(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req LoginRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxLoginBody)).Decode(&req); err != nil {
		writeError(ctx, w, &serviceerr.Error{Err: serviceerr.CodeInvalidRequest, Description: "malformed login request"})
		return
	}
	if req.Username == "" || req.Password == "" {
		writeError(ctx, w, &serviceerr.Error{Err: serviceerr.CodeInvalidRequest, Description: "username and password are required"})
		return
	}

	principal, err := g.authority.Authenticate(ctx, req.Username, req.Password)
	if err != nil {
		writeError(ctx, w, err)
		return
	}

	issued, err := g.authority.Issue(ctx, principal)
	if err != nil {
		slogctx.Error(ctx, "Issuing token pair", "error", err)
		writeError(ctx, w, err)
		return
	}

	g.setSession(ctx, w, issued)
	stampActive(w, issued.Expiry)
	writeJSON(ctx, w, http.StatusOK, sessionResponse(issued.Principal))
}

// refresh is the rotation endpoint. It is reachable without a valid access
// token or CSRF token.
func (g *Gateway) refresh(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	_, refreshToken, err := g.cookies.Credentials(r)
	if err != nil {
		g.deny(ctx, w, serviceerr.ErrInvalidOrExpiredToken)
		return
	}

	issued, err := g.rotate(ctx, w, refreshToken)
	if err != nil {
		g.deny(ctx, w, err)
		return
	}

	stampActive(w, issued.Expiry)
	writeJSON(ctx, w, http.StatusOK, sessionResponse(issued.Principal))
}

func (g *Gateway) issueCSRF(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	identity, err := g.sessionIdentity(ctx)
	if err != nil {
		slogctx.Error(ctx, "Deriving session identity", "error", err)
		writeError(ctx, w, serviceerr.ErrUnknown)
		return
	}

	tok, err := g.csrf.Mint(identity)
	if err != nil {
		slogctx.Error(ctx, "Minting csrf token", "error", err)
		writeError(ctx, w, serviceerr.ErrUnknown)
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	writeJSON(ctx, w, http.StatusOK, CSRFResponse{Token: tok, ExpiresAt: g.csrf.ExpiresAt().UTC()})
}

func (g *Gateway) session(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFrom(r.Context())
	writeJSON(r.Context(), w, http.StatusOK, sessionResponse(p))
}

func (g *Gateway) logout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p, _ := PrincipalFrom(ctx)

	w.Header().Set(HeaderTokenStatus, string(token.StatusExpired))
	w.Header().Del(HeaderTokenExpiry)
	g.cookies.Clear(w)

	if err := g.authority.Revoke(ctx, p.SessionID); err != nil {
		slogctx.Error(ctx, "Revoking session on logout", "error", err)
		writeError(ctx, w, err)
		return
	}

	slogctx.Info(ctx, "Logged out", "sessionID", p.SessionID)
	w.WriteHeader(http.StatusNoContent)
}

// realtime upgrades to a websocket. The connection lives as long as the
// rotation family that authorised it; rotations on the way do not end it.
func (g *Gateway) realtime(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p, _ := PrincipalFrom(ctx)

	// the token status and any rotated cookies travel with the handshake
	conn, err := g.upgrader.Upgrade(w, r, w.Header())
	if err != nil {
		slogctx.Warn(ctx, "Upgrading realtime connection", "error", err)
		return
	}
	defer conn.Close()

	data, err := json.Marshal(sessionResponse(p))
	if err == nil {
		err = conn.WriteJSON(realtime.Event{Type: EventSession, Data: data})
	}
	if err != nil {
		slogctx.Warn(ctx, "Greeting realtime connection", "error", err)
		return
	}

	left := make(chan struct{})
	go func() {
		defer close(left)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := g.clock.NewTicker(g.realtimeCheck)
	defer ticker.Stop()

	for {
		select {
		case <-left:
			slogctx.Debug(ctx, "Realtime client left")
			return
		case <-ticker.Chan():
			alive, err := g.authority.SessionAlive(ctx, p.SessionID)
			if err != nil {
				slogctx.Warn(ctx, "Checking realtime session", "error", err)
				continue
			}
			if alive {
				continue
			}
			slogctx.Debug(ctx, "Closing realtime connection of an ended session")
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "session ended"),
				time.Now().Add(closeWriteWait))
			return
		}
	}
}
