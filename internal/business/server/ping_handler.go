package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	slogctx "github.com/veqryn/slog-context"

	"github.com/openkcm/session-guard/pkg/gateway"
)

const PathPing = "/api/ping"

type PingResponse struct {
	Result   string `json:"result"`
	Username string `json:"username"`
}

// PingRoutes mounts the ping endpoint. It is meant to sit behind the
// gateway's authentication, so a successful ping proves the session works.
func PingRoutes(r chi.Router) {
	r.Get(PathPing, pingHandler)
}

func pingHandler(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	p, _ := gateway.PrincipalFrom(ctx)

	slogctx.Info(ctx, "Starting ping request")

	w.Header().Set("Content-Type", "application/json")
	err := json.NewEncoder(w).Encode(PingResponse{Result: "pong", Username: p.Subject})
	if err != nil {
		slogctx.Warn(ctx, "Writing ping response", "error", err)
		return
	}

	slogctx.Info(ctx, "Finished ping request")
}
