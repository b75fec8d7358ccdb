package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	slogctx "github.com/veqryn/slog-context"

	"github.com/openkcm/session-guard/internal/serviceerr"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error       string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

// writeError renders err in its public form. Errors outside the service
// taxonomy are reported as unknown.
func writeError(ctx context.Context, w http.ResponseWriter, err error) {
	var e *serviceerr.Error
	if !errors.As(err, &e) {
		e = serviceerr.ErrUnknown
	}
	e = e.Public()

	w.Header().Set(HeaderErrorKind, string(e.Err))
	writeJSON(ctx, w, e.HTTPStatus(), ErrorResponse{
		Error:       string(e.Err),
		Description: e.Description,
	})
}

func writeJSON(ctx context.Context, w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slogctx.Warn(ctx, "Writing response", "error", err)
	}
}
