package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/samber/oops"
	"go.opentelemetry.io/otel/metric"

	slogctx "github.com/veqryn/slog-context"

	"github.com/openkcm/session-guard/internal/config"
	"github.com/openkcm/session-guard/pkg/gateway"
)

type Option func(*options)

type options struct {
	meter metric.Meter
}

// WithMeter records the request metrics with meter instead of the global one.
func WithMeter(meter metric.Meter) Option {
	return func(o *options) { o.meter = meter }
}

// NewHandler puts the gateway behind panic recovery, tracing and metrics.
func NewHandler(ctx context.Context, cfg *config.Config, gw *gateway.Gateway, opts ...Option) (http.Handler, error) {
	o := options{meter: defaultMeter(cfg)}
	for _, opt := range opts {
		opt(&o)
	}

	m, err := initMeters(ctx, o.meter)
	if err != nil {
		return nil, err
	}

	r := chi.NewRouter()
	r.Use(
		newTraceMiddleware(cfg, m),
		middleware.Recoverer,
	)
	r.Mount("/", gw.Handler())

	return r, nil
}

// createHTTPServer creates the public http server using the given config
func createHTTPServer(ctx context.Context, cfg *config.Config, gw *gateway.Gateway, opts ...Option) (*http.Server, error) {
	handler, err := NewHandler(ctx, cfg, gw, opts...)
	if err != nil {
		return nil, err
	}

	return &http.Server{
		Addr:    cfg.HTTP.Address,
		Handler: handler,
	}, nil
}

// StartHTTPServer serves the gateway until ctx is cancelled, then shuts down gracefully.
func StartHTTPServer(ctx context.Context, cfg *config.Config, gw *gateway.Gateway, opts ...Option) error {
	server, err := createHTTPServer(ctx, cfg, gw, opts...)
	if err != nil {
		return err
	}

	slogctx.Info(ctx, "Starting a listener", "address", server.Addr)

	// Parse network if the address if provided in the format of network://address.
	// Otherwise use tcp network by default. Integration tests bind to a unix
	// socket to avoid looking up a free port.
	network := "tcp"
	if idx := strings.IndexRune(server.Addr, ':'); idx != -1 && len(server.Addr) > idx+3 && server.Addr[idx:idx+3] == "://" {
		network = server.Addr[:idx]
		server.Addr = server.Addr[idx+3:]
	}

	listener, err := new(net.ListenConfig).Listen(ctx, network, server.Addr)
	if err != nil {
		return oops.In("HTTP Server").
			WithContext(ctx).
			Wrapf(err, "Failed to create a listener")
	}

	slogctx.Info(ctx, "A listener started", "address", listener.Addr().String())

	go func() {
		slogctx.Info(ctx, "Serving an HTTP server", "address", listener.Addr().String())
		err := server.Serve(listener)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slogctx.Error(ctx, "Failed to serve an HTTP server", "error", err)
		}

		slogctx.Info(ctx, "Stopped an HTTP server")
	}()

	<-ctx.Done()

	shutdownCtx, shutdownRelease := context.WithTimeout(context.WithoutCancel(ctx), cfg.HTTP.ShutdownTimeout)
	defer shutdownRelease()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return oops.In("HTTP Server").
			WithContext(ctx).
			Wrapf(err, "Failed shutting down HTTP server")
	}

	slogctx.Info(ctx, "Completed graceful shutdown of HTTP server")

	return nil
}
