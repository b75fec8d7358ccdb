package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/openkcm/common-sdk/pkg/commoncfg"
	"github.com/openkcm/common-sdk/pkg/otlp"
	"github.com/samber/oops"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	slogctx "github.com/veqryn/slog-context"

	"github.com/openkcm/session-guard/internal/config"
	"github.com/openkcm/session-guard/pkg/gateway"
)

const (
	attrRoute       = "route"
	attrMethod      = "method"
	attrStatusCode  = "statusCode"
	attrTokenStatus = "tokenStatus"
	attrUserAgent   = "userAgent"
)

type httpMetrics struct {
	counter metric.Int64Counter
	hist    metric.Int64Histogram
}

func defaultMeter(cfg *config.Config) metric.Meter {
	return otel.Meter(
		"session-guard/"+cfg.Application.Name,
		metric.WithInstrumentationVersion(otel.Version()),
		metric.WithInstrumentationAttributes(otlp.CreateAttributesFrom(cfg.Application)...),
	)
}

func initMeters(ctx context.Context, meter metric.Meter) (*httpMetrics, error) {
	counter, err := meter.Int64Counter(
		"http.request_count",
		metric.WithDescription("Incoming request count"),
		metric.WithUnit("request"),
	)
	if err != nil {
		return nil, oops.In("HTTP Server").
			WithContext(ctx).
			Wrapf(err, "creating request_count meter")
	}

	hist, err := meter.Int64Histogram(
		"http.duration",
		metric.WithDescription("Incoming end to end duration"),
		metric.WithUnit("milliseconds"),
	)
	if err != nil {
		return nil, oops.In("HTTP Server").
			WithContext(ctx).
			Wrapf(err, "creating duration meter")
	}

	return &httpMetrics{counter: counter, hist: hist}, nil
}

// newTraceMiddleware covers every request with a span, a request id in the
// log context and the request metrics. Requests are labelled with their route
// pattern and the token status the gateway stamped.
func newTraceMiddleware(cfg *config.Config, m *httpMetrics) func(http.Handler) http.Handler {
	traceAttrs := otlp.CreateAttributesFrom(cfg.Application)
	tracer := otel.Tracer("session-guard/http", trace.WithInstrumentationAttributes(traceAttrs...))

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			operation := r.Method + " " + r.URL.Path

			ctx := slogctx.With(r.Context(),
				commoncfg.AttrRequestID, uuid.NewString(),
				commoncfg.AttrOperation, operation,
			)
			ctx = otel.GetTextMapPropagator().Extract(ctx, propagation.HeaderCarrier(r.Header))

			ctx, span := tracer.Start(ctx, operation, trace.WithAttributes(traceAttrs...))
			defer span.End()

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			requestStartTime := time.Now()

			defer func() {
				elapsedTime := time.Since(requestStartTime)

				status := ww.Status()
				if status == 0 {
					// hijacked for a websocket, or nothing written at all
					status = http.StatusOK
					if r.Header.Get("Upgrade") != "" {
						status = http.StatusSwitchingProtocols
					}
				}
				if status >= http.StatusInternalServerError {
					span.SetStatus(codes.Error, http.StatusText(status))
				}

				attrs := metric.WithAttributes(
					otlp.CreateAttributesFrom(cfg.Application,
						attribute.String(attrRoute, routePattern(r)),
						attribute.String(attrMethod, r.Method),
						attribute.String(attrStatusCode, strconv.Itoa(status)),
						attribute.String(attrTokenStatus, ww.Header().Get(gateway.HeaderTokenStatus)),
						attribute.String(attrUserAgent, r.UserAgent()),
					)...,
				)

				m.counter.Add(ctx, 1, attrs)
				m.hist.Record(ctx, elapsedTime.Milliseconds(), attrs)
			}()

			slogctx.Debug(ctx, "Processing request")
			next.ServeHTTP(ww, r.WithContext(ctx))
			slogctx.Debug(ctx, "Finished request", "status", ww.Status())
		})
	}
}

// routePattern falls back to the raw path for requests no route matched.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return r.URL.Path
}
