package gateway

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/openkcm/session-guard/internal/serviceerr"
)

type metrics struct {
	rotations   metric.Int64Counter
	csrfDenials metric.Int64Counter
}

func newMetrics(meter metric.Meter) (*metrics, error) {
	rotations, err := meter.Int64Counter(
		"gateway.token_rotations",
		metric.WithDescription("Refresh token rotations by outcome"),
		metric.WithUnit("rotation"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating token_rotations meter: %w", err)
	}

	csrfDenials, err := meter.Int64Counter(
		"gateway.csrf_denials",
		metric.WithDescription("Requests denied for a missing or invalid csrf token"),
		metric.WithUnit("request"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating csrf_denials meter: %w", err)
	}

	return &metrics{rotations: rotations, csrfDenials: csrfDenials}, nil
}

func (m *metrics) rotated(ctx context.Context, err error) {
	outcome := "success"
	if err != nil {
		outcome = string(serviceerr.KindOf(err))
	}
	m.rotations.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *metrics) csrfDenied(ctx context.Context) {
	m.csrfDenials.Add(ctx, 1)
}
