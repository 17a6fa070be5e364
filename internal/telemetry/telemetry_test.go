package telemetry

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

func TestSetupBridgesMetricsToPrometheus(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()

	providers, err := Setup(ctx, Config{ServiceName: "a11yscan-test", Version: "test", Registerer: reg})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, providers.Shutdown(context.Background())) })

	hist, err := otel.Meter("telemetry-test").Float64Histogram("bridge_check_seconds", metric.WithUnit("s"))
	require.NoError(t, err)
	hist.Record(ctx, 0.25)

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, mf := range families {
		names = append(names, mf.GetName())
	}
	require.Contains(t, names, "bridge_check_seconds")

	_, span := otel.Tracer("telemetry-test").Start(ctx, "setup-check")
	require.True(t, span.SpanContext().IsValid())
	span.End()
}

func TestShutdownNilProviders(t *testing.T) {
	t.Parallel()

	var p *Providers
	require.NoError(t, p.Shutdown(context.Background()))
}
