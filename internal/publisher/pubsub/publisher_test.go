package pubsub

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/JakeFAU/a11yscan/internal/scan"
)

func TestPublishWithoutClient(t *testing.T) {
	t.Parallel()

	_, err := New(nil).Publish(context.Background(), "scans", scan.CompletedEvent{})
	require.Error(t, err)
}

func TestNewMessageAttributesAndTrace(t *testing.T) {
	otel.SetTextMapPropagator(propagation.TraceContext{})

	traceID, err := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	require.NoError(t, err)
	spanID, err := trace.SpanIDFromHex("00f067aa0ba902b7")
	require.NoError(t, err)
	ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	}))

	msg, err := NewMessage(ctx, &scan.CompletedEvent{ScanID: 17, Status: scan.StatusDone})
	require.NoError(t, err)
	require.Equal(t, "17", msg.Attributes["scan_id"])
	require.Equal(t, "done", msg.Attributes["status"])
	require.Equal(t, "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01", msg.Attributes["traceparent"])

	var decoded scan.CompletedEvent
	require.NoError(t, json.Unmarshal(msg.Data, &decoded))
	require.EqualValues(t, 17, decoded.ScanID)

	plain, err := NewMessage(context.Background(), map[string]int{"n": 1})
	require.NoError(t, err)
	require.NotContains(t, plain.Attributes, "scan_id")

	_, err = NewMessage(context.Background(), make(chan int))
	require.Error(t, err)
}
