package mcpserver

import (
	"context"
	"log"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	transportStreamable = "streamable"
	transportSSE        = "sse"
	transportOther      = "other"
)

var (
	serverMetricsOnce     sync.Once
	sessionsOpenedCounter metric.Int64Counter
	sessionsClosedCounter metric.Int64Counter
	messagesCounter       metric.Int64Counter
	droppedSendsCounter   metric.Int64Counter
	httpRequestCounter    metric.Int64Counter
	httpLatencyHistogram  metric.Float64Histogram
	toolCallCounter       metric.Int64Counter
	toolErrorCounter      metric.Int64Counter
	toolLatencyHistogram  metric.Float64Histogram
)

func initServerMetrics() {
	serverMetricsOnce.Do(func() {
		meter := otel.Meter("mcpedge/mcpserver")

		var err error
		sessionsOpenedCounter, err = meter.Int64Counter(
			"mcpedge.sessions.opened",
			metric.WithDescription("Sessions created on this node"),
		)
		if err != nil {
			log.Printf("observability: failed to create sessions opened counter: %v", err)
		}

		sessionsClosedCounter, err = meter.Int64Counter(
			"mcpedge.sessions.closed",
			metric.WithDescription("Sessions closed on this node"),
		)
		if err != nil {
			log.Printf("observability: failed to create sessions closed counter: %v", err)
		}

		messagesCounter, err = meter.Int64Counter(
			"mcpedge.messages.received",
			metric.WithDescription("Inbound JSON-RPC messages handed to the dispatcher"),
		)
		if err != nil {
			log.Printf("observability: failed to create messages counter: %v", err)
		}

		droppedSendsCounter, err = meter.Int64Counter(
			"mcpedge.sends.dropped",
			metric.WithDescription("Outbound messages that could not be delivered"),
		)
		if err != nil {
			log.Printf("observability: failed to create dropped sends counter: %v", err)
		}

		httpRequestCounter, err = meter.Int64Counter(
			"mcpedge.http.requests",
			metric.WithDescription("HTTP requests by transport and status"),
		)
		if err != nil {
			log.Printf("observability: failed to create HTTP request counter: %v", err)
		}

		httpLatencyHistogram, err = meter.Float64Histogram(
			"mcpedge.http.duration",
			metric.WithDescription("HTTP request duration (ms)"),
			metric.WithUnit("ms"),
		)
		if err != nil {
			log.Printf("observability: failed to create HTTP latency histogram: %v", err)
		}

		toolCallCounter, err = meter.Int64Counter(
			"mcpedge.tools.calls",
			metric.WithDescription("Tool invocations"),
		)
		if err != nil {
			log.Printf("observability: failed to create tool call counter: %v", err)
		}

		toolErrorCounter, err = meter.Int64Counter(
			"mcpedge.tools.errors",
			metric.WithDescription("Tool invocations that failed"),
		)
		if err != nil {
			log.Printf("observability: failed to create tool error counter: %v", err)
		}

		toolLatencyHistogram, err = meter.Float64Histogram(
			"mcpedge.tools.duration",
			metric.WithDescription("Tool execution time (ms)"),
			metric.WithUnit("ms"),
		)
		if err != nil {
			log.Printf("observability: failed to create tool latency histogram: %v", err)
		}
	})
}

func addCounter(ctx context.Context, c metric.Int64Counter, attrs ...attribute.KeyValue) {
	initServerMetrics()
	if c != nil {
		c.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

func recordSessionOpened(ctx context.Context, transportName string) {
	addCounter(ctx, sessionsOpenedCounter, attribute.String("mcp.transport", transportName))
}

func recordSessionClosed(ctx context.Context, transportName string) {
	addCounter(ctx, sessionsClosedCounter, attribute.String("mcp.transport", transportName))
}

func recordMessageReceived(ctx context.Context, transportName, kind string) {
	addCounter(ctx, messagesCounter,
		attribute.String("mcp.transport", transportName),
		attribute.String("mcp.message.kind", kind),
	)
}

func recordSendDropped(ctx context.Context, transportName string) {
	addCounter(ctx, droppedSendsCounter, attribute.String("mcp.transport", transportName))
}

func recordHTTPRequest(ctx context.Context, transportName, method string, status int, duration time.Duration) {
	initServerMetrics()
	attrs := []attribute.KeyValue{
		attribute.String("mcp.transport", transportName),
		attribute.String("http.request.method", method),
		attribute.Int("http.response.status_code", status),
	}
	addCounter(ctx, httpRequestCounter, attrs...)
	if httpLatencyHistogram != nil {
		httpLatencyHistogram.Record(ctx, float64(duration.Milliseconds()), metric.WithAttributes(attrs...))
	}
}

func recordToolCall(ctx context.Context, tool string, duration time.Duration, errType string) {
	initServerMetrics()
	attrs := []attribute.KeyValue{attribute.String("mcp.tool.name", tool)}
	addCounter(ctx, toolCallCounter, attrs...)
	if toolLatencyHistogram != nil {
		toolLatencyHistogram.Record(ctx, float64(duration.Milliseconds()), metric.WithAttributes(attrs...))
	}
	if errType != "" {
		addCounter(ctx, toolErrorCounter, append(attrs, attribute.String("error.type", errType))...)
	}
}
