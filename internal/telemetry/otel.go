package telemetry

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"spindle/internal/config"
)

// Provider manages OpenTelemetry tracing
type Provider struct {
	config   config.TelemetryConfig
	tracer   trace.Tracer
	provider *sdktrace.TracerProvider
}

// NewProvider creates a telemetry provider. Disabled telemetry still yields
// a working provider backed by the global no-op tracer.
func NewProvider(cfg config.TelemetryConfig) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{
			config: cfg,
			tracer: otel.Tracer("spindle"),
		}, nil
	}

	if cfg.ServiceName == "" {
		cfg.ServiceName = "spindle"
	}

	var exporter sdktrace.SpanExporter
	var err error
	switch cfg.Exporter {
	case "otlp":
		opts := []otlptracegrpc.Option{
			otlptracegrpc.WithEndpoint(cfg.Endpoint),
		}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exporter, err = otlptracegrpc.New(context.Background(), opts...)
		if err != nil {
			return nil, err
		}
		slog.Info("OTLP exporter initialized", "endpoint", cfg.Endpoint)
	case "stdout":
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, err
		}
		slog.Info("stdout trace exporter initialized")
	default:
		return &Provider{
			config: cfg,
			tracer: otel.Tracer("spindle"),
		}, nil
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
	)
	otel.SetTracerProvider(tp)

	return &Provider{
		config:   cfg,
		tracer:   tp.Tracer("spindle"),
		provider: tp,
	}, nil
}

// Tracer returns the tracer for creating spans
func (p *Provider) Tracer() trace.Tracer {
	return p.tracer
}

// Shutdown flushes and stops the trace provider
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.provider != nil {
		return p.provider.Shutdown(ctx)
	}
	return nil
}

// Enabled reports whether spans actually get exported
func (p *Provider) Enabled() bool {
	return p.config.Enabled && p.provider != nil
}

// Span attributes
const (
	AttrSessionHash  = "spindle.session.hash"
	AttrConnectionID = "spindle.connection.id"
	AttrClientAddr   = "spindle.client.addr"
	AttrCountry      = "spindle.client.country"
	AttrMode         = "spindle.session.mode"
	AttrCloseReason  = "spindle.connection.close_reason"
	AttrEventCount   = "spindle.connection.event_count"
	AttrDurationMs   = "spindle.duration.ms"

	AttrCommandID   = "spindle.command.id"
	AttrCommandType = "spindle.command.type"
	AttrDelivered   = "spindle.command.delivered"

	AttrViolations = "spindle.violations.count"
	AttrRiskScore  = "spindle.risk.score"
	AttrIsBot      = "spindle.risk.is_bot"
)

// ConnectionRecord summarizes one finished websocket connection
type ConnectionRecord struct {
	ConnectionID string
	SessionHash  string
	ClientAddr   string
	Country      string
	Mode         string
	CloseReason  string
	DurationMs   int64
	EventCount   int64
	Violations   int
	RiskScore    int
	IsBot        bool
}

// ExportConnectionRecord emits one span per finished connection so traces
// carry the full connection lifecycle.
func (p *Provider) ExportConnectionRecord(ctx context.Context, rec ConnectionRecord) {
	if !p.Enabled() {
		return
	}

	_, span := p.tracer.Start(ctx, "connection.record",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String(AttrConnectionID, rec.ConnectionID),
			attribute.String(AttrSessionHash, rec.SessionHash),
			attribute.String(AttrClientAddr, rec.ClientAddr),
			attribute.String(AttrCountry, rec.Country),
			attribute.String(AttrMode, rec.Mode),
			attribute.String(AttrCloseReason, rec.CloseReason),
			attribute.Int64(AttrDurationMs, rec.DurationMs),
			attribute.Int64(AttrEventCount, rec.EventCount),
			attribute.Int(AttrViolations, rec.Violations),
			attribute.Int(AttrRiskScore, rec.RiskScore),
			attribute.Bool(AttrIsBot, rec.IsBot),
		),
	)
	span.End()

	slog.Debug("connection record exported",
		"connection_id", rec.ConnectionID,
		"session_hash", rec.SessionHash,
		"close_reason", rec.CloseReason,
	)
}

// StartCommandSpan traces a command from issue through publish
func (p *Provider) StartCommandSpan(ctx context.Context, sessionHash, commandID, commandType string) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, "command.publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String(AttrSessionHash, sessionHash),
			attribute.String(AttrCommandID, commandID),
			attribute.String(AttrCommandType, commandType),
		),
	)
}

// StartDeliverySpan traces a delivery attempt on the node holding the socket
func (p *Provider) StartDeliverySpan(ctx context.Context, sessionHash, commandID, commandType string) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, "command.deliver",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String(AttrSessionHash, sessionHash),
			attribute.String(AttrCommandID, commandID),
			attribute.String(AttrCommandType, commandType),
		),
	)
}

// RecordDelivery annotates the active span with the delivery outcome
func (p *Provider) RecordDelivery(ctx context.Context, delivered bool) {
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(attribute.Bool(AttrDelivered, delivered))
}

// NoopProvider returns a provider that records nothing (for tests)
func NoopProvider() *Provider {
	return &Provider{
		config: config.TelemetryConfig{},
		tracer: otel.Tracer("spindle-noop"),
	}
}
