package telemetry

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/xuthority/identity-service/internal/core/domain"
	"github.com/xuthority/identity-service/internal/core/port"
	"github.com/xuthority/identity-service/internal/infra/config"
)

// Provider owns the tracer provider and the authentication metrics.
type Provider struct {
	tracing    *TracerProvider
	authEvents *prometheus.CounterVec
}

// Attach configures tracing when an OTLP endpoint is set and registers the auth event
// counter with reg (the default registerer when nil).
func Attach(ctx context.Context, cfg *config.AppConfig, reg prometheus.Registerer, logger *zap.Logger) (*Provider, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	p := &Provider{}

	if cfg.Telemetry.OTLPEndpoint != "" {
		tp, err := NewTracerProvider(ctx, cfg.Telemetry, logger)
		if err != nil {
			return nil, err
		}
		p.tracing = tp
	} else {
		otel.SetTextMapPropagator(propagation.TraceContext{})
		logger.Info("OTLP endpoint not configured, tracing disabled")
	}

	events := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "identity",
		Subsystem: "auth",
		Name:      "events_total",
		Help:      "Audited authentication events partitioned by action and provider.",
	}, []string{"action", "provider"})

	events, err := RegisterCollector(reg, events)
	if err != nil {
		return nil, fmt.Errorf("auth events: %w", err)
	}
	p.authEvents = events

	return p, nil
}

// TracerProvider returns the configured tracer provider or the global one.
func (p *Provider) TracerProvider() trace.TracerProvider {
	if p == nil || p.tracing == nil {
		return otel.GetTracerProvider()
	}
	return p.tracing.TracerProvider()
}

// AuthEvents exposes the audited event counter.
func (p *Provider) AuthEvents() *prometheus.CounterVec {
	return p.authEvents
}

// CountingAuditLog counts every entry before handing it to next.
func (p *Provider) CountingAuditLog(next port.AuditLog) port.AuditLog {
	if p == nil || p.authEvents == nil {
		return next
	}
	return &countingAuditLog{next: next, events: p.authEvents}
}

// Shutdown flushes the tracer provider when tracing is enabled.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.tracing == nil {
		return nil
	}
	return p.tracing.Shutdown(ctx)
}

type countingAuditLog struct {
	next   port.AuditLog
	events *prometheus.CounterVec
}

func (c *countingAuditLog) Record(ctx context.Context, entry domain.AuditEntry) error {
	provider := string(entry.Provider)
	if provider == "" {
		provider = string(domain.ProviderNone)
	}
	c.events.WithLabelValues(string(entry.Action), provider).Inc()

	if c.next == nil {
		return nil
	}
	return c.next.Record(ctx, entry)
}
