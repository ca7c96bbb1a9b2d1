package metrics

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/tokligence/credit-gateway/internal/ledger"
)

const meterName = "github.com/tokligence/credit-gateway"

// Session outcomes recorded on credit_gateway.sessions.completed.
const (
	OutcomeSettled  = "settled"
	OutcomeAborted  = "aborted"
	OutcomeFailed   = "failed"
	OutcomeRejected = "rejected"
)

// Config controls metric export.
type Config struct {
	ServiceName    string
	ServiceVersion string
	// OTLPEndpoint is host:port of an OTLP/gRPC collector. Empty keeps
	// metrics in-process only.
	OTLPEndpoint string
	Insecure     bool
	Interval     time.Duration
}

// Provider owns the SDK meter provider and the gateway's instruments.
type Provider struct {
	mp *sdkmetric.MeterProvider
	*Collector
}

// NewProvider builds a meter provider. Extra readers (tests use a
// ManualReader) are attached alongside the optional OTLP exporter.
func NewProvider(ctx context.Context, cfg Config, readers ...sdkmetric.Reader) (*Provider, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "credit-gateway"
	}
	res, err := resource.Merge(
		resource.Default(),
		resource.NewSchemaless(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("metrics: build resource: %w", err)
	}

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}
	if cfg.OTLPEndpoint != "" {
		expOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint)}
		if cfg.Insecure {
			expOpts = append(expOpts, otlpmetricgrpc.WithInsecure())
		}
		exporter, err := otlpmetricgrpc.New(ctx, expOpts...)
		if err != nil {
			return nil, fmt.Errorf("metrics: create otlp exporter: %w", err)
		}
		interval := cfg.Interval
		if interval <= 0 {
			interval = 15 * time.Second
		}
		opts = append(opts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(interval))))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	c, err := NewCollector(mp.Meter(meterName, metric.WithInstrumentationVersion(cfg.ServiceVersion)))
	if err != nil {
		_ = mp.Shutdown(ctx)
		return nil, err
	}
	return &Provider{mp: mp, Collector: c}, nil
}

// Shutdown flushes and stops exporters.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.mp == nil {
		return nil
	}
	return p.mp.Shutdown(ctx)
}

// Collector records session, token and ledger metrics. A nil *Collector is a no-op.
type Collector struct {
	sessionsStarted metric.Int64Counter
	sessionsEnded   metric.Int64Counter
	sessionsActive  metric.Int64UpDownCounter
	sessionDuration metric.Float64Histogram
	tokens          metric.Int64Counter
	credits         metric.Int64Counter
	transactions    metric.Int64Counter
}

// NewCollector creates the instruments on meter.
func NewCollector(meter metric.Meter) (*Collector, error) {
	var c Collector
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	var err error
	c.sessionsStarted, err = meter.Int64Counter("credit_gateway.sessions.started",
		metric.WithDescription("Generation sessions accepted"),
		metric.WithUnit("{session}"))
	add(err)
	c.sessionsEnded, err = meter.Int64Counter("credit_gateway.sessions.completed",
		metric.WithDescription("Generation sessions by terminal outcome"),
		metric.WithUnit("{session}"))
	add(err)
	c.sessionsActive, err = meter.Int64UpDownCounter("credit_gateway.sessions.active",
		metric.WithDescription("Generation sessions currently streaming"),
		metric.WithUnit("{session}"))
	add(err)
	c.sessionDuration, err = meter.Float64Histogram("credit_gateway.session.duration",
		metric.WithDescription("Generation session duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120))
	add(err)
	c.tokens, err = meter.Int64Counter("credit_gateway.tokens",
		metric.WithDescription("Provider-reported tokens by kind"),
		metric.WithUnit("{token}"))
	add(err)
	c.credits, err = meter.Int64Counter("credit_gateway.ledger.credits",
		metric.WithDescription("Credits moved by the ledger by transaction type"),
		metric.WithUnit("{credit}"))
	add(err)
	c.transactions, err = meter.Int64Counter("credit_gateway.ledger.transactions",
		metric.WithDescription("Committed ledger transactions"),
		metric.WithUnit("{transaction}"))
	add(err)
	if len(errs) > 0 {
		return nil, fmt.Errorf("metrics: create instruments: %w", errors.Join(errs...))
	}
	return &c, nil
}

// SessionStarted marks a session as active.
func (c *Collector) SessionStarted(ctx context.Context, model string) {
	if c == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("model", model))
	c.sessionsStarted.Add(ctx, 1, attrs)
	c.sessionsActive.Add(ctx, 1, attrs)
}

// SessionEnded records the terminal outcome of a started session.
func (c *Collector) SessionEnded(ctx context.Context, model, outcome string, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.sessionsActive.Add(ctx, -1, metric.WithAttributes(attribute.String("model", model)))
	attrs := metric.WithAttributes(attribute.String("model", model), attribute.String("outcome", outcome))
	c.sessionsEnded.Add(ctx, 1, attrs)
	c.sessionDuration.Record(ctx, elapsed.Seconds(), attrs)
}

// SessionRejected records a request refused before streaming began.
func (c *Collector) SessionRejected(ctx context.Context, model, reason string) {
	if c == nil {
		return
	}
	c.sessionsEnded.Add(ctx, 1, metric.WithAttributes(
		attribute.String("model", model),
		attribute.String("outcome", OutcomeRejected),
		attribute.String("reason", reason)))
}

// TokensUsed records a provider usage report.
func (c *Collector) TokensUsed(ctx context.Context, model string, prompt, completion int) {
	if c == nil {
		return
	}
	c.tokens.Add(ctx, int64(prompt), metric.WithAttributes(attribute.String("model", model), attribute.String("kind", "prompt")))
	c.tokens.Add(ctx, int64(completion), metric.WithAttributes(attribute.String("model", model), attribute.String("kind", "completion")))
}

// TransactionApplied implements ledger.Observer.
func (c *Collector) TransactionApplied(ctx context.Context, tx ledger.Transaction) {
	if c == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("type", string(tx.Type)))
	c.transactions.Add(ctx, 1, attrs)
	c.credits.Add(ctx, tx.Amount, attrs)
}
