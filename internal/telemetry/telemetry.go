// Package telemetry wires OpenTelemetry metrics for cookline.
//
// Metrics are off by default and the global provider is a no-op. Enabling
// telemetry in the team config, or COOKLINE_OTEL_ENABLED=true, installs an SDK
// meter provider; COOKLINE_OTEL_STDOUT=true adds the stdout exporter.
package telemetry

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/sdk/resource"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const instrumentationScope = "cookline"

var shutdownFns []func(context.Context) error

type Options struct {
	Enabled bool
	Stdout  bool
	// Reader is an extra metric reader, used by tests to collect in memory.
	Reader sdkmetric.Reader
}

// OptionsFromEnv reads COOKLINE_OTEL_ENABLED and COOKLINE_OTEL_STDOUT.
func OptionsFromEnv() Options {
	return Options{
		Enabled: os.Getenv("COOKLINE_OTEL_ENABLED") == "true",
		Stdout:  os.Getenv("COOKLINE_OTEL_STDOUT") == "true",
	}
}

// Init installs the global meter provider.
func Init(ctx context.Context, serviceName, version string, opts Options) error {
	if !opts.Enabled {
		otel.SetMeterProvider(metricnoop.NewMeterProvider())
		return nil
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String(version),
		),
	)
	if err != nil {
		return fmt.Errorf("telemetry: resource: %w", err)
	}
	mopts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	if opts.Stdout {
		exp, err := stdoutmetric.New()
		if err != nil {
			return fmt.Errorf("telemetry: stdout exporter: %w", err)
		}
		mopts = append(mopts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(15*time.Second))))
	}
	if opts.Reader != nil {
		mopts = append(mopts, sdkmetric.WithReader(opts.Reader))
	}
	mp := sdkmetric.NewMeterProvider(mopts...)
	otel.SetMeterProvider(mp)
	shutdownFns = append(shutdownFns, mp.Shutdown)
	return nil
}

// Shutdown flushes and stops installed providers.
func Shutdown(ctx context.Context) {
	for _, fn := range shutdownFns {
		_ = fn(ctx)
	}
	shutdownFns = nil
}

func Meter(name string) metric.Meter {
	if name == "" {
		name = instrumentationScope
	}
	return otel.Meter(name)
}

// Metrics holds the counters recorded by the engine, sync reconciler and outbox.
// A nil *Metrics records nothing.
type Metrics struct {
	issued        metric.Int64Counter
	issuedCook    metric.Float64Counter
	rejections    metric.Int64Counter
	votes         metric.Int64Counter
	objections    metric.Int64Counter
	escalations   metric.Int64Counter
	syncEnqueued  metric.Int64Counter
	syncDropped   metric.Int64Counter
	breakerOpened metric.Int64Counter
	outboxErrors  metric.Int64Counter
}

// NewMetrics registers instruments on m, or on the global meter when m is nil.
func NewMetrics(m metric.Meter) *Metrics {
	if m == nil {
		m = Meter("")
	}
	mt := &Metrics{}
	mt.issued, _ = m.Int64Counter("cookline.ledger.entries", metric.WithDescription("Ledger entries issued"))
	mt.issuedCook, _ = m.Float64Counter("cookline.ledger.cook", metric.WithDescription("COOK issued into the ledger"))
	mt.rejections, _ = m.Int64Counter("cookline.ledger.rejections", metric.WithDescription("Issuance attempts rejected, by reason"))
	mt.votes, _ = m.Int64Counter("cookline.governance.votes", metric.WithDescription("Votes cast"))
	mt.objections, _ = m.Int64Counter("cookline.governance.objections", metric.WithDescription("Proposal objections recorded"))
	mt.escalations, _ = m.Int64Counter("cookline.governance.escalations", metric.WithDescription("Proposals escalated to voting"))
	mt.syncEnqueued, _ = m.Int64Counter("cookline.sync.enqueued", metric.WithDescription("Board operations queued for retry"))
	mt.syncDropped, _ = m.Int64Counter("cookline.sync.dropped", metric.WithDescription("Board operations dropped after max retries"))
	mt.breakerOpened, _ = m.Int64Counter("cookline.sync.breaker_opened", metric.WithDescription("Circuit breaker openings"))
	mt.outboxErrors, _ = m.Int64Counter("cookline.outbox.errors", metric.WithDescription("Outbox consumer failures, by consumer"))
	return mt
}

func team(teamID string) metric.AddOption {
	return metric.WithAttributes(attribute.String("team", teamID))
}

func (m *Metrics) Issued(ctx context.Context, teamID string, cook float64) {
	if m == nil {
		return
	}
	m.issued.Add(ctx, 1, team(teamID))
	m.issuedCook.Add(ctx, cook, team(teamID))
}

func (m *Metrics) Rejected(ctx context.Context, teamID, reason string) {
	if m == nil {
		return
	}
	m.rejections.Add(ctx, 1, metric.WithAttributes(attribute.String("team", teamID), attribute.String("reason", reason)))
}

func (m *Metrics) VoteCast(ctx context.Context, teamID string) {
	if m == nil {
		return
	}
	m.votes.Add(ctx, 1, team(teamID))
}

func (m *Metrics) Objection(ctx context.Context, teamID string, escalated bool) {
	if m == nil {
		return
	}
	m.objections.Add(ctx, 1, team(teamID))
	if escalated {
		m.escalations.Add(ctx, 1, team(teamID))
	}
}

func (m *Metrics) SyncEnqueued(ctx context.Context, teamID string) {
	if m == nil {
		return
	}
	m.syncEnqueued.Add(ctx, 1, team(teamID))
}

func (m *Metrics) SyncDropped(ctx context.Context, teamID string) {
	if m == nil {
		return
	}
	m.syncDropped.Add(ctx, 1, team(teamID))
}

func (m *Metrics) BreakerOpened(ctx context.Context, teamID string) {
	if m == nil {
		return
	}
	m.breakerOpened.Add(ctx, 1, team(teamID))
}

func (m *Metrics) OutboxError(ctx context.Context, consumer string) {
	if m == nil {
		return
	}
	m.outboxErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("consumer", consumer)))
}
