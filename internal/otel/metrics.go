package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

var noopTracer = nooptrace.NewTracerProvider().Tracer(TracerName)

// Metrics holds the service instruments. A nil *Metrics is valid and
// records nothing, so components can run without telemetry.
type Metrics struct {
	RequestDuration  metric.Float64Histogram
	JobDuration      metric.Float64Histogram
	EngineDuration   metric.Float64Histogram
	JobsClaimed      metric.Int64Counter
	JobsFinished     metric.Int64Counter
	TokensDeducted   metric.Int64Counter
	PairingRedeemed  metric.Int64Counter
	PairingFailed    metric.Int64Counter
	EventsPublished  metric.Int64Counter
	EventsDropped    metric.Int64Counter
	RateLimitRejects metric.Int64Counter
}

func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.RequestDuration, err = meter.Float64Histogram("getsafe.request.duration",
		metric.WithDescription("Gateway request duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if m.JobDuration, err = meter.Float64Histogram("getsafe.job.duration",
		metric.WithDescription("Job execution duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if m.EngineDuration, err = meter.Float64Histogram("getsafe.engine.duration",
		metric.WithDescription("Engine call duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if m.JobsClaimed, err = meter.Int64Counter("getsafe.jobs.claimed",
		metric.WithDescription("Jobs claimed for execution"),
	); err != nil {
		return nil, err
	}
	if m.JobsFinished, err = meter.Int64Counter("getsafe.jobs.finished",
		metric.WithDescription("Jobs that reached a terminal status"),
	); err != nil {
		return nil, err
	}
	if m.TokensDeducted, err = meter.Int64Counter("getsafe.tokens.deducted",
		metric.WithDescription("Tokens deducted from team balances"),
	); err != nil {
		return nil, err
	}
	if m.PairingRedeemed, err = meter.Int64Counter("getsafe.pairing.redeemed",
		metric.WithDescription("Pairing codes redeemed"),
	); err != nil {
		return nil, err
	}
	if m.PairingFailed, err = meter.Int64Counter("getsafe.pairing.failed",
		metric.WithDescription("Pairing redemptions rejected"),
	); err != nil {
		return nil, err
	}
	if m.EventsPublished, err = meter.Int64Counter("getsafe.events.published",
		metric.WithDescription("Events published on the bus"),
	); err != nil {
		return nil, err
	}
	if m.EventsDropped, err = meter.Int64Counter("getsafe.events.dropped",
		metric.WithDescription("Subscribers dropped for a full buffer"),
	); err != nil {
		return nil, err
	}
	if m.RateLimitRejects, err = meter.Int64Counter("getsafe.ratelimit.rejects",
		metric.WithDescription("Requests rejected by a rate limiter"),
	); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) ObserveRequest(ctx context.Context, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.RequestDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		AttrRoute.String(route), attribute.Int("http.status_code", status)))
}

func (m *Metrics) ObserveEngine(ctx context.Context, kind string, d time.Duration) {
	if m == nil {
		return
	}
	m.EngineDuration.Record(ctx, d.Seconds(), metric.WithAttributes(AttrJobKind.String(kind)))
}

func (m *Metrics) JobClaimed(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.JobsClaimed.Add(ctx, 1, metric.WithAttributes(AttrJobKind.String(kind)))
}

func (m *Metrics) JobFinished(ctx context.Context, kind, status string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(AttrJobKind.String(kind), AttrStatus.String(status))
	m.JobsFinished.Add(ctx, 1, attrs)
	if d > 0 {
		m.JobDuration.Record(ctx, d.Seconds(), attrs)
	}
}

func (m *Metrics) Deducted(ctx context.Context, tokens int64) {
	if m == nil || tokens <= 0 {
		return
	}
	m.TokensDeducted.Add(ctx, tokens)
}

func (m *Metrics) Pairing(ctx context.Context, ok bool, reason string) {
	if m == nil {
		return
	}
	if ok {
		m.PairingRedeemed.Add(ctx, 1)
		return
	}
	m.PairingFailed.Add(ctx, 1, metric.WithAttributes(AttrReason.String(reason)))
}

func (m *Metrics) Published(ctx context.Context, eventType string) {
	if m == nil {
		return
	}
	m.EventsPublished.Add(ctx, 1, metric.WithAttributes(attribute.String("getsafe.event.type", eventType)))
}

func (m *Metrics) Dropped(ctx context.Context) {
	if m == nil {
		return
	}
	m.EventsDropped.Add(ctx, 1)
}

func (m *Metrics) Rejected(ctx context.Context, policy string) {
	if m == nil {
		return
	}
	m.RateLimitRejects.Add(ctx, 1, metric.WithAttributes(AttrPolicy.String(policy)))
}
