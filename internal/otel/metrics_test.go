package otel

import (
	"context"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collectSum(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("%s is not an int64 sum", name)
			}
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
		}
	}
	return total
}

func TestNewMetrics_AllInstrumentsCreated(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: "none"})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	if m.RequestDuration == nil || m.JobDuration == nil || m.EngineDuration == nil {
		t.Fatal("histogram instrument is nil")
	}
	if m.JobsClaimed == nil || m.JobsFinished == nil || m.TokensDeducted == nil {
		t.Fatal("job counter is nil")
	}
	if m.PairingRedeemed == nil || m.PairingFailed == nil {
		t.Fatal("pairing counter is nil")
	}
	if m.EventsPublished == nil || m.EventsDropped == nil || m.RateLimitRejects == nil {
		t.Fatal("bus or limiter counter is nil")
	}
}

func TestNewMetrics_NoopMeter(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics with noop: %v", err)
	}
	m.JobClaimed(context.Background(), "scan")
}

func TestMetrics_NilIsSafe(t *testing.T) {
	var m *Metrics
	ctx := context.Background()
	m.ObserveRequest(ctx, "/x", 200, time.Millisecond)
	m.JobClaimed(ctx, "scan")
	m.JobFinished(ctx, "scan", "done", time.Second)
	m.Deducted(ctx, 10)
	m.Pairing(ctx, false, "code_used")
	m.Published(ctx, "status")
	m.Dropped(ctx)
	m.Rejected(ctx, "pair-check")
}

func TestMetrics_CountersRecorded(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	p, err := Init(context.Background(), Config{Enabled: false}, WithMetricReader(reader))
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	ctx := context.Background()
	m.Deducted(ctx, 700)
	m.Deducted(ctx, 1800)
	m.Deducted(ctx, 0)
	m.Rejected(ctx, "quick-test")
	m.Pairing(ctx, true, "")

	if got := collectSum(t, reader, "getsafe.tokens.deducted"); got != 2500 {
		t.Fatalf("expected 2500 tokens deducted, got %d", got)
	}
	if got := collectSum(t, reader, "getsafe.ratelimit.rejects"); got != 1 {
		t.Fatalf("expected 1 reject, got %d", got)
	}
	if got := collectSum(t, reader, "getsafe.pairing.redeemed"); got != 1 {
		t.Fatalf("expected 1 redemption, got %d", got)
	}
}
