package telemetry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"default", func(c *Config) {}, false},
		{"missing service name", func(c *Config) { c.ServiceName = "" }, true},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }, true},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, true},
		{"bad exporter", func(c *Config) { c.Tracing.Enabled = true; c.Tracing.Exporter = "jaeger" }, true},
		{"otlp without endpoint", func(c *Config) { c.Tracing.Enabled = true; c.Tracing.Exporter = "otlp" }, true},
		{"bad sampling rate", func(c *Config) { c.Tracing.SamplingRate = 2 }, true},
		{"metrics without address", func(c *Config) { c.Metrics.ListenAddress = "" }, true},
		{"async events without buffer", func(c *Config) { c.Events.BufferSize = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSyncEventDelivery(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true})
	if err != nil {
		t.Fatalf("failed to create publisher: %v", err)
	}

	var got []Event
	ep.Subscribe(func(e Event) { got = append(got, e) }, FilterByJobID("job-1"))

	_ = ep.PublishJobCreated("job-1", "node-a")
	_ = ep.PublishJobCreated("job-2", "node-a")
	_ = ep.PublishJoinCreated("job-3", "job-1", false)
	_ = ep.PublishWakeup("job-1", "job-9", "completed", "node-a", errors.New("boom"))

	if len(got) != 3 {
		t.Fatalf("expected 3 events, got %d", len(got))
	}
	if got[0].ID == "" || got[0].Timestamp.IsZero() {
		t.Error("expected id and timestamp to be filled in")
	}
	if got[2].Type != EventTypeWakeupFailed || got[2].Level != EventLevelError {
		t.Errorf("expected failed wakeup event, got %s/%s", got[2].Type, got[2].Level)
	}
}

func TestAsyncEventDeliveryDrainsOnShutdown(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{
		Enabled:      true,
		EnableAsync:  true,
		BufferSize:   16,
		MaxBatchSize: 4,
	})
	if err != nil {
		t.Fatalf("failed to create publisher: %v", err)
	}

	var (
		mu    sync.Mutex
		count int
	)
	ep.Subscribe(func(Event) {
		mu.Lock()
		count++
		mu.Unlock()
	}, nil)

	for i := 0; i < 10; i++ {
		if err := ep.PublishJobCreated("job", "node-a"); err != nil {
			t.Fatalf("publish failed: %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ep.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if count != 10 {
		t.Errorf("expected 10 delivered events, got %d", count)
	}

	if err := ep.PublishJobCreated("late", "node-a"); err == nil {
		t.Error("expected publish after shutdown to fail")
	}
}

func TestDisabledComponentsAreNoops(t *testing.T) {
	var m *Metrics
	m.RecordJobCreated()
	m.RecordWakeup("h", "completed", time.Second, nil, false)
	if m.Registry() != nil {
		t.Error("expected nil registry for nil metrics")
	}

	var ep *EventPublisher
	if err := ep.Publish(Event{Type: EventTypeJobCreated}); err != nil {
		t.Errorf("expected nil publisher to drop events, got %v", err)
	}

	var tr *Tracer
	_, span := tr.StartJobSpan(context.Background(), "create", "job-1")
	span.End()
	if err := tr.ForceFlush(context.Background()); err != nil {
		t.Errorf("expected nil tracer flush to succeed, got %v", err)
	}
}

func TestOperationFromContext(t *testing.T) {
	if TraceID(context.Background()) != "" {
		t.Error("expected no trace id without a span")
	}
	if FromTelemetryContext(context.Background()) != nil {
		t.Error("expected no telemetry in a bare context")
	}

	tel := Nop()
	ctx := tel.WithContext(context.Background())
	if FromTelemetryContext(ctx) != tel {
		t.Fatal("expected the telemetry stored by WithContext")
	}

	op := StartOperation(ctx, "node.takeover", AttrNodeID.String("node-a"))
	id := TraceID(op.Ctx)
	if id == "" {
		t.Fatal("expected the operation span to carry a trace id")
	}
	if want := op.Span.SpanContext().TraceID().String(); id != want {
		t.Errorf("TraceID() = %s, want %s", id, want)
	}
	op.End(errors.New("boom"))

	if err := tel.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
}

func TestMetricsRecording(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: true, Namespace: "test"})
	if err != nil {
		t.Fatalf("failed to create metrics: %v", err)
	}

	m.RecordJobCreated()
	m.RecordJobCompleted("succeeded", time.Second)
	m.RecordJoinsResolved("failed", 3)
	m.RecordWakeup("resume", "timed_out", time.Millisecond, errors.New("x"), true)
	m.RecordCycle(time.Millisecond, 7)

	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("failed to gather: %v", err)
	}

	values := make(map[string]float64)
	for _, f := range families {
		for _, metric := range f.GetMetric() {
			switch {
			case metric.GetCounter() != nil:
				values[f.GetName()] += metric.GetCounter().GetValue()
			case metric.GetGauge() != nil:
				values[f.GetName()] = metric.GetGauge().GetValue()
			}
		}
	}

	expect := map[string]float64{
		"test_jobs_created_total":     1,
		"test_jobs_completed_total":   1,
		"test_joins_resolved_total":   3,
		"test_wakeup_failures_total":  1,
		"test_scheduler_cycles_total": 1,
		"test_wake_candidates":        7,
	}
	for name, want := range expect {
		if got := values[name]; got != want {
			t.Errorf("%s = %v, want %v", name, got, want)
		}
	}
}
