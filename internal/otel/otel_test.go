package otel

import (
	"context"
	"testing"
	"time"

	"github.com/basket/storyflow/internal/bus"
	"github.com/basket/storyflow/internal/config"
)

func TestInitDisabledIsNoop(t *testing.T) {
	p, err := Init(context.Background(), config.OtelConfig{Enabled: false})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if p.Tracer == nil || p.Meter == nil {
		t.Fatal("no-op provider missing handles")
	}
	_, span := p.Tracer.Start(context.Background(), "test")
	span.End()
	if err := p.Shutdown(context.Background()); err != nil {
		t.Errorf("shutdown: %v", err)
	}
}

func TestInitStdoutExporter(t *testing.T) {
	p, err := Init(context.Background(), config.OtelConfig{Enabled: true, Exporter: "none"})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	defer func() { _ = p.Shutdown(context.Background()) }()
	if p.TracerProvider == nil {
		t.Fatal("tracer provider missing")
	}
}

func TestInitUnknownExporter(t *testing.T) {
	if _, err := Init(context.Background(), config.OtelConfig{Enabled: true, Exporter: "carrier-pigeon"}); err == nil {
		t.Fatal("expected error for unknown exporter")
	}
}

func TestMetricsObserveBus(t *testing.T) {
	p, err := Init(context.Background(), config.OtelConfig{Enabled: true, Exporter: "none"})
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = p.Shutdown(context.Background()) }()

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("instruments: %v", err)
	}

	b := bus.New()
	stop := m.Observe(b)

	b.Publish(bus.TopicStoryStateChanged, bus.StoryStateChangedEvent{StoryPath: "s.md"})
	b.Publish(bus.TopicSDKFinished, bus.SDKEvent{Role: "dev", Elapsed: 1.5})
	b.Publish(bus.TopicQualityRound, bus.PhaseRoundEvent{EpicID: "e", Round: 1})

	// Give the consumer a beat, then detach; Observe must drain and
	// stop cleanly without panicking on closed channels.
	time.Sleep(20 * time.Millisecond)
	stop()
}
