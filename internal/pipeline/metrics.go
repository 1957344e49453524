package pipeline

import (
	"context"
	"log/slog"

	"github.com/loqalabs/loqa-sign/internal/channel"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const scopeName = "github.com/loqalabs/loqa-sign/internal/pipeline"

type instruments struct {
	frames     metric.Int64Counter
	dropped    metric.Int64Counter
	signs      metric.Int64Counter
	sentences  metric.Int64Counter
	retries    metric.Int64Counter
	throttled  metric.Int64Counter
	hookPanics metric.Int64Counter
}

func newInstruments(meter metric.Meter, state func() channel.State, log *slog.Logger) *instruments {
	inst := &instruments{}
	var err error
	counter := func(name, desc string) metric.Int64Counter {
		if err != nil {
			return nil
		}
		var c metric.Int64Counter
		c, err = meter.Int64Counter(name, metric.WithDescription(desc))
		return c
	}
	inst.frames = counter("loqa.sign.frames", "Backend messages received")
	inst.dropped = counter("loqa.sign.frames.dropped", "Backend messages discarded before stabilization")
	inst.signs = counter("loqa.sign.events", "Stabilized sign events emitted")
	inst.sentences = counter("loqa.sign.sentences", "Sentences flushed")
	inst.retries = counter("loqa.sign.reconnects", "Scheduled reconnect attempts")
	inst.throttled = counter("loqa.sign.landmarks.throttled", "Landmark payloads refused by the rate limiter")
	inst.hookPanics = counter("loqa.sign.hook.panics", "Recovered panics in pipeline hooks")
	if err != nil {
		log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
		return &instruments{}
	}

	gauge, err := meter.Int64ObservableGauge("loqa.sign.connection.state",
		metric.WithDescription("Current channel state (0 idle .. 5 closed)"))
	if err == nil {
		_, err = meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
			obs.ObserveInt64(gauge, int64(state()))
			return nil
		}, gauge)
	}
	if err != nil {
		log.Warn("failed to register connection gauge", slog.String("error", err.Error()))
	}
	return inst
}

func add(ctx context.Context, c metric.Int64Counter, attrs ...attribute.KeyValue) {
	if c == nil {
		return
	}
	c.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func defaultMeter() metric.Meter { return otel.Meter(scopeName) }

func defaultTracer() trace.Tracer { return otel.Tracer(scopeName) }
