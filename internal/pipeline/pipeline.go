// Package pipeline wires the channel, stabilizer and assembler together
// behind a single event loop.
//
// Inbound frames, connection state changes, flush timer expiries and caller
// requests are queued and handled one at a time on the loop goroutine, so
// the stabilizer and assembler never see concurrent access. Hooks run on
// the loop goroutine as well and must not call back into blocking Pipeline
// methods (ForceFlush, UpdateConfig, Snapshot, Stop).
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-sign/internal/assembler"
	"github.com/loqalabs/loqa-sign/internal/channel"
	"github.com/loqalabs/loqa-sign/internal/clock"
	"github.com/loqalabs/loqa-sign/internal/config"
	"github.com/loqalabs/loqa-sign/internal/protocol"
	"github.com/loqalabs/loqa-sign/internal/stabilizer"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

const queueSize = 256

// Hooks receive pipeline output. Nil hooks are skipped; a panicking hook is
// recovered and logged.
type Hooks struct {
	OnSignEvent       func(stabilizer.SignEvent)
	OnSentence        func(assembler.Sentence)
	OnConnectionState func(channel.StateChange)
	OnError           func(error)
}

type Options struct {
	Config     config.PipelineConfig
	Vocabulary config.VocabularyConfig
	Channel    channel.Options
	// AutoOpen opens the channel on Start instead of waiting for the first
	// landmark payload.
	AutoOpen bool
	Clock    clock.Clock
	Logger   *slog.Logger
	Meter    metric.Meter
	Tracer   trace.Tracer
	Hooks    Hooks
}

// Snapshot is a consistent view of the pipeline state.
type Snapshot struct {
	Connection        channel.State
	ReconnectAttempts int
	Stabilizer        stabilizer.State
	Buffer            assembler.Buffer
	Config            config.PipelineConfig
	Running           bool
}

type Pipeline struct {
	log     *slog.Logger
	clock   clock.Clock
	tracer  trace.Tracer
	metrics *instruments
	hooks   Hooks

	channel     *channel.Channel
	unsubscribe func()
	limiter     *rate.Limiter

	// Owned by the loop goroutine once started.
	cfg  config.PipelineConfig
	stab *stabilizer.Stabilizer
	asm  *assembler.Assembler

	autoOpen bool
	ctx      context.Context
	cancel   context.CancelFunc
	events   chan any
	done     chan struct{}
	started  atomic.Bool
	stopped  atomic.Bool
	stopOnce sync.Once
}

type frameEvent struct{ data []byte }
type stateEvent struct{ change channel.StateChange }
type expireEvent struct{ generation uint64 }

type flushReply struct {
	sentence assembler.Sentence
	ok       bool
}
type flushRequest struct{ reply chan flushReply }
type configRequest struct {
	update config.PipelineUpdate
	reply  chan error
}
type snapshotRequest struct{ reply chan Snapshot }

func New(opts Options) (*Pipeline, error) {
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}
	if err := opts.Vocabulary.Validate(); err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Meter == nil {
		opts.Meter = defaultMeter()
	}
	if opts.Tracer == nil {
		opts.Tracer = defaultTracer()
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pipeline{
		log:      opts.Logger.With(slog.String("component", "pipeline")),
		clock:    opts.Clock,
		tracer:   opts.Tracer,
		hooks:    opts.Hooks,
		cfg:      opts.Config,
		stab:     stabilizer.New(stabilizer.ThresholdsFrom(opts.Config)),
		limiter:  rate.NewLimiter(rate.Limit(opts.Config.OutboundRatePerSec), opts.Config.OutboundBurst),
		autoOpen: opts.AutoOpen,
		ctx:      ctx,
		cancel:   cancel,
		events:   make(chan any, queueSize),
		done:     make(chan struct{}),
	}

	chOpts := opts.Channel
	if chOpts.Clock == nil {
		chOpts.Clock = opts.Clock
	}
	onRetry := chOpts.OnRetry
	chOpts.OnRetry = func(attempt int, delay time.Duration) {
		add(p.ctx, p.metrics.retries, attribute.Int("attempt", attempt))
		if onRetry != nil {
			onRetry(attempt, delay)
		}
	}
	p.channel = channel.New(ctx, chOpts, opts.Config, opts.Logger)
	p.metrics = newInstruments(opts.Meter, p.channel.State, p.log)

	resolver := assembler.NewResolver(opts.Vocabulary)
	p.asm = assembler.New(resolver, opts.Config.FlushDelay(), opts.Clock, func(generation uint64) {
		p.enqueue(expireEvent{generation: generation})
	})
	p.unsubscribe = p.channel.Subscribe(
		func(data []byte) { p.enqueue(frameEvent{data: data}) },
		func(change channel.StateChange) { p.enqueue(stateEvent{change: change}) },
	)
	return p, nil
}

// Start launches the event loop. Cancelling ctx stops the pipeline.
func (p *Pipeline) Start(ctx context.Context) error {
	if p.stopped.Load() {
		return ErrStopped
	}
	if !p.started.CompareAndSwap(false, true) {
		return errors.New("pipeline already started")
	}
	go p.loop()
	go func() {
		select {
		case <-ctx.Done():
			p.Stop()
		case <-p.ctx.Done():
		}
	}()
	if p.autoOpen {
		p.channel.Open()
	}
	p.log.Info("pipeline started")
	return nil
}

// Stop cancels every timer, closes the channel and discards queued events.
// No hook fires once Stop returns.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		p.stopped.Store(true)
		p.cancel()
		p.unsubscribe()
		p.channel.Shutdown()
		if p.started.Load() {
			<-p.done
		}
		p.asm.Stop()
		p.log.Info("pipeline stopped")
	})
}

// SubmitLandmarks forwards one landmark payload to the backend. Payloads
// beyond the configured rate are refused with ErrThrottled.
func (p *Pipeline) SubmitLandmarks(frame protocol.LandmarkFrame) (channel.SendResult, error) {
	if p.stopped.Load() {
		return channel.Rejected, ErrStopped
	}
	if !p.started.Load() {
		return channel.Rejected, ErrNotStarted
	}
	now := p.clock.Now()
	if !p.limiter.AllowN(now, 1) {
		add(p.ctx, p.metrics.throttled)
		return channel.Rejected, ErrThrottled
	}
	data, err := protocol.EncodeLandmarks(frame, now)
	if err != nil {
		return channel.Rejected, fmt.Errorf("encode landmarks: %w", err)
	}
	return p.channel.Send(data), nil
}

// ForceFlush flushes the sentence buffer now. It reports false when the
// buffer was empty. OnSentence fires for a forced flush as well.
func (p *Pipeline) ForceFlush(ctx context.Context) (assembler.Sentence, bool, error) {
	req := flushRequest{reply: make(chan flushReply, 1)}
	if err := p.request(ctx, req); err != nil {
		return assembler.Sentence{}, false, err
	}
	select {
	case r := <-req.reply:
		return r.sentence, r.ok, nil
	case <-ctx.Done():
		return assembler.Sentence{}, false, ctx.Err()
	case <-p.done:
		return assembler.Sentence{}, false, ErrStopped
	}
}

// UpdateConfig applies a partial update. An invalid update is rejected as a
// whole with a *config.ConfigError and the running config is kept.
func (p *Pipeline) UpdateConfig(ctx context.Context, update config.PipelineUpdate) error {
	req := configRequest{update: update, reply: make(chan error, 1)}
	if err := p.request(ctx, req); err != nil {
		return err
	}
	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return ErrStopped
	}
}

// Snapshot reflects every event queued before the call.
func (p *Pipeline) Snapshot() Snapshot {
	if !p.started.Load() {
		return p.snapshotDirect()
	}
	if p.stopped.Load() {
		<-p.done
		return p.snapshotDirect()
	}
	req := snapshotRequest{reply: make(chan Snapshot, 1)}
	if err := p.request(context.Background(), req); err != nil {
		return p.snapshotDirect()
	}
	select {
	case s := <-req.reply:
		return s
	case <-p.done:
		return p.snapshotDirect()
	}
}

func (p *Pipeline) ConnectionState() channel.State { return p.channel.State() }

// Reconnect opens the channel, including out of Failed.
func (p *Pipeline) Reconnect() {
	if p.stopped.Load() {
		return
	}
	p.channel.Open()
}

func (p *Pipeline) SetForeground(foreground bool) { p.channel.SetForeground(foreground) }

func (p *Pipeline) SetOnline(online bool) { p.channel.SetOnline(online) }

func (p *Pipeline) request(ctx context.Context, req any) error {
	if p.stopped.Load() {
		return ErrStopped
	}
	if !p.started.Load() {
		return ErrNotStarted
	}
	select {
	case p.events <- req:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.ctx.Done():
		return ErrStopped
	}
}

func (p *Pipeline) enqueue(ev any) {
	select {
	case p.events <- ev:
	case <-p.ctx.Done():
	}
}

func (p *Pipeline) loop() {
	defer close(p.done)
	for {
		select {
		case <-p.ctx.Done():
			return
		case ev := <-p.events:
			if p.stopped.Load() {
				return
			}
			p.handle(ev)
		}
	}
}

func (p *Pipeline) handle(ev any) {
	switch ev := ev.(type) {
	case frameEvent:
		p.handleFrame(ev.data)
	case stateEvent:
		p.handleState(ev.change)
	case expireEvent:
		if s, ok := p.asm.Expire(ev.generation); ok {
			p.emitSentence(s)
		}
	case flushRequest:
		s, ok := p.asm.Flush(assembler.ReasonForced)
		if ok {
			p.emitSentence(s)
		}
		ev.reply <- flushReply{sentence: s, ok: ok}
	case configRequest:
		ev.reply <- p.applyConfig(ev.update)
	case snapshotRequest:
		ev.reply <- p.snapshotDirect()
	}
}

func (p *Pipeline) handleFrame(data []byte) {
	msg, err := protocol.DecodeInbound(data)
	if err != nil {
		add(p.ctx, p.metrics.dropped, attribute.String("reason", "decode"))
		p.log.Warn("dropping undecodable backend message", slog.String("error", err.Error()))
		p.emitError(&Error{Kind: KindDecode, Err: err})
		return
	}
	add(p.ctx, p.metrics.frames, attribute.String("type", msg.Type))

	switch msg.Type {
	case protocol.TypePrediction:
		frame := stabilizer.Frame{Label: msg.Label, Confidence: msg.Confidence, ReceivedAt: p.clock.Now()}
		evt, ok, err := p.stab.Observe(frame)
		if err != nil {
			add(p.ctx, p.metrics.dropped, attribute.String("reason", "malformed"))
			p.emitError(&Error{Kind: KindMalformedFrame, Err: err})
			return
		}
		if ok {
			p.emitSign(evt)
		}
	case protocol.TypeLowConfidence:
		if msg.Confidence < p.cfg.LowWatermark {
			p.stab.Interrupt()
		}
	case protocol.TypeNoHands:
		p.stab.Interrupt()
	case protocol.TypeError:
		p.log.Warn("backend reported error", slog.String("message", msg.Message))
		p.emitError(&Error{Kind: KindBackend, Err: errors.New(msg.Message)})
	case protocol.TypeConnection:
		p.log.Info("backend connection status",
			slog.String("status", msg.Status),
			slog.Int("gestures", len(msg.AvailableGestures)))
	default:
		p.log.Debug("ignoring backend message", slog.String("type", msg.Type))
	}
}

func (p *Pipeline) handleState(change channel.StateChange) {
	p.safeCall("OnConnectionState", func() {
		if p.hooks.OnConnectionState != nil {
			p.hooks.OnConnectionState(change)
		}
	})
	if change.Err != nil && (change.To == channel.Failed || change.To == channel.Reconnecting) {
		p.emitError(&Error{Kind: KindTransport, Err: change.Err})
	}
}

func (p *Pipeline) emitSign(evt stabilizer.SignEvent) {
	add(p.ctx, p.metrics.signs)
	p.log.Debug("sign accepted", slog.String("label", evt.Label), slog.Float64("confidence", evt.Confidence))
	p.safeCall("OnSignEvent", func() {
		if p.hooks.OnSignEvent != nil {
			p.hooks.OnSignEvent(evt)
		}
	})
	p.asm.Append(evt)
}

func (p *Pipeline) emitSentence(s assembler.Sentence) {
	_, span := p.tracer.Start(p.ctx, "pipeline.flush", trace.WithAttributes(
		attribute.String("flush.reason", string(s.Reason)),
		attribute.Int("flush.tokens", len(s.Tokens)),
		attribute.String("flush.rule", s.Rule),
	))
	defer span.End()

	add(p.ctx, p.metrics.sentences, attribute.String("reason", string(s.Reason)))
	p.log.Info("sentence flushed",
		slog.String("text", s.Text),
		slog.String("reason", string(s.Reason)),
		slog.Int("tokens", len(s.Tokens)))
	p.safeCall("OnSentence", func() {
		if p.hooks.OnSentence != nil {
			p.hooks.OnSentence(s)
		}
	})
}

func (p *Pipeline) emitError(err error) {
	p.safeCall("OnError", func() {
		if p.hooks.OnError != nil {
			p.hooks.OnError(err)
		}
	})
}

func (p *Pipeline) safeCall(hook string, fn func()) {
	if p.stopped.Load() {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			add(p.ctx, p.metrics.hookPanics, attribute.String("hook", hook))
			p.log.Error("pipeline hook panicked", slog.String("hook", hook), slog.Any("panic", r))
		}
	}()
	fn()
}

func (p *Pipeline) applyConfig(update config.PipelineUpdate) error {
	next, err := update.Apply(p.cfg)
	if err != nil {
		p.log.Warn("config update rejected", slog.String("error", err.Error()))
		return err
	}
	p.cfg = next
	p.stab.SetThresholds(stabilizer.ThresholdsFrom(next))
	p.asm.SetFlushDelay(next.FlushDelay())
	p.channel.SetTiming(next)
	now := p.clock.Now()
	p.limiter.SetLimitAt(now, rate.Limit(next.OutboundRatePerSec))
	p.limiter.SetBurstAt(now, next.OutboundBurst)
	p.log.Info("pipeline config updated")
	return nil
}

func (p *Pipeline) snapshotDirect() Snapshot {
	return Snapshot{
		Connection:        p.channel.State(),
		ReconnectAttempts: p.channel.Attempts(),
		Stabilizer:        p.stab.State(),
		Buffer:            p.asm.Buffer(),
		Config:            p.cfg,
		Running:           p.started.Load() && !p.stopped.Load(),
	}
}
