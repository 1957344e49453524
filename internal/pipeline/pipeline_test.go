package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-sign/internal/assembler"
	"github.com/loqalabs/loqa-sign/internal/channel"
	"github.com/loqalabs/loqa-sign/internal/clock"
	"github.com/loqalabs/loqa-sign/internal/config"
	"github.com/loqalabs/loqa-sign/internal/protocol"
	"github.com/loqalabs/loqa-sign/internal/stabilizer"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

var start = time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type collector struct {
	mu        sync.Mutex
	signs     []stabilizer.SignEvent
	sentences []assembler.Sentence
	states    []channel.StateChange
	errs      []error
}

func (c *collector) hooks() Hooks {
	return Hooks{
		OnSignEvent: func(e stabilizer.SignEvent) {
			c.mu.Lock()
			c.signs = append(c.signs, e)
			c.mu.Unlock()
		},
		OnSentence: func(s assembler.Sentence) {
			c.mu.Lock()
			c.sentences = append(c.sentences, s)
			c.mu.Unlock()
		},
		OnConnectionState: func(ch channel.StateChange) {
			c.mu.Lock()
			c.states = append(c.states, ch)
			c.mu.Unlock()
		},
		OnError: func(err error) {
			c.mu.Lock()
			c.errs = append(c.errs, err)
			c.mu.Unlock()
		},
	}
}

func (c *collector) signLabels() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, s := range c.signs {
		out = append(out, s.Label)
	}
	return out
}

func (c *collector) sentenceTexts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, s := range c.sentences {
		out = append(out, s.Text)
	}
	return out
}

type harness struct {
	t      *testing.T
	p      *Pipeline
	clock  *clock.Fake
	out    *collector
	reader *sdkmetric.ManualReader
	spans  *tracetest.SpanRecorder
}

func newHarness(t *testing.T, mutate func(*Options)) *harness {
	t.Helper()
	h := &harness{
		t:      t,
		clock:  clock.NewFake(start),
		out:    &collector{},
		reader: sdkmetric.NewManualReader(),
		spans:  tracetest.NewSpanRecorder(),
	}
	opts := Options{
		Config:     config.DefaultPipeline(),
		Vocabulary: config.DefaultVocabulary(),
		Channel:    channel.Options{URL: "ws://127.0.0.1:1/ws", DialTimeout: 200 * time.Millisecond},
		Clock:      h.clock,
		Logger:     newLogger(),
		Meter:      sdkmetric.NewMeterProvider(sdkmetric.WithReader(h.reader)).Meter("test"),
		Tracer:     sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(h.spans)).Tracer("test"),
		Hooks:      h.out.hooks(),
	}
	if mutate != nil {
		mutate(&opts)
	}
	p, err := New(opts)
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start pipeline: %v", err)
	}
	t.Cleanup(p.Stop)
	h.p = p
	return h
}

// frame injects a backend message as if the channel had delivered it.
func (h *harness) frame(msg string) {
	h.p.enqueue(frameEvent{data: []byte(msg)})
}

func (h *harness) prediction(label string, confidence float64) {
	h.frame(`{"type":"prediction","label":"` + label + `","confidence":` + strconv.FormatFloat(confidence, 'f', -1, 64) + `}`)
}

// sync waits until the loop has handled everything queued so far.
func (h *harness) sync() Snapshot {
	return h.p.Snapshot()
}

func (h *harness) counter(name string) int64 {
	h.t.Helper()
	var rm metricdata.ResourceMetrics
	if err := h.reader.Collect(context.Background(), &rm); err != nil {
		h.t.Fatalf("collect metrics: %v", err)
	}
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					total += dp.Value
				}
			}
		}
	}
	return total
}

func TestStableSignEmittedOnceWithCooldown(t *testing.T) {
	h := newHarness(t, nil)
	for i := 0; i < 3; i++ {
		h.prediction("HELLO", 0.9)
	}
	h.sync()
	if got := h.out.signLabels(); len(got) != 1 || got[0] != "HELLO" {
		t.Fatalf("expected one HELLO, got %v", got)
	}

	h.clock.Advance(500 * time.Millisecond)
	h.prediction("HELLO", 0.9)
	snap := h.sync()
	if got := h.out.signLabels(); len(got) != 1 {
		t.Fatalf("expected cooldown to hold, got %v", got)
	}
	if snap.Stabilizer.CandidateLabel != "HELLO" || snap.Stabilizer.CandidateCount != 3 {
		t.Fatalf("expected held sign to stay the saturated candidate, got %+v", snap.Stabilizer)
	}

	h.clock.Advance(2600 * time.Millisecond)
	h.prediction("HELLO", 0.9)
	h.sync()
	if got := h.out.signLabels(); len(got) != 2 {
		t.Fatalf("expected second HELLO after cooldown, got %v", got)
	}
	if got := h.counter("loqa.sign.events"); got != 2 {
		t.Fatalf("expected events counter 2, got %d", got)
	}
}

func TestAlternatingLabelsNeverEmit(t *testing.T) {
	h := newHarness(t, nil)
	for _, label := range []string{"YES", "NO", "YES", "NO", "YES"} {
		h.prediction(label, 0.9)
	}
	snap := h.sync()
	if got := h.out.signLabels(); len(got) != 0 {
		t.Fatalf("expected no events, got %v", got)
	}
	if snap.Stabilizer.CandidateLabel != "YES" || snap.Stabilizer.CandidateCount != 1 {
		t.Fatalf("unexpected stabilizer state %+v", snap.Stabilizer)
	}
}

func TestLowConfidenceResetsCandidate(t *testing.T) {
	h := newHarness(t, nil)
	h.prediction("HELLO", 0.9)
	h.prediction("HELLO", 0.9)
	h.prediction("HELLO", 0.3)
	snap := h.sync()
	if snap.Stabilizer.CandidateLabel != "" || snap.Stabilizer.CandidateCount != 0 {
		t.Fatalf("expected reset candidate, got %+v", snap.Stabilizer)
	}
}

func TestNoHandsAndLowConfidenceMessagesInterrupt(t *testing.T) {
	cases := []struct {
		name  string
		msg   string
		reset bool
	}{
		{"no hands", `{"type":"no_hands"}`, true},
		{"low confidence below watermark", `{"type":"low_confidence","confidence":0.2}`, true},
		{"low confidence in band", `{"type":"low_confidence","confidence":0.6}`, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, nil)
			h.prediction("WATER", 0.9)
			h.prediction("WATER", 0.9)
			h.frame(tc.msg)
			snap := h.sync()
			if reset := snap.Stabilizer.CandidateCount == 0; reset != tc.reset {
				t.Fatalf("expected reset=%v, got state %+v", tc.reset, snap.Stabilizer)
			}
		})
	}
}

func TestLegacySignFieldAccepted(t *testing.T) {
	h := newHarness(t, nil)
	for i := 0; i < 3; i++ {
		h.frame(`{"type":"prediction","sign":"THANK_YOU","confidence":0.95}`)
	}
	h.sync()
	if got := h.out.signLabels(); len(got) != 1 || got[0] != "THANK_YOU" {
		t.Fatalf("expected THANK_YOU, got %v", got)
	}
}

func TestTimerFlushProducesSentence(t *testing.T) {
	h := newHarness(t, nil)
	for i := 0; i < 3; i++ {
		h.prediction("HUNGRY", 0.9)
	}
	h.sync()

	h.clock.Advance(2 * time.Second)
	snap := h.sync()
	if got := h.out.sentenceTexts(); len(got) != 1 || got[0] != "I am hungry." {
		t.Fatalf("expected 'I am hungry.', got %v", got)
	}
	if len(snap.Buffer.Tokens) != 0 || snap.Buffer.FlushTimerActive {
		t.Fatalf("expected empty buffer, got %+v", snap.Buffer)
	}

	spans := h.spans.Ended()
	if len(spans) != 1 || spans[0].Name() != "pipeline.flush" {
		t.Fatalf("expected one flush span, got %d", len(spans))
	}
}

func TestForceFlush(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	if _, ok, err := h.p.ForceFlush(ctx); err != nil || ok {
		t.Fatalf("expected empty flush, got ok=%v err=%v", ok, err)
	}

	for i := 0; i < 3; i++ {
		h.prediction("HELP", 0.9)
	}
	s, ok, err := h.p.ForceFlush(ctx)
	if err != nil || !ok {
		t.Fatalf("force flush: ok=%v err=%v", ok, err)
	}
	if s.Text != "I need help." || s.Reason != assembler.ReasonForced {
		t.Fatalf("unexpected sentence %+v", s)
	}
	h.clock.Advance(5 * time.Second)
	h.sync()
	if got := h.out.sentenceTexts(); len(got) != 1 {
		t.Fatalf("expected exactly one sentence, got %v", got)
	}
}

func TestMalformedAndUndecodableFramesReported(t *testing.T) {
	h := newHarness(t, nil)
	h.prediction("HELLO", 0.9)
	h.frame(`{"type":"prediction","label":"HELLO","confidence":1.5}`)
	h.frame(`not json`)
	h.frame(`{"type":"prediction","confidence":0.9}`)
	h.frame(`{"type":"error","message":"model overloaded"}`)
	snap := h.sync()

	if snap.Stabilizer.CandidateCount != 1 {
		t.Fatalf("malformed frames must not touch state, got %+v", snap.Stabilizer)
	}
	h.out.mu.Lock()
	defer h.out.mu.Unlock()
	var kinds []ErrorKind
	for _, err := range h.out.errs {
		kinds = append(kinds, KindOf(err))
	}
	want := []ErrorKind{KindMalformedFrame, KindDecode, KindDecode, KindBackend}
	if len(kinds) != len(want) {
		t.Fatalf("expected kinds %v, got %v", want, kinds)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("expected kinds %v, got %v", want, kinds)
		}
	}
	var malformed *stabilizer.MalformedFrameError
	if !errors.As(h.out.errs[0], &malformed) {
		t.Fatalf("expected MalformedFrameError, got %v", h.out.errs[0])
	}
}

func TestUpdateConfig(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	one := 1
	if err := h.p.UpdateConfig(ctx, config.PipelineUpdate{RequiredConsistency: &one}); err != nil {
		t.Fatalf("update config: %v", err)
	}
	h.prediction("YES", 0.9)
	snap := h.sync()
	if got := h.out.signLabels(); len(got) != 1 {
		t.Fatalf("expected immediate emission with consistency 1, got %v", got)
	}
	if snap.Config.RequiredConsistency != 1 {
		t.Fatalf("expected config applied, got %+v", snap.Config)
	}

	bad := 2.0
	err := h.p.UpdateConfig(ctx, config.PipelineUpdate{AcceptThreshold: &bad})
	var cfgErr *config.ConfigError
	if !errors.As(err, &cfgErr) || cfgErr.Field != "accept_threshold" {
		t.Fatalf("expected ConfigError, got %v", err)
	}
	if snap := h.sync(); snap.Config.RequiredConsistency != 1 || snap.Config.AcceptThreshold != 0.75 {
		t.Fatalf("rejected update must leave config untouched, got %+v", snap.Config)
	}
}

func TestHookPanicDoesNotRollBack(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.Hooks.OnSignEvent = func(stabilizer.SignEvent) { panic("boom") }
	})
	for i := 0; i < 3; i++ {
		h.prediction("HUNGRY", 0.9)
	}
	snap := h.sync()
	if len(snap.Buffer.Tokens) != 1 || snap.Buffer.Tokens[0] != "HUNGRY" {
		t.Fatalf("expected token buffered despite panic, got %+v", snap.Buffer)
	}
	if got := h.counter("loqa.sign.hook.panics"); got != 1 {
		t.Fatalf("expected one recovered panic, got %d", got)
	}
}

func TestSubmitLandmarksRateLimited(t *testing.T) {
	h := newHarness(t, nil)
	frame := protocol.LandmarkFrame{Data: []byte(`[0.1,0.2]`)}

	for i := 0; i < 2; i++ {
		if _, err := h.p.SubmitLandmarks(frame); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}
	if _, err := h.p.SubmitLandmarks(frame); !errors.Is(err, ErrThrottled) {
		t.Fatalf("expected ErrThrottled, got %v", err)
	}
	h.clock.Advance(time.Second)
	if _, err := h.p.SubmitLandmarks(frame); err != nil {
		t.Fatalf("expected submit allowed after refill, got %v", err)
	}
	if got := h.counter("loqa.sign.landmarks.throttled"); got != 1 {
		t.Fatalf("expected throttled counter 1, got %d", got)
	}
}

func TestStopSilencesEverything(t *testing.T) {
	h := newHarness(t, nil)
	for i := 0; i < 3; i++ {
		h.prediction("HELLO", 0.9)
	}
	h.sync()
	h.p.Stop()

	h.clock.Advance(10 * time.Second)
	if got := h.out.sentenceTexts(); len(got) != 0 {
		t.Fatalf("expected no sentence after stop, got %v", got)
	}
	if h.clock.Pending() != 0 {
		t.Fatalf("expected every timer cancelled, got %d pending", h.clock.Pending())
	}
	if h.p.ConnectionState() != channel.Closed {
		t.Fatalf("expected channel closed, got %v", h.p.ConnectionState())
	}
	if _, _, err := h.p.ForceFlush(context.Background()); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
	if _, err := h.p.SubmitLandmarks(protocol.LandmarkFrame{}); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
	if snap := h.p.Snapshot(); snap.Running {
		t.Fatal("expected snapshot to report stopped")
	}
}

func TestInvalidConfigRejectedAtConstruction(t *testing.T) {
	cfg := config.DefaultPipeline()
	cfg.LowWatermark = 0.9
	_, err := New(Options{Config: cfg, Vocabulary: config.DefaultVocabulary(), Logger: newLogger()})
	var cfgErr *config.ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigError, got %v", err)
	}
}

func TestEndToEndOverWebSocket(t *testing.T) {
	var (
		mu       sync.Mutex
		received []string
	)
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		_ = ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"connection","status":"connected","available_gestures":["HELLO"]}`))
		for i := 0; i < 3; i++ {
			_ = ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"prediction","label":"HELLO","confidence":0.92}`))
		}
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			mu.Lock()
			received = append(received, string(data))
			mu.Unlock()
		}
	}))
	t.Cleanup(server.Close)

	cfg := config.DefaultPipeline()
	cfg.FlushDelayMS = 50
	out := &collector{}
	p, err := New(Options{
		Config:     cfg,
		Vocabulary: config.DefaultVocabulary(),
		Channel:    channel.Options{URL: "ws" + strings.TrimPrefix(server.URL, "http"), DialTimeout: time.Second},
		AutoOpen:   true,
		Logger:     newLogger(),
		Hooks:      out.hooks(),
	})
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(p.Stop)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && len(out.sentenceTexts()) == 0 {
		time.Sleep(10 * time.Millisecond)
	}
	if got := out.sentenceTexts(); len(got) != 1 || got[0] != "Hello." {
		t.Fatalf("expected 'Hello.', got %v", got)
	}

	res, err := p.SubmitLandmarks(protocol.LandmarkFrame{Data: []byte(`{"hands":[]}`)})
	if err != nil || res != channel.Sent {
		t.Fatalf("expected sent, got %v %v", res, err)
	}
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(received)
		mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 || protocol.PeekType([]byte(received[0])) != protocol.TypeLandmarks {
		t.Fatalf("expected one landmarks payload, got %v", received)
	}

	out.mu.Lock()
	defer out.mu.Unlock()
	if len(out.states) < 2 || out.states[1].To != channel.Open {
		t.Fatalf("expected connection state hooks, got %+v", out.states)
	}
}
