package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-sign/internal/assembler"
	"github.com/loqalabs/loqa-sign/internal/bus"
	"github.com/loqalabs/loqa-sign/internal/channel"
	"github.com/loqalabs/loqa-sign/internal/config"
	"github.com/loqalabs/loqa-sign/internal/eventstore"
	"github.com/loqalabs/loqa-sign/internal/natsserver"
	"github.com/loqalabs/loqa-sign/internal/pipeline"
	"github.com/loqalabs/loqa-sign/internal/protocol"
	"github.com/loqalabs/loqa-sign/internal/stabilizer"
	"github.com/nats-io/nats.go"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeController struct {
	mu         sync.Mutex
	landmarks  []protocol.LandmarkFrame
	throttle   bool
	flushText  string
	updates    []config.PipelineUpdate
	updateErr  error
	reconnects int
	foreground []bool
	online     []bool
}

func (f *fakeController) SubmitLandmarks(frame protocol.LandmarkFrame) (channel.SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.throttle {
		return channel.Rejected, pipeline.ErrThrottled
	}
	f.landmarks = append(f.landmarks, frame)
	return channel.Sent, nil
}

func (f *fakeController) ForceFlush(context.Context) (assembler.Sentence, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.flushText == "" {
		return assembler.Sentence{}, false, nil
	}
	return assembler.Sentence{Text: f.flushText, Tokens: []string{"HELLO"}, Reason: assembler.ReasonForced}, true, nil
}

func (f *fakeController) UpdateConfig(_ context.Context, u config.PipelineUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, u)
	return f.updateErr
}

func (f *fakeController) Reconnect() {
	f.mu.Lock()
	f.reconnects++
	f.mu.Unlock()
}

func (f *fakeController) SetForeground(v bool) {
	f.mu.Lock()
	f.foreground = append(f.foreground, v)
	f.mu.Unlock()
}

func (f *fakeController) SetOnline(v bool) {
	f.mu.Lock()
	f.online = append(f.online, v)
	f.mu.Unlock()
}

type env struct {
	svc   *Service
	ctrl  *fakeController
	store *eventstore.Store
	conn  *nats.Conn
}

func setup(t *testing.T) *env {
	t.Helper()
	logger := newLogger()

	ns, err := natsserver.Start(config.BusConfig{Enabled: true, Embedded: true, Port: -1, StoreDir: t.TempDir()}, logger)
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(ns.Shutdown)

	busCfg := config.BusConfig{Servers: []string{ns.ClientURL()}, ConnectTimeout: 2000}
	client, err := bus.Connect(context.Background(), "bridge-test", busCfg, logger)
	if err != nil {
		t.Fatalf("connect bus: %v", err)
	}
	t.Cleanup(client.Close)

	store, err := eventstore.Open(context.Background(), config.HistoryConfig{
		Path:          filepath.Join(t.TempDir(), "history.db"),
		RetentionMode: "session",
	}, logger)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	if err := store.BeginSession(context.Background(), "sess-1", ""); err != nil {
		t.Fatalf("begin session: %v", err)
	}

	ctrl := &fakeController{}
	svc := NewService(context.Background(), "sess-1", client, store, logger)
	svc.Attach(ctrl)
	if err := svc.Start(); err != nil {
		t.Fatalf("start bridge: %v", err)
	}
	t.Cleanup(svc.Close)

	observer, err := nats.Connect(ns.ClientURL())
	if err != nil {
		t.Fatalf("connect observer: %v", err)
	}
	t.Cleanup(observer.Close)

	return &env{svc: svc, ctrl: ctrl, store: store, conn: observer}
}

func (e *env) subscribe(t *testing.T, subject string) chan *nats.Msg {
	t.Helper()
	ch := make(chan *nats.Msg, 16)
	sub, err := e.conn.ChanSubscribe(subject, ch)
	if err != nil {
		t.Fatalf("subscribe %s: %v", subject, err)
	}
	t.Cleanup(func() { _ = sub.Unsubscribe() })
	if err := e.conn.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	return ch
}

func receive(t *testing.T, ch chan *nats.Msg, v any) {
	t.Helper()
	select {
	case msg := <-ch:
		if err := json.Unmarshal(msg.Data, v); err != nil {
			t.Fatalf("decode %s: %v", msg.Subject, err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func (e *env) request(t *testing.T, subject string, payload any) protocol.ControlReply {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	msg, err := e.conn.Request(subject, data, 2*time.Second)
	if err != nil {
		t.Fatalf("request %s: %v", subject, err)
	}
	var reply protocol.ControlReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	return reply
}

func TestHooksPublishAndRecord(t *testing.T) {
	e := setup(t)
	events := e.subscribe(t, protocol.SubjectSignEvent)
	sentences := e.subscribe(t, protocol.SubjectSentence)
	states := e.subscribe(t, protocol.SubjectConnectionState)
	errs := e.subscribe(t, protocol.SubjectError)

	hooks := e.svc.Hooks()
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	hooks.OnSignEvent(stabilizer.SignEvent{Label: "HELLO", Confidence: 0.9, EmittedAt: at})
	hooks.OnSentence(assembler.Sentence{Text: "Hello.", Tokens: []string{"HELLO"}, Reason: assembler.ReasonTimer, FlushedAt: at})
	hooks.OnConnectionState(channel.StateChange{From: channel.Open, To: channel.Reconnecting, Err: channel.ErrStale, At: at})
	hooks.OnError(&pipeline.Error{Kind: pipeline.KindBackend, Err: errors.New("model overloaded")})

	var evt protocol.SignEvent
	receive(t, events, &evt)
	if evt.Label != "HELLO" || evt.SessionID != "sess-1" {
		t.Fatalf("unexpected sign event %+v", evt)
	}
	var sentence protocol.Sentence
	receive(t, sentences, &sentence)
	if sentence.Text != "Hello." || sentence.Reason != "timer" {
		t.Fatalf("unexpected sentence %+v", sentence)
	}
	var status protocol.ConnectionStatus
	receive(t, states, &status)
	if status.State != "reconnecting" || status.Previous != "open" || status.Error == "" {
		t.Fatalf("unexpected status %+v", status)
	}
	var perr protocol.PipelineError
	receive(t, errs, &perr)
	if perr.Kind != "backend" {
		t.Fatalf("unexpected error payload %+v", perr)
	}

	// Close drains the history queue.
	e.svc.Close()
	signs, err := e.store.ListSigns(context.Background(), "sess-1", 10)
	if err != nil || len(signs) != 1 {
		t.Fatalf("expected recorded sign, got %v %v", signs, err)
	}
	stored, err := e.store.ListSentences(context.Background(), "sess-1", 10)
	if err != nil || len(stored) != 1 || stored[0].Text != "Hello." {
		t.Fatalf("expected recorded sentence, got %v %v", stored, err)
	}
}

func TestControlFlush(t *testing.T) {
	e := setup(t)
	reply := e.request(t, protocol.SubjectCtrlFlush, struct{}{})
	if !reply.OK || reply.Sentence != nil {
		t.Fatalf("expected empty ok reply, got %+v", reply)
	}

	e.ctrl.mu.Lock()
	e.ctrl.flushText = "Hello."
	e.ctrl.mu.Unlock()
	reply = e.request(t, protocol.SubjectCtrlFlush, struct{}{})
	if !reply.OK || reply.Sentence == nil || reply.Sentence.Text != "Hello." {
		t.Fatalf("expected sentence in reply, got %+v", reply)
	}
}

func TestControlConfig(t *testing.T) {
	e := setup(t)
	reply := e.request(t, protocol.SubjectCtrlConfig, map[string]any{"flush_delay_ms": 1500})
	if !reply.OK {
		t.Fatalf("expected ok, got %+v", reply)
	}
	e.ctrl.mu.Lock()
	got := e.ctrl.updates
	e.ctrl.updateErr = &config.ConfigError{Field: "flush_delay_ms", Reason: "must be positive"}
	e.ctrl.mu.Unlock()
	if len(got) != 1 || got[0].FlushDelayMS == nil || *got[0].FlushDelayMS != 1500 {
		t.Fatalf("unexpected updates %+v", got)
	}

	reply = e.request(t, protocol.SubjectCtrlConfig, map[string]any{"flush_delay_ms": 0})
	if reply.OK || reply.Error == "" {
		t.Fatalf("expected rejection, got %+v", reply)
	}
}

func TestControlOpenAndHost(t *testing.T) {
	e := setup(t)
	if reply := e.request(t, protocol.SubjectCtrlOpen, struct{}{}); !reply.OK {
		t.Fatalf("open: %+v", reply)
	}
	if reply := e.request(t, protocol.SubjectCtrlHost, map[string]bool{"foreground": false, "online": true}); !reply.OK {
		t.Fatalf("host: %+v", reply)
	}
	e.ctrl.mu.Lock()
	defer e.ctrl.mu.Unlock()
	if e.ctrl.reconnects != 1 {
		t.Fatalf("expected one reconnect, got %d", e.ctrl.reconnects)
	}
	if len(e.ctrl.foreground) != 1 || e.ctrl.foreground[0] {
		t.Fatalf("unexpected foreground signals %v", e.ctrl.foreground)
	}
	if len(e.ctrl.online) != 1 || !e.ctrl.online[0] {
		t.Fatalf("unexpected online signals %v", e.ctrl.online)
	}
}

func TestLandmarksForwardedAndThrottled(t *testing.T) {
	e := setup(t)
	frame, _ := json.Marshal(protocol.LandmarkFrame{Data: json.RawMessage(`[1,2,3]`)})
	if err := e.conn.Publish(protocol.SubjectLandmarksPrefix+".sess-1", frame); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := e.conn.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		e.ctrl.mu.Lock()
		n := len(e.ctrl.landmarks)
		e.ctrl.mu.Unlock()
		if n == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	e.ctrl.mu.Lock()
	if len(e.ctrl.landmarks) != 1 || string(e.ctrl.landmarks[0].Data) != "[1,2,3]" {
		e.ctrl.mu.Unlock()
		t.Fatalf("expected forwarded landmarks, got %+v", e.ctrl.landmarks)
	}
	e.ctrl.throttle = true
	e.ctrl.mu.Unlock()

	if err := e.conn.Publish(protocol.SubjectLandmarksPrefix+".sess-1", frame); err != nil {
		t.Fatalf("publish: %v", err)
	}
	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && e.svc.Throttled() == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	if e.svc.Throttled() != 1 {
		t.Fatalf("expected one throttled frame, got %d", e.svc.Throttled())
	}
}
