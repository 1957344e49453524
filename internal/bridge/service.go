// Package bridge connects a running pipeline to the NATS bus and the
// history store. Pipeline output is published on the sign.* subjects and
// recorded; control subjects and landmark payloads from the bus are fed
// back into the pipeline.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-sign/internal/assembler"
	"github.com/loqalabs/loqa-sign/internal/bus"
	"github.com/loqalabs/loqa-sign/internal/channel"
	"github.com/loqalabs/loqa-sign/internal/config"
	"github.com/loqalabs/loqa-sign/internal/eventstore"
	"github.com/loqalabs/loqa-sign/internal/pipeline"
	"github.com/loqalabs/loqa-sign/internal/protocol"
	"github.com/loqalabs/loqa-sign/internal/stabilizer"
	"github.com/nats-io/nats.go"
)

const (
	recordQueueSize = 512
	controlTimeout  = 5 * time.Second
)

// Controller is the part of the pipeline the bus may drive.
type Controller interface {
	SubmitLandmarks(protocol.LandmarkFrame) (channel.SendResult, error)
	ForceFlush(context.Context) (assembler.Sentence, bool, error)
	UpdateConfig(context.Context, config.PipelineUpdate) error
	Reconnect()
	SetForeground(bool)
	SetOnline(bool)
}

// Recorder persists pipeline output.
type Recorder interface {
	AppendSign(context.Context, eventstore.SignRecord) error
	AppendSentence(context.Context, eventstore.SentenceRecord) error
}

type Service struct {
	sessionID string
	bus       *bus.Client
	store     Recorder
	ctrl      Controller
	log       *slog.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	records chan func(context.Context) error
	subs    []*nats.Subscription
	wg      sync.WaitGroup
	ready   atomic.Bool

	throttled atomic.Int64
}

// NewService builds the bridge. busClient and store may each be nil when
// that side is disabled.
func NewService(parent context.Context, sessionID string, busClient *bus.Client, store Recorder, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		sessionID: sessionID,
		bus:       busClient,
		store:     store,
		log:       logger.With(slog.String("component", "bridge"), slog.String("session_id", sessionID)),
		ctx:       ctx,
		cancel:    cancel,
		records:   make(chan func(context.Context) error, recordQueueSize),
	}
}

// Attach sets the pipeline driven by control subjects. It must be called
// before Start.
func (s *Service) Attach(ctrl Controller) { s.ctrl = ctrl }

// Hooks returns pipeline hooks that publish and record output. They never
// block on I/O: history writes are queued to a background worker.
func (s *Service) Hooks() pipeline.Hooks {
	return pipeline.Hooks{
		OnSignEvent:       s.onSignEvent,
		OnSentence:        s.onSentence,
		OnConnectionState: s.onConnectionState,
		OnError:           s.onError,
	}
}

func (s *Service) Start() error {
	s.wg.Add(1)
	go s.recordLoop()

	if s.bus == nil {
		s.ready.Store(true)
		return nil
	}
	if s.ctrl == nil {
		return errors.New("bridge has no pipeline attached")
	}

	handlers := map[string]nats.MsgHandler{
		protocol.SubjectLandmarksPrefix + ".>": s.handleLandmarks,
		protocol.SubjectCtrlFlush:              s.handleFlush,
		protocol.SubjectCtrlConfig:             s.handleConfig,
		protocol.SubjectCtrlOpen:               s.handleOpen,
		protocol.SubjectCtrlHost:               s.handleHost,
	}
	for subject, handler := range handlers {
		sub, err := s.bus.Conn().Subscribe(subject, handler)
		if err != nil {
			s.unsubscribe()
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		s.subs = append(s.subs, sub)
	}
	if err := s.bus.Conn().Flush(); err != nil {
		s.unsubscribe()
		return fmt.Errorf("flush subscriptions: %w", err)
	}
	s.ready.Store(true)
	s.log.Info("bridge subscribed", slog.Int("subjects", len(handlers)))
	return nil
}

// Close drains subscriptions and waits for queued history writes.
func (s *Service) Close() {
	s.ready.Store(false)
	s.unsubscribe()
	s.cancel()
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	return s.ready.Load() && (s.bus == nil || s.bus.Healthy())
}

// Throttled reports how many bus landmark payloads the rate limiter refused.
func (s *Service) Throttled() int64 { return s.throttled.Load() }

func (s *Service) unsubscribe() {
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.subs = nil
}

func (s *Service) onSignEvent(evt stabilizer.SignEvent) {
	s.publish(protocol.SubjectSignEvent, protocol.SignEvent{
		SessionID:  s.sessionID,
		Label:      evt.Label,
		Confidence: evt.Confidence,
		EmittedAt:  evt.EmittedAt,
	})
	s.record(func(ctx context.Context) error {
		return s.store.AppendSign(ctx, eventstore.SignRecord{
			SessionID:  s.sessionID,
			Label:      evt.Label,
			Confidence: evt.Confidence,
			EmittedAt:  evt.EmittedAt,
		})
	})
}

func (s *Service) onSentence(sentence assembler.Sentence) {
	s.publish(protocol.SubjectSentence, sentencePayload(s.sessionID, sentence))
	s.record(func(ctx context.Context) error {
		return s.store.AppendSentence(ctx, eventstore.SentenceRecord{
			SessionID: s.sessionID,
			Text:      sentence.Text,
			Tokens:    sentence.Tokens,
			Reason:    string(sentence.Reason),
			Rule:      sentence.Rule,
			FlushedAt: sentence.FlushedAt,
		})
	})
}

func (s *Service) onConnectionState(change channel.StateChange) {
	status := protocol.ConnectionStatus{
		SessionID: s.sessionID,
		State:     change.To.String(),
		Previous:  change.From.String(),
		Timestamp: change.At,
	}
	if change.Err != nil {
		status.Error = change.Err.Error()
	}
	s.publish(protocol.SubjectConnectionState, status)
}

func (s *Service) onError(err error) {
	s.publish(protocol.SubjectError, protocol.PipelineError{
		SessionID: s.sessionID,
		Kind:      string(pipeline.KindOf(err)),
		Message:   err.Error(),
		Timestamp: time.Now().UTC(),
	})
}

func (s *Service) publish(subject string, v any) {
	if s.bus == nil {
		return
	}
	if err := s.bus.PublishJSON(subject, v); err != nil {
		s.log.Warn("failed to publish", slog.String("subject", subject), slog.String("error", err.Error()))
	}
}

func (s *Service) record(write func(context.Context) error) {
	if s.store == nil {
		return
	}
	select {
	case s.records <- write:
	default:
		s.log.Warn("history queue full, dropping record")
	}
}

func (s *Service) recordLoop() {
	defer s.wg.Done()
	for {
		select {
		case write := <-s.records:
			s.runRecord(write)
		case <-s.ctx.Done():
			// Drain what was queued before shutdown.
			for {
				select {
				case write := <-s.records:
					s.runRecord(write)
				default:
					return
				}
			}
		}
	}
}

func (s *Service) runRecord(write func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), controlTimeout)
	defer cancel()
	if err := write(ctx); err != nil {
		s.log.Warn("failed to record history", slog.String("error", err.Error()))
	}
}

func (s *Service) handleLandmarks(msg *nats.Msg) {
	var frame protocol.LandmarkFrame
	if err := json.Unmarshal(msg.Data, &frame); err != nil {
		s.log.Warn("failed to decode landmark frame", slog.String("error", err.Error()))
		return
	}
	if _, err := s.ctrl.SubmitLandmarks(frame); err != nil {
		if errors.Is(err, pipeline.ErrThrottled) {
			s.throttled.Add(1)
			return
		}
		s.log.Debug("landmark frame not forwarded", slog.String("error", err.Error()))
	}
}

func (s *Service) handleFlush(msg *nats.Msg) {
	ctx, cancel := context.WithTimeout(s.ctx, controlTimeout)
	defer cancel()
	sentence, ok, err := s.ctrl.ForceFlush(ctx)
	reply := protocol.ControlReply{OK: err == nil}
	if err != nil {
		reply.Error = err.Error()
	} else if ok {
		payload := sentencePayload(s.sessionID, sentence)
		reply.Sentence = &payload
	}
	s.respond(msg, reply)
}

func (s *Service) handleConfig(msg *nats.Msg) {
	var update config.PipelineUpdate
	if err := json.Unmarshal(msg.Data, &update); err != nil {
		s.respond(msg, protocol.ControlReply{Error: fmt.Sprintf("decode config update: %v", err)})
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, controlTimeout)
	defer cancel()
	if err := s.ctrl.UpdateConfig(ctx, update); err != nil {
		s.respond(msg, protocol.ControlReply{Error: err.Error()})
		return
	}
	s.respond(msg, protocol.ControlReply{OK: true})
}

func (s *Service) handleOpen(msg *nats.Msg) {
	s.ctrl.Reconnect()
	s.respond(msg, protocol.ControlReply{OK: true})
}

func (s *Service) handleHost(msg *nats.Msg) {
	var signal protocol.HostSignal
	if err := json.Unmarshal(msg.Data, &signal); err != nil {
		s.respond(msg, protocol.ControlReply{Error: fmt.Sprintf("decode host signal: %v", err)})
		return
	}
	if signal.Foreground != nil {
		s.ctrl.SetForeground(*signal.Foreground)
	}
	if signal.Online != nil {
		s.ctrl.SetOnline(*signal.Online)
	}
	s.respond(msg, protocol.ControlReply{OK: true})
}

func (s *Service) respond(msg *nats.Msg, reply protocol.ControlReply) {
	if strings.TrimSpace(msg.Reply) == "" {
		return
	}
	data, err := json.Marshal(reply)
	if err != nil {
		s.log.Warn("failed to encode control reply", slog.String("error", err.Error()))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.log.Warn("failed to send control reply", slog.String("error", err.Error()))
	}
}

func sentencePayload(sessionID string, s assembler.Sentence) protocol.Sentence {
	return protocol.Sentence{
		SessionID: sessionID,
		Text:      s.Text,
		Tokens:    s.Tokens,
		Reason:    string(s.Reason),
		Rule:      s.Rule,
		FlushedAt: s.FlushedAt,
	}
}
