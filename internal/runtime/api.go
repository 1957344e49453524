package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/loqalabs/loqa-sign/internal/config"
	"github.com/loqalabs/loqa-sign/internal/pipeline"
)

const requestTimeout = 5 * time.Second

type stateResponse struct {
	SessionID         string                `json:"session_id"`
	Connection        string                `json:"connection"`
	ReconnectAttempts int                   `json:"reconnect_attempts"`
	CandidateLabel    string                `json:"candidate_label,omitempty"`
	CandidateCount    int                   `json:"candidate_count"`
	LastEmittedLabel  string                `json:"last_emitted_label,omitempty"`
	LastEmittedAt     *time.Time            `json:"last_emitted_at,omitempty"`
	Buffer            []string              `json:"buffer"`
	FlushPending      bool                  `json:"flush_pending"`
	Config            config.PipelineConfig `json:"config"`
	Running           bool                  `json:"running"`
	// BusThrottled counts landmark payloads from the bus refused by the
	// outbound rate limit.
	BusThrottled int64 `json:"bus_throttled"`
}

type flushResponse struct {
	Flushed bool     `json:"flushed"`
	Text    string   `json:"text,omitempty"`
	Tokens  []string `json:"tokens,omitempty"`
	Rule    string   `json:"rule,omitempty"`
}

type sentenceView struct {
	SessionID string    `json:"session_id"`
	Text      string    `json:"text"`
	Tokens    []string  `json:"tokens"`
	Reason    string    `json:"reason"`
	Rule      string    `json:"rule,omitempty"`
	FlushedAt time.Time `json:"flushed_at"`
}

type signView struct {
	SessionID  string    `json:"session_id"`
	Label      string    `json:"label"`
	Confidence float64   `json:"confidence"`
	EmittedAt  time.Time `json:"emitted_at"`
}

type sessionView struct {
	ID         string    `json:"id"`
	BackendURL string    `json:"backend_url,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	Current    bool      `json:"current"`
}

type errorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

func (r *Runtime) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", r.handleHealth)
	mux.HandleFunc("GET /readyz", r.handleReady)
	if r.metrics != nil {
		mux.Handle("GET /metrics", r.metrics)
	}
	mux.HandleFunc("GET /v1/state", r.handleState)
	mux.HandleFunc("POST /v1/flush", r.handleFlush)
	mux.HandleFunc("PATCH /v1/config", r.handleConfig)
	mux.HandleFunc("POST /v1/reconnect", r.handleReconnect)
	mux.HandleFunc("GET /v1/history", r.handleHistory)
	mux.HandleFunc("GET /v1/sessions", r.handleSessions)
	return mux
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && (r.bridge == nil || r.bridge.Healthy()) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) handleState(w http.ResponseWriter, _ *http.Request) {
	snap := r.pipeline.Snapshot()
	resp := stateResponse{
		SessionID:         r.sessionID,
		Connection:        snap.Connection.String(),
		ReconnectAttempts: snap.ReconnectAttempts,
		CandidateLabel:    snap.Stabilizer.CandidateLabel,
		CandidateCount:    snap.Stabilizer.CandidateCount,
		LastEmittedLabel:  snap.Stabilizer.LastEmittedLabel,
		Buffer:            snap.Buffer.Tokens,
		FlushPending:      snap.Buffer.FlushTimerActive,
		Config:            snap.Config,
		Running:           snap.Running,
	}
	if r.bridge != nil {
		resp.BusThrottled = r.bridge.Throttled()
	}
	if !snap.Stabilizer.LastEmittedAt.IsZero() {
		at := snap.Stabilizer.LastEmittedAt
		resp.LastEmittedAt = &at
	}
	if resp.Buffer == nil {
		resp.Buffer = []string{}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (r *Runtime) handleFlush(w http.ResponseWriter, req *http.Request) {
	ctx, cancel := context.WithTimeout(req.Context(), requestTimeout)
	defer cancel()
	sentence, ok, err := r.pipeline.ForceFlush(ctx)
	if err != nil {
		writeError(w, r.logger, err)
		return
	}
	resp := flushResponse{Flushed: ok}
	if ok {
		resp.Text = sentence.Text
		resp.Tokens = sentence.Tokens
		resp.Rule = sentence.Rule
	}
	writeJSON(w, http.StatusOK, resp)
}

func (r *Runtime) handleConfig(w http.ResponseWriter, req *http.Request) {
	var update config.PipelineUpdate
	dec := json.NewDecoder(http.MaxBytesReader(w, req.Body, 64*1024))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&update); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid config update: " + err.Error()})
		return
	}
	ctx, cancel := context.WithTimeout(req.Context(), requestTimeout)
	defer cancel()
	if err := r.pipeline.UpdateConfig(ctx, update); err != nil {
		writeError(w, r.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, r.pipeline.Snapshot().Config)
}

func (r *Runtime) handleReconnect(w http.ResponseWriter, _ *http.Request) {
	r.pipeline.Reconnect()
	writeJSON(w, http.StatusAccepted, map[string]string{"connection": r.pipeline.ConnectionState().String()})
}

// handleHistory lists sentences newest first, or with kind=signs the
// accepted signs of one session in emission order.
func (r *Runtime) handleHistory(w http.ResponseWriter, req *http.Request) {
	query := req.URL.Query()
	limit, ok := parseLimit(w, query.Get("limit"))
	if !ok {
		return
	}
	session := query.Get("session")
	if session == "current" {
		session = r.sessionID
	}

	switch kind := query.Get("kind"); kind {
	case "", "sentences":
		records, err := r.store.ListSentences(req.Context(), session, limit)
		if err != nil {
			writeError(w, r.logger, err)
			return
		}
		out := make([]sentenceView, 0, len(records))
		for _, rec := range records {
			out = append(out, sentenceView{
				SessionID: rec.SessionID,
				Text:      rec.Text,
				Tokens:    rec.Tokens,
				Reason:    rec.Reason,
				Rule:      rec.Rule,
				FlushedAt: rec.FlushedAt,
			})
		}
		writeJSON(w, http.StatusOK, out)
	case "signs":
		if session == "" {
			session = r.sessionID
		}
		records, err := r.store.ListSigns(req.Context(), session, limit)
		if err != nil {
			writeError(w, r.logger, err)
			return
		}
		out := make([]signView, 0, len(records))
		for _, rec := range records {
			out = append(out, signView{
				SessionID:  rec.SessionID,
				Label:      rec.Label,
				Confidence: rec.Confidence,
				EmittedAt:  rec.EmittedAt,
			})
		}
		writeJSON(w, http.StatusOK, out)
	default:
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "kind must be sentences or signs"})
	}
}

func (r *Runtime) handleSessions(w http.ResponseWriter, req *http.Request) {
	limit, ok := parseLimit(w, req.URL.Query().Get("limit"))
	if !ok {
		return
	}
	sessions, err := r.store.Sessions(req.Context(), limit)
	if err != nil {
		writeError(w, r.logger, err)
		return
	}
	out := make([]sessionView, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, sessionView{
			ID:         sess.ID,
			BackendURL: sess.BackendURL,
			CreatedAt:  sess.CreatedAt,
			Current:    sess.ID == r.sessionID,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func parseLimit(w http.ResponseWriter, raw string) (int, bool) {
	if raw == "" {
		return 50, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 || limit > 1000 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "limit must be between 1 and 1000"})
		return 0, false
	}
	return limit, true
}

func writeError(w http.ResponseWriter, logger *slog.Logger, err error) {
	var cfgErr *config.ConfigError
	switch {
	case errors.As(err, &cfgErr):
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: cfgErr.Error(), Field: cfgErr.Field})
	case errors.Is(err, pipeline.ErrStopped), errors.Is(err, pipeline.ErrNotStarted):
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
	case errors.Is(err, context.DeadlineExceeded):
		writeJSON(w, http.StatusGatewayTimeout, errorResponse{Error: err.Error()})
	default:
		logger.Error("request failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
