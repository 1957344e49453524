package protocol

import (
	"encoding/json"
	"time"
)

// Message types exchanged with the classifier backend over the socket.
const (
	TypePrediction    = "prediction"
	TypeError         = "error"
	TypePing          = "ping"
	TypePong          = "pong"
	TypeLowConfidence = "low_confidence"
	TypeNoHands       = "no_hands"
	TypeConnection    = "connection"
	TypeLandmarks     = "landmarks"
)

// Ping is the outbound keepalive.
type Ping struct {
	Type string `json:"type"`
}

// Landmarks is the outbound landmark payload. Data is passed through
// untouched; Timestamp is unix milliseconds.
type Landmarks struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
}

// Inbound is a decoded backend message. Only the fields relevant to Type
// are populated.
type Inbound struct {
	Type              string
	Label             string
	Confidence        float64
	Message           string
	Status            string
	AvailableGestures []string
}

type inboundWire struct {
	Type              string   `json:"type"`
	Label             string   `json:"label"`
	Sign              string   `json:"sign"`
	Confidence        float64  `json:"confidence"`
	Message           string   `json:"message"`
	Status            string   `json:"status"`
	AvailableGestures []string `json:"available_gestures"`
}

// SignEvent is published on SubjectSignEvent once per stabilized sign.
type SignEvent struct {
	SessionID  string    `json:"session_id"`
	Label      string    `json:"label"`
	Confidence float64   `json:"confidence"`
	EmittedAt  time.Time `json:"emitted_at"`
}

// Sentence is published on SubjectSentence once per flush.
type Sentence struct {
	SessionID string    `json:"session_id"`
	Text      string    `json:"text"`
	Tokens    []string  `json:"tokens"`
	Reason    string    `json:"reason"`
	Rule      string    `json:"rule,omitempty"`
	FlushedAt time.Time `json:"flushed_at"`
}

// ConnectionStatus is published on every channel state transition.
type ConnectionStatus struct {
	SessionID string    `json:"session_id"`
	State     string    `json:"state"`
	Previous  string    `json:"previous"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// PipelineError reports non-fatal problems to observability consumers.
type PipelineError struct {
	SessionID string    `json:"session_id"`
	Kind      string    `json:"kind"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// LandmarkFrame arrives from the capture collaborator on
// SubjectLandmarksPrefix.<session>.
type LandmarkFrame struct {
	Kind      string          `json:"kind,omitempty"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

// HostSignal carries host lifecycle changes; nil fields are ignored.
type HostSignal struct {
	Foreground *bool `json:"foreground,omitempty"`
	Online     *bool `json:"online,omitempty"`
}

// ControlReply answers request/reply control messages.
type ControlReply struct {
	OK       bool      `json:"ok"`
	Error    string    `json:"error,omitempty"`
	Sentence *Sentence `json:"sentence,omitempty"`
}

const (
	SubjectSignEvent       = "sign.event"
	SubjectSentence        = "sign.sentence"
	SubjectConnectionState = "sign.connection.state"
	SubjectError           = "sign.error"
	SubjectLandmarksPrefix = "sign.landmarks"
	SubjectCtrlFlush       = "sign.ctrl.flush"
	SubjectCtrlConfig      = "sign.ctrl.config"
	SubjectCtrlOpen        = "sign.ctrl.open"
	SubjectCtrlHost        = "sign.ctrl.host"
)
