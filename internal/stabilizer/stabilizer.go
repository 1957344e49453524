// Package stabilizer turns a noisy stream of per-frame classifier outputs
// into discrete sign events.
//
// A label is accepted only after RequiredConsistency consecutive frames at
// or above AcceptThreshold agree on it. Frames below LowWatermark are noise
// and clear the running candidate; frames between the two thresholds are
// ignored. Once a label is emitted it cannot be emitted again until
// RepeatCooldown has passed, unless a different label is emitted in
// between. The emitted label stays the candidate, saturated, so a sign held
// through the cooldown is emitted again by the first frame after it.
package stabilizer

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/loqalabs/loqa-sign/internal/config"
)

// Frame is a single classifier output.
type Frame struct {
	Label      string
	Confidence float64
	ReceivedAt time.Time
}

// SignEvent is a stabilized, accepted sign.
type SignEvent struct {
	Label      string
	Confidence float64
	EmittedAt  time.Time
}

// State is a snapshot of the stabilizer. Empty labels and zero times stand
// for "none".
type State struct {
	CandidateLabel   string
	CandidateCount   int
	LastEmittedLabel string
	LastEmittedAt    time.Time
}

type Thresholds struct {
	AcceptThreshold     float64
	LowWatermark        float64
	RequiredConsistency int
	RepeatCooldown      time.Duration
}

func ThresholdsFrom(cfg config.PipelineConfig) Thresholds {
	return Thresholds{
		AcceptThreshold:     cfg.AcceptThreshold,
		LowWatermark:        cfg.LowWatermark,
		RequiredConsistency: cfg.RequiredConsistency,
		RepeatCooldown:      cfg.RepeatCooldown(),
	}
}

// MalformedFrameError describes a frame that was dropped without touching
// the stabilizer state.
type MalformedFrameError struct {
	Label      string
	Confidence float64
	Reason     string
}

func (e *MalformedFrameError) Error() string {
	return fmt.Sprintf("malformed frame (label=%q confidence=%v): %s", e.Label, e.Confidence, e.Reason)
}

// Stabilizer is not safe for concurrent use; the pipeline coordinator
// serializes access.
type Stabilizer struct {
	th    Thresholds
	state State
}

func New(th Thresholds) *Stabilizer {
	return &Stabilizer{th: th}
}

// SetThresholds swaps thresholds without touching the accumulated state.
func (s *Stabilizer) SetThresholds(th Thresholds) {
	s.th = th
	if s.state.CandidateCount > th.RequiredConsistency {
		s.state.CandidateCount = th.RequiredConsistency
	}
}

func (s *Stabilizer) State() State { return s.state }

// Observe feeds one frame. It returns the emitted event, if any. A non-nil
// error is always a *MalformedFrameError and means the frame was ignored.
func (s *Stabilizer) Observe(f Frame) (SignEvent, bool, error) {
	if err := validateFrame(f); err != nil {
		return SignEvent{}, false, err
	}

	switch {
	case f.Confidence < s.th.LowWatermark:
		s.Interrupt()
		return SignEvent{}, false, nil
	case f.Confidence < s.th.AcceptThreshold:
		return SignEvent{}, false, nil
	}

	if f.Label == s.state.CandidateLabel {
		// Saturate while the cooldown holds the emission back.
		if s.state.CandidateCount < s.th.RequiredConsistency {
			s.state.CandidateCount++
		}
	} else {
		s.state.CandidateLabel = f.Label
		s.state.CandidateCount = 1
	}
	if s.state.CandidateCount < s.th.RequiredConsistency {
		return SignEvent{}, false, nil
	}

	isNewLabel := s.state.CandidateLabel != s.state.LastEmittedLabel
	cooldownExpired := s.state.LastEmittedAt.IsZero() || f.ReceivedAt.Sub(s.state.LastEmittedAt) > s.th.RepeatCooldown
	if !isNewLabel && !cooldownExpired {
		return SignEvent{}, false, nil
	}

	evt := SignEvent{Label: s.state.CandidateLabel, Confidence: f.Confidence, EmittedAt: f.ReceivedAt}
	s.state.LastEmittedLabel = evt.Label
	s.state.LastEmittedAt = evt.EmittedAt
	return evt, true, nil
}

// Interrupt drops the running candidate, as a low-confidence frame does.
func (s *Stabilizer) Interrupt() {
	s.state.CandidateLabel = ""
	s.state.CandidateCount = 0
}

// Reset clears all state including the emission history.
func (s *Stabilizer) Reset() {
	s.state = State{}
}

func validateFrame(f Frame) error {
	if strings.TrimSpace(f.Label) == "" {
		return &MalformedFrameError{Label: f.Label, Confidence: f.Confidence, Reason: "empty label"}
	}
	if math.IsNaN(f.Confidence) || f.Confidence < 0 || f.Confidence > 1 {
		return &MalformedFrameError{Label: f.Label, Confidence: f.Confidence, Reason: "confidence outside [0,1]"}
	}
	return nil
}
