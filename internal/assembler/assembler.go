// Package assembler accumulates stabilized sign tokens and flushes them into
// grammatically adjusted sentences.
package assembler

import (
	"strings"
	"time"

	"github.com/loqalabs/loqa-sign/internal/clock"
	"github.com/loqalabs/loqa-sign/internal/stabilizer"
)

type FlushReason string

const (
	ReasonTimer  FlushReason = "timer"
	ReasonForced FlushReason = "forced"
)

type Sentence struct {
	Text      string
	Tokens    []string
	Rule      string
	Reason    FlushReason
	FlushedAt time.Time
}

// Buffer is a snapshot of the pending tokens.
type Buffer struct {
	Tokens           []string
	LastTokenAt      time.Time
	FlushTimerActive bool
}

// Assembler is not safe for concurrent use. The flush timer does not flush
// by itself: it calls onDue with the generation it was armed for, and the
// owner passes that back to Expire from its own serialized loop.
type Assembler struct {
	clock    clock.Clock
	resolver *Resolver
	delay    time.Duration
	onDue    func(generation uint64)

	tokens      []string
	lastTokenAt time.Time
	timer       clock.Timer
	generation  uint64
	stopped     bool
}

func New(resolver *Resolver, delay time.Duration, clk clock.Clock, onDue func(generation uint64)) *Assembler {
	if clk == nil {
		clk = clock.Real()
	}
	if onDue == nil {
		onDue = func(uint64) {}
	}
	return &Assembler{
		clock:    clk,
		resolver: resolver,
		delay:    delay,
		onDue:    onDue,
	}
}

// Append adds the event's label unless it repeats the last buffered token.
// It reports whether the token was appended.
func (a *Assembler) Append(evt stabilizer.SignEvent) bool {
	if a.stopped {
		return false
	}
	if n := len(a.tokens); n > 0 && strings.EqualFold(a.tokens[n-1], evt.Label) {
		return false
	}
	a.tokens = append(a.tokens, evt.Label)
	a.lastTokenAt = evt.EmittedAt
	a.arm()
	return true
}

// Flush finalizes the buffer. It reports false when the buffer was empty or
// its tokens resolve to no text; the buffer is cleared either way.
func (a *Assembler) Flush(reason FlushReason) (Sentence, bool) {
	if len(a.tokens) == 0 {
		return Sentence{}, false
	}
	tokens := a.tokens
	a.tokens = nil
	a.lastTokenAt = time.Time{}
	a.disarm()

	text, rule := a.resolver.Compose(tokens)
	if text == "" {
		return Sentence{}, false
	}
	return Sentence{
		Text:      text,
		Tokens:    tokens,
		Rule:      rule,
		Reason:    reason,
		FlushedAt: a.clock.Now(),
	}, true
}

// Expire flushes on behalf of the timer armed for generation. Stale
// generations, from timers already cancelled or superseded, are ignored.
func (a *Assembler) Expire(generation uint64) (Sentence, bool) {
	if a.stopped || a.timer == nil || generation != a.generation {
		return Sentence{}, false
	}
	return a.Flush(ReasonTimer)
}

// Stop cancels the flush timer and discards pending tokens for good.
func (a *Assembler) Stop() {
	a.disarm()
	a.tokens = nil
	a.stopped = true
}

// SetFlushDelay applies from the next armed timer on.
func (a *Assembler) SetFlushDelay(d time.Duration) { a.delay = d }

func (a *Assembler) Buffer() Buffer {
	return Buffer{
		Tokens:           append([]string(nil), a.tokens...),
		LastTokenAt:      a.lastTokenAt,
		FlushTimerActive: a.timer != nil,
	}
}

func (a *Assembler) arm() {
	a.disarm()
	generation := a.generation
	a.timer = a.clock.AfterFunc(a.delay, func() { a.onDue(generation) })
}

func (a *Assembler) disarm() {
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	a.generation++
}
