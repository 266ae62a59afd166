// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package stream

import (
	"strings"
	"time"
)

// Default throttle tuning. Tuned for perceived smoothness of terminal
// rendering; override via Config.
const (
	// DefaultInterval is the minimum quiet time before a time-triggered emit.
	DefaultInterval = 40 * time.Millisecond
	// DefaultMinChars is the accumulation size that triggers an emit.
	DefaultMinChars = 24
)

// Config tunes the emission throttle. The zero value selects the defaults.
type Config struct {
	// Interval emits when this much time has passed since the last emission
	Interval time.Duration
	// MinChars emits when this many new characters have accumulated
	MinChars int
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.MinChars <= 0 {
		c.MinChars = DefaultMinChars
	}
	return c
}

// =============================================================================
// EMITTER
// =============================================================================

// Emitter accumulates streamed text and decides when to surface it. An emit
// fires when any of these holds:
//
//   - at least Interval has elapsed since the last emission (or nothing has
//     been emitted yet),
//   - at least MinChars new characters accumulated since the last emission,
//   - the buffer ends with a newline (line boundary, emit for readability).
//
// The buffer only grows; every emission carries the full cumulative text.
// Flush forces a final emission when the last emitted length differs from
// the buffer length, so no trailing text is dropped. Not safe for concurrent
// use; one Emitter belongs to one streaming call.
type Emitter struct {
	cfg      Config
	buf      strings.Builder
	lastTime time.Time
	lastLen  int
	sink     func(text string)

	// now is replaced by tests to drive the time trigger deterministically
	now func() time.Time
}

// NewEmitter creates an Emitter delivering cumulative text to sink. The sink
// must not block; it is a fire-and-forget notification with no backpressure.
func NewEmitter(cfg Config, sink func(text string)) *Emitter {
	return &Emitter{cfg: cfg.withDefaults(), sink: sink, now: time.Now}
}

// Append adds a decoded delta to the buffer and emits if a trigger fires.
func (e *Emitter) Append(delta string) {
	if delta == "" {
		return
	}
	e.buf.WriteString(delta)
	e.maybeEmit()
}

func (e *Emitter) maybeEmit() {
	text := e.buf.String()
	timeReady := e.lastTime.IsZero() || e.now().Sub(e.lastTime) >= e.cfg.Interval
	sizeReady := len(text)-e.lastLen >= e.cfg.MinChars
	boundaryReady := strings.HasSuffix(text, "\n")
	if !timeReady && !sizeReady && !boundaryReady {
		return
	}
	e.emit(text)
}

func (e *Emitter) emit(text string) {
	e.lastTime = e.now()
	e.lastLen = len(text)
	if e.sink != nil {
		e.sink(text)
	}
}

// Flush emits the final buffer if anything is still unsent. Call exactly
// once when the stream ends, success or failure.
func (e *Emitter) Flush() {
	text := e.buf.String()
	if len(text) != e.lastLen {
		e.emit(text)
	}
}

// Len returns the current accumulated length.
func (e *Emitter) Len() int {
	return e.buf.Len()
}

// String returns the accumulated text.
func (e *Emitter) String() string {
	return e.buf.String()
}

// =============================================================================
// SINK
// =============================================================================

// Sink pairs an answer emitter with a reasoning emitter so providers that
// stream "thinking" phases reuse the same throttle rules for both.
type Sink struct {
	Answer   *Emitter
	Thinking *Emitter
}

// NewSink creates a Sink delivering to fn with the thinking flag set for
// reasoning text.
func NewSink(cfg Config, fn func(partial string, thinking bool)) *Sink {
	return &Sink{
		Answer:   NewEmitter(cfg, func(text string) { fn(text, false) }),
		Thinking: NewEmitter(cfg, func(text string) { fn(text, true) }),
	}
}

// FlushAll forces the final emission on both buffers, thinking first so the
// consumer sees reasoning settle before the answer finalizes.
func (s *Sink) FlushAll() {
	s.Thinking.Flush()
	s.Answer.Flush()
}
