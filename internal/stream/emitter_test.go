// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package stream

import (
	"strings"
	"testing"
	"time"
)

// fixedClock drives the emitter's time trigger deterministically.
type fixedClock struct {
	t time.Time
}

func (c *fixedClock) now() time.Time          { return c.t }
func (c *fixedClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestEmitter(cfg Config) (*Emitter, *fixedClock, *[]string) {
	var emitted []string
	e := NewEmitter(cfg, func(text string) { emitted = append(emitted, text) })
	clock := &fixedClock{t: time.Unix(1700000000, 0)}
	e.now = clock.now
	return e, clock, &emitted
}

func TestEmitterFirstAppendEmits(t *testing.T) {
	e, _, emitted := newTestEmitter(Config{})
	e.Append("h")
	if len(*emitted) != 1 || (*emitted)[0] != "h" {
		t.Fatalf("emitted = %v", *emitted)
	}
}

func TestEmitterSizeTrigger(t *testing.T) {
	e, _, emitted := newTestEmitter(Config{})
	e.Append("x") // first emit
	// stay under both time and size thresholds
	e.Append(strings.Repeat("y", 10))
	if len(*emitted) != 1 {
		t.Fatalf("unexpected emit before threshold: %v", *emitted)
	}
	e.Append(strings.Repeat("z", 14)) // 24 new chars since last emit
	if len(*emitted) != 2 {
		t.Fatalf("size trigger did not fire: %v", *emitted)
	}
}

func TestEmitterTimeTrigger(t *testing.T) {
	e, clock, emitted := newTestEmitter(Config{})
	e.Append("x")
	e.Append("y")
	if len(*emitted) != 1 {
		t.Fatalf("unexpected early emit")
	}
	clock.advance(DefaultInterval)
	e.Append("z")
	if len(*emitted) != 2 {
		t.Fatalf("time trigger did not fire: %v", *emitted)
	}
	if (*emitted)[1] != "xyz" {
		t.Errorf("cumulative text = %q", (*emitted)[1])
	}
}

func TestEmitterNewlineBoundaryTrigger(t *testing.T) {
	e, _, emitted := newTestEmitter(Config{})
	e.Append("x")
	e.Append("y\n") // boundary, well under size/time thresholds
	if len(*emitted) != 2 {
		t.Fatalf("newline trigger did not fire: %v", *emitted)
	}
	if (*emitted)[1] != "xy\n" {
		t.Errorf("emitted = %q", (*emitted)[1])
	}
}

// Monotonic stream: emitted lengths never decrease within one turn.
func TestEmitterMonotonic(t *testing.T) {
	e, clock, emitted := newTestEmitter(Config{})
	for i := 0; i < 200; i++ {
		e.Append("ab")
		if i%7 == 0 {
			clock.advance(50 * time.Millisecond)
		}
	}
	e.Flush()
	last := -1
	for _, text := range *emitted {
		if len(text) < last {
			t.Fatalf("emitted length shrank: %d -> %d", last, len(text))
		}
		last = len(text)
	}
}

// No dropped tail: after Flush the last emission equals the full buffer.
func TestEmitterFlushNoDroppedTail(t *testing.T) {
	e, _, emitted := newTestEmitter(Config{})
	e.Append("hello ")
	e.Append("wo")
	e.Append("rld")
	e.Flush()
	last := (*emitted)[len(*emitted)-1]
	if last != e.String() {
		t.Fatalf("last emission %q != buffer %q", last, e.String())
	}
	if last != "hello world" {
		t.Errorf("final text = %q", last)
	}
}

func TestEmitterFlushIdempotentWhenNothingPending(t *testing.T) {
	e, _, emitted := newTestEmitter(Config{})
	e.Append("abc")
	n := len(*emitted)
	e.Flush() // already emitted, nothing pending
	if len(*emitted) != n {
		t.Fatalf("flush re-emitted unchanged buffer")
	}
}

// Throttle bound: N single-character appends with no time advance emit at
// most 1 (initial) + N/MinChars (size) + newline count times.
func TestEmitterEmissionBound(t *testing.T) {
	const n = 240
	e, _, emitted := newTestEmitter(Config{})
	for i := 0; i < n; i++ {
		e.Append("a")
	}
	e.Flush()
	bound := 1 + n/DefaultMinChars + 1 // initial + size triggers + final flush
	if len(*emitted) > bound {
		t.Fatalf("emissions = %d, bound = %d", len(*emitted), bound)
	}
}

func TestEmitterConfigOverrides(t *testing.T) {
	var emitted []string
	e := NewEmitter(Config{Interval: time.Hour, MinChars: 3}, func(s string) { emitted = append(emitted, s) })
	clock := &fixedClock{t: time.Unix(1700000000, 0)}
	e.now = clock.now
	e.Append("a") // first emit
	e.Append("b")
	e.Append("cd") // 3 new chars
	if len(emitted) != 2 {
		t.Fatalf("custom MinChars not honored: %v", emitted)
	}
}

func TestSinkRoutesThinkingSeparately(t *testing.T) {
	type update struct {
		text     string
		thinking bool
	}
	var updates []update
	s := NewSink(Config{}, func(partial string, thinking bool) {
		updates = append(updates, update{partial, thinking})
	})
	s.Thinking.Append("pondering")
	s.Answer.Append("answer")
	s.FlushAll()

	var sawThinking, sawAnswer bool
	for _, u := range updates {
		if u.thinking && strings.Contains(u.text, "pondering") {
			sawThinking = true
		}
		if !u.thinking && strings.Contains(u.text, "answer") {
			sawAnswer = true
		}
		if u.thinking && strings.Contains(u.text, "answer") {
			t.Fatalf("answer text leaked into thinking channel")
		}
	}
	if !sawThinking || !sawAnswer {
		t.Fatalf("updates = %+v", updates)
	}
}
