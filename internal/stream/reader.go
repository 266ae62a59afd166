// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package stream implements the pieces shared by every provider client: the
// blank-line-delimited event decoder, a raw line decoder, and the incremental
// emission throttle.
package stream

import (
	"bufio"
	"errors"
	"io"
	"strings"
	"sync/atomic"
	"time"
)

// MaxEventSize bounds a single decoded event. A provider that streams a
// larger block is misbehaving; the read errors out instead of growing the
// buffer unbounded.
const MaxEventSize = 64 * 1024

// DoneSentinel is the terminal payload some providers send after the last
// content event.
const DoneSentinel = "[DONE]"

// ErrEventTooLarge is returned when an event exceeds MaxEventSize.
var ErrEventTooLarge = errors.New("event exceeds maximum size")

// =============================================================================
// EVENT READER
// =============================================================================

// Event is one decoded server-sent event block.
type Event struct {
	// Type is the "event:" field, if the provider sent one
	Type string
	// Data is the concatenated "data:" payload of the block
	Data string
}

// EventReader decodes blank-line-delimited event blocks from a byte stream.
//
// Lines accumulate into the current event; a blank line terminates it. At
// end of stream (or a read timeout surfaced as an error) any buffered
// partial event is flushed before io.EOF is reported, so a server that
// omits the final blank line loses nothing.
type EventReader struct {
	reader *bufio.Reader
	// pending holds a flushed-at-EOF event to hand out before EOF itself
	done bool
}

// NewEventReader creates an EventReader over r.
func NewEventReader(r io.Reader) *EventReader {
	return &EventReader{reader: bufio.NewReader(r)}
}

// ReadEvent returns the next event block. Events carrying no data lines at
// all are skipped. Returns io.EOF after the final event.
func (r *EventReader) ReadEvent() (Event, error) {
	if r.done {
		return Event{}, io.EOF
	}
	var evt Event
	var data strings.Builder
	for {
		line, err := r.reader.ReadString('\n')
		if err != nil {
			// Flush whatever is buffered before terminating. Read
			// failures other than EOF (timeouts, aborted
			// connections) are treated as stream end too.
			r.done = true
			r.appendData(&data, line, &evt)
			evt.Data = data.String()
			if evt.Data != "" || evt.Type != "" {
				return evt, nil
			}
			if errors.Is(err, io.EOF) {
				return Event{}, io.EOF
			}
			return Event{}, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if data.Len() == 0 && evt.Type == "" {
				continue // leading blank lines between events
			}
			evt.Data = data.String()
			return evt, nil
		}
		if err := r.appendData(&data, line, &evt); err != nil {
			return Event{}, err
		}
	}
}

func (r *EventReader) appendData(data *strings.Builder, line string, evt *Event) error {
	line = strings.TrimRight(line, "\r\n")
	switch {
	case line == "":
		return nil
	case strings.HasPrefix(line, "data:"):
		payload := strings.TrimPrefix(line, "data:")
		payload = strings.TrimPrefix(payload, " ")
		if data.Len()+len(payload) > MaxEventSize {
			return ErrEventTooLarge
		}
		if data.Len() > 0 {
			data.WriteByte('\n')
		}
		data.WriteString(payload)
	case strings.HasPrefix(line, "event:"):
		evt.Type = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
	case strings.HasPrefix(line, ":"):
		// comment / keep-alive
	default:
		// Lines without a recognized field prefix are skipped; some
		// endpoints interleave diagnostics with the event stream.
	}
	return nil
}

// =============================================================================
// LINE READER
// =============================================================================

// LineReader decodes one line per read for providers that stream raw text
// lines instead of event blocks.
type LineReader struct {
	reader *bufio.Reader
}

// NewLineReader creates a LineReader over r.
func NewLineReader(r io.Reader) *LineReader {
	return &LineReader{reader: bufio.NewReaderSize(r, MaxEventSize)}
}

// ReadLine returns the next line without its trailing newline. The final
// unterminated line, if any, is returned before io.EOF.
func (r *LineReader) ReadLine() (string, error) {
	line, err := r.reader.ReadString('\n')
	if err != nil {
		if line != "" {
			return strings.TrimRight(line, "\r\n"), nil
		}
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// =============================================================================
// IDLE TIMEOUT
// =============================================================================

// IdleTimeoutBody wraps a streaming response body so a read that makes no
// progress within d closes the connection. The next blocked read then fails,
// which the decoders treat as stream end. This is the only mid-stream
// cancellation primitive; there is no token threaded through the decoder.
type IdleTimeoutBody struct {
	body  io.ReadCloser
	timer *time.Timer
	d     time.Duration
	fired atomic.Bool
}

// NewIdleTimeoutBody wraps body with an idle read timeout. A zero or
// negative duration disables the timeout.
func NewIdleTimeoutBody(body io.ReadCloser, d time.Duration) *IdleTimeoutBody {
	b := &IdleTimeoutBody{body: body, d: d}
	if d > 0 {
		b.timer = time.AfterFunc(d, func() {
			b.fired.Store(true)
			body.Close()
		})
	}
	return b
}

// Read implements io.Reader, resetting the idle timer on every read.
func (b *IdleTimeoutBody) Read(p []byte) (int, error) {
	n, err := b.body.Read(p)
	if err != nil && b.fired.Load() {
		err = errors.Join(ErrReadStalled, err)
	}
	if b.timer != nil && err == nil {
		b.timer.Reset(b.d)
	}
	return n, err
}

// Close stops the timer and closes the underlying body.
func (b *IdleTimeoutBody) Close() error {
	if b.timer != nil {
		b.timer.Stop()
	}
	return b.body.Close()
}

// ErrReadStalled indicates the idle read timeout closed the stream.
var ErrReadStalled = errors.New("stream read stalled")
