// Package sse turns a chunked `data: {...}` event stream into discrete events.
//
// Chunk boundaries are arbitrary: the decoder buffers bytes until a newline
// completes a line, so the emitted event sequence depends only on the bytes
// fed, never on how they were split.
package sse

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const dataPrefix = "data: "

type EventKind int

const (
	EventContentDelta EventKind = iota
	EventDone
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventContentDelta:
		return "content_delta"
	case EventDone:
		return "done"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is a decoded stream event. Text holds the delta for
// EventContentDelta and the server message for EventError.
type Event struct {
	Kind EventKind
	Text string
}

func ContentDelta(text string) Event { return Event{Kind: EventContentDelta, Text: text} }
func Done() Event                    { return Event{Kind: EventDone} }
func Error(message string) Event     { return Event{Kind: EventError, Text: message} }

type payload struct {
	Content *string `json:"content"`
	Error   *string `json:"error"`
	Done    bool    `json:"done"`
}

type DecoderOption func(*Decoder)

func WithLogger(logger zerolog.Logger) DecoderOption {
	return func(d *Decoder) {
		d.logger = logger
	}
}

// Decoder is not safe for concurrent use. Use one per generation session.
type Decoder struct {
	buf    []byte
	done   bool
	logger zerolog.Logger
}

func NewDecoder(opts ...DecoderOption) *Decoder {
	d := &Decoder{logger: log.Logger.With().Str("component", "sse").Logger()}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Done reports whether a done payload was decoded. Once done, Feed and Flush
// return nothing until Reset.
func (d *Decoder) Done() bool {
	return d.done
}

func (d *Decoder) Reset() {
	d.buf = d.buf[:0]
	d.done = false
}

// Feed appends chunk to the buffer and returns the events of every line the
// chunk completed. A trailing partial line stays buffered.
func (d *Decoder) Feed(chunk []byte) []Event {
	if d.done {
		return nil
	}
	d.buf = append(d.buf, chunk...)

	var out []Event
	for !d.done {
		idx := bytes.IndexByte(d.buf, '\n')
		if idx < 0 {
			break
		}
		line := string(d.buf[:idx])
		d.buf = d.buf[idx+1:]
		out = d.decodeLine(line, out)
	}
	if d.done {
		d.buf = d.buf[:0]
	}
	return out
}

// Flush decodes a final line left without a terminating newline at end of
// stream.
func (d *Decoder) Flush() []Event {
	if d.done || len(d.buf) == 0 {
		return nil
	}
	line := string(d.buf)
	d.buf = d.buf[:0]
	return d.decodeLine(line, nil)
}

func (d *Decoder) decodeLine(line string, out []Event) []Event {
	line = strings.TrimSuffix(line, "\r")
	if !strings.HasPrefix(line, dataPrefix) {
		return out
	}
	raw := line[len(dataPrefix):]

	var p payload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		if strings.TrimSpace(raw) != "" {
			d.logger.Warn().Err(err).Str("payload", raw).Msg("dropping malformed stream event")
		}
		return out
	}

	if p.Error != nil && *p.Error != "" {
		return append(out, Error(*p.Error))
	}
	if p.Content != nil && *p.Content != "" {
		out = append(out, ContentDelta(*p.Content))
	}
	if p.Done {
		d.done = true
		out = append(out, Done())
	}
	return out
}
