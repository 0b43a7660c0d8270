// Package sse implements the streaming core of spec §4.C14: line framing
// for inbound Server-Sent Events, and the line-writing half used by every
// dialect encoder for outbound events. Framing logic generalizes the
// teacher's ad hoc `data: %s\n\n` writer in internal/proxy/gateway.go's
// writeSSE into a reusable, read-and-write pair.
package sse

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// Event is one decoded SSE event: zero or more data lines joined by '\n',
// plus an optional event name. Comment-only and [DONE] frames are not
// surfaced as Event — see Reader.Next.
type Event struct {
	Name string
	Data string
}

// Reader demultiplexes an inbound byte stream into Events, skipping
// keep-alive `:` comment lines and recognizing the `[DONE]` terminator.
type Reader struct {
	scanner *bufio.Scanner
	done    bool
}

// NewReader wraps r. It uses bufio.Scanner's default buffer, so a line
// longer than bufio.MaxScanTokenSize (64 KiB) ends the stream: Next then
// returns bufio.ErrTooLong.
func NewReader(r io.Reader) *Reader {
	return &Reader{scanner: bufio.NewScanner(r)}
}

// Done reports whether the terminal `data: [DONE]` frame has been seen.
func (r *Reader) Done() bool { return r.done }

// Next returns the next Event, or io.EOF when the stream ends (with or
// without an explicit [DONE], matching spec's description of frame
// dispatch on blank lines rather than a single terminator shape).
func (r *Reader) Next() (Event, error) {
	var dataLines []string
	var eventName string

	for r.scanner.Scan() {
		line := r.scanner.Text()

		switch {
		case line == "":
			if len(dataLines) == 0 && eventName == "" {
				continue // blank line with nothing accumulated: keep-alive gap
			}
			data := strings.Join(dataLines, "\n")
			if data == "[DONE]" {
				r.done = true
				return Event{}, io.EOF
			}
			return Event{Name: eventName, Data: data}, nil
		case strings.HasPrefix(line, ":"):
			continue // comment / keep-alive
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		case strings.HasPrefix(line, "event:"):
			eventName = strings.TrimPrefix(strings.TrimPrefix(line, "event:"), " ")
		default:
			// Unknown field (id:, retry:, etc.) — ignored, matching the
			// spec's minimal framing contract.
		}
	}

	if err := r.scanner.Err(); err != nil {
		return Event{}, err
	}
	if len(dataLines) > 0 || eventName != "" {
		// Stream ended without a trailing blank line; flush what we have.
		data := strings.Join(dataLines, "\n")
		if data == "[DONE]" {
			r.done = true
			return Event{}, io.EOF
		}
		return Event{Name: eventName, Data: data}, nil
	}
	return Event{}, io.EOF
}

// Writer frames outbound events as SSE, one flush per event so clients see
// incremental delivery (mirrors the teacher's w.Flush() after every chunk).
type Writer struct {
	w       *bufio.Writer
	flusher interface{ Flush() error }
}

// NewWriter wraps a *bufio.Writer, the type fasthttp's SetBodyStreamWriter
// hands callers.
func NewWriter(w *bufio.Writer) *Writer {
	return &Writer{w: w, flusher: w}
}

// WriteEvent writes one named event with a JSON (or pre-rendered) data
// payload and flushes immediately.
func (w *Writer) WriteEvent(name, data string) error {
	if name != "" {
		if _, err := fmt.Fprintf(w.w, "event: %s\n", name); err != nil {
			return err
		}
	}
	for _, line := range strings.Split(data, "\n") {
		if _, err := fmt.Fprintf(w.w, "data: %s\n", line); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprint(w.w, "\n"); err != nil {
		return err
	}
	return w.flusher.Flush()
}

// WriteData writes an unnamed data-only event (the OpenAI Chat-Completions
// `chat.completion.chunk` convention — no `event:` line).
func (w *Writer) WriteData(data string) error {
	return w.WriteEvent("", data)
}

// WriteDone writes the Chat-Completions terminal frame.
func (w *Writer) WriteDone() error {
	if _, err := fmt.Fprint(w.w, "data: [DONE]\n\n"); err != nil {
		return err
	}
	return w.flusher.Flush()
}
