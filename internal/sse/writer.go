// Package sse frames and parses text/event-stream bodies.
package sse

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// DoneSentinel marks the end of a stream on OpenAI-compatible feeds.
const DoneSentinel = "[DONE]"

// SetHeaders prepares an event-stream response.
func SetHeaders(h http.Header) {
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
}

// Writer emits events and flushes after every write.
type Writer struct {
	w       io.Writer
	flusher http.Flusher
}

// NewWriter wraps w. Flushing is skipped when w cannot flush.
func NewWriter(w io.Writer) *Writer {
	f, _ := w.(http.Flusher)
	return &Writer{w: w, flusher: f}
}

// WriteEvent writes one event: an optional id line, then data lines, then a
// blank line. Multi-line data is split across several data fields.
func (w *Writer) WriteEvent(id string, data []byte) error {
	var b strings.Builder
	if id != "" {
		fmt.Fprintf(&b, "id: %s\n", id)
	}
	for _, line := range strings.Split(string(data), "\n") {
		fmt.Fprintf(&b, "data: %s\n", line)
	}
	b.WriteString("\n")
	if _, err := io.WriteString(w.w, b.String()); err != nil {
		return err
	}
	w.flush()
	return nil
}

// WriteJSON marshals v and writes it as a single event.
func (w *Writer) WriteJSON(id string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("sse: marshal event: %w", err)
	}
	return w.WriteEvent(id, data)
}

// WriteRaw writes b without event framing. Readers surface it as a raw
// event; it is meant for a final error record just before the stream closes.
func (w *Writer) WriteRaw(b []byte) error {
	if _, err := w.w.Write(b); err != nil {
		return err
	}
	w.flush()
	return nil
}

func (w *Writer) flush() {
	if w.flusher != nil {
		w.flusher.Flush()
	}
}
