package api

import (
	"encoding/json"
	"net/http"

	"github.com/pkg/errors"

	"gwi.com/artifact-chat/internal/stream"
)

// eventWriter writes one JSON event per line and flushes after each so the
// client sees deltas as they are produced.
type eventWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	enc     *json.Encoder
}

func newEventWriter(w http.ResponseWriter) (*eventWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, errors.New("response writer does not support streaming")
	}
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &eventWriter{w: w, flusher: flusher, enc: json.NewEncoder(w)}, nil
}

func (e *eventWriter) Write(ev stream.Event) error {
	if err := e.enc.Encode(ev); err != nil {
		return errors.Wrap(err, "failed to write event")
	}
	e.flusher.Flush()
	return nil
}
