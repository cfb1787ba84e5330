// Package sse writes agent response chunks as Server-Sent Events.
//
// Every chunk becomes one "data: <json>\n\n" frame, flushed immediately.
// A stream that fails out of band (an error from the sequence or a panic
// while draining it) ends with a frame from the "system" agent so the client
// can always render a final state. A client that disconnects gets nothing
// more.
package sse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"net/http"

	"github.com/marsnext/mars/pkg/models"
	"github.com/rs/zerolog/log"
)

// SystemAgentID marks frames that do not belong to an agent.
const SystemAgentID = "system"

// InterruptedMessage is shown when the stream fails out of band.
const InterruptedMessage = "The response stream was interrupted. Please try again."

// ErrStreamingUnsupported is returned when w cannot flush. Nothing has been
// written at that point, so the caller can still send a JSON error.
var ErrStreamingUnsupported = errors.New("streaming not supported")

var errClientGone = errors.New("client disconnected")

// Write streams seq to w. It returns only ErrStreamingUnsupported; every
// other failure is reported inside the stream.
func Write(w http.ResponseWriter, r *http.Request, seq iter.Seq2[models.AgentResponseChunk, error]) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return ErrStreamingUnsupported
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	err := drain(ctx, w, flusher, seq)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, errClientGone) || ctx.Err() != nil:
		log.Debug().Str("path", r.URL.Path).Msg("SSE client disconnected")
		return nil
	}

	log.Error().Err(err).Str("path", r.URL.Path).Msg("SSE stream failed")
	frame := models.ErrorChunk(SystemAgentID, InterruptedMessage)
	if werr := writeFrame(w, frame); werr == nil {
		flusher.Flush()
	}
	return nil
}

func drain(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, seq iter.Seq2[models.AgentResponseChunk, error]) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("stream panicked: %v", p)
		}
	}()

	for chunk, serr := range seq {
		if serr != nil {
			return serr
		}
		if ctx.Err() != nil {
			return errClientGone
		}
		if werr := writeFrame(w, chunk); werr != nil {
			return fmt.Errorf("%w: %v", errClientGone, werr)
		}
		flusher.Flush()
	}
	return nil
}

func writeFrame(w http.ResponseWriter, chunk models.AgentResponseChunk) error {
	data, err := json.Marshal(chunk)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}

// Infallible adapts a sequence that cannot fail for Write.
func Infallible[T any](seq iter.Seq[T]) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		for v := range seq {
			if !yield(v, nil) {
				return
			}
		}
	}
}
