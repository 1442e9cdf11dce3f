package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/KilimcininKorOglu/cursor-api/pkg/wire"
)

// event is one decoded unit off the vendor response stream.
type event struct {
	msg  *wire.StreamMessage
	raw  []byte // undecoded message payload, set by pumpRaw
	vend *wire.VendorError
	end  bool  // vendor end-of-turn marker
	err  error // transport or decode failure; terminal
}

// pumpFrames reads frames off body into a channel until end-of-turn,
// an error, or ctx cancellation. Every send selects against ctx so an
// abandoned consumer never strands the goroutine. decode interprets a
// message payload; a true second return stops the loop after the send.
func pumpFrames(ctx context.Context, body io.Reader, decode func([]byte) (event, bool)) <-chan event {
	ch := make(chan event, 8)
	go func() {
		defer close(ch)
		send := func(ev event) bool {
			select {
			case ch <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}
		for {
			f, err := wire.ReadFrame(body)
			if err == io.EOF {
				return
			}
			if err != nil {
				send(event{err: err})
				return
			}
			if f.IsError() {
				ve, end, derr := wire.DecodeVendorError(f.Payload)
				if derr != nil {
					send(event{err: derr})
					return
				}
				if end {
					send(event{end: true})
					return
				}
				send(event{vend: ve})
				return
			}
			ev, stop := decode(f.Payload)
			if !send(ev) || stop {
				return
			}
		}
	}()
	return ch
}

// pump decodes StreamMessage frames for the chat surface.
func pump(ctx context.Context, body io.Reader) <-chan event {
	return pumpFrames(ctx, body, func(payload []byte) (event, bool) {
		msg, err := wire.UnmarshalStreamMessage(payload)
		if err != nil {
			return event{err: err}, true
		}
		return event{msg: msg}, msg.End
	})
}

// pumpRaw skips the typed decode; message payloads pass through for
// the caller to interpret. Used by the code-completion stream whose
// frames carry a different message type.
func pumpRaw(ctx context.Context, body io.Reader) <-chan event {
	return pumpFrames(ctx, body, func(payload []byte) (event, bool) {
		return event{raw: payload}, false
	})
}

// sseWriter emits Server-Sent Events with immediate flushing.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
}

func newSSEWriter(w http.ResponseWriter) *sseWriter {
	flusher, _ := w.(http.Flusher)
	return &sseWriter{w: w, flusher: flusher}
}

func (s *sseWriter) start() {
	if s.started {
		return
	}
	s.started = true
	h := s.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	s.w.WriteHeader(http.StatusOK)
}

func (s *sseWriter) event(v any) error {
	s.start()
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", b); err != nil {
		return err
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}

// fail writes the single terminal error event followed by [DONE].
func (s *sseWriter) fail(status int, kind, message string) {
	if !s.started {
		// Headers not sent yet: a plain HTTP error is still possible.
		writeError(s.w, status, kind, message)
		return
	}
	_ = s.event(map[string]any{"error": apiError{
		Status:  "error",
		Code:    uint16(status),
		Error:   kind,
		Message: message,
	}})
	s.done()
}

func (s *sseWriter) done() {
	s.start()
	_, _ = io.WriteString(s.w, "data: [DONE]\n\n")
	if s.flusher != nil {
		s.flusher.Flush()
	}
}
