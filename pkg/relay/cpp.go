package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/KilimcininKorOglu/cursor-api/pkg/logring"
	"github.com/KilimcininKorOglu/cursor-api/pkg/wire"
)

// Code-completion surface. Requests go to the token's regional
// gcpp host instead of the chat backend.

func (s *Server) handleCppModels(w http.ResponseWriter, r *http.Request, p principal) {
	lease, err := s.lease(p)
	if err != nil {
		writeLeaseError(w, err)
		return
	}
	defer lease.Release()
	rec := lease.Record

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	defer cancel()

	payload, err := s.vendor.postUnary(ctx, rec, s.vendor.cppURL(rec, pathCppModels), nil, s.ghostMode(rec))
	if err != nil {
		status, kind, msg := classify(err)
		if kind == kindCancelled {
			return
		}
		writeError(w, status, kind, msg)
		return
	}
	list, err := wire.UnmarshalModelList(payload)
	if err != nil {
		writeError(w, http.StatusBadGateway, kindUpstreamDecode, "model list corrupt")
		return
	}
	names := make([]string, 0, len(list.Models))
	for _, m := range list.Models {
		names = append(names, m.Name)
	}
	writeJSON(w, http.StatusOK, map[string]any{"models": names})
}

// handleCppConfig relays the completion-config payload untouched; the
// response shape is vendor-owned.
func (s *Server) handleCppConfig(w http.ResponseWriter, r *http.Request, p principal) {
	lease, err := s.lease(p)
	if err != nil {
		writeLeaseError(w, err)
		return
	}
	defer lease.Release()
	rec := lease.Record

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	defer cancel()

	payload, err := s.vendor.postUnary(ctx, rec, s.vendor.cppURL(rec, pathCppConfig), nil, s.ghostMode(rec))
	if err != nil {
		status, kind, msg := classify(err)
		if kind == kindCancelled {
			return
		}
		writeError(w, status, kind, msg)
		return
	}
	w.Header().Set("Content-Type", "application/proto")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(payload)
}

type cppStreamRequest struct {
	Filename     string `json:"filename"`
	Content      string `json:"content"`
	CursorOffset uint32 `json:"cursor_offset"`
	Model        string `json:"model,omitempty"`
}

type cppStreamEvent struct {
	Text       string  `json:"text,omitempty"`
	RangeStart *uint32 `json:"range_start,omitempty"`
	RangeEnd   *uint32 `json:"range_end,omitempty"`
	Done       bool    `json:"done,omitempty"`
}

func (s *Server) handleCppStream(w http.ResponseWriter, r *http.Request, p principal) {
	var req cppStreamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, kindBadRequest, "malformed request body")
		return
	}
	if strings.TrimSpace(req.Filename) == "" {
		writeError(w, http.StatusBadRequest, kindBadRequest, "filename is required")
		return
	}

	lease, err := s.lease(p)
	if err != nil {
		writeLeaseError(w, err)
		return
	}
	defer lease.Release()
	rec := lease.Record

	logID := s.ring.Append(logring.Record{
		Model:    req.Model,
		TokenKey: logring.TokenKey(rec.PrimaryToken),
		Stream:   true,
	})
	started := time.Now()
	closeWith := func(status, errLabel string) {
		total := time.Since(started).Seconds()
		s.ring.Close(logID, func(lr *logring.Record) {
			lr.Status = status
			lr.Error = errLabel
			lr.TotalSecs = total
		})
	}

	outbound := &wire.CppRequest{
		Filename:     req.Filename,
		Content:      req.Content,
		CursorOffset: req.CursorOffset,
		Model:        req.Model,
		RequestID:    uuid.NewString(),
		SessionID:    rec.SessionID,
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	defer cancel()

	resp, err := s.vendor.post(ctx, rec, s.vendor.cppURL(rec, pathCppStream), outbound.Marshal(), s.ghostMode(rec))
	if err != nil {
		status, kind, msg := classify(err)
		closeWith(logring.StatusFailure, errorLabel(err, kind))
		if kind != kindCancelled {
			writeError(w, status, kind, msg)
		}
		return
	}
	defer resp.Body.Close()

	events := pumpRaw(ctx, resp.Body)
	idle := time.NewTimer(s.cfg.StreamIdleTimeout)
	defer idle.Stop()
	sse := newSSEWriter(w)

	for {
		ev, err := s.nextEvent(ctx, events, idle)
		if err != nil {
			status, kind, msg := classify(err)
			closeWith(logring.StatusFailure, errorLabel(err, kind))
			if kind != kindCancelled {
				sse.fail(status, kind, msg)
			}
			return
		}
		if ev.err != nil {
			status, kind, msg := classify(ev.err)
			closeWith(logring.StatusFailure, kind)
			sse.fail(status, kind, msg)
			return
		}
		if ev.vend != nil {
			verr := &vendorError{ev.vend}
			status, kind, msg := classify(verr)
			closeWith(logring.StatusFailure, errorLabel(verr, kind))
			sse.fail(status, kind, msg)
			return
		}
		if ev.end {
			break
		}
		chunk, derr := wire.UnmarshalCppChunk(ev.raw)
		if derr != nil {
			closeWith(logring.StatusFailure, kindUpstreamDecode)
			sse.fail(http.StatusBadGateway, kindUpstreamDecode, "completion frame corrupt")
			return
		}
		out := cppStreamEvent{Text: chunk.Text, Done: chunk.Done}
		if chunk.RangeStart != 0 || chunk.RangeEnd != 0 {
			out.RangeStart = &chunk.RangeStart
			out.RangeEnd = &chunk.RangeEnd
		}
		sse.start()
		if err := sse.event(out); err != nil {
			closeWith(logring.StatusFailure, kindCancelled)
			return
		}
		if chunk.Done {
			break
		}
	}
	sse.start()
	sse.done()
	closeWith(logring.StatusSuccess, "")
}

type fileRequestBody struct {
	Path    string `json:"path"`
	Content string `json:"content"`
	Sha256  string `json:"sha256,omitempty"`
}

func (s *Server) handleFileUpload(w http.ResponseWriter, r *http.Request, p principal) {
	s.relayFile(w, r, p, pathFileUpload)
}

func (s *Server) handleFileSync(w http.ResponseWriter, r *http.Request, p principal) {
	s.relayFile(w, r, p, pathFileSync)
}

func (s *Server) relayFile(w http.ResponseWriter, r *http.Request, p principal, path string) {
	var req fileRequestBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, kindBadRequest, "malformed request body")
		return
	}
	if strings.TrimSpace(req.Path) == "" {
		writeError(w, http.StatusBadRequest, kindBadRequest, "path is required")
		return
	}

	lease, err := s.lease(p)
	if err != nil {
		writeLeaseError(w, err)
		return
	}
	defer lease.Release()
	rec := lease.Record

	outbound := &wire.FileRequest{
		Path:    req.Path,
		Content: []byte(req.Content),
		Sha256:  req.Sha256,
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	defer cancel()

	payload, err := s.vendor.postUnary(ctx, rec, s.vendor.chatURL(path), outbound.Marshal(), s.ghostMode(rec))
	if err != nil {
		status, kind, msg := classify(err)
		if kind == kindCancelled {
			return
		}
		writeError(w, status, kind, msg)
		return
	}
	ack, err := wire.UnmarshalFileAck(payload)
	if err != nil {
		writeError(w, http.StatusBadGateway, kindUpstreamDecode, "upstream ack corrupt")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": ack.OK, "message": ack.Message})
}
