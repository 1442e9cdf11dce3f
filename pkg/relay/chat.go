package relay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/KilimcininKorOglu/cursor-api/pkg/config"
	"github.com/KilimcininKorOglu/cursor-api/pkg/dynkey"
	"github.com/KilimcininKorOglu/cursor-api/pkg/logring"
	"github.com/KilimcininKorOglu/cursor-api/pkg/pool"
	"github.com/KilimcininKorOglu/cursor-api/pkg/wire"
)

// chatCall carries everything the stream and non-stream paths share.
type chatCall struct {
	req      *chatRequest
	lease    *pool.Lease
	logID    uint64
	started  time.Time
	lastEmit time.Time
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request, p principal) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, kindBadRequest, "malformed request body")
		return
	}
	req.Model = strings.TrimSpace(req.Model)
	model, ok := s.knownModel(req.Model)
	if !ok {
		writeError(w, http.StatusBadRequest, kindBadRequest, "unknown model "+req.Model)
		return
	}
	rt := s.runtime.Snapshot()

	allowVision := rt.AllowVision && model.Vision
	if p.Payload != nil && p.Payload.Overrides.DisableVision {
		allowVision = false
	}
	msgs, droppedImages, err := req.toWire(allowVision)
	if err != nil {
		writeError(w, http.StatusBadRequest, kindBadRequest, err.Error())
		return
	}

	lease, err := s.lease(p)
	if err != nil {
		writeLeaseError(w, err)
		return
	}
	defer lease.Release()
	rec := lease.Record

	if droppedImages > 0 {
		s.logger.Warn("image parts dropped, vision disabled",
			"model", req.Model, "count", droppedImages, "token", logring.TokenKey(rec.PrimaryToken))
	}

	serverModel := model.ServerName
	if serverModel == "" {
		serverModel = model.Name
	}
	outbound := &wire.ChatRequest{
		Messages:             msgs,
		Model:                serverModel,
		RequestID:            uuid.NewString(),
		SessionID:            rec.SessionID,
		ConfigVersion:        rec.ConfigVersion,
		Stream:               true,
		EnableSlowPool:       s.slowPool(rt, p),
		IncludeWebReferences: s.webRefs(rt, p),
		UsageRule:            s.usageRule(rt, p, serverModel),
	}

	call := &chatCall{
		req:     &req,
		lease:   lease,
		started: time.Now(),
	}
	call.logID = s.ring.Append(logring.Record{
		Model:    req.Model,
		TokenKey: logring.TokenKey(rec.PrimaryToken),
		Stream:   req.Stream,
	})

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	defer cancel()

	resp, err := s.vendor.post(ctx, rec, s.vendor.chatURL(pathStreamChat), outbound.Marshal(), s.ghostMode(rec))
	if err != nil {
		s.failChat(w, call, err, nil)
		return
	}
	defer resp.Body.Close()

	if req.Stream {
		s.streamChat(ctx, w, call, resp.Body)
		return
	}
	s.collectChat(ctx, w, call, resp.Body)
}

func (s *Server) slowPool(rt config.Runtime, p principal) bool {
	if p.Payload != nil && p.Payload.Overrides.EnableSlowPool {
		return true
	}
	return rt.SlowPool
}

func (s *Server) webRefs(rt config.Runtime, p principal) bool {
	if p.Payload != nil && p.Payload.Overrides.IncludeWebReferences {
		return true
	}
	return rt.WebRefs
}

// usageRule layers the key override over the runtime default and
// reports whether the named model triggers a usage check.
func (s *Server) usageRule(rt config.Runtime, p principal, model string) *wire.UsageRule {
	variant := rt.UsageCheck.Variant
	models := rt.UsageCheck.Models
	if p.Payload != nil && p.Payload.Overrides.UsageCheck != nil {
		uc := p.Payload.Overrides.UsageCheck
		models = uc.Models
		switch uc.Variant {
		case dynkey.UsageCheckDisabled:
			variant = "disabled"
		case dynkey.UsageCheckAll:
			variant = "all"
		case dynkey.UsageCheckCustom:
			variant = "custom"
		default:
			variant = "default"
		}
	}
	switch variant {
	case "disabled":
		return &wire.UsageRule{Kind: wire.UsageRuleDisabled}
	case "all":
		return &wire.UsageRule{Kind: wire.UsageRuleAll}
	case "custom":
		for _, m := range models {
			if m == model {
				return &wire.UsageRule{Kind: wire.UsageRuleCustom, ModelIDs: models}
			}
		}
		return &wire.UsageRule{Kind: wire.UsageRuleDisabled}
	default:
		return nil
	}
}

// delayFor records one chunk's telemetry delay entry.
func (call *chatCall) delayFor(kind string, chars int) logring.Delay {
	now := time.Now()
	prev := call.lastEmit
	if prev.IsZero() {
		prev = call.started
	}
	call.lastEmit = now
	return logring.Delay{
		Kind:  kind,
		Chars: uint32(chars),
		Ms:    uint32(now.Sub(prev).Milliseconds()),
	}
}

// failChat closes the telemetry record and emits the error on whichever
// surface is still writable.
func (s *Server) failChat(w http.ResponseWriter, call *chatCall, err error, sse *sseWriter) {
	status, kind, msg := classify(err)
	if kind == kindCancelled {
		// Connection is gone; only telemetry is left.
		s.closeLog(call, logring.StatusFailure, kindCancelled, nil)
		return
	}
	s.closeLog(call, logring.StatusFailure, errorLabel(err, kind), nil)
	if sse != nil {
		sse.fail(status, kind, msg)
		return
	}
	writeError(w, status, kind, msg)
}

// errorLabel is the string stored in the log record. Vendor auth
// failures are recorded as token_expired so the pool view shows which
// credentials are dying.
func errorLabel(err error, kind string) string {
	var ve *vendorError
	if errors.As(err, &ve) && ve.IsAuthFailure() {
		return kindTokenExpired
	}
	return kind
}

func classify(err error) (int, string, string) {
	var ve *vendorError
	switch {
	case errors.As(err, &ve):
		status := ve.StatusCode()
		kind := kindUpstreamStatus
		if ve.IsAuthFailure() {
			kind = kindTokenExpired
		}
		return status, kind, ve.Message
	case errors.Is(err, context.Canceled):
		return 0, kindCancelled, ""
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, kindUpstreamWait, "upstream did not finish in time"
	case errors.Is(err, errStreamStall):
		return http.StatusGatewayTimeout, kindUpstreamStall, "upstream stream stalled"
	case errors.Is(err, wire.ErrTruncatedHeader), errors.Is(err, wire.ErrTruncatedBody),
		errors.Is(err, wire.ErrOversizedFrame), errors.Is(err, wire.ErrUnknownTag):
		return http.StatusBadGateway, kindUpstreamDecode, "upstream frame corrupt"
	default:
		var use *upstreamStatusError
		if errors.As(err, &use) {
			return http.StatusBadGateway, kindUpstreamStatus, use.Error()
		}
		return http.StatusBadGateway, kindUpstreamDecode, "upstream request failed"
	}
}

var errStreamStall = errors.New("relay: stream idle timeout")

func (s *Server) closeLog(call *chatCall, status, errLabel string, usage *wire.StreamUsage) {
	total := time.Since(call.started).Seconds()
	s.ring.Close(call.logID, func(rec *logring.Record) {
		rec.Status = status
		rec.Error = errLabel
		rec.TotalSecs = total
		if usage != nil {
			rec.Chain.Usage = &logring.Usage{
				Input:     usage.InputTokens,
				Output:    usage.OutputTokens,
				CacheRead: usage.CacheRead,
			}
		}
	})
}

func (s *Server) appendDelay(call *chatCall, d logring.Delay) {
	s.ring.Close(call.logID, func(rec *logring.Record) {
		rec.Chain.Delays = append(rec.Chain.Delays, d)
	})
}

// nextEvent waits for the next stream event, enforcing the per-chunk
// idle timeout on top of the request deadline.
func (s *Server) nextEvent(ctx context.Context, events <-chan event, idle *time.Timer) (event, error) {
	if !idle.Stop() {
		select {
		case <-idle.C:
		default:
		}
	}
	idle.Reset(s.cfg.StreamIdleTimeout)
	select {
	case ev, ok := <-events:
		if !ok {
			return event{end: true}, nil
		}
		return ev, nil
	case <-idle.C:
		return event{}, errStreamStall
	case <-ctx.Done():
		return event{}, ctx.Err()
	}
}

// collectChat drains the upstream stream into a single JSON completion.
func (s *Server) collectChat(ctx context.Context, w http.ResponseWriter, call *chatCall, body io.Reader) {
	events := pump(ctx, body)
	idle := time.NewTimer(s.cfg.StreamIdleTimeout)
	defer idle.Stop()

	var (
		text     strings.Builder
		refs     []wire.WebReference
		tools    []toolCall
		usage    *wire.StreamUsage
		model    = call.req.Model
		truncate bool
	)
	for {
		ev, err := s.nextEvent(ctx, events, idle)
		if err != nil {
			s.failChat(w, call, err, nil)
			return
		}
		if ev.err != nil {
			s.failChat(w, call, ev.err, nil)
			return
		}
		if ev.vend != nil {
			s.failChat(w, call, &vendorError{ev.vend}, nil)
			return
		}
		if ev.end {
			break
		}
		msg := ev.msg
		if msg.Text != "" {
			text.WriteString(msg.Text)
			s.appendDelay(call, call.delayFor("text", len(msg.Text)))
		}
		if msg.Thinking != nil && msg.Thinking.Text != "" {
			s.appendDelay(call, call.delayFor("thinking", len(msg.Thinking.Text)))
		}
		if len(msg.WebRefs) > 0 {
			refs = append(refs, msg.WebRefs...)
		}
		if msg.Tool != nil {
			tools = mergeToolCall(tools, msg.Tool)
		}
		if msg.Usage != nil {
			usage = msg.Usage
			truncate = msg.Usage.Truncated
		}
		if msg.Server != nil && msg.Server.Model != "" {
			model = msg.Server.Model
		}
		if msg.End {
			break
		}
	}

	content := text.String()
	if md := webRefsMarkdown(refs); md != "" {
		content += md
	}
	finish := finishStop
	switch {
	case len(tools) > 0:
		finish = finishToolCalls
	case truncate:
		finish = finishLength
	}
	out := chatCompletion{
		ID:      "chatcmpl-" + uuid.NewString(),
		Object:  objectCompletion,
		Created: call.started.Unix(),
		Model:   model,
		Choices: []chatChoice{{
			Index:        0,
			Message:      &respMessage{Role: "assistant", Content: content, ToolCalls: tools},
			FinishReason: &finish,
		}},
		Usage: usageFrom(usage),
	}
	s.closeLog(call, logring.StatusSuccess, "", usage)
	writeJSON(w, http.StatusOK, out)
}

// streamChat translates the framed stream into SSE chunks.
func (s *Server) streamChat(ctx context.Context, w http.ResponseWriter, call *chatCall, body io.Reader) {
	events := pump(ctx, body)
	idle := time.NewTimer(s.cfg.StreamIdleTimeout)
	defer idle.Stop()

	sse := newSSEWriter(w)
	id := "chatcmpl-" + uuid.NewString()
	model := call.req.Model
	created := call.started.Unix()

	chunk := func(delta respDelta, finish *string) chatCompletion {
		return chatCompletion{
			ID:      id,
			Object:  objectChunk,
			Created: created,
			Model:   model,
			Choices: []chatChoice{{Index: 0, Delta: &delta, FinishReason: finish}},
		}
	}

	var (
		usage    *wire.StreamUsage
		tools    []toolCall
		refs     []wire.WebReference
		truncate bool
		sent     bool
	)
	// openTurn emits the assistant role chunk exactly once per turn;
	// every turn gets one even when the upstream sends no deltas.
	openTurn := func() bool {
		if sent {
			return true
		}
		sse.start()
		if err := sse.event(chunk(respDelta{Role: "assistant"}, nil)); err != nil {
			s.closeLog(call, logring.StatusFailure, kindCancelled, nil)
			return false
		}
		sent = true
		return true
	}
	for {
		ev, err := s.nextEvent(ctx, events, idle)
		if err != nil {
			s.failChat(w, call, err, sse)
			return
		}
		if ev.err != nil {
			s.failChat(w, call, ev.err, sse)
			return
		}
		if ev.vend != nil {
			s.failChat(w, call, &vendorError{ev.vend}, sse)
			return
		}
		if ev.end {
			break
		}
		msg := ev.msg
		if msg.Server != nil && msg.Server.Model != "" {
			model = msg.Server.Model
		}
		if msg.Text != "" || msg.Tool != nil {
			if !openTurn() {
				return
			}
		}
		if msg.Text != "" {
			s.appendDelay(call, call.delayFor("text", len(msg.Text)))
			if err := sse.event(chunk(respDelta{Content: msg.Text}, nil)); err != nil {
				s.closeLog(call, logring.StatusFailure, kindCancelled, nil)
				return
			}
		}
		if msg.Tool != nil {
			tools = mergeToolCall(tools, msg.Tool)
			tc := tools[len(tools)-1]
			if err := sse.event(chunk(respDelta{ToolCalls: []toolCall{tc}}, nil)); err != nil {
				s.closeLog(call, logring.StatusFailure, kindCancelled, nil)
				return
			}
		}
		if len(msg.WebRefs) > 0 {
			refs = append(refs, msg.WebRefs...)
		}
		if msg.Usage != nil {
			usage = msg.Usage
			truncate = msg.Usage.Truncated
		}
		if msg.End {
			break
		}
	}

	if !openTurn() {
		return
	}
	if md := webRefsMarkdown(refs); md != "" {
		if err := sse.event(chunk(respDelta{Content: md}, nil)); err != nil {
			s.closeLog(call, logring.StatusFailure, kindCancelled, nil)
			return
		}
	}
	finish := finishStop
	switch {
	case len(tools) > 0:
		finish = finishToolCalls
	case truncate:
		finish = finishLength
	}
	if err := sse.event(chunk(respDelta{}, &finish)); err != nil {
		s.closeLog(call, logring.StatusFailure, kindCancelled, nil)
		return
	}
	if call.req.StreamOptions != nil && call.req.StreamOptions.IncludeUsage {
		final := chatCompletion{
			ID:      id,
			Object:  objectChunk,
			Created: created,
			Model:   model,
			Choices: []chatChoice{},
			Usage:   usageFrom(usage),
		}
		if err := sse.event(final); err != nil {
			s.closeLog(call, logring.StatusFailure, kindCancelled, nil)
			return
		}
	}
	sse.done()
	s.closeLog(call, logring.StatusSuccess, "", usage)
}

// mergeToolCall folds a streamed tool fragment into the accumulated
// call list, appending argument bytes for continuations.
func mergeToolCall(tools []toolCall, t *wire.ToolCall) []toolCall {
	for i := range tools {
		if tools[i].ID == t.ID {
			tools[i].Function.Arguments += t.RawArgs
			return tools
		}
	}
	return append(tools, toolCall{
		Index: len(tools),
		ID:    t.ID,
		Type:  "function",
		Function: toolFunction{
			Name:      t.Name,
			Arguments: t.RawArgs,
		},
	})
}
