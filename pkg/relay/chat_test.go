package relay

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/KilimcininKorOglu/cursor-api/pkg/dynkey"
	"github.com/KilimcininKorOglu/cursor-api/pkg/logring"
	"github.com/KilimcininKorOglu/cursor-api/pkg/wire"
)

func chatBody(t *testing.T, model string, stream bool, extra map[string]any) []byte {
	t.Helper()
	body := map[string]any{
		"model":  model,
		"stream": stream,
		"messages": []map[string]any{
			{"role": "user", "content": "say hello"},
		},
	}
	for k, v := range extra {
		body[k] = v
	}
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func helloUpstream(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeFrames(w,
			messageFrame(t, &wire.StreamMessage{Text: "he"}),
			messageFrame(t, &wire.StreamMessage{Text: "llo"}),
			messageFrame(t, &wire.StreamMessage{Usage: &wire.StreamUsage{InputTokens: 5, OutputTokens: 2}}),
			endFrame(t),
		)
	}
}

func TestChatCompletionNonStream(t *testing.T) {
	rig := newTestRig(t, helloUpstream(t))
	key := rig.keyFor(t, "alpha")

	resp := rig.do(t, http.MethodPost, "/v1/chat/completions", key, chatBody(t, "gpt-4o", false, nil))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var out struct {
		Object  string `json:"object"`
		Choices []struct {
			Message struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
			TotalTokens      int `json:"total_tokens"`
		} `json:"usage"`
	}
	decodeJSONBody(t, resp, &out)

	if out.Object != "chat.completion" {
		t.Errorf("object = %q", out.Object)
	}
	if len(out.Choices) != 1 {
		t.Fatalf("choices = %d, want 1", len(out.Choices))
	}
	if got := out.Choices[0].Message.Content; got != "hello" {
		t.Errorf("content = %q, want hello", got)
	}
	if out.Choices[0].FinishReason != "stop" {
		t.Errorf("finish_reason = %q, want stop", out.Choices[0].FinishReason)
	}
	if out.Usage.PromptTokens != 5 || out.Usage.CompletionTokens != 2 || out.Usage.TotalTokens != 7 {
		t.Errorf("usage = %+v", out.Usage)
	}

	recs := rig.ring.Query(logring.Filter{Status: logring.StatusSuccess})
	if len(recs) != 1 {
		t.Fatalf("success records = %d, want 1", len(recs))
	}
	if recs[0].Chain.Usage == nil || recs[0].Chain.Usage.Input != 5 {
		t.Errorf("telemetry usage = %+v", recs[0].Chain.Usage)
	}
}

func sseData(t *testing.T, resp *http.Response) []string {
	t.Helper()
	defer resp.Body.Close()
	var out []string
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(line, "data: ") {
			out = append(out, strings.TrimPrefix(line, "data: "))
		}
	}
	if err := sc.Err(); err != nil {
		t.Fatal(err)
	}
	return out
}

func TestChatCompletionStreamOrder(t *testing.T) {
	rig := newTestRig(t, helloUpstream(t))
	key := rig.keyFor(t, "alpha")

	resp := rig.do(t, http.MethodPost, "/v1/chat/completions", key,
		chatBody(t, "gpt-4o", true, map[string]any{"stream_options": map[string]any{"include_usage": true}}))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content-type = %q", ct)
	}

	events := sseData(t, resp)
	if len(events) == 0 || events[len(events)-1] != "[DONE]" {
		t.Fatalf("stream did not end with [DONE]: %v", events)
	}

	type chunk struct {
		Object  string `json:"object"`
		Choices []struct {
			Delta struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"delta"`
			FinishReason *string `json:"finish_reason"`
		} `json:"choices"`
		Usage *struct {
			PromptTokens int `json:"prompt_tokens"`
		} `json:"usage"`
	}
	var chunks []chunk
	for _, ev := range events[:len(events)-1] {
		var c chunk
		if err := json.Unmarshal([]byte(ev), &c); err != nil {
			t.Fatalf("bad chunk %q: %v", ev, err)
		}
		if c.Object != "chat.completion.chunk" {
			t.Errorf("object = %q", c.Object)
		}
		chunks = append(chunks, c)
	}

	// role, "he", "llo", finish, usage
	if len(chunks) != 5 {
		t.Fatalf("chunks = %d, want 5: %v", len(chunks), events)
	}
	if chunks[0].Choices[0].Delta.Role != "assistant" {
		t.Errorf("first chunk role = %q", chunks[0].Choices[0].Delta.Role)
	}
	if chunks[1].Choices[0].Delta.Content != "he" || chunks[2].Choices[0].Delta.Content != "llo" {
		t.Errorf("content order wrong: %v", events)
	}
	if fr := chunks[3].Choices[0].FinishReason; fr == nil || *fr != "stop" {
		t.Errorf("finish chunk = %v", events[3])
	}
	if chunks[4].Usage == nil || chunks[4].Usage.PromptTokens != 5 {
		t.Errorf("usage chunk = %v", events[4])
	}
}

func TestChatStreamEmptyTurnStillOpensRole(t *testing.T) {
	rig := newTestRig(t, func(w http.ResponseWriter, r *http.Request) {
		writeFrames(w, endFrame(t))
	})
	resp := rig.do(t, http.MethodPost, "/v1/chat/completions", rig.keyFor(t, "alpha"),
		chatBody(t, "gpt-4o", true, nil))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	events := sseData(t, resp)
	// role chunk, finish chunk, [DONE]
	if len(events) != 3 || events[2] != "[DONE]" {
		t.Fatalf("events = %v", events)
	}
	var first struct {
		Choices []struct {
			Delta struct {
				Role string `json:"role"`
			} `json:"delta"`
		} `json:"choices"`
	}
	if err := json.Unmarshal([]byte(events[0]), &first); err != nil {
		t.Fatal(err)
	}
	if first.Choices[0].Delta.Role != "assistant" {
		t.Errorf("opening chunk = %s", events[0])
	}
	var last struct {
		Choices []struct {
			FinishReason *string `json:"finish_reason"`
		} `json:"choices"`
	}
	if err := json.Unmarshal([]byte(events[1]), &last); err != nil {
		t.Fatal(err)
	}
	if fr := last.Choices[0].FinishReason; fr == nil || *fr != "stop" {
		t.Errorf("finish chunk = %s", events[1])
	}
}

func TestChatWebReferencesAppended(t *testing.T) {
	rig := newTestRig(t, func(w http.ResponseWriter, r *http.Request) {
		writeFrames(w,
			messageFrame(t, &wire.StreamMessage{Text: "answer"}),
			messageFrame(t, &wire.StreamMessage{WebRefs: []wire.WebReference{{URL: "https://example.com", Title: "Example"}}}),
			endFrame(t),
		)
	})
	resp := rig.do(t, http.MethodPost, "/v1/chat/completions", rig.keyFor(t, "alpha"),
		chatBody(t, "gpt-4o", false, nil))
	var out struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	decodeJSONBody(t, resp, &out)
	content := out.Choices[0].Message.Content
	if !strings.HasPrefix(content, "answer") || !strings.Contains(content, "[Example](https://example.com)") {
		t.Errorf("content = %q", content)
	}
}

func TestChatVendorAuthErrorFlagsToken(t *testing.T) {
	rig := newTestRig(t, func(w http.ResponseWriter, r *http.Request) {
		writeFrames(w, vendorErrorFrame(t, "unauthenticated", "token rejected"))
	})
	resp := rig.do(t, http.MethodPost, "/v1/chat/completions", rig.keyFor(t, "alpha"),
		chatBody(t, "gpt-4o", false, nil))
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	var body struct {
		Error string `json:"error"`
	}
	decodeJSONBody(t, resp, &body)
	if body.Error != "token_expired" {
		t.Errorf("error kind = %q, want token_expired", body.Error)
	}

	recs := rig.ring.Query(logring.Filter{Status: logring.StatusFailure})
	if len(recs) != 1 || recs[0].Error != "token_expired" {
		t.Errorf("failure records = %+v", recs)
	}
}

func TestChatUnknownModel(t *testing.T) {
	rig := newTestRig(t, helloUpstream(t))
	resp := rig.do(t, http.MethodPost, "/v1/chat/completions", rig.keyFor(t, "alpha"),
		chatBody(t, "made-up-model", false, nil))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestChatTokenBusy(t *testing.T) {
	rig := newTestRig(t, helloUpstream(t))
	rec, err := rig.pool.Get("alpha")
	if err != nil {
		t.Fatal(err)
	}
	lease, err := rig.pool.SelectFor(&dynkey.Payload{Numeric: rec.Numeric})
	if err != nil {
		t.Fatal(err)
	}
	defer lease.Release()

	resp := rig.do(t, http.MethodPost, "/v1/chat/completions", rig.keyFor(t, "alpha"),
		chatBody(t, "gpt-4o", false, nil))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") != "1" {
		t.Errorf("Retry-After = %q, want 1", resp.Header.Get("Retry-After"))
	}
}

func TestChatSharedTokenRoundRobin(t *testing.T) {
	rig := newTestRig(t, helloUpstream(t))
	resp := rig.do(t, http.MethodPost, "/v1/chat/completions", testSharedToken,
		chatBody(t, "gpt-4o", false, nil))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestChatClientCancelReleasesLease(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	rig := newTestRig(t, func(w http.ResponseWriter, r *http.Request) {
		writeFrames(w, messageFrame(t, &wire.StreamMessage{Text: "partial"}))
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	key := rig.keyFor(t, "alpha")

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		rig.front.URL+"/v1/chat/completions", strings.NewReader(string(chatBody(t, "gpt-4o", true, nil))))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Authorization", "Bearer "+key)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 64)
	if _, err := resp.Body.Read(buf); err != nil {
		t.Fatalf("first read: %v", err)
	}
	cancel()
	resp.Body.Close()

	rec, err := rig.pool.Get("alpha")
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, 3*time.Second, func() bool {
		lease, err := rig.pool.SelectFor(&dynkey.Payload{Numeric: rec.Numeric})
		if err != nil {
			return false
		}
		lease.Release()
		recs := rig.ring.Query(logring.Filter{Status: logring.StatusFailure})
		return len(recs) == 1 && recs[0].Error == "client_cancelled"
	})
}
