// Integration coverage: a stock OpenAI SDK client pointed at the relay
// must work unmodified against a framed mock backend.
package tests

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	openai "github.com/sashabaranov/go-openai"

	"github.com/KilimcininKorOglu/cursor-api/pkg/config"
	"github.com/KilimcininKorOglu/cursor-api/pkg/logring"
	"github.com/KilimcininKorOglu/cursor-api/pkg/pool"
	"github.com/KilimcininKorOglu/cursor-api/pkg/proxies"
	"github.com/KilimcininKorOglu/cursor-api/pkg/relay"
	"github.com/KilimcininKorOglu/cursor-api/pkg/wire"
)

const sharedToken = "integration-shared-token"

func signedJWT(t *testing.T, subject string) string {
	t.Helper()
	enc := func(v any) string {
		b, err := json.Marshal(v)
		if err != nil {
			t.Fatal(err)
		}
		return base64.RawURLEncoding.EncodeToString(b)
	}
	head := enc(map[string]any{"alg": "HS256", "typ": "JWT"})
	claims := enc(map[string]any{
		"sub": subject,
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	mac := hmac.New(sha256.New, []byte("integration-secret"))
	mac.Write([]byte(head + "." + claims))
	sig := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	return head + "." + claims + "." + sig
}

// startRelay brings up the full server against a mock framed backend.
func startRelay(t *testing.T, backend http.HandlerFunc) string {
	t.Helper()
	dir := t.TempDir()

	upstream := httptest.NewServer(backend)
	t.Cleanup(upstream.Close)

	cfg := &config.App{
		AuthToken:         "integration-admin-token",
		SharedToken:       sharedToken,
		TokensFile:        filepath.Join(dir, "tokens.capi"),
		ProxiesFile:       filepath.Join(dir, "proxies.capi"),
		ConfigFile:        filepath.Join(dir, "config.toml"),
		LogRingCapacity:   32,
		RequestTimeout:    10 * time.Second,
		StreamIdleTimeout: 5 * time.Second,
		UpstreamBase:      upstream.URL,
		LogLevel:          "error",
	}
	runtime, err := config.NewRuntimeStore(cfg.ConfigFile)
	if err != nil {
		t.Fatal(err)
	}
	registry := proxies.New(cfg.ProxiesFile, cfg.RequestTimeout)
	if err := registry.Load(); err != nil {
		t.Fatal(err)
	}
	logger := log.New(io.Discard)
	p := pool.New(cfg.TokensFile, logger)
	if _, err := p.Add([]*pool.TokenRecord{{
		Alias:        "primary",
		PrimaryToken: signedJWT(t, "user_primary"),
	}}); err != nil {
		t.Fatal(err)
	}
	ring := logring.New(cfg.LogRingCapacity)
	srv := relay.NewServer(cfg, runtime, p, registry, ring, logger)
	front := httptest.NewServer(srv.Handler())
	t.Cleanup(front.Close)
	return front.URL
}

func sdkClient(baseURL string) *openai.Client {
	cfg := openai.DefaultConfig(sharedToken)
	cfg.BaseURL = baseURL + "/v1"
	return openai.NewClientWithConfig(cfg)
}

func frame(t *testing.T, m *wire.StreamMessage) []byte {
	t.Helper()
	b, err := wire.EncodeMessage(m.Marshal())
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func endOfTurn(t *testing.T) []byte {
	t.Helper()
	b, err := wire.EncodeFrame(wire.TagError, []byte("{}"))
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func emit(w http.ResponseWriter, frames ...[]byte) {
	flusher, _ := w.(http.Flusher)
	for _, f := range frames {
		_, _ = w.Write(f)
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func TestSDKChatCompletion(t *testing.T) {
	base := startRelay(t, func(w http.ResponseWriter, r *http.Request) {
		emit(w,
			frame(t, &wire.StreamMessage{Text: "The answer "}),
			frame(t, &wire.StreamMessage{Text: "is 42."}),
			frame(t, &wire.StreamMessage{Usage: &wire.StreamUsage{InputTokens: 12, OutputTokens: 6}}),
			endOfTurn(t),
		)
	})
	client := sdkClient(base)

	resp, err := client.CreateChatCompletion(context.Background(), openai.ChatCompletionRequest{
		Model: "gpt-4o",
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: "what is the answer?"},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Choices) != 1 {
		t.Fatalf("choices = %d", len(resp.Choices))
	}
	if got := resp.Choices[0].Message.Content; got != "The answer is 42." {
		t.Errorf("content = %q", got)
	}
	if resp.Choices[0].FinishReason != openai.FinishReasonStop {
		t.Errorf("finish reason = %q", resp.Choices[0].FinishReason)
	}
	if resp.Usage.PromptTokens != 12 || resp.Usage.CompletionTokens != 6 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestSDKChatCompletionStream(t *testing.T) {
	base := startRelay(t, func(w http.ResponseWriter, r *http.Request) {
		emit(w,
			frame(t, &wire.StreamMessage{Text: "stream"}),
			frame(t, &wire.StreamMessage{Text: "ing"}),
			endOfTurn(t),
		)
	})
	client := sdkClient(base)

	stream, err := client.CreateChatCompletionStream(context.Background(), openai.ChatCompletionRequest{
		Model:  "gpt-4o",
		Stream: true,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: "stream please"},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	defer stream.Close()

	var sb strings.Builder
	var finish openai.FinishReason
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		sb.WriteString(chunk.Choices[0].Delta.Content)
		if chunk.Choices[0].FinishReason != "" {
			finish = chunk.Choices[0].FinishReason
		}
	}
	if sb.String() != "streaming" {
		t.Errorf("streamed content = %q", sb.String())
	}
	if finish != openai.FinishReasonStop {
		t.Errorf("finish reason = %q", finish)
	}
}

func TestSDKModelList(t *testing.T) {
	base := startRelay(t, func(w http.ResponseWriter, r *http.Request) {
		list := &wire.ModelList{Models: []wire.CatalogModel{
			{Name: "gpt-4o", Vision: true},
			{Name: "cursor-small"},
		}}
		b, err := wire.EncodeMessage(list.Marshal())
		if err != nil {
			t.Error(err)
			return
		}
		emit(w, b)
	})
	client := sdkClient(base)

	models, err := client.ListModels(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	seen := map[string]bool{}
	for _, m := range models.Models {
		seen[m.ID] = true
	}
	if !seen["gpt-4o"] || !seen["cursor-small"] {
		t.Errorf("live catalog missing expected models: %v", seen)
	}
}
