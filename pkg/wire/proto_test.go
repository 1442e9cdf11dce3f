package wire

import (
	"bytes"
	"reflect"
	"testing"

	"google.golang.org/protobuf/encoding/protowire"
)

func TestChatRequestRoundTrip(t *testing.T) {
	req := &ChatRequest{
		Messages: []ChatMessage{
			{Role: RoleSystem, Text: "be brief"},
			{Role: RoleUser, Text: "what is the capital of France?", MessageID: "m-1",
				Images: []ImagePart{{URL: "data:image/png;base64,AAAA"}}},
			{Role: RoleAssistant, Text: "Paris."},
		},
		Model:                "gpt-test",
		RequestID:            "11111111-2222-3333-4444-555555555555",
		SessionID:            "66666666-7777-8888-9999-000000000000",
		ConfigVersion:        "aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee",
		Stream:               true,
		EnableSlowPool:       true,
		IncludeWebReferences: true,
		UsageRule:            &UsageRule{Kind: UsageRuleCustom, ModelIDs: []string{"gpt-test", "gpt-other"}},
	}
	got, err := UnmarshalChatRequest(req.Marshal())
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if !reflect.DeepEqual(got, req) {
		t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", got, req)
	}
}

func TestStreamMessageVariants(t *testing.T) {
	cases := []struct {
		name string
		msg  *StreamMessage
	}{
		{"text", &StreamMessage{Text: "hello "}},
		{"thinking", &StreamMessage{Thinking: &Thinking{Text: "let me see", Signature: "sig"}}},
		{"redacted thinking", &StreamMessage{Thinking: &Thinking{Redacted: "ffaa00"}}},
		{"web refs", &StreamMessage{WebRefs: []WebReference{
			{URL: "https://example.com/a", Title: "A", Chunk: "chunk a"},
			{URL: "https://example.com/b", Title: "B"},
		}}},
		{"usage", &StreamMessage{Usage: &StreamUsage{InputTokens: 120, OutputTokens: 48, CacheRead: 16}}},
		{"server info", &StreamMessage{Server: &ServerInfo{Model: "gpt-test", ServerTimingMs: 230}}},
		{"tool call", &StreamMessage{Tool: &ToolCall{ID: "t1", Name: "search", RawArgs: `{"q":"go"}`, IsStreaming: true, IsLast: true}}},
		{"end", &StreamMessage{End: true}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := UnmarshalStreamMessage(tc.msg.Marshal())
			if err != nil {
				t.Fatalf("Unmarshal: %v", err)
			}
			if !reflect.DeepEqual(got, tc.msg) {
				t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", got, tc.msg)
			}
		})
	}
}

func TestStreamMessageKeepsUnknownFields(t *testing.T) {
	raw := (&StreamMessage{Text: "hi"}).Marshal()
	extra := protowire.AppendTag(nil, 99, protowire.BytesType)
	extra = protowire.AppendString(extra, "future field")
	raw = append(raw, extra...)

	m, err := UnmarshalStreamMessage(raw)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if m.Text != "hi" {
		t.Fatalf("Text = %q", m.Text)
	}
	if !bytes.Equal(m.Unknown, extra) {
		t.Fatalf("Unknown = %x, want %x", m.Unknown, extra)
	}
	if !bytes.Equal(m.Marshal(), raw) {
		t.Fatal("re-marshal dropped unknown fields")
	}
}

func TestModelListRoundTrip(t *testing.T) {
	list := &ModelList{Models: []CatalogModel{
		{Name: "gpt-test", DisplayName: "GPT Test", ServerName: "gpt-test-server", Vision: true},
		{Name: "fast-nightly", Nightly: true, LongContext: true},
	}}
	got, err := UnmarshalModelList(list.Marshal())
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if !reflect.DeepEqual(got, list) {
		t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", got, list)
	}
}

func TestCppChunkRoundTrip(t *testing.T) {
	c := &CppChunk{Text: "return nil\n", RangeStart: 10, RangeEnd: 24, Done: true}
	got, err := UnmarshalCppChunk(c.Marshal())
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if !reflect.DeepEqual(got, c) {
		t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", got, c)
	}
}

func TestDecodeVendorError(t *testing.T) {
	ve, end, err := DecodeVendorError(EncodeVendorError(&VendorError{
		Code: "auth_token_expired", Message: "token expired",
	}))
	if err != nil || end {
		t.Fatalf("err=%v end=%v", err, end)
	}
	if ve.Code != "auth_token_expired" || ve.Message != "token expired" {
		t.Fatalf("got %+v", ve)
	}
	if !ve.IsAuthFailure() {
		t.Fatal("auth_token_expired not flagged as auth failure")
	}

	// Two-byte error frame is the end-of-turn marker.
	_, end, err = DecodeVendorError([]byte("{}"))
	if err != nil || !end {
		t.Fatalf("end-of-turn: err=%v end=%v", err, end)
	}

	if _, _, err := DecodeVendorError([]byte("not json")); err == nil {
		t.Fatal("malformed error frame accepted")
	}
}

func TestVendorErrorStatusCodes(t *testing.T) {
	cases := map[string]int{
		"unauthenticated":                401,
		"auth_token_expired":             401,
		"not_logged_in":                  403,
		"free_user_rate_limit_exceeded":  429,
		"generic_rate_limit_exceeded":    429,
		"user_aborted_request":           499,
		"timeout":                        504,
		"resource_exhausted":             503,
		"conversation_too_long":          400,
		"something_never_seen_before_xx": 502,
	}
	for code, want := range cases {
		if got := (&VendorError{Code: code}).StatusCode(); got != want {
			t.Errorf("StatusCode(%q) = %d, want %d", code, got, want)
		}
	}
}
