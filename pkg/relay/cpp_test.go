package relay

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/KilimcininKorOglu/cursor-api/pkg/wire"
)

func unaryFrame(t *testing.T, payload []byte) []byte {
	t.Helper()
	b, err := wire.EncodeMessage(payload)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestCppModels(t *testing.T) {
	rig := newTestRig(t, func(w http.ResponseWriter, r *http.Request) {
		list := &wire.ModelList{Models: []wire.CatalogModel{
			{Name: "cpp-fast"},
			{Name: "cpp-long", LongContext: true},
		}}
		writeFrames(w, unaryFrame(t, list.Marshal()))
	})

	resp := rig.do(t, http.MethodGet, "/cpp/models", rig.keyFor(t, "alpha"), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var out struct {
		Models []string `json:"models"`
	}
	decodeJSONBody(t, resp, &out)
	if len(out.Models) != 2 || out.Models[0] != "cpp-fast" || out.Models[1] != "cpp-long" {
		t.Errorf("models = %v", out.Models)
	}
}

func TestCppStream(t *testing.T) {
	rig := newTestRig(t, func(w http.ResponseWriter, r *http.Request) {
		f, err := wire.ReadFrame(r.Body)
		if err != nil {
			t.Errorf("read request frame: %v", err)
		}
		req, err := wire.UnmarshalCppRequest(f.Payload)
		if err != nil {
			t.Errorf("decode request: %v", err)
		} else if req.Filename != "main.go" {
			t.Errorf("filename = %q", req.Filename)
		}
		c1 := &wire.CppChunk{Text: "fmt.Println", RangeStart: 10, RangeEnd: 10}
		c2 := &wire.CppChunk{Done: true}
		writeFrames(w,
			unaryFrame(t, c1.Marshal()),
			unaryFrame(t, c2.Marshal()),
		)
	})

	body, _ := json.Marshal(map[string]any{
		"filename":      "main.go",
		"content":       "package main\n",
		"cursor_offset": 13,
	})
	resp := rig.do(t, http.MethodPost, "/cpp/stream", rig.keyFor(t, "alpha"), body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	events := sseData(t, resp)
	if len(events) != 3 {
		t.Fatalf("events = %v", events)
	}
	var first cppStreamEvent
	if err := json.Unmarshal([]byte(events[0]), &first); err != nil {
		t.Fatal(err)
	}
	if first.Text != "fmt.Println" || first.RangeStart == nil || *first.RangeStart != 10 {
		t.Errorf("first event = %+v", first)
	}
	var second cppStreamEvent
	if err := json.Unmarshal([]byte(events[1]), &second); err != nil {
		t.Fatal(err)
	}
	if !second.Done {
		t.Errorf("second event = %+v", second)
	}
	if events[2] != "[DONE]" {
		t.Errorf("terminator = %q", events[2])
	}
}

func TestCppStreamMissingFilename(t *testing.T) {
	rig := newTestRig(t, helloUpstream(t))
	body, _ := json.Marshal(map[string]any{"content": "x"})
	resp := rig.do(t, http.MethodPost, "/cpp/stream", rig.keyFor(t, "alpha"), body)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestFileUpload(t *testing.T) {
	rig := newTestRig(t, func(w http.ResponseWriter, r *http.Request) {
		f, err := wire.ReadFrame(r.Body)
		if err != nil {
			t.Errorf("read request frame: %v", err)
		}
		req, err := wire.UnmarshalFileRequest(f.Payload)
		if err != nil {
			t.Errorf("decode request: %v", err)
		} else {
			if req.Path != "src/lib.rs" || string(req.Content) != "pub fn x() {}" {
				t.Errorf("file request = %+v", req)
			}
		}
		ack := &wire.FileAck{OK: true, Message: "stored"}
		writeFrames(w, unaryFrame(t, ack.Marshal()))
	})

	body, _ := json.Marshal(map[string]any{
		"path":    "src/lib.rs",
		"content": "pub fn x() {}",
	})
	resp := rig.do(t, http.MethodPost, "/file/upload", rig.keyFor(t, "alpha"), body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var out struct {
		OK      bool   `json:"ok"`
		Message string `json:"message"`
	}
	decodeJSONBody(t, resp, &out)
	if !out.OK || out.Message != "stored" {
		t.Errorf("ack = %+v", out)
	}
}
