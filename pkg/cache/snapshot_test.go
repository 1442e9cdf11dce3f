package cache

import (
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

type payload struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "tokens.capi")
	in := payload{Name: "alpha", Count: 7}
	if err := Save(path, in); err != nil {
		t.Fatalf("Save: %v", err)
	}
	var out payload
	if err := Load(path, &out); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if out != in {
		t.Fatalf("round trip: got %+v, want %+v", out, in)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(raw[:4]) != "CAPI" {
		t.Fatalf("magic %q", raw[:4])
	}
	if binary.BigEndian.Uint16(raw[4:6]) != CurrentVersion {
		t.Fatalf("version %d", binary.BigEndian.Uint16(raw[4:6]))
	}
	if _, err := os.Stat(path + ".tmp"); !errors.Is(err, os.ErrNotExist) {
		t.Fatal("temp file left behind")
	}
}

func TestLoadMissing(t *testing.T) {
	var out payload
	err := Load(filepath.Join(t.TempDir(), "absent.capi"), &out)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestLoadRejectsForeignFiles(t *testing.T) {
	dir := t.TempDir()

	plain := filepath.Join(dir, "plain.json")
	if err := os.WriteFile(plain, []byte(`{"name":"x"}`), 0o600); err != nil {
		t.Fatal(err)
	}
	var out payload
	if err := Load(plain, &out); !errors.Is(err, ErrBadMagic) {
		t.Fatalf("plain JSON: got %v, want ErrBadMagic", err)
	}

	future := filepath.Join(dir, "future.capi")
	buf := []byte{'C', 'A', 'P', 'I', 0x00, 0x63, '{', '}'}
	if err := os.WriteFile(future, buf, 0o600); err != nil {
		t.Fatal(err)
	}
	if err := Load(future, &out); !errors.Is(err, ErrUnknownVersion) {
		t.Fatalf("future version: got %v, want ErrUnknownVersion", err)
	}
}
