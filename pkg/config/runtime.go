package config

import (
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pelletier/go-toml/v2"
)

// UsageCheckConfig mirrors the per-key override but applies pool-wide
// as the default.
type UsageCheckConfig struct {
	Variant string   `toml:"variant"`
	Models  []string `toml:"models,omitempty"`
}

// Runtime is the hot-swappable part of the configuration, stored as a
// TOML blob and exchanged over /config/get and /config/set together
// with its hash.
type Runtime struct {
	GhostMode   bool `toml:"ghost_mode"`
	AllowVision bool `toml:"allow_vision"`
	SlowPool    bool `toml:"slow_pool"`
	WebRefs     bool `toml:"include_web_references"`

	UsageCheck UsageCheckConfig `toml:"usage_check"`
}

// DefaultRuntime returns the settings used before any blob is loaded.
func DefaultRuntime() Runtime {
	return Runtime{
		GhostMode:   true,
		AllowVision: true,
		UsageCheck:  UsageCheckConfig{Variant: "default"},
	}
}

func (r *Runtime) Normalize() {
	r.UsageCheck.Variant = strings.ToLower(strings.TrimSpace(r.UsageCheck.Variant))
	if r.UsageCheck.Variant == "" {
		r.UsageCheck.Variant = "default"
	}
	models := r.UsageCheck.Models[:0]
	for _, m := range r.UsageCheck.Models {
		if m = strings.TrimSpace(m); m != "" {
			models = append(models, m)
		}
	}
	r.UsageCheck.Models = models
}

func (r *Runtime) Validate() error {
	switch r.UsageCheck.Variant {
	case "default", "disabled", "all":
		if len(r.UsageCheck.Models) > 0 {
			return fmt.Errorf("usage_check.models only valid with variant=custom, got %q", r.UsageCheck.Variant)
		}
	case "custom":
	default:
		return fmt.Errorf("usage_check.variant must be one of default, disabled, all, custom")
	}
	return nil
}

// BlobHash tags a config blob so /config/set can detect concurrent edits.
func BlobHash(blob []byte) string {
	h := fnv.New64a()
	_, _ = h.Write(blob)
	return fmt.Sprintf("%016x", h.Sum64())
}

var ErrHashMismatch = errors.New("config: blob hash mismatch, reload first")

// RuntimeStore guards the live Runtime and its source blob. Set swaps
// the blob only when the caller proves it saw the current hash.
type RuntimeStore struct {
	mu       sync.RWMutex
	path     string
	blob     []byte
	hash     string
	rt       Runtime
	watchers []func(Runtime)
}

// NewRuntimeStore loads path if it exists, otherwise starts from the
// defaults and writes them out.
func NewRuntimeStore(path string) (*RuntimeStore, error) {
	s := &RuntimeStore{path: path, rt: DefaultRuntime()}
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		blob, merr := toml.Marshal(s.rt)
		if merr != nil {
			return nil, fmt.Errorf("config: encode defaults: %w", merr)
		}
		if err := writeBlob(path, blob); err != nil {
			return nil, err
		}
		s.blob, s.hash = blob, BlobHash(blob)
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: read blob: %w", err)
	}
	if err := s.apply(b); err != nil {
		return nil, err
	}
	return s, nil
}

func writeBlob(path string, blob []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("config: mkdir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, blob, 0o600); err != nil {
		return fmt.Errorf("config: write blob temp: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("config: rename blob: %w", err)
	}
	return nil
}

// apply parses, validates and installs a blob. Caller holds no lock.
func (s *RuntimeStore) apply(blob []byte) error {
	rt := DefaultRuntime()
	if err := toml.Unmarshal(blob, &rt); err != nil {
		return fmt.Errorf("config: parse blob: %w", err)
	}
	rt.Normalize()
	if err := rt.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.blob = append([]byte(nil), blob...)
	s.hash = BlobHash(blob)
	s.rt = rt
	watchers := append([]func(Runtime){}, s.watchers...)
	s.mu.Unlock()
	for _, w := range watchers {
		w(rt)
	}
	return nil
}

// Snapshot returns the live settings by value.
func (s *RuntimeStore) Snapshot() Runtime {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rt := s.rt
	rt.UsageCheck.Models = append([]string(nil), rt.UsageCheck.Models...)
	return rt
}

// Blob returns the current blob text and its hash.
func (s *RuntimeStore) Blob() (string, string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return string(s.blob), s.hash
}

// Set installs a new blob if expectedHash matches the current one, then
// persists it. An empty expectedHash forces the write.
func (s *RuntimeStore) Set(blob []byte, expectedHash string) error {
	s.mu.RLock()
	current := s.hash
	s.mu.RUnlock()
	if expectedHash != "" && expectedHash != current {
		return ErrHashMismatch
	}
	if err := s.apply(blob); err != nil {
		return err
	}
	return writeBlob(s.path, blob)
}

// Reload re-reads the blob from disk, for out-of-band edits.
func (s *RuntimeStore) Reload() error {
	b, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("config: read blob: %w", err)
	}
	return s.apply(b)
}

// Watch registers fn to run after every successful install.
func (s *RuntimeStore) Watch(fn func(Runtime)) {
	s.mu.Lock()
	s.watchers = append(s.watchers, fn)
	s.mu.Unlock()
}
