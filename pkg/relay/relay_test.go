package relay

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/charmbracelet/log"

	"github.com/KilimcininKorOglu/cursor-api/pkg/config"
	"github.com/KilimcininKorOglu/cursor-api/pkg/dynkey"
	"github.com/KilimcininKorOglu/cursor-api/pkg/logring"
	"github.com/KilimcininKorOglu/cursor-api/pkg/pool"
	"github.com/KilimcininKorOglu/cursor-api/pkg/proxies"
	"github.com/KilimcininKorOglu/cursor-api/pkg/wire"
)

const (
	testAdminToken  = "test-admin-token"
	testSharedToken = "test-shared-token"
)

func testJWT(t *testing.T, subject string, exp time.Time) string {
	t.Helper()
	enc := func(v any) string {
		b, err := json.Marshal(v)
		if err != nil {
			t.Fatal(err)
		}
		return base64.RawURLEncoding.EncodeToString(b)
	}
	header := enc(map[string]string{"alg": "none", "typ": "JWT"})
	claims := enc(map[string]any{"sub": subject, "exp": exp.Unix()})
	return header + "." + claims + "."
}

// testRig is one relay instance wired to a scriptable mock upstream.
type testRig struct {
	srv      *Server
	front    *httptest.Server
	upstream *httptest.Server
	pool     *pool.Pool
	ring     *logring.Ring
}

// newTestRig builds a relay with one enabled token, pointing every
// vendor call at handler.
func newTestRig(t *testing.T, handler http.HandlerFunc) *testRig {
	return newTestRigCfg(t, handler, nil)
}

// newTestRigCfg builds the rig with an optional config tweak applied
// before the server is constructed.
func newTestRigCfg(t *testing.T, handler http.HandlerFunc, tweak func(*config.App)) *testRig {
	t.Helper()
	dir := t.TempDir()

	upstream := httptest.NewServer(handler)
	t.Cleanup(upstream.Close)

	cfg := &config.App{
		AuthToken:         testAdminToken,
		SharedToken:       testSharedToken,
		TokensFile:        filepath.Join(dir, "tokens.capi"),
		ProxiesFile:       filepath.Join(dir, "proxies.capi"),
		ConfigFile:        filepath.Join(dir, "config.toml"),
		LogRingCapacity:   64,
		RequestTimeout:    5 * time.Second,
		StreamIdleTimeout: 2 * time.Second,
		UpstreamBase:      upstream.URL,
		LogLevel:          "error",
	}
	if tweak != nil {
		tweak(cfg)
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
		Alias:        "alpha",
		PrimaryToken: testJWT(t, "user_alpha", time.Now().Add(time.Hour)),
	}}); err != nil {
		t.Fatal(err)
	}

	ring := logring.New(cfg.LogRingCapacity)
	srv := NewServer(cfg, runtime, p, registry, ring, logger)
	front := httptest.NewServer(srv.Handler())
	t.Cleanup(front.Close)

	return &testRig{srv: srv, front: front, upstream: upstream, pool: p, ring: ring}
}

// keyFor encodes a dynamic key addressing the named record.
func (rig *testRig) keyFor(t *testing.T, alias string) string {
	t.Helper()
	rec, err := rig.pool.Get(alias)
	if err != nil {
		t.Fatal(err)
	}
	key, err := (&dynkey.Payload{Numeric: rec.Numeric}).Encode()
	if err != nil {
		t.Fatal(err)
	}
	return key
}

func (rig *testRig) do(t *testing.T, method, path, bearer string, body []byte) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequest(method, rig.front.URL+path, rd)
	if err != nil {
		t.Fatal(err)
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func decodeJSONBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

// writeFrames emits a sequence of pre-encoded frames with a flush
// between each, imitating the vendor's chunked stream.
func writeFrames(w http.ResponseWriter, frames ...[]byte) {
	flusher, _ := w.(http.Flusher)
	for _, f := range frames {
		_, _ = w.Write(f)
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func messageFrame(t *testing.T, m *wire.StreamMessage) []byte {
	t.Helper()
	f, err := wire.EncodeMessage(m.Marshal())
	if err != nil {
		t.Fatal(err)
	}
	return f
}

func endFrame(t *testing.T) []byte {
	t.Helper()
	f, err := wire.EncodeFrame(wire.TagError, []byte("{}"))
	if err != nil {
		t.Fatal(err)
	}
	return f
}

func vendorErrorFrame(t *testing.T, code, msg string) []byte {
	t.Helper()
	f, err := wire.EncodeFrame(wire.TagError, wire.EncodeVendorError(&wire.VendorError{Code: code, Message: msg}))
	if err != nil {
		t.Fatal(err)
	}
	return f
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}
