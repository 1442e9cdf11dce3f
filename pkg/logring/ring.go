// Package logring is the in-memory request telemetry ring. Records
// carry timing, token and chain metadata but never message content.
package logring

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// Record status values.
const (
	StatusPending = "pending"
	StatusSuccess = "success"
	StatusFailure = "failure"
)

const DefaultCapacity = 2048

// Delay is one observed gap between content chunks: how many
// characters arrived and how long since the previous chunk.
type Delay struct {
	Kind  string `json:"kind"` // text, thinking, tool
	Chars uint32 `json:"chars"`
	Ms    uint32 `json:"ms"`
}

// Usage mirrors the vendor's final token accounting.
type Usage struct {
	Input     int32 `json:"input"`
	Output    int32 `json:"output"`
	CacheRead int32 `json:"cache_read,omitempty"`
}

// Chain is the per-request stream trace.
type Chain struct {
	Delays []Delay `json:"delays,omitempty"`
	Usage  *Usage  `json:"usage,omitempty"`
}

// Record is one request's telemetry entry.
type Record struct {
	ID        uint64    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Model     string    `json:"model"`
	TokenKey  string    `json:"token_key"`
	Chain     Chain     `json:"chain"`
	TotalSecs float64   `json:"total_s"`
	Stream    bool      `json:"stream"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
}

// TokenKey derives the short hash under which a credential shows up in
// telemetry, so logs never carry the token itself.
func TokenKey(primaryToken string) string {
	sum := sha256.Sum256([]byte(primaryToken))
	return hex.EncodeToString(sum[:])[:8]
}

// Ring is the fixed-capacity append-only record store.
type Ring struct {
	mu     sync.Mutex
	buf    []Record
	head   int // next write slot
	filled bool
	nextID uint64

	totalRequests uint64
	totalErrors   uint64
}

// New creates a ring; capacity <= 0 uses the default.
func New(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Ring{buf: make([]Record, 0, capacity), nextID: 1}
}

// Append adds a pending record and returns its id.
func (r *Ring) Append(rec Record) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec.ID = r.nextID
	r.nextID++
	if rec.Status == "" {
		rec.Status = StatusPending
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	if len(r.buf) < cap(r.buf) {
		r.buf = append(r.buf, rec)
	} else {
		r.buf[r.head] = rec
		r.head = (r.head + 1) % cap(r.buf)
		r.filled = true
	}
	r.totalRequests++
	return rec.ID
}

// Close finalizes a record. Records evicted from the ring are silently
// dropped; closing them is a no-op.
func (r *Ring) Close(id uint64, fn func(*Record)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.buf {
		if r.buf[i].ID != id {
			continue
		}
		fn(&r.buf[i])
		if r.buf[i].Status == StatusFailure {
			r.totalErrors++
		}
		return
	}
}

// Filter selects records in a snapshot query.
type Filter struct {
	TokenKey string // restrict to one credential, empty = all
	Status   string
	Model    string
	Limit    int
}

func (f Filter) match(rec *Record) bool {
	if f.TokenKey != "" && rec.TokenKey != f.TokenKey {
		return false
	}
	if f.Status != "" && rec.Status != f.Status {
		return false
	}
	if f.Model != "" && rec.Model != f.Model {
		return false
	}
	return true
}

// Query returns matching records, oldest first, over a copy of the
// live slice. It never blocks appenders for long.
func (r *Ring) Query(f Filter) []Record {
	r.mu.Lock()
	snap := make([]Record, 0, len(r.buf))
	if r.filled {
		snap = append(snap, r.buf[r.head:]...)
		snap = append(snap, r.buf[:r.head]...)
	} else {
		snap = append(snap, r.buf...)
	}
	r.mu.Unlock()

	out := make([]Record, 0, len(snap))
	for i := range snap {
		if f.match(&snap[i]) {
			out = append(out, snap[i])
		}
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out
}

// TokenKeys lists the distinct credentials present in the ring.
func (r *Ring) TokenKeys() []string {
	seen := map[string]struct{}{}
	var out []string
	for _, rec := range r.Query(Filter{}) {
		if _, ok := seen[rec.TokenKey]; ok || rec.TokenKey == "" {
			continue
		}
		seen[rec.TokenKey] = struct{}{}
		out = append(out, rec.TokenKey)
	}
	return out
}

// Stats reports the lifetime counters for /health.
func (r *Ring) Stats() (requests, errors uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.totalRequests, r.totalErrors
}
