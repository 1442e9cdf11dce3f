package logring

import (
	"fmt"
	"sync"
	"testing"
)

func TestAppendAssignsMonotonicIDs(t *testing.T) {
	r := New(8)
	a := r.Append(Record{Model: "m"})
	b := r.Append(Record{Model: "m"})
	if a != 1 || b != 2 {
		t.Fatalf("ids %d, %d", a, b)
	}
	recs := r.Query(Filter{})
	if len(recs) != 2 {
		t.Fatalf("len %d", len(recs))
	}
	if recs[0].Status != StatusPending || recs[0].Timestamp.IsZero() {
		t.Fatalf("defaults not applied: %+v", recs[0])
	}
}

func TestRingEviction(t *testing.T) {
	r := New(4)
	for i := 0; i < 10; i++ {
		r.Append(Record{Model: fmt.Sprintf("m%d", i)})
	}
	recs := r.Query(Filter{})
	if len(recs) != 4 {
		t.Fatalf("len %d, want capacity 4", len(recs))
	}
	// Oldest first, only the newest four survive.
	for i, rec := range recs {
		if want := uint64(7 + i); rec.ID != want {
			t.Fatalf("recs[%d].ID = %d, want %d", i, rec.ID, want)
		}
	}
	// Closing an evicted record is a no-op, not a panic.
	r.Close(1, func(rec *Record) { rec.Status = StatusSuccess })
}

func TestCloseAndStats(t *testing.T) {
	r := New(8)
	id1 := r.Append(Record{Model: "m"})
	id2 := r.Append(Record{Model: "m"})
	r.Close(id1, func(rec *Record) {
		rec.Status = StatusSuccess
		rec.TotalSecs = 1.25
		rec.Chain.Usage = &Usage{Input: 10, Output: 4}
	})
	r.Close(id2, func(rec *Record) {
		rec.Status = StatusFailure
		rec.Error = "client_cancelled"
	})

	recs := r.Query(Filter{Status: StatusFailure})
	if len(recs) != 1 || recs[0].ID != id2 || recs[0].Error != "client_cancelled" {
		t.Fatalf("failure query: %+v", recs)
	}
	reqs, errCount := r.Stats()
	if reqs != 2 || errCount != 1 {
		t.Fatalf("stats %d/%d", reqs, errCount)
	}
}

func TestQueryFilters(t *testing.T) {
	r := New(16)
	keyA, keyB := TokenKey("token-a"), TokenKey("token-b")
	r.Append(Record{Model: "gpt-4", TokenKey: keyA})
	r.Append(Record{Model: "gpt-4o", TokenKey: keyB})
	r.Append(Record{Model: "gpt-4", TokenKey: keyB})

	if got := r.Query(Filter{TokenKey: keyA}); len(got) != 1 {
		t.Fatalf("token filter: %d", len(got))
	}
	if got := r.Query(Filter{Model: "gpt-4"}); len(got) != 2 {
		t.Fatalf("model filter: %d", len(got))
	}
	if got := r.Query(Filter{Model: "gpt-4", Limit: 1}); len(got) != 1 || got[0].ID != 3 {
		t.Fatalf("limit should keep newest: %+v", got)
	}

	keys := r.TokenKeys()
	if len(keys) != 2 {
		t.Fatalf("token keys: %v", keys)
	}
}

func TestTokenKeyShape(t *testing.T) {
	k := TokenKey("eyJhbGciOi...")
	if len(k) != 8 {
		t.Fatalf("token key %q", k)
	}
	if k == TokenKey("different") {
		t.Fatal("distinct tokens share a key")
	}
	if k != TokenKey("eyJhbGciOi...") {
		t.Fatal("token key not deterministic")
	}
}

func TestConcurrentAppendersKeepIDsUnique(t *testing.T) {
	r := New(64)
	var wg sync.WaitGroup
	const n = 32
	ids := make([]uint64, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids[i] = r.Append(Record{Model: "m"})
		}(i)
	}
	wg.Wait()
	seen := map[uint64]struct{}{}
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate id %d", id)
		}
		seen[id] = struct{}{}
	}
}
