package pool

import (
	"sync"

	"github.com/KilimcininKorOglu/cursor-api/pkg/dynkey"
)

// Lease marks one token in use for the duration of a request. Release
// is idempotent and must be deferred immediately after acquisition so
// it runs on every exit path, panics included.
type Lease struct {
	pool  *Pool
	alias string
	once  sync.Once

	// Record is a clone with any dynamic-key overrides already applied.
	// Mutating it does not touch the pool.
	Record *TokenRecord
}

// Release clears the in-use flag. Safe to call more than once.
func (l *Lease) Release() {
	l.once.Do(func() {
		l.pool.mu.Lock()
		if r, ok := l.pool.byAlias[l.alias]; ok {
			r.InUse = false
		}
		l.pool.mu.Unlock()
	})
}

// acquireLocked flips the flag and builds the lease. Caller holds the
// pool lock and has already checked availability.
func (p *Pool) acquireLocked(r *TokenRecord) *Lease {
	r.InUse = true
	return &Lease{pool: p, alias: r.Alias, Record: r.Clone()}
}

// SelectFor resolves a dynamic-key payload to a leased token. If the
// addressed token is taken or disabled there is no fallback: the key
// names one specific credential.
func (p *Pool) SelectFor(payload *dynkey.Payload) (*Lease, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	alias, ok := p.byNum[payload.Numeric]
	if !ok {
		return nil, ErrNotFound
	}
	r := p.byAlias[alias]
	if !r.Enabled() {
		return nil, ErrTokenDisabled
	}
	if r.InUse {
		return nil, ErrTokenBusy
	}
	l := p.acquireLocked(r)
	l.Record.ApplyOverrides(&payload.Overrides)
	return l, nil
}

// SelectAlias leases one specific token by alias.
func (p *Pool) SelectAlias(alias string) (*Lease, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.byAlias[alias]
	if !ok {
		return nil, ErrNotFound
	}
	if !r.Enabled() {
		return nil, ErrTokenDisabled
	}
	if r.InUse {
		return nil, ErrTokenBusy
	}
	return p.acquireLocked(r), nil
}

// SelectShared round-robins over enabled, idle tokens for shared-pool
// requests. Busy tokens are skipped; only a fully occupied pool
// reports busy.
func (p *Pool) SelectShared() (*Lease, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.order) == 0 {
		return nil, ErrPoolEmpty
	}
	sawEnabled := false
	for i := 0; i < len(p.order); i++ {
		alias := p.order[(p.rr+i)%len(p.order)]
		r := p.byAlias[alias]
		if !r.Enabled() {
			continue
		}
		sawEnabled = true
		if r.InUse {
			continue
		}
		p.rr = (p.rr + i + 1) % len(p.order)
		return p.acquireLocked(r), nil
	}
	if sawEnabled {
		return nil, ErrTokenBusy
	}
	return nil, ErrPoolEmpty
}
