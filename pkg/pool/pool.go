package pool

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/KilimcininKorOglu/cursor-api/pkg/cache"
	"github.com/KilimcininKorOglu/cursor-api/pkg/checksum"
	"github.com/KilimcininKorOglu/cursor-api/pkg/dynkey"
)

var (
	ErrNotFound       = errors.New("pool: token not found")
	ErrTokenBusy      = errors.New("pool: token busy")
	ErrTokenDisabled  = errors.New("pool: token disabled")
	ErrDuplicateAlias = errors.New("pool: alias already in use")
	ErrPoolEmpty      = errors.New("pool: no enabled tokens")
	ErrEmptyPartial   = errors.New("pool: merge partial is empty")
)

// Pool is the process-wide token registry. All mutation goes through
// the single mutex; readers get clones.
type Pool struct {
	mu      sync.Mutex
	path    string
	order   []string                  // aliases in insertion order
	byAlias map[string]*TokenRecord
	byNum   map[dynkey.Numeric]string // numeric -> alias
	rr      int                       // round-robin cursor for shared mode
	unnamed int                       // counter behind unnamed_<n>

	saveCh chan struct{}
	logger *log.Logger
}

// New creates an empty pool persisting to path.
func New(path string, logger *log.Logger) *Pool {
	p := &Pool{
		path:    path,
		byAlias: map[string]*TokenRecord{},
		byNum:   map[dynkey.Numeric]string{},
		saveCh:  make(chan struct{}, 1),
		logger:  logger,
	}
	go p.saveLoop()
	return p
}

// Load restores the persisted snapshot, if any.
func (p *Pool) Load() error {
	var records []*TokenRecord
	err := cache.Load(p.path, &records)
	if errors.Is(err, cache.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, r := range records {
		r.InUse = false
		p.insertLocked(r)
	}
	return nil
}

// insertLocked wires a record into all indexes. Alias must be free.
func (p *Pool) insertLocked(r *TokenRecord) {
	p.order = append(p.order, r.Alias)
	p.byAlias[r.Alias] = r
	p.byNum[r.Numeric] = r.Alias
	if n := parseUnnamed(r.Alias); n > p.unnamed {
		p.unnamed = n
	}
}

func parseUnnamed(alias string) int {
	var n int
	if _, err := fmt.Sscanf(alias, "unnamed_%d", &n); err != nil {
		return 0
	}
	return n
}

func (p *Pool) nextUnnamedLocked() string {
	for {
		p.unnamed++
		alias := fmt.Sprintf("unnamed_%d", p.unnamed)
		if _, taken := p.byAlias[alias]; !taken {
			return alias
		}
	}
}

// markDirty schedules an async snapshot write. Caller holds the lock.
func (p *Pool) markDirty() {
	select {
	case p.saveCh <- struct{}{}:
	default:
	}
}

func (p *Pool) saveLoop() {
	for range p.saveCh {
		if err := cache.Save(p.path, p.List()); err != nil {
			p.logger.Error("token snapshot write failed", "err", err)
		}
	}
}

// Flush writes the snapshot synchronously, used at shutdown.
func (p *Pool) Flush() error {
	return cache.Save(p.path, p.List())
}

// Add inserts records, skipping any whose primary token is already
// present. Records without an alias get unnamed_<n>. Returns the
// number actually inserted.
func (p *Pool) Add(records []*TokenRecord) (int, error) {
	now := time.Now()
	p.mu.Lock()
	defer p.mu.Unlock()

	have := map[string]struct{}{}
	for _, r := range p.byAlias {
		have[r.PrimaryToken] = struct{}{}
	}

	added := 0
	for _, r := range records {
		r.PrimaryToken = strings.TrimSpace(r.PrimaryToken)
		if _, err := InspectToken(r.PrimaryToken); err != nil {
			return added, err
		}
		if _, dup := have[r.PrimaryToken]; dup {
			continue
		}
		r.Alias = strings.TrimSpace(r.Alias)
		if r.Alias == "" {
			r.Alias = p.nextUnnamedLocked()
		} else if _, taken := p.byAlias[r.Alias]; taken {
			return added, fmt.Errorf("%w: %q", ErrDuplicateAlias, r.Alias)
		}
		r.fill(now)
		p.insertLocked(r)
		have[r.PrimaryToken] = struct{}{}
		added++
	}
	if added > 0 {
		p.markDirty()
	}
	return added, nil
}

// Delete removes the named aliases. Unknown aliases are ignored;
// returns the number removed.
func (p *Pool) Delete(aliases []string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	removed := 0
	for _, alias := range aliases {
		r, ok := p.byAlias[alias]
		if !ok {
			continue
		}
		delete(p.byAlias, alias)
		delete(p.byNum, r.Numeric)
		for i, a := range p.order {
			if a == alias {
				p.order = append(p.order[:i], p.order[i+1:]...)
				break
			}
		}
		removed++
	}
	if removed > 0 {
		p.markDirty()
	}
	return removed
}

// Replace swaps the whole set, keeping nothing from the old one.
func (p *Pool) Replace(records []*TokenRecord) error {
	now := time.Now()
	p.mu.Lock()
	defer p.mu.Unlock()
	order := make([]string, 0, len(records))
	byAlias := make(map[string]*TokenRecord, len(records))
	byNum := make(map[dynkey.Numeric]string, len(records))
	for _, r := range records {
		if _, err := InspectToken(r.PrimaryToken); err != nil {
			return err
		}
		if r.Alias == "" {
			return errors.New("pool: replace requires explicit aliases")
		}
		if _, dup := byAlias[r.Alias]; dup {
			return fmt.Errorf("%w: %q", ErrDuplicateAlias, r.Alias)
		}
		r.fill(now)
		order = append(order, r.Alias)
		byAlias[r.Alias] = r
		byNum[r.Numeric] = r.Alias
	}
	p.order, p.byAlias, p.byNum = order, byAlias, byNum
	p.markDirty()
	return nil
}

// MergePartial carries the optional field updates for one record.
// Pointer fields distinguish "leave alone" (nil) from "clear" (empty).
type MergePartial struct {
	SecondaryToken string
	Proxy          *string
	Timezone       *string
	GcppHost       *byte
	Status         string
}

func (mp *MergePartial) empty() bool {
	return mp.SecondaryToken == "" && mp.Proxy == nil && mp.Timezone == nil &&
		mp.GcppHost == nil && mp.Status == ""
}

// Merge overwrites the fields present in partial on the named record.
// An empty partial is an error, not a no-op.
func (p *Pool) Merge(alias string, partial MergePartial) error {
	if partial.empty() {
		return ErrEmptyPartial
	}
	if partial.Status != "" && partial.Status != StatusEnabled && partial.Status != StatusDisabled {
		return fmt.Errorf("pool: bad status %q", partial.Status)
	}
	return p.mutate(alias, func(r *TokenRecord) error {
		if partial.SecondaryToken != "" {
			r.SecondaryToken = partial.SecondaryToken
		}
		if partial.Proxy != nil {
			r.ProxyName = *partial.Proxy
		}
		if partial.Timezone != nil {
			r.Timezone = *partial.Timezone
		}
		if partial.GcppHost != nil {
			r.GcppHost = *partial.GcppHost
		}
		if partial.Status != "" {
			r.Status = partial.Status
		}
		return nil
	})
}

// Get returns a clone of one record.
func (p *Pool) Get(alias string) (*TokenRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.byAlias[alias]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, alias)
	}
	return r.Clone(), nil
}

// List returns clones of all records in insertion order.
func (p *Pool) List() []*TokenRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*TokenRecord, 0, len(p.order))
	for _, alias := range p.order {
		out = append(out, p.byAlias[alias].Clone())
	}
	return out
}

// Aliases returns the alias list sorted, for display.
func (p *Pool) Aliases() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := append([]string(nil), p.order...)
	sort.Strings(out)
	return out
}

// mutate runs fn on the canonical record under the lock.
func (p *Pool) mutate(alias string, fn func(*TokenRecord) error) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.byAlias[alias]
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, alias)
	}
	if err := fn(r); err != nil {
		return err
	}
	r.UpdatedAt = time.Now()
	p.markDirty()
	return nil
}

// Rename changes a record's alias.
func (p *Pool) Rename(alias, next string) error {
	next = strings.TrimSpace(next)
	if next == "" {
		return errors.New("pool: new alias cannot be empty")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.byAlias[alias]
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, alias)
	}
	if _, taken := p.byAlias[next]; taken {
		return fmt.Errorf("%w: %q", ErrDuplicateAlias, next)
	}
	delete(p.byAlias, alias)
	r.Alias = next
	r.UpdatedAt = time.Now()
	p.byAlias[next] = r
	p.byNum[r.Numeric] = next
	for i, a := range p.order {
		if a == alias {
			p.order[i] = next
			break
		}
	}
	p.markDirty()
	return nil
}

// SetStatus enables or disables a record.
func (p *Pool) SetStatus(alias, status string) error {
	if status != StatusEnabled && status != StatusDisabled {
		return fmt.Errorf("pool: bad status %q", status)
	}
	return p.mutate(alias, func(r *TokenRecord) error {
		r.Status = status
		return nil
	})
}

// SetProxy points a record at a named proxy entry.
func (p *Pool) SetProxy(alias, proxyName string) error {
	return p.mutate(alias, func(r *TokenRecord) error {
		r.ProxyName = proxyName
		return nil
	})
}

// SetTimezone sets the per-record timezone header value.
func (p *Pool) SetTimezone(alias, tz string) error {
	return p.mutate(alias, func(r *TokenRecord) error {
		r.Timezone = tz
		return nil
	})
}

// SetProfile attaches refreshed vendor profile blobs.
func (p *Pool) SetProfile(alias string, user *UserProfile, usage *UsageProfile) error {
	return p.mutate(alias, func(r *TokenRecord) error {
		if user != nil {
			r.User = user
		}
		if usage != nil {
			r.Usage = usage
		}
		return nil
	})
}

// SetConfigVersion stores a vendor-issued configuration generation.
func (p *Pool) SetConfigVersion(alias, version string) error {
	if _, err := uuid.Parse(version); err != nil {
		return fmt.Errorf("pool: config version: %w", err)
	}
	return p.mutate(alias, func(r *TokenRecord) error {
		r.ConfigVersion = version
		return nil
	})
}

// RotateClientKeys issues a fresh client key and session id for every
// record, invalidating whatever fingerprint the vendor has associated.
func (p *Pool) RotateClientKeys() int {
	now := time.Now()
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, r := range p.byAlias {
		r.ClientKey = checksum.NewSecret()
		r.SessionID = uuid.NewString()
		r.UpdatedAt = now
	}
	if len(p.byAlias) > 0 {
		p.markDirty()
	}
	return len(p.byAlias)
}

// ResolveNumeric maps a dynamic-key numeric to its alias.
func (p *Pool) ResolveNumeric(n dynkey.Numeric) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	alias, ok := p.byNum[n]
	return alias, ok
}
