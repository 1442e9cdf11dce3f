// Package proxies is the registry mapping proxy names to outbound HTTP
// client configurations. Tokens reference entries by name; the special
// "general" name is the fallback applied when no name is set.
package proxies

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/KilimcininKorOglu/cursor-api/pkg/cache"
)

// Entry kinds.
const (
	KindNone   = "none"   // direct connection
	KindSystem = "system" // honor proxy environment variables
	KindURL    = "url"    // explicit proxy URL
)

// GeneralName is the entry used when a token names no proxy.
const GeneralName = "general"

var (
	ErrNotFound = errors.New("proxies: entry not found")
	ErrBadEntry = errors.New("proxies: invalid entry")
)

// Entry is one named proxy configuration.
type Entry struct {
	Kind string `json:"kind"`
	URL  string `json:"url,omitempty"`
}

func (e Entry) validate() error {
	switch e.Kind {
	case KindNone, KindSystem:
		if e.URL != "" {
			return fmt.Errorf("%w: %s entry cannot carry a url", ErrBadEntry, e.Kind)
		}
	case KindURL:
		u, err := url.Parse(e.URL)
		if err != nil || u.Host == "" {
			return fmt.Errorf("%w: bad url %q", ErrBadEntry, e.URL)
		}
		switch u.Scheme {
		case "http", "https", "socks5":
		default:
			return fmt.Errorf("%w: unsupported scheme %q", ErrBadEntry, u.Scheme)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrBadEntry, e.Kind)
	}
	return nil
}

// snapshot is the persisted shape.
type snapshot struct {
	Entries map[string]Entry `json:"entries"`
	General string           `json:"general"`
}

// Registry holds the entries plus a client cache, one shared client per
// distinct proxy configuration.
type Registry struct {
	mu      sync.Mutex
	path    string
	entries map[string]Entry
	general string
	clients map[string]*http.Client
	timeout time.Duration
}

// New creates a registry persisting to path. timeout caps each
// outbound request and is baked into the cached clients.
func New(path string, timeout time.Duration) *Registry {
	return &Registry{
		path:    path,
		entries: map[string]Entry{GeneralName: {Kind: KindNone}},
		general: GeneralName,
		clients: map[string]*http.Client{},
		timeout: timeout,
	}
}

// Load restores the persisted registry, if any.
func (r *Registry) Load() error {
	var s snapshot
	err := cache.Load(r.path, &s)
	if errors.Is(err, cache.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(s.Entries) > 0 {
		r.entries = s.Entries
	}
	if s.General != "" {
		r.general = s.General
	}
	if _, ok := r.entries[GeneralName]; !ok {
		r.entries[GeneralName] = Entry{Kind: KindNone}
	}
	return nil
}

func (r *Registry) persistLocked() error {
	return cache.Save(r.path, snapshot{Entries: r.entries, General: r.general})
}

// List returns a copy of the entries and the current general name.
func (r *Registry) List() (map[string]Entry, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]Entry, len(r.entries))
	for k, v := range r.entries {
		out[k] = v
	}
	return out, r.general
}

// Add inserts or overwrites named entries.
func (r *Registry) Add(entries map[string]Entry) error {
	for name, e := range entries {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("%w: empty name", ErrBadEntry)
		}
		if err := e.validate(); err != nil {
			return err
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, e := range entries {
		r.entries[name] = e
	}
	return r.persistLocked()
}

// Replace swaps the whole entry set. The general name must survive.
func (r *Registry) Replace(entries map[string]Entry, general string) error {
	for name, e := range entries {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("%w: empty name", ErrBadEntry)
		}
		if err := e.validate(); err != nil {
			return err
		}
	}
	if general == "" {
		general = GeneralName
	}
	if _, ok := entries[general]; !ok {
		return fmt.Errorf("%w: general entry %q missing", ErrBadEntry, general)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = entries
	r.general = general
	return r.persistLocked()
}

// Delete removes named entries. The general entry cannot be removed.
func (r *Registry) Delete(names []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, name := range names {
		if name == r.general {
			return fmt.Errorf("%w: cannot delete general entry %q", ErrBadEntry, name)
		}
		delete(r.entries, name)
	}
	return r.persistLocked()
}

// SetGeneral redirects the fallback to an existing entry.
func (r *Registry) SetGeneral(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[name]; !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	r.general = name
	return r.persistLocked()
}

// resolve maps a token's proxy name to its entry. Empty and unknown
// names fall back to the general entry.
func (r *Registry) resolveLocked(name string) Entry {
	if name == "" {
		name = r.general
	}
	e, ok := r.entries[name]
	if !ok {
		e = r.entries[r.general]
	}
	return e
}

// cacheKey collapses equivalent configurations onto one client.
func cacheKey(e Entry) string {
	if e.Kind == KindURL {
		return "url:" + e.URL
	}
	return e.Kind
}

// ClientFor returns the shared HTTP client for a token's proxy name,
// building it on first use.
func (r *Registry) ClientFor(name string) *http.Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.resolveLocked(name)
	key := cacheKey(e)
	if c, ok := r.clients[key]; ok {
		return c
	}
	c := r.buildClient(e)
	r.clients[key] = c
	return c
}

func (r *Registry) buildClient(e Entry) *http.Client {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	switch e.Kind {
	case KindNone:
		tr.Proxy = nil
	case KindSystem:
		tr.Proxy = http.ProxyFromEnvironment
	case KindURL:
		if u, err := url.Parse(e.URL); err == nil {
			tr.Proxy = http.ProxyURL(u)
		}
	}
	return &http.Client{Transport: tr, Timeout: r.timeout}
}
