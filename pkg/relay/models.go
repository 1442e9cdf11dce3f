package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/KilimcininKorOglu/cursor-api/pkg/pool"
	"github.com/KilimcininKorOglu/cursor-api/pkg/wire"
)

// Shipped catalog, used until a live list has been fetched and as the
// fallback when the vendor is unreachable.
var staticModels = []wire.CatalogModel{
	{Name: "gpt-4", ServerName: "gpt-4", Vision: true},
	{Name: "gpt-4o", ServerName: "gpt-4o", Vision: true},
	{Name: "gpt-4o-mini", ServerName: "gpt-4o-mini", Vision: true},
	{Name: "o1", ServerName: "o1"},
	{Name: "o1-mini", ServerName: "o1-mini"},
	{Name: "claude-3.5-sonnet", ServerName: "claude-3.5-sonnet", Vision: true},
	{Name: "claude-3.7-sonnet", ServerName: "claude-3.7-sonnet", Vision: true},
	{Name: "claude-3.7-sonnet-thinking", ServerName: "claude-3.7-sonnet-thinking", Vision: true},
	{Name: "deepseek-r1", ServerName: "deepseek-r1"},
	{Name: "deepseek-v3", ServerName: "deepseek-v3"},
	{Name: "cursor-fast", ServerName: "cursor-fast"},
	{Name: "cursor-small", ServerName: "cursor-small"},
	{Name: "gpt-4-long-context", ServerName: "gpt-4-long-context", LongContext: true},
	{Name: "claude-3.5-sonnet-200k", ServerName: "claude-3.5-sonnet-200k", LongContext: true, Vision: true},
	{Name: "gpt-4o-nightly", ServerName: "gpt-4o-nightly", Nightly: true, Vision: true},
}

func (s *Server) catalog() []wire.CatalogModel {
	if live := s.modelsCached.Load(); live != nil {
		return *live
	}
	return staticModels
}

func (s *Server) knownModel(name string) (wire.CatalogModel, bool) {
	for _, m := range s.catalog() {
		if m.Name == name {
			return m, true
		}
	}
	return wire.CatalogModel{}, false
}

// modelFilters is the optional /v1/models request body.
type modelFilters struct {
	Nightly     *bool    `json:"nightly,omitempty"`
	LongContext *bool    `json:"long_context,omitempty"`
	MaxNamed    int      `json:"max_named,omitempty"`
	ExtraNames  []string `json:"extra_names,omitempty"`
}

type modelCard struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// refreshCatalog pulls the live model list using a leased token. Errors
// leave the previous catalog in place.
func (s *Server) refreshCatalog(ctx context.Context, p principal) {
	lease, err := s.lease(p)
	if err != nil {
		return
	}
	defer lease.Release()
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	payload, err := s.vendor.postUnary(ctx, lease.Record, s.vendor.chatURL(pathModels), nil, s.ghostMode(lease.Record))
	if err != nil {
		s.logger.Warn("model list refresh failed", "err", err)
		return
	}
	list, err := wire.UnmarshalModelList(payload)
	if err != nil || len(list.Models) == 0 {
		s.logger.Warn("model list decode failed", "err", err)
		return
	}
	s.modelsCached.Store(&list.Models)
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request, p principal) {
	var filters modelFilters
	if r.Body != nil {
		// The body is optional; a decode failure means no filters.
		_ = json.NewDecoder(r.Body).Decode(&filters)
	}

	if s.modelsCached.Load() == nil {
		s.refreshCatalog(r.Context(), p)
	}

	models := s.catalog()
	now := time.Now().Unix()
	named := 0
	cards := make([]modelCard, 0, len(models))
	for _, m := range models {
		if filters.Nightly != nil && m.Nightly != *filters.Nightly {
			continue
		}
		if filters.LongContext != nil && m.LongContext != *filters.LongContext {
			continue
		}
		if filters.MaxNamed > 0 && named >= filters.MaxNamed {
			break
		}
		named++
		cards = append(cards, modelCard{ID: m.Name, Object: "model", Created: now, OwnedBy: "cursor"})
	}
	for _, extra := range filters.ExtraNames {
		extra = strings.TrimSpace(extra)
		if extra == "" {
			continue
		}
		cards = append(cards, modelCard{ID: extra, Object: "model", Created: now, OwnedBy: "custom"})
	}
	sort.Slice(cards, func(i, j int) bool { return cards[i].ID < cards[j].ID })

	writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": cards})
}

// ghostMode resolves the privacy flag: the token's own profile wins,
// then the runtime default.
func (s *Server) ghostMode(rec *pool.TokenRecord) bool {
	if rec.User != nil {
		return rec.User.GhostMode
	}
	return s.runtime.Snapshot().GhostMode
}
