package relay

import (
	"context"
	"errors"
	"net/http"
	"runtime"
	"time"

	"github.com/google/uuid"

	"github.com/KilimcininKorOglu/cursor-api/pkg/assets"
	"github.com/KilimcininKorOglu/cursor-api/pkg/checksum"
	"github.com/KilimcininKorOglu/cursor-api/pkg/config"
	"github.com/KilimcininKorOglu/cursor-api/pkg/dynkey"
	"github.com/KilimcininKorOglu/cursor-api/pkg/logring"
	"github.com/KilimcininKorOglu/cursor-api/pkg/version"
)

// buildKeyRequest is the TokenRecord skeleton plus key overrides.
type buildKeyRequest struct {
	Alias                string   `json:"alias,omitempty"`
	Proxy                string   `json:"proxy,omitempty"`
	Timezone             string   `json:"timezone,omitempty"`
	GcppHost             *byte    `json:"gcpp_host,omitempty"`
	DisableVision        bool     `json:"disable_vision,omitempty"`
	EnableSlowPool       bool     `json:"enable_slow_pool,omitempty"`
	IncludeWebReferences bool     `json:"include_web_references,omitempty"`
	UsageCheckVariant    string   `json:"usage_check,omitempty"`
	UsageCheckModels     []string `json:"usage_check_models,omitempty"`
}

// handleBuildKey constructs the dynamic-key triple for a token. With an
// alias the key addresses that record; without one a fresh numeric is
// minted for a record added later.
func (s *Server) handleBuildKey(w http.ResponseWriter, r *http.Request) {
	var req buildKeyRequest
	if !decodeBody(w, r, &req) {
		return
	}

	var numeric dynkey.Numeric
	if req.Alias != "" {
		rec, err := s.pool.Get(req.Alias)
		if err != nil {
			writeError(w, http.StatusNotFound, kindBadRequest, err.Error())
			return
		}
		numeric = rec.Numeric
	} else {
		numeric = dynkey.NewNumeric()
	}

	payload := &dynkey.Payload{
		Numeric: numeric,
		Overrides: dynkey.Overrides{
			ProxyName:            req.Proxy,
			Timezone:             req.Timezone,
			GcppHost:             req.GcppHost,
			DisableVision:        req.DisableVision,
			EnableSlowPool:       req.EnableSlowPool,
			IncludeWebReferences: req.IncludeWebReferences,
		},
	}
	if req.UsageCheckVariant != "" {
		variant, ok := usageCheckVariant(req.UsageCheckVariant)
		if !ok {
			writeError(w, http.StatusBadRequest, kindBadRequest, "unknown usage_check variant "+req.UsageCheckVariant)
			return
		}
		payload.Overrides.UsageCheck = &dynkey.UsageCheck{
			Variant: variant,
			Models:  req.UsageCheckModels,
		}
	}

	full, err := payload.Encode()
	if err != nil {
		writeError(w, http.StatusBadRequest, kindBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "success",
		"key":             full,
		"numeric_b64":     payload.EncodeNumericB64(),
		"numeric_decimal": payload.EncodeNumericDecimal(),
	})
}

func usageCheckVariant(name string) (byte, bool) {
	switch name {
	case "default":
		return dynkey.UsageCheckDefault, true
	case "disabled":
		return dynkey.UsageCheckDisabled, true
	case "all":
		return dynkey.UsageCheckAll, true
	case "custom":
		return dynkey.UsageCheckCustom, true
	}
	return 0, false
}

// handleConfigVersionGet fetches a vendor config_version for one alias
// without persisting it.
func (s *Server) handleConfigVersionGet(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Alias string `json:"alias"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	rec, err := s.pool.Get(req.Alias)
	if err != nil {
		writeError(w, http.StatusNotFound, kindBadRequest, err.Error())
		return
	}

	now := time.Now()
	if version, ok := s.configVersions.GetFresh(req.Alias, now); ok {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":         "success",
			"config_version": version,
			"cached":         true,
		})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	defer cancel()

	version, err := s.fetchConfigVersion(ctx, rec)
	if err != nil {
		status, kind, msg := classify(err)
		writeError(w, status, kind, msg)
		return
	}
	s.configVersions.SetWithTTL(req.Alias, version, now, 5*time.Minute)
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "success",
		"config_version": version,
	})
}

// Runtime config blob, hash-tagged for optimistic concurrency.

func (s *Server) handleConfigGet(w http.ResponseWriter, r *http.Request) {
	blob, hash := s.runtime.Blob()
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "success",
		"config": blob,
		"hash":   hash,
	})
}

func (s *Server) handleConfigSet(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Config string `json:"config"`
		Hash   string `json:"hash,omitempty"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.runtime.Set([]byte(req.Config), req.Hash); err != nil {
		if errors.Is(err, config.ErrHashMismatch) {
			writeError(w, http.StatusConflict, kindBadRequest, "config changed since read, re-fetch and retry")
			return
		}
		writeError(w, http.StatusBadRequest, kindBadRequest, err.Error())
		return
	}
	_, hash := s.runtime.Blob()
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "success",
		"hash":   hash,
	})
}

func (s *Server) handleConfigReload(w http.ResponseWriter, r *http.Request) {
	if err := s.runtime.Reload(); err != nil {
		writeError(w, http.StatusInternalServerError, kindInternal, err.Error())
		return
	}
	_, hash := s.runtime.Blob()
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "success",
		"hash":   hash,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	requests, errCount := s.ring.Stats()
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "success",
		"version":    version.Version,
		"uptime_s":   int64(time.Since(s.startedAt).Seconds()),
		"requests":   requests,
		"errors":     errCount,
		"tokens":     len(s.pool.Aliases()),
		"goroutines": runtime.NumGoroutine(),
		"mem_alloc":  mem.Alloc,
		"mem_sys":    mem.Sys,
	})
}

// Secret factories backing /tokens/add.

func (s *Server) handleGenUUID(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"uuid": uuid.NewString()})
}

func (s *Server) handleGenHash(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"hash": checksum.NewSecret()})
}

func (s *Server) handleGenChecksum(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"checksum": checksum.Random(time.Now())})
}

// Telemetry surface.

func (s *Server) handleLogsPage(w http.ResponseWriter, r *http.Request) {
	t, err := assets.ParseTemplates()
	if err != nil {
		writeError(w, http.StatusInternalServerError, kindInternal, "logs page unavailable")
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_ = t.ExecuteTemplate(w, "logs.html", map[string]any{"Prefix": s.cfg.RoutePrefix})
}

// allowedTokenKeys resolves which telemetry keys a principal may see.
// nil means unrestricted (admin). A shared-token caller owns the whole
// pool; a dynamic key owns only the record it addresses.
func (s *Server) allowedTokenKeys(p principal) map[string]bool {
	if p.Kind == principalAdmin {
		return nil
	}
	keys := map[string]bool{}
	if p.Kind == principalKey {
		if alias, ok := s.pool.ResolveNumeric(p.Payload.Numeric); ok {
			if rec, err := s.pool.Get(alias); err == nil {
				keys[logring.TokenKey(rec.PrimaryToken)] = true
			}
		}
		return keys
	}
	for _, rec := range s.pool.List() {
		keys[logring.TokenKey(rec.PrimaryToken)] = true
	}
	return keys
}

func (s *Server) handleLogsGet(w http.ResponseWriter, r *http.Request, p principal) {
	var req struct {
		TokenKey string `json:"token_key,omitempty"`
		Status   string `json:"status,omitempty"`
		Model    string `json:"model,omitempty"`
		Limit    int    `json:"limit,omitempty"`
	}
	if r.ContentLength > 0 && !decodeBody(w, r, &req) {
		return
	}
	records := s.ring.Query(logring.Filter{
		TokenKey: req.TokenKey,
		Status:   req.Status,
		Model:    req.Model,
		Limit:    req.Limit,
	})
	if allowed := s.allowedTokenKeys(p); allowed != nil {
		kept := records[:0]
		for _, rec := range records {
			if allowed[rec.TokenKey] {
				kept = append(kept, rec)
			}
		}
		records = kept
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "success",
		"logs":   records,
	})
}

func (s *Server) handleLogsTokensGet(w http.ResponseWriter, r *http.Request, p principal) {
	allowed := s.allowedTokenKeys(p)
	keys := s.ring.TokenKeys()
	known := map[string]string{}
	for _, rec := range s.pool.List() {
		known[logring.TokenKey(rec.PrimaryToken)] = rec.Alias
	}
	out := make([]map[string]string, 0, len(keys))
	for _, k := range keys {
		if allowed != nil && !allowed[k] {
			continue
		}
		entry := map[string]string{"token_key": k}
		if alias, ok := known[k]; ok {
			entry["alias"] = alias
		}
		out = append(out, entry)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "success",
		"tokens": out,
	})
}
