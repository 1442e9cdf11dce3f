package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/KilimcininKorOglu/cursor-api/pkg/pool"
	"github.com/KilimcininKorOglu/cursor-api/pkg/wire"
)

// Pool management surface. All handlers here sit behind requireAdmin.

type tokenInput struct {
	Alias          string `json:"alias,omitempty"`
	Token          string `json:"token"`
	SecondaryToken string `json:"secondary_token,omitempty"`
	Proxy          string `json:"proxy,omitempty"`
	Timezone       string `json:"timezone,omitempty"`
	GcppHost       *byte  `json:"gcpp_host,omitempty"`
}

func (in *tokenInput) record() *pool.TokenRecord {
	r := &pool.TokenRecord{
		Alias:          in.Alias,
		PrimaryToken:   in.Token,
		SecondaryToken: in.SecondaryToken,
		ProxyName:      in.Proxy,
		Timezone:       in.Timezone,
	}
	if in.GcppHost != nil {
		r.GcppHost = *in.GcppHost
	}
	return r
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, kindBadRequest, "malformed request body")
		return false
	}
	return true
}

func (s *Server) handleTokensAdd(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Tokens []tokenInput `json:"tokens"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if len(req.Tokens) == 0 {
		writeError(w, http.StatusBadRequest, kindBadRequest, "no tokens given")
		return
	}
	records := make([]*pool.TokenRecord, 0, len(req.Tokens))
	for i := range req.Tokens {
		records = append(records, req.Tokens[i].record())
	}
	added, err := s.pool.Add(records)
	if err != nil {
		writeError(w, http.StatusBadRequest, kindBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "success",
		"added":  added,
		"total":  len(s.pool.Aliases()),
	})
}

func (s *Server) handleTokensDel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Aliases []string `json:"aliases"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	removed := s.pool.Delete(req.Aliases)
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "success",
		"deleted": removed,
		"total":   len(s.pool.Aliases()),
	})
}

// handleTokensSet replaces the whole pool.
func (s *Server) handleTokensSet(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Tokens []tokenInput `json:"tokens"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	records := make([]*pool.TokenRecord, 0, len(req.Tokens))
	for i := range req.Tokens {
		records = append(records, req.Tokens[i].record())
	}
	if err := s.pool.Replace(records); err != nil {
		writeError(w, http.StatusBadRequest, kindBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "success",
		"total":  len(records),
	})
}

// tokenView is the admin projection of a record. The primary token is
// included; this surface is admin-only.
type tokenView struct {
	Index int `json:"index"`
	*pool.TokenRecord
	Expired bool `json:"expired"`
}

func (s *Server) handleTokensGet(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Aliases []string `json:"aliases,omitempty"`
	}
	if r.ContentLength > 0 && !decodeBody(w, r, &req) {
		return
	}
	now := time.Now()
	want := map[string]bool{}
	for _, a := range req.Aliases {
		want[a] = true
	}
	var out []tokenView
	for i, rec := range s.pool.List() {
		if len(want) > 0 && !want[rec.Alias] {
			continue
		}
		out = append(out, tokenView{Index: i, TokenRecord: rec, Expired: rec.Expired(now)})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "success",
		"tokens": out,
	})
}

// handleTokensMerge applies a field-wise partial update to one record.
func (s *Server) handleTokensMerge(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Alias          string  `json:"alias"`
		SecondaryToken string  `json:"secondary_token,omitempty"`
		Proxy          *string `json:"proxy,omitempty"`
		Timezone       *string `json:"timezone,omitempty"`
		GcppHost       *byte   `json:"gcpp_host,omitempty"`
		Status         string  `json:"status,omitempty"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	aliasMutation(w, req.Alias, func() error {
		return s.pool.Merge(req.Alias, pool.MergePartial{
			SecondaryToken: req.SecondaryToken,
			Proxy:          req.Proxy,
			Timezone:       req.Timezone,
			GcppHost:       req.GcppHost,
			Status:         req.Status,
		})
	})
}

// aliasMutation runs one single-alias pool mutation and writes the
// uniform response.
func aliasMutation(w http.ResponseWriter, alias string, fn func() error) {
	if alias == "" {
		writeError(w, http.StatusBadRequest, kindBadRequest, "alias is required")
		return
	}
	if err := fn(); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, pool.ErrNotFound) {
			status = http.StatusNotFound
		}
		writeError(w, status, kindBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "success"})
}

func (s *Server) handleTokensAliasSet(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Alias    string `json:"alias"`
		NewAlias string `json:"new_alias"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	aliasMutation(w, req.Alias, func() error { return s.pool.Rename(req.Alias, req.NewAlias) })
}

func (s *Server) handleTokensStatusSet(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Alias  string `json:"alias"`
		Status string `json:"status"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	aliasMutation(w, req.Alias, func() error { return s.pool.SetStatus(req.Alias, req.Status) })
}

func (s *Server) handleTokensProxySet(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Alias string `json:"alias"`
		Proxy string `json:"proxy"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	aliasMutation(w, req.Alias, func() error { return s.pool.SetProxy(req.Alias, req.Proxy) })
}

func (s *Server) handleTokensTimezoneSet(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Alias    string `json:"alias"`
		Timezone string `json:"timezone"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	aliasMutation(w, req.Alias, func() error { return s.pool.SetTimezone(req.Alias, req.Timezone) })
}

// handleTokensRefresh rotates every record's client key and session id,
// detaching the pool from any fingerprint the vendor may have built.
func (s *Server) handleTokensRefresh(w http.ResponseWriter, r *http.Request) {
	n := s.pool.RotateClientKeys()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "success",
		"refreshed": n,
	})
}

// handleTokensProfileUpdate refreshes the membership and usage blobs
// for one alias from the vendor's account endpoints.
func (s *Server) handleTokensProfileUpdate(w http.ResponseWriter, r *http.Request) {
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

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	defer cancel()

	profile, err := s.vendor.fetchProfile(ctx, rec)
	if err != nil {
		status, kind, msg := classify(err)
		writeError(w, status, kind, msg)
		return
	}
	now := time.Now()
	user := &pool.UserProfile{
		Membership: profile.MembershipType,
		TrialDays:  profile.DaysRemainingOnTrial,
		FetchedAt:  now,
	}

	var usage *pool.UsageProfile
	if claims, cerr := pool.InspectToken(rec.PrimaryToken); cerr == nil && claims.Subject != "" {
		if report, uerr := s.vendor.fetchUsage(ctx, rec, claims.Subject); uerr == nil {
			usage = &pool.UsageProfile{
				Premium:     report.Premium.NumRequests,
				PremiumMax:  report.Premium.MaxRequestUsage,
				Standard:    report.Standard.NumRequests,
				StandardMax: report.Standard.MaxRequestUsage,
				FetchedAt:   now,
			}
		} else {
			s.logger.Warn("usage refresh failed", "alias", req.Alias, "err", uerr)
		}
	}

	if err := s.pool.SetProfile(req.Alias, user, usage); err != nil {
		writeError(w, http.StatusNotFound, kindBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "success",
		"user":   user,
		"usage":  usage,
	})
}

// handleTokensConfigVersionUpdate asks the vendor for a fresh
// config_version and persists it on the record.
func (s *Server) handleTokensConfigVersionUpdate(w http.ResponseWriter, r *http.Request) {
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

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	defer cancel()

	version, err := s.fetchConfigVersion(ctx, rec)
	if err != nil {
		status, kind, msg := classify(err)
		writeError(w, status, kind, msg)
		return
	}
	if err := s.pool.SetConfigVersion(req.Alias, version); err != nil {
		writeError(w, http.StatusBadRequest, kindBadRequest, err.Error())
		return
	}
	s.configVersions.Delete(req.Alias)
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "success",
		"config_version": version,
	})
}

func (s *Server) fetchConfigVersion(ctx context.Context, rec *pool.TokenRecord) (string, error) {
	payload, err := s.vendor.postUnary(ctx, rec, s.vendor.chatURL(pathServerConfig), nil, s.ghostMode(rec))
	if err != nil {
		return "", err
	}
	cfg, err := wire.UnmarshalServerConfig(payload)
	if err != nil {
		return "", err
	}
	if cfg.ConfigVersion == "" {
		return "", errors.New("relay: vendor returned no config version")
	}
	return cfg.ConfigVersion, nil
}
