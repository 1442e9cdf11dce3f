package relay

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/KilimcininKorOglu/cursor-api/pkg/pool"
)

// Error kinds surfaced to clients.
const (
	kindAuthInvalid    = "auth_invalid"
	kindAuthForbidden  = "auth_forbidden"
	kindBadRequest     = "bad_request"
	kindTokenBusy      = "token_busy"
	kindTokenDisabled  = "token_disabled"
	kindTokenExpired   = "token_expired"
	kindUpstreamStatus = "upstream_status"
	kindUpstreamDecode = "upstream_decode"
	kindUpstreamWait   = "upstream_timeout"
	kindUpstreamStall  = "upstream_stall"
	kindCancelled      = "client_cancelled"
	kindInternal       = "internal"
)

// apiError is the uniform failure body.
type apiError struct {
	Status  string `json:"status"`
	Code    uint16 `json:"code,omitempty"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, kind, message string) {
	writeJSON(w, status, apiError{
		Status:  "error",
		Code:    uint16(status),
		Error:   kind,
		Message: message,
	})
}

// writeLeaseError maps pool selection failures onto the client surface.
func writeLeaseError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, pool.ErrTokenBusy):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, kindTokenBusy, "token already serving a request")
	case errors.Is(err, pool.ErrTokenDisabled):
		w.Header().Set("Retry-After", "60")
		writeError(w, http.StatusTooManyRequests, kindTokenDisabled, "token is disabled")
	case errors.Is(err, pool.ErrPoolEmpty):
		writeError(w, http.StatusServiceUnavailable, kindTokenDisabled, "no enabled tokens in the pool")
	case errors.Is(err, pool.ErrNotFound):
		writeError(w, http.StatusUnauthorized, kindAuthInvalid, "key does not resolve to a token")
	default:
		writeError(w, http.StatusInternalServerError, kindInternal, "token selection failed")
	}
}
