package relay

import (
	"net/http"
	"strings"

	"github.com/KilimcininKorOglu/cursor-api/pkg/dynkey"
	"github.com/KilimcininKorOglu/cursor-api/pkg/pool"
)

// Principal kinds, in the order the gate tries them.
const (
	principalAdmin  = "admin"
	principalShared = "shared"
	principalKey    = "dynamic_key"
)

// principal is the result of the auth gate for chat-surface requests.
type principal struct {
	Kind    string
	Payload *dynkey.Payload // set for dynamic keys
}

func bearerToken(h http.Header) string {
	auth := h.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// authenticate classifies the bearer. Admin and shared tokens are
// compared verbatim; anything else must decode as a dynamic key.
func (s *Server) authenticate(r *http.Request) (principal, bool) {
	token := bearerToken(r.Header)
	if token == "" {
		return principal{}, false
	}
	if token == s.cfg.AuthToken {
		return principal{Kind: principalAdmin}, true
	}
	if s.cfg.SharedToken != "" && token == s.cfg.SharedToken {
		return principal{Kind: principalShared}, true
	}
	payload, err := dynkey.Decode(token)
	if err != nil {
		return principal{}, false
	}
	return principal{Kind: principalKey, Payload: payload}, true
}

// lease acquires the backing token for a principal. Admin and shared
// principals round-robin over the pool; dynamic keys address one
// specific record.
func (s *Server) lease(p principal) (*pool.Lease, error) {
	if p.Kind == principalKey {
		return s.pool.SelectFor(p.Payload)
	}
	return s.pool.SelectShared()
}

// requireAdmin guards the management surface.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if bearerToken(r.Header) != s.cfg.AuthToken {
			writeError(w, http.StatusUnauthorized, kindAuthInvalid, "admin token required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// maybeRequireAdmin guards the key-minting endpoints. Admin only by
// default; SHARE_AUTH_TOKEN additionally opens them to the shared
// token, never to anonymous callers.
func (s *Server) maybeRequireAdmin(next http.Handler) http.Handler {
	if !s.cfg.ShareAuthToken {
		return s.requireAdmin(next)
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r.Header)
		shared := s.cfg.SharedToken != "" && token == s.cfg.SharedToken
		if token != s.cfg.AuthToken && !shared {
			writeError(w, http.StatusUnauthorized, kindAuthInvalid, "admin or shared token required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireChatAuth resolves the principal and stashes it on the request.
func (s *Server) requireChatAuth(next func(http.ResponseWriter, *http.Request, principal)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, ok := s.authenticate(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, kindAuthInvalid, "missing or unrecognized bearer")
			return
		}
		next(w, r, p)
	}
}
