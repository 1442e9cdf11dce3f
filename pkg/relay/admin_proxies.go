package relay

import (
	"errors"
	"net/http"

	"github.com/KilimcininKorOglu/cursor-api/pkg/proxies"
)

// Proxy registry surface, admin-only.

func (s *Server) handleProxiesGet(w http.ResponseWriter, r *http.Request) {
	entries, general := s.registry.List()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "success",
		"proxies": entries,
		"general": general,
	})
}

func (s *Server) handleProxiesSet(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Proxies map[string]proxies.Entry `json:"proxies"`
		General string                   `json:"general"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.registry.Replace(req.Proxies, req.General); err != nil {
		writeError(w, http.StatusBadRequest, kindBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "success"})
}

func (s *Server) handleProxiesAdd(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Proxies map[string]proxies.Entry `json:"proxies"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if len(req.Proxies) == 0 {
		writeError(w, http.StatusBadRequest, kindBadRequest, "no proxies given")
		return
	}
	if err := s.registry.Add(req.Proxies); err != nil {
		writeError(w, http.StatusBadRequest, kindBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "success"})
}

func (s *Server) handleProxiesDel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Names []string `json:"names"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.registry.Delete(req.Names); err != nil {
		writeError(w, http.StatusBadRequest, kindBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "success"})
}

func (s *Server) handleProxiesSetGeneral(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.registry.SetGeneral(req.Name); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, proxies.ErrNotFound) {
			status = http.StatusNotFound
		}
		writeError(w, status, kindBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "success"})
}
