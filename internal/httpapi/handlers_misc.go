package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/m360-net/m360/internal/auth"
)

func (s *Server) handleQRStart(w http.ResponseWriter, r *http.Request) {
	owner := auth.OwnerFromContext(r.Context())
	id := s.qr.Start(owner)
	writeJSON(w, http.StatusCreated, map[string]string{"session_id": id})
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "session_id")
	var payload json.RawMessage
	if !decodeBody(w, r, &payload) {
		return
	}
	if err := s.qr.Scan(id, payload); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "scanned"})
}

func (s *Server) handleQRStatus(w http.ResponseWriter, r *http.Request) {
	owner := auth.OwnerFromContext(r.Context())
	id := chi.URLParam(r, "session_id")
	done, payload, err := s.qr.Status(owner, id)
	if err != nil {
		writeError(w, err)
		return
	}
	if !done {
		writeJSON(w, http.StatusOK, map[string]any{"status": "pending"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "completed", "data": payload})
}

func (s *Server) handleDebugWG(w http.ResponseWriter, r *http.Request) {
	_, out := s.runner.Run(r.Context(), "wg", "show", "all", "dump")
	writeJSON(w, http.StatusOK, map[string]string{"wg": strings.TrimSpace(out)})
}

func (s *Server) handleDebugRoutes(w http.ResponseWriter, r *http.Request) {
	_, rules := s.runner.Run(r.Context(), "ip", "rule", "show")
	_, routes := s.runner.Run(r.Context(), "ip", "route", "show", "table", "all")
	writeJSON(w, http.StatusOK, map[string]string{
		"rules":  strings.TrimSpace(rules),
		"routes": strings.TrimSpace(routes),
	})
}

func (s *Server) handleWhoami(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"owner_id": auth.OwnerFromContext(r.Context())})
}

func (s *Server) handleDumpToken(w http.ResponseWriter, r *http.Request) {
	claims, err := auth.UnverifiedClaims(auth.ExtractToken(r))
	if err != nil {
		writeDetail(w, http.StatusBadRequest, "token does not decode")
		return
	}
	writeJSON(w, http.StatusOK, claims)
}
