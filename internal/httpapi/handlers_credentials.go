package httpapi

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/m360-net/m360/internal/auth"
	"github.com/m360-net/m360/internal/store"
)

func pathID(r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	return id, err == nil
}

func (s *Server) handleCreateCredential(w http.ResponseWriter, r *http.Request) {
	owner := auth.OwnerFromContext(r.Context())
	var req struct {
		Name     string `json:"name"`
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Name == "" || req.Username == "" {
		writeDetail(w, http.StatusBadRequest, "name and username are required")
		return
	}
	cred, err := s.store.CreateCredential(r.Context(), owner, req.Name, req.Username, req.Password)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, cred)
}

func (s *Server) handleListCredentials(w http.ResponseWriter, r *http.Request) {
	owner := auth.OwnerFromContext(r.Context())
	creds, err := s.store.ListCredentials(r.Context(), owner)
	if err != nil {
		writeError(w, err)
		return
	}
	if creds == nil {
		creds = []store.Credential{}
	}
	writeJSON(w, http.StatusOK, creds)
}

func (s *Server) handleDeleteCredential(w http.ResponseWriter, r *http.Request) {
	owner := auth.OwnerFromContext(r.Context())
	id, ok := pathID(r, "id")
	if !ok {
		writeDetail(w, http.StatusBadRequest, "invalid credential id")
		return
	}
	if err := s.store.DeleteCredential(r.Context(), owner, id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}
