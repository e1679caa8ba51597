package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/m360-net/m360/internal/auth"
	"github.com/m360-net/m360/internal/store"
)

func (s *Server) handleCreateChannel(w http.ResponseWriter, r *http.Request) {
	owner := auth.OwnerFromContext(r.Context())
	var req struct {
		Name   string          `json:"name"`
		Type   string          `json:"type"`
		Config json.RawMessage `json:"config"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Type != "webhook" && req.Type != "telegram" {
		writeDetail(w, http.StatusBadRequest, "type must be webhook or telegram")
		return
	}
	ch, err := s.store.CreateChannel(r.Context(), owner, req.Name, req.Type, req.Config)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ch)
}

func (s *Server) handleListChannels(w http.ResponseWriter, r *http.Request) {
	owner := auth.OwnerFromContext(r.Context())
	channels, err := s.store.ListChannels(r.Context(), owner)
	if err != nil {
		writeError(w, err)
		return
	}
	if channels == nil {
		channels = []store.NotificationChannel{}
	}
	writeJSON(w, http.StatusOK, channels)
}

func (s *Server) handleDeleteChannel(w http.ResponseWriter, r *http.Request) {
	owner := auth.OwnerFromContext(r.Context())
	id, ok := pathID(r, "id")
	if !ok {
		writeDetail(w, http.StatusBadRequest, "invalid channel id")
		return
	}
	if err := s.store.DeleteChannel(r.Context(), owner, id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleTelegramGetChats(w http.ResponseWriter, r *http.Request) {
	var req struct {
		BotToken string `json:"bot_token"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.BotToken == "" {
		writeDetail(w, http.StatusBadRequest, "bot_token is required")
		return
	}
	chats, err := s.telegram.GetChats(r.Context(), req.BotToken)
	if err != nil {
		writeDetail(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"chats": chats})
}

func (s *Server) handleAlertHistory(w http.ResponseWriter, r *http.Request) {
	owner := auth.OwnerFromContext(r.Context())
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, _ = strconv.Atoi(v)
	}
	entries, err := s.store.ListAlertHistory(r.Context(), owner, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if entries == nil {
		entries = []store.AlertHistoryEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}
