package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/m360-net/m360/internal/auth"
	"github.com/m360-net/m360/internal/store"
	"github.com/m360-net/m360/internal/vpn"
	"github.com/m360-net/m360/internal/wgpeer"
)

type vpnRequest struct {
	Name       string  `json:"name"`
	ConfigData string  `json:"config_data"`
	CheckIP    *string `json:"check_ip,omitempty"`
	IsDefault  bool    `json:"is_default"`
}

func (s *Server) handleCreateVPN(w http.ResponseWriter, r *http.Request) {
	owner := auth.OwnerFromContext(r.Context())
	var req vpnRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Name == "" {
		writeDetail(w, http.StatusBadRequest, "name is required")
		return
	}
	if err := vpn.ValidateConfig(req.ConfigData); err != nil {
		writeDetail(w, http.StatusBadRequest, err.Error())
		return
	}

	p := &store.VPNProfile{
		Name:       req.Name,
		ConfigData: vpn.NormalizeConfig(req.ConfigData),
		CheckIP:    req.CheckIP,
		IsDefault:  req.IsDefault,
		OwnerID:    owner,
	}
	if err := s.store.CreateVPNProfile(r.Context(), p); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleListVPNs(w http.ResponseWriter, r *http.Request) {
	owner := auth.OwnerFromContext(r.Context())
	profiles, err := s.store.ListVPNProfiles(r.Context(), owner)
	if err != nil {
		writeError(w, err)
		return
	}
	if profiles == nil {
		profiles = []store.VPNProfile{}
	}
	writeJSON(w, http.StatusOK, profiles)
}

func (s *Server) handleUpdateVPN(w http.ResponseWriter, r *http.Request) {
	owner := auth.OwnerFromContext(r.Context())
	id, ok := pathID(r, "id")
	if !ok {
		writeDetail(w, http.StatusBadRequest, "invalid profile id")
		return
	}
	var req vpnRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := vpn.ValidateConfig(req.ConfigData); err != nil {
		writeDetail(w, http.StatusBadRequest, err.Error())
		return
	}

	p := &store.VPNProfile{
		ID:         id,
		Name:       req.Name,
		ConfigData: vpn.NormalizeConfig(req.ConfigData),
		CheckIP:    req.CheckIP,
		IsDefault:  req.IsDefault,
		OwnerID:    owner,
	}
	if err := s.store.UpdateVPNProfile(r.Context(), p); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleDeleteVPN(w http.ResponseWriter, r *http.Request) {
	owner := auth.OwnerFromContext(r.Context())
	id, ok := pathID(r, "id")
	if !ok {
		writeDetail(w, http.StatusBadRequest, "invalid profile id")
		return
	}
	if err := s.store.DeleteVPNProfile(r.Context(), owner, id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleMikrotikAuto(w http.ResponseWriter, r *http.Request) {
	var req wgpeer.Request
	if !decodeBody(w, r, &req) {
		return
	}
	reg, err := s.registrar.Register(r.Context(), req)
	if err != nil {
		writeDetail(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, reg)
}

func (s *Server) handlePeerStatus(w http.ResponseWriter, r *http.Request) {
	pub := chi.URLParam(r, "pub")
	if pub == "" {
		pub = r.URL.Query().Get("pub")
	}
	if pub == "" {
		writeDetail(w, http.StatusBadRequest, "pub is required")
		return
	}
	status, err := s.registrar.Status(r.Context(), s.clock, pub, r.URL.Query().Get("interface"))
	if err != nil {
		writeDetail(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, status)
}
