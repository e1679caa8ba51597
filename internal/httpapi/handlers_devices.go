package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/m360-net/m360/internal/auth"
	"github.com/m360-net/m360/internal/probe"
	"github.com/m360-net/m360/internal/store"
)

// handleAddDeviceManual probes the device first and persists it with the
// credential that authenticated.
func (s *Server) handleAddDeviceManual(w http.ResponseWriter, r *http.Request) {
	owner := auth.OwnerFromContext(r.Context())
	var req struct {
		ClientName   string  `json:"client_name"`
		IPAddress    string  `json:"ip_address"`
		Node         string  `json:"node"`
		MAC          string  `json:"mac"`
		VPNProfileID *int64  `json:"vpn_profile_id,omitempty"`
		MaestroID    *string `json:"maestro_id,omitempty"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.IPAddress == "" {
		writeDetail(w, http.StatusBadRequest, "ip_address is required")
		return
	}

	res, err := s.prober.Run(r.Context(), owner, probe.Request{
		IP:           req.IPAddress,
		VPNProfileID: req.VPNProfileID,
		MaestroID:    req.MaestroID,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if !res.Reachable {
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"detail":    "device unreachable",
			"reachable": false,
			"probe":     res,
		})
		return
	}

	d := &store.Device{
		ClientName:   req.ClientName,
		IPAddress:    req.IPAddress,
		Node:         req.Node,
		MAC:          req.MAC,
		Status:       "online",
		CredentialID: res.CredentialID,
		MaestroID:    req.MaestroID,
		VPNProfileID: req.VPNProfileID,
		OwnerID:      owner,
	}
	if err := s.store.CreateDevice(r.Context(), d); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	owner := auth.OwnerFromContext(r.Context())
	var isMaestro *bool
	switch r.URL.Query().Get("is_maestro") {
	case "true", "1":
		v := true
		isMaestro = &v
	case "false", "0":
		v := false
		isMaestro = &v
	}
	devices, err := s.store.ListDevices(r.Context(), owner, isMaestro)
	if err != nil {
		writeError(w, err)
		return
	}
	if devices == nil {
		devices = []store.Device{}
	}
	writeJSON(w, http.StatusOK, devices)
}

func (s *Server) handleSearchDevices(w http.ResponseWriter, r *http.Request) {
	owner := auth.OwnerFromContext(r.Context())
	devices, err := s.store.SearchDevices(r.Context(), owner, r.URL.Query().Get("search"))
	if err != nil {
		writeError(w, err)
		return
	}
	if devices == nil {
		devices = []store.Device{}
	}
	writeJSON(w, http.StatusOK, devices)
}

func (s *Server) handlePromoteDevice(w http.ResponseWriter, r *http.Request) {
	owner := auth.OwnerFromContext(r.Context())
	id := chi.URLParam(r, "id")
	if err := s.store.PromoteDevice(r.Context(), owner, id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "promoted"})
}

func (s *Server) handleAssociateVPN(w http.ResponseWriter, r *http.Request) {
	owner := auth.OwnerFromContext(r.Context())
	id := chi.URLParam(r, "id")
	var req struct {
		VPNProfileID int64 `json:"vpn_profile_id"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.store.AssociateVPN(r.Context(), owner, id, req.VPNProfileID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "associated"})
}

// handleDeleteDevice cancels the device's sensor workers before removing
// the row.
func (s *Server) handleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	owner := auth.OwnerFromContext(r.Context())
	id := chi.URLParam(r, "id")

	sensorIDs, err := s.store.SensorIDsForDevice(r.Context(), owner, id)
	if err != nil {
		writeError(w, err)
		return
	}
	for _, sid := range sensorIDs {
		s.scheduler.Stop(sid)
	}

	if err := s.store.DeleteDevice(r.Context(), owner, id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "deleted", "stopped_sensors": len(sensorIDs)})
}

func (s *Server) handleTestReachability(w http.ResponseWriter, r *http.Request) {
	owner := auth.OwnerFromContext(r.Context())
	var req probe.Request
	if !decodeBody(w, r, &req) {
		return
	}
	if req.IP == "" {
		writeDetail(w, http.StatusBadRequest, "ip is required")
		return
	}
	res, err := s.prober.Run(r.Context(), owner, req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
