package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/m360-net/m360/internal/auth"
	"github.com/m360-net/m360/internal/sensors"
	"github.com/m360-net/m360/internal/store"
)

func (s *Server) handleCreateMonitor(w http.ResponseWriter, r *http.Request) {
	owner := auth.OwnerFromContext(r.Context())
	var req struct {
		DeviceID string `json:"device_id"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.DeviceID == "" {
		writeDetail(w, http.StatusBadRequest, "device_id is required")
		return
	}
	m, err := s.store.CreateMonitor(r.Context(), owner, req.DeviceID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (s *Server) handleListMonitors(w http.ResponseWriter, r *http.Request) {
	owner := auth.OwnerFromContext(r.Context())
	monitors, err := s.store.ListMonitorsWithSensors(r.Context(), owner)
	if err != nil {
		writeError(w, err)
		return
	}
	if monitors == nil {
		monitors = []store.MonitorWithSensors{}
	}
	writeJSON(w, http.StatusOK, monitors)
}

func (s *Server) handleDeleteMonitor(w http.ResponseWriter, r *http.Request) {
	owner := auth.OwnerFromContext(r.Context())
	id, ok := pathID(r, "id")
	if !ok {
		writeDetail(w, http.StatusBadRequest, "invalid monitor id")
		return
	}
	sensorIDs, err := s.store.DeleteMonitor(r.Context(), owner, id)
	if err != nil {
		writeError(w, err)
		return
	}
	for _, sid := range sensorIDs {
		s.scheduler.Stop(sid)
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "deleted", "stopped_sensors": len(sensorIDs)})
}

// validateSensorConfig rejects configs the workers would refuse to run.
func validateSensorConfig(sensorType string, config json.RawMessage) error {
	switch sensorType {
	case "ping":
		_, err := sensors.ParsePingConfig(config)
		return err
	case "ethernet":
		_, err := sensors.ParseEthernetConfig(config)
		return err
	}
	return errInvalidSensorType
}

var errInvalidSensorType = &badRequestError{"sensor_type must be ping or ethernet"}

type badRequestError struct{ detail string }

func (e *badRequestError) Error() string { return e.detail }

func (s *Server) handleCreateSensor(w http.ResponseWriter, r *http.Request) {
	owner := auth.OwnerFromContext(r.Context())
	var req struct {
		MonitorID  int64           `json:"monitor_id"`
		SensorType string          `json:"sensor_type"`
		Name       string          `json:"name"`
		Config     json.RawMessage `json:"config"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := validateSensorConfig(req.SensorType, req.Config); err != nil {
		writeDetail(w, http.StatusBadRequest, err.Error())
		return
	}

	sn, err := s.store.CreateSensor(r.Context(), owner, req.MonitorID, req.SensorType, req.Name, req.Config)
	if err != nil {
		writeError(w, err)
		return
	}

	// launch its worker right away, parented on the daemon context so it
	// survives this request
	if rt, err := s.store.SensorRuntimeByID(r.Context(), sn.ID); err == nil {
		s.scheduler.Start(s.baseCtx, rt)
	} else {
		s.log.Warn("api: worker launch failed after create", "sensor_id", sn.ID, "error", err)
	}
	writeJSON(w, http.StatusCreated, sn)
}

func (s *Server) handleUpdateSensor(w http.ResponseWriter, r *http.Request) {
	owner := auth.OwnerFromContext(r.Context())
	id, ok := pathID(r, "id")
	if !ok {
		writeDetail(w, http.StatusBadRequest, "invalid sensor id")
		return
	}
	var req struct {
		Name   string          `json:"name"`
		Config json.RawMessage `json:"config"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	current, err := s.store.SensorByID(r.Context(), owner, id)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := validateSensorConfig(current.SensorType, req.Config); err != nil {
		writeDetail(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.store.UpdateSensor(r.Context(), owner, id, req.Name, req.Config); err != nil {
		writeError(w, err)
		return
	}
	if err := s.scheduler.Restart(s.baseCtx, id); err != nil {
		s.log.Warn("api: worker restart failed after update", "sensor_id", id, "error", err)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (s *Server) handleDeleteSensor(w http.ResponseWriter, r *http.Request) {
	owner := auth.OwnerFromContext(r.Context())
	id, ok := pathID(r, "id")
	if !ok {
		writeDetail(w, http.StatusBadRequest, "invalid sensor id")
		return
	}
	if err := s.store.DeleteSensor(r.Context(), owner, id); err != nil {
		writeError(w, err)
		return
	}
	s.scheduler.Stop(id)
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleRestartSensor(w http.ResponseWriter, r *http.Request) {
	owner := auth.OwnerFromContext(r.Context())
	id, ok := pathID(r, "id")
	if !ok {
		writeDetail(w, http.StatusBadRequest, "invalid sensor id")
		return
	}
	// ownership check before touching the scheduler
	if _, err := s.store.SensorByID(r.Context(), owner, id); err != nil {
		writeError(w, err)
		return
	}
	if err := s.scheduler.Restart(s.baseCtx, id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "restarted"})
}

func (s *Server) handleSensorDetails(w http.ResponseWriter, r *http.Request) {
	owner := auth.OwnerFromContext(r.Context())
	id, ok := pathID(r, "id")
	if !ok {
		writeDetail(w, http.StatusBadRequest, "invalid sensor id")
		return
	}
	sn, err := s.store.SensorByID(r.Context(), owner, id)
	if err != nil {
		writeError(w, err)
		return
	}

	details := map[string]any{"sensor": sn, "latest": nil}
	switch sn.SensorType {
	case "ping":
		if latest, err := s.store.LatestPingResult(r.Context(), id); err == nil {
			details["latest"] = latest
		}
	case "ethernet":
		if latest, err := s.store.LatestEthernetResult(r.Context(), id); err == nil {
			details["latest"] = latest
		}
	}
	writeJSON(w, http.StatusOK, details)
}

func (s *Server) handleHistoryRange(w http.ResponseWriter, r *http.Request) {
	owner := auth.OwnerFromContext(r.Context())
	id, ok := pathID(r, "id")
	if !ok {
		writeDetail(w, http.StatusBadRequest, "invalid sensor id")
		return
	}
	timeRange := r.URL.Query().Get("time_range")
	if timeRange == "" {
		timeRange = "24h"
	}
	switch timeRange {
	case "1h", "12h", "24h", "7d", "30d":
	default:
		writeDetail(w, http.StatusBadRequest, "time_range must be one of 1h, 12h, 24h, 7d, 30d")
		return
	}
	items, err := s.store.HistoryRange(r.Context(), owner, id, timeRange, s.clock.Now())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleHistoryWindow(w http.ResponseWriter, r *http.Request) {
	owner := auth.OwnerFromContext(r.Context())
	id, ok := pathID(r, "id")
	if !ok {
		writeDetail(w, http.StatusBadRequest, "invalid sensor id")
		return
	}

	q := r.URL.Query()
	start, err := time.Parse(time.RFC3339, q.Get("start"))
	if err != nil {
		writeDetail(w, http.StatusBadRequest, "start must be RFC3339")
		return
	}
	end, err := time.Parse(time.RFC3339, q.Get("end"))
	if err != nil {
		writeDetail(w, http.StatusBadRequest, "end must be RFC3339")
		return
	}
	maxPoints := 0
	if v := q.Get("max_points"); v != "" {
		if maxPoints, err = strconv.Atoi(v); err != nil {
			writeDetail(w, http.StatusBadRequest, "max_points must be an integer")
			return
		}
	}
	mode := q.Get("mode")
	if mode == "" {
		mode = "auto"
	}

	items, meta, err := s.store.HistoryWindow(r.Context(), owner, id, start, end, maxPoints, mode)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "meta": meta})
}
