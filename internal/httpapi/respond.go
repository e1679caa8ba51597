package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/m360-net/m360/internal/qr"
	"github.com/m360-net/m360/internal/store"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

// writeError maps domain errors onto the HTTP taxonomy: 404 for rows the
// tenant cannot see, 409 for unique-constraint conflicts, 500 otherwise.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, qr.ErrNotFound):
		writeDetail(w, http.StatusNotFound, "not found")
	case errors.Is(err, store.ErrConflict):
		writeDetail(w, http.StatusConflict, "already exists")
	case errors.Is(err, qr.ErrForbidden):
		writeDetail(w, http.StatusNotFound, "not found")
	default:
		writeDetail(w, http.StatusInternalServerError, err.Error())
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}
