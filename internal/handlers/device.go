package handlers

import (
	"net/http"
)

// GetDeviceStatus returns the last check result; ?refresh=true checks now.
func GetDeviceStatus(w http.ResponseWriter, r *http.Request) {
	if Monitor == nil {
		writeError(w, http.StatusServiceUnavailable, "Device monitor not running")
		return
	}
	if r.URL.Query().Get("refresh") == "true" {
		writeJSON(w, http.StatusOK, Monitor.Check(r.Context()))
		return
	}
	writeJSON(w, http.StatusOK, Monitor.Status())
}
