package handlers

import (
	"net/http"

	"github.com/dmplugins/plugin-manager/internal/devicemon"
	"github.com/dmplugins/plugin-manager/internal/events"
	"github.com/dmplugins/plugin-manager/internal/manager"
)

// Dependencies wired by main.
var (
	Plugins *manager.Manager
	Monitor *devicemon.Monitor
	Events  *events.Broker
)

func HealthCheck(w http.ResponseWriter, r *http.Request) {
	device := "unknown"
	if Monitor != nil {
		if st := Monitor.Status(); !st.CheckedAt.IsZero() {
			device = "disconnected"
			if st.Connected {
				device = "connected"
			}
		}
	}

	status := "healthy"
	if Plugins == nil {
		status = "unhealthy"
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status": status,
		"device": device,
	})
}
