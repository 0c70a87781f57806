package handlers

import (
	"errors"
	"net/http"

	"github.com/dmplugins/plugin-manager/internal/deploy"
	"github.com/dmplugins/plugin-manager/internal/manager"
	"github.com/dmplugins/plugin-manager/internal/plugins"
)

// pluginRequest is the body of install and uninstall calls.
type pluginRequest struct {
	Plugins  plugins.Selection `json:"plugins"`
	Folders  plugins.Folders   `json:"folders"`
	Platform plugins.Platform  `json:"platform"`
}

func ListInstallable(w http.ResponseWriter, r *http.Request) {
	formats, platform, ok := parseListQuery(w, r)
	if !ok {
		return
	}
	list, err := Plugins.ListInstallable(r.Context(), formats, platform)
	if err != nil {
		writeOperationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func ListInstalled(w http.ResponseWriter, r *http.Request) {
	formats, platform, ok := parseListQuery(w, r)
	if !ok {
		return
	}
	folders := plugins.Folders{}
	if v := r.URL.Query().Get("vst3_folder"); v != "" {
		folders[plugins.VST3] = v
	}
	if v := r.URL.Query().Get("clap_folder"); v != "" {
		folders[plugins.CLAP] = v
	}

	list, err := Plugins.ListInstalled(r.Context(), formats, folders, platform)
	if err != nil {
		writeOperationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func InstallPlugins(w http.ResponseWriter, r *http.Request) {
	req, ok := decodePluginRequest(w, r)
	if !ok {
		return
	}
	out, err := Plugins.Install(r.Context(), req.Plugins, req.Folders, req.Platform)
	if err != nil {
		writeOutcomeError(w, err, out)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func UninstallPlugins(w http.ResponseWriter, r *http.Request) {
	req, ok := decodePluginRequest(w, r)
	if !ok {
		return
	}
	out, err := Plugins.Uninstall(r.Context(), req.Plugins, req.Folders)
	if err != nil {
		writeOutcomeError(w, err, out)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func parseListQuery(w http.ResponseWriter, r *http.Request) ([]plugins.Format, plugins.Platform, bool) {
	formats, err := manager.ParseFormats(r.URL.Query().Get("formats"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return nil, "", false
	}
	var platform plugins.Platform
	if p := r.URL.Query().Get("platform"); p != "" {
		if platform, err = plugins.ParsePlatform(p); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return nil, "", false
		}
	}
	return formats, platform, true
}

func decodePluginRequest(w http.ResponseWriter, r *http.Request) (*pluginRequest, bool) {
	var req pluginRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return nil, false
	}
	if req.Plugins.Empty() {
		writeError(w, http.StatusBadRequest, "No plugins selected")
		return nil, false
	}
	return &req, true
}

// writeOperationError maps input errors to 400 and everything else to 500.
func writeOperationError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if isBadInput(err) {
		status = http.StatusBadRequest
	}
	writeError(w, status, err.Error())
}

// writeOutcomeError is writeOperationError for install and uninstall: the
// device connectivity observed before the failure travels with the detail.
func writeOutcomeError(w http.ResponseWriter, err error, out *manager.Outcome) {
	if out == nil || out.ModIsConnected == nil {
		writeOperationError(w, err)
		return
	}
	status := http.StatusInternalServerError
	if isBadInput(err) {
		status = http.StatusBadRequest
	}
	writeJSON(w, status, map[string]interface{}{
		"detail":         err.Error(),
		"modIsConnected": *out.ModIsConnected,
	})
}

func isBadInput(err error) bool {
	for _, target := range []error{
		plugins.ErrUnknownFormat,
		plugins.ErrUnknownPlatform,
		plugins.ErrNoPluginFolder,
		manager.ErrNoPlatform,
		deploy.ErrInvalidName,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
