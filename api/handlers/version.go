package handlers

import (
	"net/http"
)

// VersionResponse contains the API build info, set by LDFLAGS.
type VersionResponse struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Date    string `json:"date"`
}

// GetVersion returns the running API build.
func (a *API) GetVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.cfg.Version)
}
