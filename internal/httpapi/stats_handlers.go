package httpapi

import (
	"net/http"
	"strings"

	"stratasync.io/internal/rbac"
)

func (a *API) handleMissionResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/missions/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	if id, ok := strings.CutSuffix(path, "/stats"); ok {
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.missionStats(w, r, strings.TrimSuffix(id, "/"))
		return
	}
	if id, ok := strings.CutSuffix(path, "/history"); ok {
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.missionHistory(w, r, strings.TrimSuffix(id, "/"))
		return
	}
	writeError(w, r, http.StatusNotFound, "resource not found")
}

func (a *API) missionStats(w http.ResponseWriter, r *http.Request, missionID string) {
	if _, err := requireIdentity(r.Context(), rbac.PermissionRead); err != nil {
		handleAuthError(w, r, err)
		return
	}
	if missionID == "" {
		writeError(w, r, http.StatusNotFound, "mission not found")
		return
	}
	s, err := a.tracker.StatsByMission(r.Context(), missionID)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (a *API) missionHistory(w http.ResponseWriter, r *http.Request, missionID string) {
	if _, err := requireIdentity(r.Context(), rbac.PermissionRead); err != nil {
		handleAuthError(w, r, err)
		return
	}
	if missionID == "" {
		writeError(w, r, http.StatusNotFound, "mission not found")
		return
	}
	days, err := parsePositiveInt(r.URL.Query().Get("days"), 30, 1, 365)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "days must be between 1 and 365")
		return
	}
	buckets, err := a.tracker.CompletionHistory(r.Context(), missionID, days)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"mission_id": missionID,
		"days":       days,
		"buckets":    buckets,
	})
}
