package httpapi

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"stratasync.io/internal/rbac"
	"stratasync.io/internal/syncq"
)

type registerItemRequest struct {
	MissionID string `json:"mission_id"`
	Name      string `json:"name"`
}

type syncRequest struct {
	ItemID         string `json:"item_id"`
	SourceDeviceID string `json:"source_device_id"`
	TargetDeviceID string `json:"target_device_id,omitempty"`
	SourceVersion  int64  `json:"source_version"`
	Action         string `json:"action,omitempty"`
}

type bulkSyncRequest struct {
	Requests []syncRequest `json:"requests"`
}

type resolutionRequest struct {
	Decision string `json:"decision"`
}

func (a *API) handleItemsCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.registerItem(w, r)
	default:
		methodNotAllowed(w, r, http.MethodPost)
	}
}

func (a *API) handleItemResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/items/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	if id, ok := strings.CutSuffix(path, "/resolution"); ok {
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.resolveItem(w, r, strings.TrimSuffix(id, "/"))
		return
	}
	if strings.Contains(path, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	switch r.Method {
	case http.MethodGet:
		a.getItem(w, r, path)
	default:
		methodNotAllowed(w, r, http.MethodGet)
	}
}

func (a *API) registerItem(w http.ResponseWriter, r *http.Request) {
	identity, err := requireIdentity(r.Context(), rbac.PermissionWrite)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}

	var req registerItemRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeError(w, r, http.StatusBadRequest, "name is required")
		return
	}

	item, err := a.queue.RegisterItem(r.Context(), syncq.RegisterItemRequest{
		OwnerID:   identity.UserID,
		OwnerRole: identity.Role,
		MissionID: strings.TrimSpace(req.MissionID),
		Name:      strings.TrimSpace(req.Name),
	})
	if err != nil {
		handleSyncError(w, r, err)
		return
	}

	a.audit(r.Context(), "sync.item.register", "item", item.ID, map[string]string{
		"mission_id": item.MissionID,
		"name":       item.Name,
	})
	w.Header().Set("Location", "/v1/items/"+item.ID)
	writeJSON(w, http.StatusCreated, item)
}

func (a *API) getItem(w http.ResponseWriter, r *http.Request, id string) {
	if _, err := requireIdentity(r.Context(), rbac.PermissionRead); err != nil {
		handleAuthError(w, r, err)
		return
	}
	item, err := a.queue.GetItem(r.Context(), id)
	if err != nil {
		handleSyncError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (a *API) resolveItem(w http.ResponseWriter, r *http.Request, id string) {
	identity, err := requireIdentity(r.Context(), rbac.PermissionWrite)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}

	var req resolutionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	item, err := a.queue.ResolveLayerConflict(r.Context(), id, syncq.Decision(req.Decision))
	if err != nil {
		handleSyncError(w, r, err)
		return
	}

	a.audit(r.Context(), "sync.conflict.resolved", "item", item.ID, map[string]string{
		"decision": req.Decision,
		"version":  strconv.FormatInt(item.Version, 10),
		"resolver": identity.UserID,
	})
	writeJSON(w, http.StatusOK, item)
}

func (a *API) handleSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	identity, err := requireIdentity(r.Context(), rbac.PermissionSync)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}

	var req syncRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	entry, err := a.queue.Enqueue(r.Context(), enqueueRequest(req, identity.UserID, identity.Role))
	if err != nil {
		handleSyncError(w, r, err)
		return
	}

	a.audit(r.Context(), "sync.enqueue", "entry", entry.ID, map[string]string{
		"item_id":  entry.ItemID,
		"priority": strconv.Itoa(entry.Priority),
	})
	w.Header().Set("Location", "/v1/sync/entries/"+entry.ID)
	writeJSON(w, http.StatusAccepted, entry)
}

func (a *API) handleSyncBulk(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	identity, err := requireIdentity(r.Context(), rbac.PermissionSync)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}

	var req bulkSyncRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.Requests) == 0 {
		writeError(w, r, http.StatusBadRequest, "requests are required")
		return
	}
	if len(req.Requests) > 500 {
		writeError(w, r, http.StatusBadRequest, "too many requests in one batch")
		return
	}

	reqs := make([]syncq.EnqueueRequest, 0, len(req.Requests))
	for _, one := range req.Requests {
		reqs = append(reqs, enqueueRequest(one, identity.UserID, identity.Role))
	}

	batchID := uuid.NewString()
	summary := syncq.SyncAll(r.Context(), a.queue, reqs)

	a.audit(r.Context(), "sync.bulk", "batch", batchID, map[string]string{
		"requested": strconv.Itoa(len(reqs)),
		"success":   strconv.Itoa(summary.Success),
		"failed":    strconv.Itoa(summary.Failed),
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"batch_id": batchID,
		"success":  summary.Success,
		"failed":   summary.Failed,
		"errors":   summary.Errors,
	})
}

func (a *API) handleQueueDepth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if _, err := requireIdentity(r.Context(), rbac.PermissionRead); err != nil {
		handleAuthError(w, r, err)
		return
	}
	depth, err := a.queue.PendingDepth(r.Context())
	if err != nil {
		handleSyncError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pending": depth})
}

func (a *API) handleEntryResource(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/v1/sync/entries/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	switch r.Method {
	case http.MethodGet:
		if _, err := requireIdentity(r.Context(), rbac.PermissionRead); err != nil {
			handleAuthError(w, r, err)
			return
		}
		entry, err := a.queue.GetEntry(r.Context(), id)
		if err != nil {
			handleSyncError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, entry)
	case http.MethodDelete:
		identity, err := requireIdentity(r.Context(), rbac.PermissionSync)
		if err != nil {
			handleAuthError(w, r, err)
			return
		}
		if err := a.queue.Withdraw(r.Context(), id); err != nil {
			handleSyncError(w, r, err)
			return
		}
		a.audit(r.Context(), "sync.withdraw", "entry", id, map[string]string{
			"user": identity.UserID,
		})
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodDelete)
	}
}

func enqueueRequest(req syncRequest, userID string, role rbac.Role) syncq.EnqueueRequest {
	return syncq.EnqueueRequest{
		ItemID:         strings.TrimSpace(req.ItemID),
		SourceDeviceID: strings.TrimSpace(req.SourceDeviceID),
		TargetDeviceID: strings.TrimSpace(req.TargetDeviceID),
		SourceVersion:  req.SourceVersion,
		Action:         syncq.Action(req.Action),
		Requester:      syncq.Actor{UserID: userID, Role: role},
	}
}
