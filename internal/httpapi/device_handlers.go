package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"stratasync.io/internal/auth"
	"stratasync.io/internal/device"
	"stratasync.io/internal/rbac"
)

type registerDeviceRequest struct {
	Type string `json:"type"`
}

type registerDeviceResponse struct {
	Device  device.Device `json:"device"`
	Allowed bool          `json:"allowed"`
}

func (a *API) handleDevicesCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.registerDevice(w, r)
	case http.MethodGet:
		a.listDevices(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) handleDeviceResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/devices/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	if id, ok := strings.CutSuffix(path, "/heartbeat"); ok {
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.deviceHeartbeat(w, r, strings.TrimSuffix(id, "/"))
		return
	}
	if id, ok := strings.CutSuffix(path, "/offline"); ok {
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.deviceOffline(w, r, strings.TrimSuffix(id, "/"))
		return
	}
	if strings.Contains(path, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	switch r.Method {
	case http.MethodGet:
		a.getDevice(w, r, path)
	default:
		methodNotAllowed(w, r, http.MethodGet)
	}
}

func (a *API) registerDevice(w http.ResponseWriter, r *http.Request) {
	identity, err := requireIdentity(r.Context(), "")
	if err != nil {
		handleAuthError(w, r, err)
		return
	}

	var req registerDeviceRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	dt, err := device.ParseType(strings.TrimSpace(req.Type))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "unknown device type")
		return
	}

	d, decision, err := a.registry.Register(r.Context(), identity.UserID, identity.Role, dt)
	if err != nil {
		handleDeviceError(w, r, err)
		return
	}
	if !decision.Allowed {
		a.audit(r.Context(), "device.register.denied", "device", "", map[string]string{
			"type":   req.Type,
			"reason": decision.Reason,
		})
		writeError(w, r, http.StatusForbidden, decision.Reason)
		return
	}

	a.audit(r.Context(), "device.register", "device", d.ID, map[string]string{
		"type":     string(d.Type),
		"mobility": string(d.Mobility),
	})
	w.Header().Set("Location", "/v1/devices/"+d.ID)
	writeJSON(w, http.StatusCreated, registerDeviceResponse{Device: d, Allowed: true})
}

func (a *API) listDevices(w http.ResponseWriter, r *http.Request) {
	identity, err := requireIdentity(r.Context(), "")
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	devices, err := a.registry.ListByUser(r.Context(), identity.UserID)
	if err != nil {
		handleDeviceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": devices,
		"count": len(devices),
	})
}

func (a *API) getDevice(w http.ResponseWriter, r *http.Request, id string) {
	identity, err := requireIdentity(r.Context(), "")
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	d, err := a.registry.Get(r.Context(), id)
	if err != nil {
		handleDeviceError(w, r, err)
		return
	}
	// Owners see their own devices; user managers see everyone's.
	if d.UserID != identity.UserID && !identity.HasPermission(rbac.PermissionManageUsers) {
		writeError(w, r, http.StatusForbidden, "not your device")
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (a *API) deviceHeartbeat(w http.ResponseWriter, r *http.Request, id string) {
	if err := a.touchDevice(w, r, id, true); err != nil {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "online"})
}

func (a *API) deviceOffline(w http.ResponseWriter, r *http.Request, id string) {
	if err := a.touchDevice(w, r, id, false); err != nil {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "offline"})
}

// touchDevice handles the shared ownership check for status updates. It writes
// the error response itself and returns non-nil when the caller should stop.
func (a *API) touchDevice(w http.ResponseWriter, r *http.Request, id string, online bool) error {
	identity, err := requireIdentity(r.Context(), "")
	if err != nil {
		handleAuthError(w, r, err)
		return err
	}
	d, err := a.registry.Get(r.Context(), id)
	if err != nil {
		handleDeviceError(w, r, err)
		return err
	}
	if d.UserID != identity.UserID && !identity.HasPermission(rbac.PermissionManageUsers) {
		writeError(w, r, http.StatusForbidden, "not your device")
		return errors.New("forbidden")
	}
	if online {
		err = a.registry.Heartbeat(r.Context(), id)
	} else {
		err = a.registry.MarkOffline(r.Context(), id)
	}
	if err != nil {
		handleDeviceError(w, r, err)
		return err
	}
	return nil
}

func handleDeviceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, device.ErrInvalidInput), errors.Is(err, rbac.ErrUnknownRole):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, device.ErrUnknownDevice):
		writeError(w, r, http.StatusNotFound, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func handleAuthError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, auth.ErrUnauthenticated):
		writeError(w, r, http.StatusUnauthorized, "authentication required")
	case errors.Is(err, auth.ErrPermissionDenied):
		writeError(w, r, http.StatusForbidden, "permission denied")
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
