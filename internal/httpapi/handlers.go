// Package httpapi is the HTTP surface: routing, authentication, rate limits
// and JSON encoding around the sync engine.
package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"stratasync.io/internal/audit"
	"stratasync.io/internal/device"
	"stratasync.io/internal/obs"
	"stratasync.io/internal/rbac"
	"stratasync.io/internal/stats"
	"stratasync.io/internal/stream"
	"stratasync.io/internal/syncq"
)

// ReadyProbe reports readiness; with a DB configured it pings it.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// Options carries the tunables the middleware chain needs.
type Options struct {
	Version            string
	RateLimitBurst     int
	RateLimitPerSecond int
	MaxBodyBytes       int64
}

// API is the HTTP layer over the queue, the device registry and the tracker.
type API struct {
	mux        *http.ServeMux
	queue      syncq.Service
	registry   *device.Registry
	tracker    *stats.Tracker
	stream     *stream.Bus
	readyProbe ReadyProbe
	opts       Options
}

func New(queue syncq.Service, registry *device.Registry, tracker *stats.Tracker, bus *stream.Bus, rp ReadyProbe, opts Options) *API {
	if opts.RateLimitBurst <= 0 {
		opts.RateLimitBurst = 50
	}
	if opts.RateLimitPerSecond <= 0 {
		opts.RateLimitPerSecond = 25
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 1 << 20
	}
	a := &API{
		mux:        http.NewServeMux(),
		queue:      queue,
		registry:   registry,
		tracker:    tracker,
		stream:     bus,
		readyProbe: rp,
		opts:       opts,
	}

	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)
	a.mux.Handle("/metrics", obs.Handler())

	a.mux.HandleFunc("/v1/auth/token", a.handleAuthToken)

	a.mux.HandleFunc("/v1/devices", a.handleDevicesCollection)
	a.mux.HandleFunc("/v1/devices/", a.handleDeviceResource)

	a.mux.HandleFunc("/v1/items", a.handleItemsCollection)
	a.mux.HandleFunc("/v1/items/", a.handleItemResource)

	a.mux.HandleFunc("/v1/sync", a.handleSync)
	a.mux.HandleFunc("/v1/sync/bulk", a.handleSyncBulk)
	a.mux.HandleFunc("/v1/sync/queue", a.handleQueueDepth)
	a.mux.HandleFunc("/v1/sync/entries/", a.handleEntryResource)

	a.mux.HandleFunc("/v1/missions/", a.handleMissionResource)

	a.mux.HandleFunc("/v1/stream", a.Stream)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler assembles the middleware chain around the mux.
func (a *API) Handler() http.Handler {
	h := a.withAuth(a.mux)
	h = MaxBodyBytes(h, a.opts.MaxBodyBytes)
	h = RateLimit(h, a.opts.RateLimitBurst, a.opts.RateLimitPerSecond)
	h = CORS(h)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "stratasync-api",
		"version": a.opts.Version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "stratasync-api",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.opts.Version,
	})
}

// audit records one structured event for a state-changing request.
func (a *API) audit(ctx context.Context, event, resource, id string, meta map[string]string) {
	fields := map[string]any{
		"resource": resource,
	}
	if id != "" {
		fields["resource_id"] = id
	}
	for k, v := range meta {
		fields[k] = v
	}
	_ = audit.LogEvent(ctx, event, fields)
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func parsePositiveInt(raw string, def, min, max int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New("value must be an integer")
	}
	if val < min || val > max {
		return 0, errors.New("value out of range")
	}
	return val, nil
}

func handleSyncError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, rbac.ErrUnknownRole), errors.Is(err, syncq.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, syncq.ErrPermissionDenied):
		writeError(w, r, http.StatusForbidden, err.Error())
	case errors.Is(err, syncq.ErrUnknownItem), errors.Is(err, syncq.ErrUnknownEntry):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, syncq.ErrInvalidTransition),
		errors.Is(err, syncq.ErrItemBusy),
		errors.Is(err, syncq.ErrNoResolutionPending):
		writeError(w, r, http.StatusConflict, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
