package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"stratasync.io/internal/auth"
	"stratasync.io/internal/device"
	"stratasync.io/internal/rbac"
	"stratasync.io/internal/stats"
	"stratasync.io/internal/stream"
	"stratasync.io/internal/syncq"
)

type apiClient struct {
	baseURL string
	client  *http.Client
	queue   *syncq.InMemory
	t       *testing.T
}

func newTestAPI(t *testing.T) *apiClient {
	t.Helper()

	t.Setenv("STRATA_AUTH_SECRET", "test-secret")
	auth.ResetSecretForTests()

	bus := stream.New()
	tracker, err := stats.NewTracker(stats.NewInMemory())
	if err != nil {
		t.Fatalf("NewTracker: %v", err)
	}
	queue := syncq.NewInMemory(syncq.WithObserver(syncq.Observers{bus, tracker}))
	registry, err := device.NewRegistry(device.NewInMemory())
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	api := New(queue, registry, tracker, bus, ReadyProbe{}, Options{
		Version:            "test",
		RateLimitBurst:     1000,
		RateLimitPerSecond: 1000,
	})

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &apiClient{
		baseURL: srv.URL,
		client:  srv.Client(),
		queue:   queue,
		t:       t,
	}
}

func (c *apiClient) do(method, path string, body any, headers map[string]string) *http.Response {
	c.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
	}
	req, err := http.NewRequest(method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	return resp
}

func (c *apiClient) post(path string, body any, headers map[string]string) *http.Response {
	return c.do(http.MethodPost, path, body, headers)
}

func (c *apiClient) get(path string, params url.Values, headers map[string]string) *http.Response {
	c.t.Helper()
	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		c.t.Fatalf("parse url: %v", err)
	}
	if params != nil {
		u.RawQuery = params.Encode()
	}
	req, err := http.NewRequest(http.MethodGet, u.String(), nil)
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("get request: %v", err)
	}
	return resp
}

func (c *apiClient) obtainToken(user, role string) string {
	c.t.Helper()
	resp := c.post("/v1/auth/token", map[string]any{
		"user": user,
		"role": role,
	}, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		c.t.Fatalf("unexpected token status: %d", resp.StatusCode)
	}
	var payload tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		c.t.Fatalf("decode token response: %v", err)
	}
	return payload.Token
}

func (c *apiClient) authHeaders(user, role string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + c.obtainToken(user, role)}
}

func decodeBody(t *testing.T, resp *http.Response, dst any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		t.Fatalf("decode body: %v", err)
	}
}

func TestHealthAndInfoArePublic(t *testing.T) {
	c := newTestAPI(t)

	for _, path := range []string{"/healthz", "/readyz", "/v1/info"} {
		resp := c.get(path, nil, nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", path, resp.StatusCode)
		}
		resp.Body.Close()
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	c := newTestAPI(t)

	resp := c.post("/v1/sync", map[string]any{"item_id": "x", "source_device_id": "y"}, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestTokenRejectsUnknownRole(t *testing.T) {
	c := newTestAPI(t)

	resp := c.post("/v1/auth/token", map[string]any{"user": "u1", "role": "overlord"}, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestRegisterDeviceAppliesRolePolicy(t *testing.T) {
	c := newTestAPI(t)

	// A user cannot attach a server.
	resp := c.post("/v1/devices", map[string]any{"type": "server"}, c.authHeaders("u1", "user"))
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for user server, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	// An admin can.
	resp = c.post("/v1/devices", map[string]any{"type": "server"}, c.authHeaders("a1", "admin"))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201 for admin server, got %d", resp.StatusCode)
	}
	var created registerDeviceResponse
	decodeBody(t, resp, &created)
	if created.Device.ID == "" || created.Device.Mobility == "" {
		t.Fatalf("device missing id or mobility: %+v", created.Device)
	}

	headers := c.authHeaders("a1", "admin")
	resp = c.get("/v1/devices/"+created.Device.ID, nil, headers)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 on get device, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	// Another plain user cannot read it.
	resp = c.get("/v1/devices/"+created.Device.ID, nil, c.authHeaders("u2", "user"))
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for foreign device, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestDeviceQuotaEnforced(t *testing.T) {
	c := newTestAPI(t)
	headers := c.authHeaders("u1", "user")

	for i := 0; i < 3; i++ {
		resp := c.post("/v1/devices", map[string]any{"type": "mobile"}, headers)
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("device %d: expected 201, got %d", i, resp.StatusCode)
		}
		resp.Body.Close()
	}
	resp := c.post("/v1/devices", map[string]any{"type": "mobile"}, headers)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 past quota, got %d", resp.StatusCode)
	}
}

func TestSyncFlowEnqueueAndWithdraw(t *testing.T) {
	c := newTestAPI(t)
	headers := c.authHeaders("u1", "user")

	resp := c.post("/v1/items", map[string]any{"mission_id": "m1", "name": "roads.gpkg"}, headers)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201 on item, got %d", resp.StatusCode)
	}
	var item syncq.Item
	decodeBody(t, resp, &item)

	resp = c.post("/v1/sync", map[string]any{
		"item_id":          item.ID,
		"source_device_id": "dev-1",
		"source_version":   item.Version,
	}, headers)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202 on sync, got %d", resp.StatusCode)
	}
	var entry syncq.Entry
	decodeBody(t, resp, &entry)
	if entry.Status != syncq.EntryPending {
		t.Fatalf("expected pending entry, got %s", entry.Status)
	}

	resp = c.get("/v1/sync/queue", nil, headers)
	var depth struct {
		Pending int `json:"pending"`
	}
	decodeBody(t, resp, &depth)
	if depth.Pending != 1 {
		t.Fatalf("expected depth 1, got %d", depth.Pending)
	}

	resp = c.do(http.MethodDelete, "/v1/sync/entries/"+entry.ID, nil, headers)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204 on withdraw, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestBulkSyncReportsPartialFailure(t *testing.T) {
	c := newTestAPI(t)
	headers := c.authHeaders("u1", "user")

	resp := c.post("/v1/items", map[string]any{"mission_id": "m1", "name": "a.gpkg"}, headers)
	var good syncq.Item
	decodeBody(t, resp, &good)

	resp = c.post("/v1/sync/bulk", map[string]any{
		"requests": []map[string]any{
			{"item_id": good.ID, "source_device_id": "dev-1", "source_version": good.Version},
			{"item_id": "missing", "source_device_id": "dev-1", "source_version": 1},
		},
	}, headers)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 on bulk, got %d", resp.StatusCode)
	}
	var summary syncq.Summary
	decodeBody(t, resp, &summary)
	if summary.Success != 1 || summary.Failed != 1 {
		t.Fatalf("expected 1/1 split, got %+v", summary)
	}

	resp = c.get("/v1/items/"+good.ID, nil, headers)
	var after syncq.Item
	decodeBody(t, resp, &after)
	if after.Status != syncq.ItemSynced || after.Version != good.Version+1 {
		t.Fatalf("expected synced v%d, got %s v%d", good.Version+1, after.Status, after.Version)
	}
}

func TestResolutionRequiresConflictState(t *testing.T) {
	c := newTestAPI(t)
	headers := c.authHeaders("u1", "user")

	resp := c.post("/v1/items", map[string]any{"name": "b.gpkg"}, headers)
	var item syncq.Item
	decodeBody(t, resp, &item)

	resp = c.post("/v1/items/"+item.ID+"/resolution", map[string]any{"decision": "merge"}, headers)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 without conflict, got %d", resp.StatusCode)
	}
}

func TestMissionStatsReflectCompletions(t *testing.T) {
	c := newTestAPI(t)
	headers := c.authHeaders("u1", "user")

	resp := c.post("/v1/items", map[string]any{"mission_id": "m9", "name": "c.gpkg"}, headers)
	var item syncq.Item
	decodeBody(t, resp, &item)

	resp = c.post("/v1/sync/bulk", map[string]any{
		"requests": []map[string]any{
			{"item_id": item.ID, "source_device_id": "dev-1", "source_version": item.Version},
		},
	}, headers)
	resp.Body.Close()

	resp = c.get("/v1/missions/m9/stats", nil, headers)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 on stats, got %d", resp.StatusCode)
	}
	var s stats.Stats
	decodeBody(t, resp, &s)
	if s.Validated != 1 || s.TotalFeatures != 1 {
		t.Fatalf("expected one validated feature, got %+v", s)
	}

	resp = c.get("/v1/missions/m9/history", url.Values{"days": {"7"}}, headers)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 on history, got %d", resp.StatusCode)
	}
	var history struct {
		Buckets []stats.Bucket `json:"buckets"`
	}
	decodeBody(t, resp, &history)
	if len(history.Buckets) != 7 {
		t.Fatalf("expected 7 buckets, got %d", len(history.Buckets))
	}
	if history.Buckets[6].Completed != 1 {
		t.Fatalf("expected today's bucket to count the completion: %+v", history.Buckets)
	}
}

func TestStreamDeliversCompletionEvents(t *testing.T) {
	c := newTestAPI(t)
	headers := c.authHeaders("u1", "user")

	req, err := http.NewRequest(http.MethodGet, c.baseURL+"/v1/stream", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		t.Fatalf("stream request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 on stream, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}

	reader := bufio.NewReader(resp.Body)
	preamble, err := reader.ReadString('\n')
	if err != nil || !strings.HasPrefix(preamble, ":") {
		t.Fatalf("expected comment preamble, got %q (%v)", preamble, err)
	}

	// A sync completing after the subscription reaches the open stream.
	ctx := context.Background()
	item, err := c.queue.RegisterItem(ctx, syncq.RegisterItemRequest{
		OwnerID:   "u1",
		OwnerRole: rbac.RoleUser,
		MissionID: "m1",
		Name:      "layer.geojson",
	})
	if err != nil {
		t.Fatalf("RegisterItem: %v", err)
	}
	entry, err := c.queue.Enqueue(ctx, syncq.EnqueueRequest{
		ItemID:         item.ID,
		SourceDeviceID: "dev-1",
		SourceVersion:  item.Version,
		Requester:      syncq.Actor{UserID: "u1", Role: rbac.RoleUser},
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := syncq.ProcessEntry(ctx, c.queue, entry.ID); err != nil {
		t.Fatalf("ProcessEntry: %v", err)
	}

	lines := make(chan string, 1)
	go func() {
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				return
			}
			if strings.HasPrefix(line, "data: ") {
				lines <- strings.TrimSpace(strings.TrimPrefix(line, "data: "))
				return
			}
		}
	}()

	select {
	case payload := <-lines:
		var event syncq.CompletionEvent
		if err := json.Unmarshal([]byte(payload), &event); err != nil {
			t.Fatalf("event payload: %v", err)
		}
		if event.ItemID != item.ID {
			t.Fatalf("unexpected event item %q", event.ItemID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no event received on the stream")
	}
}

func TestRequestIDPropagates(t *testing.T) {
	c := newTestAPI(t)

	resp := c.get("/healthz", nil, map[string]string{"X-Request-ID": "req-42"})
	defer resp.Body.Close()
	if got := resp.Header.Get("X-Request-ID"); got != "req-42" {
		t.Fatalf("expected request id to round-trip, got %q", got)
	}
}
