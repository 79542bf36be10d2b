package obs

import "testing"

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                                "/",
		"/metrics":                        "/metrics",
		"/v1/devices/abc":                 "/v1/devices/:id",
		"/v1/items/abc":                   "/v1/items/:id",
		"/v1/items/abc/resolution":        "/v1/items/:id/resolution",
		"/v1/missions/m1/stats":           "/v1/missions/:id/stats",
		"/v1/missions/m1/history?days=30": "/v1/missions/:id/history",
		"/v1/sync":                        "/v1/sync",
		"/v1/sync/bulk":                   "/v1/sync/bulk",
		"/v1/sync/entries/abc":            "/v1/sync/entries/:id",
		"/v1/devices/abc/heartbeat":       "/v1/devices/:id/heartbeat",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}
