package obs

import "testing"

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":         "/",
		"/":        "/",
		"/metrics": "/metrics",
		"/healthz": "/healthz",
		"/v1/organizations/0b0e37a2-4c17-4d3e-9f5a-6a8f6f6b1a2b/users":                                      "/v1/organizations/:id/users",
		"/v1/organizations/0b0e37a2-4c17-4d3e-9f5a-6a8f6f6b1a2b/users/9f4f1c8a-31f0-4f5f-8b7a-111111111111": "/v1/organizations/:id/users/:id",
		"/v1/buildings/0b0e37a2-4c17-4d3e-9f5a-6a8f6f6b1a2b/users":                                          "/v1/buildings/:id/users",
		"/v1/users/9f4f1c8a-31f0-4f5f-8b7a-111111111111/last-used-building?channel=web":                     "/v1/users/:id/last-used-building",
		"/v1/stream/mutations": "/v1/stream/mutations",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}
