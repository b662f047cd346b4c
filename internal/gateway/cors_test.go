package gateway

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func corsProbe(t *testing.T, g *testGateway, origin string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	rec := httptest.NewRecorder()
	g.handler.ServeHTTP(rec, req)
	return rec
}

func TestCORSAllowsConfiguredOrigin(t *testing.T) {
	g := newTestGateway()
	rec := corsProbe(t, g, "http://localhost:3000")
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Fatalf("Allow-Origin = %q", got)
	}
	if rec.Header().Get("Access-Control-Allow-Credentials") != "true" {
		t.Fatal("credentials not allowed")
	}
	if rec.Header().Get("Vary") != "Origin" {
		t.Fatal("missing Vary: Origin")
	}
}

func TestCORSIgnoresUnknownOrigin(t *testing.T) {
	g := newTestGateway()
	rec := corsProbe(t, g, "https://evil.example")
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("Allow-Origin = %q for unknown origin", got)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, CORS must not block the request itself", rec.Code)
	}
}

func TestCORSAllowsTunnelProviderSubdomains(t *testing.T) {
	g := newTestGateway()
	for _, origin := range []string{
		"https://abc123.ngrok-free.app",
		"https://lucky-otter.trycloudflare.com",
	} {
		rec := corsProbe(t, g, origin)
		if got := rec.Header().Get("Access-Control-Allow-Origin"); got != origin {
			t.Fatalf("Allow-Origin = %q, want %q", got, origin)
		}
	}
}

func TestCORSAllowsActiveTunnelHost(t *testing.T) {
	g := newTestGateway()
	g.tunnel.publicHost = "mytunnel.example.net"

	rec := corsProbe(t, g, "https://mytunnel.example.net")
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://mytunnel.example.net" {
		t.Fatalf("Allow-Origin = %q", got)
	}

	g.tunnel.publicHost = ""
	rec = corsProbe(t, g, "https://mytunnel.example.net")
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("Allow-Origin = %q after tunnel went down", got)
	}
}

func TestCORSPreflight(t *testing.T) {
	g := newTestGateway()
	req := httptest.NewRequest(http.MethodOptions, "/v1/threads", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rec := httptest.NewRecorder()
	g.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Methods") == "" {
		t.Fatal("preflight missing Allow-Methods")
	}
}
