package gateway

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/basket/agentbridge/internal/apierr"
)

func localRequest(method, target, body string) *http.Request {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	req.Host = "localhost:4000"
	return req
}

func TestTunnelEnableForbiddenForRemoteHost(t *testing.T) {
	g := newTestGateway()
	// httptest default Host is example.com, which is not loopback.
	rec := g.do(t, http.MethodPost, "/v1/tunnel/admin/enable", `{"password":"hunter2hunter2"}`)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	if code, _ := decodeErrorEnvelope(t, rec); code != apierr.CodeTunnelForbidden {
		t.Fatalf("code = %q", code)
	}
	if g.tunnel.enabledWith != "" {
		t.Fatal("enable reached the supervisor despite the gate")
	}
}

func TestTunnelEnableAllowedFromLocalhost(t *testing.T) {
	g := newTestGateway()
	rec := httptest.NewRecorder()
	g.handler.ServeHTTP(rec, localRequest(http.MethodPost, "/v1/tunnel/admin/enable", `{"password":"hunter2hunter2"}`))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if g.tunnel.enabledWith != "hunter2hunter2" {
		t.Fatalf("password = %q", g.tunnel.enabledWith)
	}
	if !strings.Contains(rec.Body.String(), `"publicUrl":"https://up.trycloudflare.com"`) {
		t.Fatalf("body = %s", rec.Body.String())
	}
}

func TestTunnelEnablePasswordTooShort(t *testing.T) {
	g := newTestGateway()
	rec := httptest.NewRecorder()
	g.handler.ServeHTTP(rec, localRequest(http.MethodPost, "/v1/tunnel/admin/enable", `{"password":"short"}`))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestManageHeaderOverridesHost(t *testing.T) {
	g := newTestGateway()

	// A trusted proxy can grant admin from a non-loopback host.
	req := httptest.NewRequest(http.MethodPost, "/v1/tunnel/admin/disable", nil)
	req.Header.Set(manageTunnelHeader, "true")
	rec := httptest.NewRecorder()
	g.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || !g.tunnel.disabled {
		t.Fatalf("status = %d, disabled = %v", rec.Code, g.tunnel.disabled)
	}

	// And explicitly deny it even on loopback.
	g2 := newTestGateway()
	denied := localRequest(http.MethodPost, "/v1/tunnel/admin/disable", "")
	denied.Header.Set(manageTunnelHeader, "false")
	rec = httptest.NewRecorder()
	g2.handler.ServeHTTP(rec, denied)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}

func TestTunnelAdminStateReflectsManageBit(t *testing.T) {
	g := newTestGateway()
	rec := httptest.NewRecorder()
	g.handler.ServeHTTP(rec, localRequest(http.MethodGet, "/v1/tunnel/admin/state", ""))
	if rec.Code != http.StatusOK || !g.tunnel.lastManage {
		t.Fatalf("status = %d, canManage = %v", rec.Code, g.tunnel.lastManage)
	}

	rec = g.do(t, http.MethodGet, "/v1/tunnel/admin/state", "")
	if rec.Code != http.StatusOK || g.tunnel.lastManage {
		t.Fatalf("status = %d, canManage = %v for remote host", rec.Code, g.tunnel.lastManage)
	}
}

func TestTunnelLoginSetsSessionCookie(t *testing.T) {
	g := newTestGateway()
	rec := g.do(t, http.MethodPost, "/v1/tunnel/public/login", `{"password":"hunter2","next":"/chat?thread=1"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"redirectTo":"/chat?thread=1"`) {
		t.Fatalf("body = %s", rec.Body.String())
	}

	cookies := rec.Result().Cookies()
	if len(cookies) != 1 {
		t.Fatalf("cookies = %d, want 1", len(cookies))
	}
	c := cookies[0]
	if c.Name != "tunnel_session" || c.Value != "session-1" {
		t.Fatalf("cookie = %+v", c)
	}
	if !c.HttpOnly || c.SameSite != http.SameSiteLaxMode || c.Path != "/" {
		t.Fatalf("cookie attributes = %+v", c)
	}
	if c.Secure {
		t.Fatal("cookie marked secure on a plain-http request")
	}
}

func TestTunnelLoginSecureCookieBehindHTTPSProxy(t *testing.T) {
	g := newTestGateway()
	req := httptest.NewRequest(http.MethodPost, "/v1/tunnel/public/login", strings.NewReader(`{"password":"hunter2"}`))
	req.Header.Set("X-Forwarded-Proto", "https")
	rec := httptest.NewRecorder()
	g.handler.ServeHTTP(rec, req)

	cookies := rec.Result().Cookies()
	if len(cookies) != 1 || !cookies[0].Secure {
		t.Fatalf("cookies = %+v, want one secure cookie", cookies)
	}
}

func TestTunnelLoginFailurePropagates(t *testing.T) {
	g := newTestGateway()
	g.tunnel.loginErr = apierr.New(apierr.CodeTunnelAuthFailed, "Invalid credentials.", http.StatusUnauthorized)

	rec := g.do(t, http.MethodPost, "/v1/tunnel/public/login", `{"password":"nope"}`)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}
	if len(rec.Result().Cookies()) != 0 {
		t.Fatal("cookie set on failed login")
	}
}

func TestTunnelLogoutClearsCookie(t *testing.T) {
	g := newTestGateway()
	req := httptest.NewRequest(http.MethodPost, "/v1/tunnel/public/logout", nil)
	req.AddCookie(&http.Cookie{Name: "tunnel_session", Value: "session-1"})
	rec := httptest.NewRecorder()
	g.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if g.tunnel.loggedOut != "session-1" {
		t.Fatalf("loggedOut = %q", g.tunnel.loggedOut)
	}
	cookies := rec.Result().Cookies()
	if len(cookies) != 1 || cookies[0].Value != "" || cookies[0].MaxAge >= 0 {
		t.Fatalf("cookies = %+v, want a cleared cookie", cookies)
	}
}

func TestTunnelSessionCheck(t *testing.T) {
	g := newTestGateway()
	g.tunnel.validID = "session-1"

	req := httptest.NewRequest(http.MethodGet, "/v1/tunnel/public/session/check", nil)
	req.AddCookie(&http.Cookie{Name: "tunnel_session", Value: "session-1"})
	rec := httptest.NewRecorder()
	g.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}

	rec = g.do(t, http.MethodGet, "/v1/tunnel/public/session/check", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401 without cookie", rec.Code)
	}
}
