package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func applySecurityHeaders(env string, req *http.Request) *httptest.ResponseRecorder {
	handler := SecurityHeaders(SecurityHeadersConfig{Env: env})
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	w := httptest.NewRecorder()
	handler(next).ServeHTTP(w, req)
	return w
}

func TestSecurityHeadersProduction(t *testing.T) {
	w := applySecurityHeaders("production", httptest.NewRequest("GET", "/login", nil))

	expected := map[string]string{
		"X-Frame-Options":            "DENY",
		"X-Content-Type-Options":     "nosniff",
		"X-XSS-Protection":           "1; mode=block",
		"Referrer-Policy":            "strict-origin-when-cross-origin",
		"Cross-Origin-Opener-Policy": "same-origin",
	}
	for header, want := range expected {
		if got := w.Header().Get(header); got != want {
			t.Errorf("header %s: got %q, want %q", header, got, want)
		}
	}

	csp := w.Header().Get("Content-Security-Policy")
	if !strings.Contains(csp, "default-src 'self'") {
		t.Errorf("production CSP should restrict default-src: %s", csp)
	}
	if !strings.Contains(csp, "frame-ancestors 'none'") {
		t.Errorf("production CSP should forbid framing: %s", csp)
	}
	if !strings.Contains(csp, "img-src 'self' data:") {
		t.Errorf("CSP should allow inline QR data images: %s", csp)
	}

	if w.Header().Get("Permissions-Policy") == "" {
		t.Error("Permissions-Policy header missing")
	}
}

func TestSecurityHeadersDevelopment(t *testing.T) {
	w := applySecurityHeaders("development", httptest.NewRequest("GET", "/login", nil))

	if got := w.Header().Get("X-Frame-Options"); got != "DENY" {
		t.Errorf("X-Frame-Options: got %q, want DENY", got)
	}

	csp := w.Header().Get("Content-Security-Policy")
	if !strings.Contains(csp, "unsafe-inline") {
		t.Errorf("development CSP should allow unsafe-inline: %s", csp)
	}
}

func TestHSTSOnlyForForwardedHTTPS(t *testing.T) {
	plain := applySecurityHeaders("production", httptest.NewRequest("GET", "/login", nil))
	if plain.Header().Get("Strict-Transport-Security") != "" {
		t.Error("HSTS must not be sent over plain HTTP")
	}

	req := httptest.NewRequest("GET", "/login", nil)
	req.Header.Set("X-Forwarded-Proto", "https")
	secure := applySecurityHeaders("production", req)
	if secure.Header().Get("Strict-Transport-Security") == "" {
		t.Error("HSTS missing for forwarded HTTPS request")
	}
}
