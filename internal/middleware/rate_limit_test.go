package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/cmorten/gatehouse/internal/auth"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func withClaims(req *http.Request, userID string) *http.Request {
	claims := &auth.TokenClaims{UserID: userID, Type: "access"}
	return req.WithContext(context.WithValue(req.Context(), auth.UserContextKey, claims))
}

func TestRateLimitByIPEnforcesLimit(t *testing.T) {
	handler := RateLimitByIP(RateLimitConfig{RequestsPerMinute: 3})(okHandler())

	for i := 0; i < 3; i++ {
		req := httptest.NewRequest("POST", "/login", nil)
		req.RemoteAddr = "192.0.2.1:4000"
		recorder := httptest.NewRecorder()
		handler.ServeHTTP(recorder, req)
		if recorder.Code != http.StatusOK {
			t.Fatalf("request %d failed with status %d", i+1, recorder.Code)
		}
	}

	req := httptest.NewRequest("POST", "/login", nil)
	req.RemoteAddr = "192.0.2.1:4000"
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, req)

	if recorder.Code != http.StatusTooManyRequests {
		t.Errorf("expected 429, got %d", recorder.Code)
	}
	if ct := recorder.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected application/json, got %s", ct)
	}
}

func TestRateLimitByIPIsolatesAddresses(t *testing.T) {
	handler := RateLimitByIP(RateLimitConfig{RequestsPerMinute: 1})(okHandler())

	first := httptest.NewRequest("POST", "/login", nil)
	first.RemoteAddr = "192.0.2.10:4000"
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, first)
	if recorder.Code != http.StatusOK {
		t.Fatalf("first address blocked: %d", recorder.Code)
	}

	other := httptest.NewRequest("POST", "/login", nil)
	other.RemoteAddr = "192.0.2.11:4000"
	recorder = httptest.NewRecorder()
	handler.ServeHTTP(recorder, other)
	if recorder.Code != http.StatusOK {
		t.Errorf("other address should have its own bucket, got %d", recorder.Code)
	}
}

func TestRateLimitByUserEnforcesLimit(t *testing.T) {
	handler := RateLimitByUser(RateLimitConfig{RequestsPerMinute: 2})(okHandler())

	for i := 0; i < 2; i++ {
		req := withClaims(httptest.NewRequest("GET", "/devices", nil), "user-limit")
		recorder := httptest.NewRecorder()
		handler.ServeHTTP(recorder, req)
		if recorder.Code != http.StatusOK {
			t.Fatalf("request %d failed with status %d", i+1, recorder.Code)
		}
	}

	req := withClaims(httptest.NewRequest("GET", "/devices", nil), "user-limit")
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, req)
	if recorder.Code != http.StatusTooManyRequests {
		t.Errorf("expected 429, got %d", recorder.Code)
	}
}

func TestRateLimitByUserIsolatesUsers(t *testing.T) {
	handler := RateLimitByUser(RateLimitConfig{RequestsPerMinute: 1})(okHandler())

	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, withClaims(httptest.NewRequest("GET", "/devices", nil), "user-a"))
	if recorder.Code != http.StatusOK {
		t.Fatalf("user A first request blocked: %d", recorder.Code)
	}

	recorder = httptest.NewRecorder()
	handler.ServeHTTP(recorder, withClaims(httptest.NewRequest("GET", "/devices", nil), "user-b"))
	if recorder.Code != http.StatusOK {
		t.Errorf("user B should have an independent bucket, got %d", recorder.Code)
	}
}

func TestRateLimitByUserFallsBackToIP(t *testing.T) {
	handler := RateLimitByUser(RateLimitConfig{RequestsPerMinute: 1})(okHandler())

	req := httptest.NewRequest("GET", "/devices", nil)
	req.RemoteAddr = "192.0.2.20:4000"
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, req)
	if recorder.Code != http.StatusOK {
		t.Errorf("unauthenticated request should fall back to IP keying, got %d", recorder.Code)
	}
}
