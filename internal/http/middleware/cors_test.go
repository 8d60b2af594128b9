package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func corsRequest(t *testing.T, cfg CORSConfig, method, origin string, preflight bool) (*httptest.ResponseRecorder, bool) {
	t.Helper()
	called := false
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	})
	req := httptest.NewRequest(method, "/api/appointments", nil)
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	if preflight {
		req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	}
	rec := httptest.NewRecorder()
	CORS(cfg)(handler).ServeHTTP(rec, req)
	return rec, called
}

func TestCORSAllowsListedOrigin(t *testing.T) {
	rec, called := corsRequest(t, CORSConfig{AllowedOrigins: []string{"https://clinic.example/"}}, http.MethodGet, "https://clinic.example", false)

	require.True(t, called)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "https://clinic.example", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "X-Request-ID, Retry-After", rec.Header().Get("Access-Control-Expose-Headers"))
	assert.Equal(t, "Origin", rec.Header().Get("Vary"))
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Methods"), "method list is only sent on preflight")
}

func TestCORSDeniesUnknownOrigin(t *testing.T) {
	cfg := CORSConfig{AllowedOrigins: []string{"https://clinic.example"}}

	rec, called := corsRequest(t, cfg, http.MethodGet, "https://unknown.example", false)
	assert.True(t, called, "simple requests still reach the handler; the browser enforces the policy")
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))

	rec, called = corsRequest(t, cfg, http.MethodOptions, "https://unknown.example", true)
	assert.False(t, called)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestCORSAllowsAnyOrigin(t *testing.T) {
	rec, _ := corsRequest(t, CORSConfig{AllowedOrigins: []string{"*"}}, http.MethodGet, "https://random.example", false)
	assert.Equal(t, "https://random.example", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORSWildcardSubdomains(t *testing.T) {
	cfg := CORSConfig{AllowedOrigins: []string{"https://*.clinic.example"}}

	tests := []struct {
		origin string
		want   bool
	}{
		{"https://north.clinic.example", true},
		{"https://Staff.North.Clinic.Example", true},
		{"https://clinic.example", false},
		{"http://north.clinic.example", false},
		{"https://evilclinic.example", false},
		{"https://clinic.example.evil.test", false},
	}
	for _, tt := range tests {
		t.Run(tt.origin, func(t *testing.T) {
			rec, _ := corsRequest(t, cfg, http.MethodGet, tt.origin, false)
			if tt.want {
				assert.Equal(t, tt.origin, rec.Header().Get("Access-Control-Allow-Origin"))
			} else {
				assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
			}
		})
	}
}

func TestCORSHandlesPreflight(t *testing.T) {
	cfg := CORSConfig{AllowedOrigins: []string{"https://clinic.example"}, MaxAge: time.Hour}
	rec, called := corsRequest(t, cfg, http.MethodOptions, "https://clinic.example", true)

	assert.False(t, called)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "Authorization, Content-Type, X-Request-ID", rec.Header().Get("Access-Control-Allow-Headers"))
	assert.Equal(t, "GET, POST, DELETE, OPTIONS", rec.Header().Get("Access-Control-Allow-Methods"))
	assert.Equal(t, "3600", rec.Header().Get("Access-Control-Max-Age"))
}

func TestCORSDefaultMaxAge(t *testing.T) {
	rec, _ := corsRequest(t, CORSConfig{AllowedOrigins: []string{"https://clinic.example"}}, http.MethodOptions, "https://clinic.example", true)
	assert.Equal(t, "600", rec.Header().Get("Access-Control-Max-Age"))
}

func TestCORSEmptyAllowlistIsNoop(t *testing.T) {
	rec, called := corsRequest(t, CORSConfig{AllowedOrigins: []string{" ", ""}}, http.MethodOptions, "https://clinic.example", true)
	assert.True(t, called)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("Vary"))
}
