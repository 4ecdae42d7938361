package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func corsRequest(h http.Handler, method, origin string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, "/api/series/AAPL/1d/versions", nil)
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	if method == http.MethodOptions {
		req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestCORS(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })

	tests := []struct {
		name        string
		allowed     []string
		method      string
		origin      string
		wantCode    int
		wantAllow   string
		wantVary    bool
		wantExposed bool
	}{
		{"listed origin preflight", []string{"https://Vault.example/"}, http.MethodOptions, "https://vault.example", http.StatusNoContent, "https://vault.example", true, false},
		{"unlisted origin preflight", []string{"https://vault.example"}, http.MethodOptions, "https://evil.example", http.StatusForbidden, "", true, false},
		{"listed origin request", []string{"https://vault.example"}, http.MethodGet, "https://vault.example", http.StatusOK, "https://vault.example", true, true},
		{"unlisted origin request", []string{"https://vault.example"}, http.MethodGet, "https://evil.example", http.StatusOK, "", true, false},
		{"wildcard", []string{"*"}, http.MethodGet, "https://any.example", http.StatusOK, "*", false, true},
		{"empty list allows all", nil, http.MethodOptions, "https://any.example", http.StatusNoContent, "*", false, false},
		{"no origin", []string{"https://vault.example"}, http.MethodGet, "", http.StatusOK, "", false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := corsRequest(CORS(tt.allowed)(ok), tt.method, tt.origin)
			assert.Equal(t, tt.wantCode, rec.Code)
			assert.Equal(t, tt.wantAllow, rec.Header().Get("Access-Control-Allow-Origin"))
			if tt.wantVary {
				assert.Contains(t, rec.Header().Values("Vary"), "Origin")
			} else {
				assert.NotContains(t, rec.Header().Values("Vary"), "Origin")
			}
			if tt.wantExposed {
				assert.Equal(t, corsExposed, rec.Header().Get("Access-Control-Expose-Headers"))
			} else {
				assert.Empty(t, rec.Header().Get("Access-Control-Expose-Headers"))
			}
		})
	}
}

func TestCORSPreflightHeaders(t *testing.T) {
	next := http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("preflight must not reach the next handler")
	})
	rec := corsRequest(CORS([]string{"https://vault.example"})(next), http.MethodOptions, "https://vault.example")

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, corsMethods, rec.Header().Get("Access-Control-Allow-Methods"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), "X-API-Key")
	assert.Equal(t, corsMaxAge, rec.Header().Get("Access-Control-Max-Age"))
}
