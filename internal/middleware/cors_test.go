package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func serve(origins []string, method, origin string) *httptest.ResponseRecorder {
	h := CORS(origins)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	req := httptest.NewRequest(method, "/v1/leaderboard/score", nil)
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestCORS(t *testing.T) {
	tests := []struct {
		name       string
		origins    []string
		method     string
		origin     string
		wantOrigin string
		wantStatus int
	}{
		{"wildcard", []string{"*"}, http.MethodGet, "http://app.test", "*", http.StatusTeapot},
		{"explicit match", []string{"http://app.test"}, http.MethodGet, "http://app.test", "http://app.test", http.StatusTeapot},
		{"explicit miss", []string{"http://app.test"}, http.MethodGet, "http://evil.test", "", http.StatusTeapot},
		{"no origin header", []string{"*"}, http.MethodGet, "", "", http.StatusTeapot},
		{"preflight", []string{"*"}, http.MethodOptions, "http://app.test", "*", http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := serve(tt.origins, tt.method, tt.origin)
			if got := rr.Header().Get("Access-Control-Allow-Origin"); got != tt.wantOrigin {
				t.Errorf("Allow-Origin = %q, want %q", got, tt.wantOrigin)
			}
			if rr.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rr.Code, tt.wantStatus)
			}
		})
	}
}
