package security

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func serve(r *gin.Engine, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHeadersMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(HeadersMiddleware())
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := serve(r, httptest.NewRequest(http.MethodGet, "/", nil))
	for header, want := range map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
		"Cache-Control":          "no-store",
	} {
		if got := w.Header().Get(header); got != want {
			t.Errorf("%s = %q, want %q", header, got, want)
		}
	}
}

func TestCORSMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(CORSMiddleware([]string{"https://ui.example"}))
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://ui.example")
	if got := serve(r, req).Header().Get("Access-Control-Allow-Origin"); got != "https://ui.example" {
		t.Errorf("allowed origin not echoed: %q", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://evil.example")
	if got := serve(r, req).Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("foreign origin echoed: %q", got)
	}

	req = httptest.NewRequest(http.MethodOptions, "/", nil)
	if w := serve(r, req); w.Code != http.StatusNoContent {
		t.Errorf("preflight status %d", w.Code)
	}
}

func TestRequireAdmin(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/locked", RequireAdmin("s3cret"), func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/open", RequireAdmin(""), func(c *gin.Context) { c.Status(http.StatusOK) })

	tests := []struct {
		path, auth string
		want       int
	}{
		{"/locked", "", http.StatusUnauthorized},
		{"/locked", "Bearer wrong", http.StatusUnauthorized},
		{"/locked", "s3cret", http.StatusUnauthorized},
		{"/locked", "Bearer s3cret", http.StatusOK},
		{"/open", "", http.StatusOK},
	}
	for _, tc := range tests {
		req := httptest.NewRequest(http.MethodGet, tc.path, nil)
		if tc.auth != "" {
			req.Header.Set("Authorization", tc.auth)
		}
		if w := serve(r, req); w.Code != tc.want {
			t.Errorf("%s with %q: status %d, want %d", tc.path, tc.auth, w.Code, tc.want)
		}
	}
}

func TestValidateRelayURL(t *testing.T) {
	tests := []struct {
		url string
		ok  bool
	}{
		{"wss://relay.damus.io", true},
		{"ws://localhost:7000", true},
		{"ws://abcdefghijklmnop.onion", true},
		{"ws://relay.example", false},
		{"https://relay.example", false},
		{"wss://user:pw@relay.example", false},
		{"wss://", false},
		{"::", false},
	}
	for _, tc := range tests {
		if err := ValidateRelayURL(tc.url); (err == nil) != tc.ok {
			t.Errorf("ValidateRelayURL(%q) = %v, want ok=%v", tc.url, err, tc.ok)
		}
	}
}
