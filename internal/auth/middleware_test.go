package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"marketplace-wallet/internal/config"

	"github.com/gin-gonic/gin"
)

func TestBearerToken(t *testing.T) {
	cases := map[string]string{
		"Bearer abc":    "abc",
		"bearer abc":    "abc",
		"  BEARER abc ": "abc",
		"Basic abc":     "",
		"Bearer":        "",
		"Bearer   ":     "",
		"":              "",
	}
	for in, want := range cases {
		got, ok := bearerToken(in)
		if got != want || ok != (want != "") {
			t.Fatalf("bearerToken(%q) = %q, %v; want %q", in, got, ok, want)
		}
	}
}

func TestRequireAccessToken(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m, _ := NewManager(config.AuthConfig{JWTSecret: "secret", AccessTokenTTL: time.Minute, RefreshTokenTTL: time.Hour})
	pair, err := m.IssuePair(time.Now(), "rider-1", "rider")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	r := gin.New()
	r.GET("/me", RequireAccessToken(m), func(c *gin.Context) {
		uid, _ := UserID(c.Request.Context())
		role, _ := Role(c.Request.Context())
		c.String(http.StatusOK, uid+"/"+role)
	})

	cases := []struct {
		header string
		code   int
	}{
		{"", http.StatusUnauthorized},
		{"Bearer " + pair.RefreshToken, http.StatusUnauthorized},
		{"Bearer not-a-jwt", http.StatusUnauthorized},
		{"bearer " + pair.AccessToken, http.StatusOK},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/me", nil)
		if tc.header != "" {
			req.Header.Set(authorizationHeader, tc.header)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		if w.Code != tc.code {
			t.Fatalf("%q: status %d, want %d", tc.header, w.Code, tc.code)
		}
		if tc.code == http.StatusOK && w.Body.String() != "rider-1/rider" {
			t.Fatalf("identity = %q", w.Body.String())
		}
	}
}
