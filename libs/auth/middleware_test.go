package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

func newRouter(secret []byte, role string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware(secret))
	if role != "" {
		r.Use(RequireRole(role))
	}
	r.GET("/admin", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"ok": true}) })
	return r
}

func get(r *gin.Engine, token string) int {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/admin", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	r.ServeHTTP(w, req)
	return w.Code
}

func TestMiddlewareRejectsMissingToken(t *testing.T) {
	if code := get(newRouter([]byte("secret"), ""), ""); code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", code)
	}
}

func TestMiddlewareAcceptsValidToken(t *testing.T) {
	signed, err := Sign("ops-1", nil, time.Hour, []byte("secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	if code := get(newRouter([]byte("secret"), ""), signed); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
}

func TestMiddlewareRejectsOtherAlgorithm(t *testing.T) {
	claims := Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   "ops-1",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS512, claims).SignedString([]byte("secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	if code := get(newRouter([]byte("secret"), ""), signed); code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", code)
	}
}

func TestRequireRole(t *testing.T) {
	r := newRouter([]byte("secret"), "accountant-admin")

	plain, _ := Sign("ops-1", []string{"viewer"}, time.Hour, []byte("secret"))
	if code := get(r, plain); code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", code)
	}

	admin, _ := Sign("ops-1", []string{"accountant-admin"}, time.Hour, []byte("secret"))
	if code := get(r, admin); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
}
