package middleware

import (
	"crypto/rand"
	"crypto/rsa"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"purchase-service/internal/auth"
	"purchase-service/pkg/ctxmanage"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestMid(t *testing.T) (*Mid, *rsa.PrivateKey) {
	t.Helper()
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	k, err := auth.NewKeys(&privateKey.PublicKey)
	require.NoError(t, err)
	m, err := NewMid(k)
	require.NoError(t, err)
	return m, privateKey
}

func token(t *testing.T, key *rsa.PrivateKey, subject string, roles ...string) string {
	t.Helper()
	claims := auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Roles: roles,
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	require.NoError(t, err)
	return s
}

func whoAmI(c *gin.Context) {
	claims := c.Request.Context().Value(auth.ClaimsKey).(auth.Claims)
	c.String(http.StatusOK, claims.Subject)
}

func TestNewMid(t *testing.T) {
	_, err := NewMid(nil)
	assert.Error(t, err)
}

func TestLoggerSetsTraceId(t *testing.T) {
	r := gin.New()
	r.Use(Logger())
	r.GET("/trace", func(c *gin.Context) {
		c.String(http.StatusOK, ctxmanage.GetTraceIdOfRequest(c))
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/trace", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEqual(t, "Unknown", w.Body.String())
	assert.Equal(t, w.Body.String(), w.Header().Get("X-Trace-Id"))
}

func TestAuthentication(t *testing.T) {
	m, key := newTestMid(t)
	r := gin.New()
	r.Use(Logger(), m.Authentication())
	r.GET("/me", whoAmI)

	tests := []struct {
		name     string
		prepare  func(req *http.Request)
		wantCode int
		wantBody string
	}{
		{
			name:     "bearer header",
			prepare:  func(req *http.Request) { req.Header.Set("Authorization", "Bearer "+token(t, key, "buyer-1")) },
			wantCode: http.StatusOK,
			wantBody: "buyer-1",
		},
		{
			name: "cookie",
			prepare: func(req *http.Request) {
				req.AddCookie(&http.Cookie{Name: AccessTokenCookie, Value: token(t, key, "buyer-2")})
			},
			wantCode: http.StatusOK,
			wantBody: "buyer-2",
		},
		{
			name:     "missing",
			prepare:  func(req *http.Request) {},
			wantCode: http.StatusUnauthorized,
		},
		{
			name:     "wrong scheme",
			prepare:  func(req *http.Request) { req.Header.Set("Authorization", "Basic abc") },
			wantCode: http.StatusUnauthorized,
		},
		{
			name:     "garbage token",
			prepare:  func(req *http.Request) { req.Header.Set("Authorization", "Bearer not-a-jwt") },
			wantCode: http.StatusUnauthorized,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/me", nil)
			tt.prepare(req)
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			assert.Equal(t, tt.wantCode, w.Code)
			if tt.wantBody != "" {
				assert.Equal(t, tt.wantBody, w.Body.String())
			}
		})
	}
}

func TestAuthorize(t *testing.T) {
	m, key := newTestMid(t)
	r := gin.New()
	r.Use(m.Authentication())
	r.GET("/admin", m.Authorize(whoAmI, auth.RoleAdmin))

	req := httptest.NewRequest(http.MethodGet, "/admin", nil)
	req.Header.Set("Authorization", "Bearer "+token(t, key, "buyer-1", auth.RoleUser))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/admin", nil)
	req.Header.Set("Authorization", "Bearer "+token(t, key, "ops-1", auth.RoleAdmin))
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRateLimit(t *testing.T) {
	r := gin.New()
	r.Use(RateLimit(NewIPRateLimiter(0.001, 2)))
	r.GET("/confirm", func(c *gin.Context) { c.Status(http.StatusOK) })

	codes := []int{}
	for range 3 {
		req := httptest.NewRequest(http.MethodGet, "/confirm", nil)
		req.RemoteAddr = "203.0.113.7:5555"
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		codes = append(codes, w.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)

	req := httptest.NewRequest(http.MethodGet, "/confirm", nil)
	req.RemoteAddr = "203.0.113.8:5555"
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code, "buckets are per client ip")
}

func TestServiceKey(t *testing.T) {
	r := gin.New()
	r.POST("/confirm", ServiceKey("s3cret"), func(c *gin.Context) { c.Status(http.StatusOK) })

	for key, want := range map[string]int{"s3cret": http.StatusOK, "wrong": http.StatusUnauthorized, "": http.StatusUnauthorized} {
		req := httptest.NewRequest(http.MethodPost, "/confirm", nil)
		if key != "" {
			req.Header.Set("X-Service-Key", key)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		assert.Equal(t, want, w.Code, "key %q", key)
	}

	r = gin.New()
	r.POST("/confirm", ServiceKey(""), func(c *gin.Context) { c.Status(http.StatusOK) })
	req := httptest.NewRequest(http.MethodPost, "/confirm", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code, "an unset key never matches")
}
