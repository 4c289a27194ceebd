package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Bald0Wang/DeepSeek-Oracle/internal/apperr"
	"github.com/Bald0Wang/DeepSeek-Oracle/pkg/response"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newEngine(mw ...gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	r.Use(RequestID())
	r.Use(mw...)
	r.GET("/ping", func(c *gin.Context) {
		response.Success(c, gin.H{"user": c.GetString(UserKey)})
	})
	return r
}

func do(r http.Handler, header map[string]string) (*httptest.ResponseRecorder, response.Response) {
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var body response.Response
	_ = json.Unmarshal(w.Body.Bytes(), &body)
	return w, body
}

func TestRequestID(t *testing.T) {
	r := newEngine(Logger())

	w, body := do(r, nil)
	require.Equal(t, http.StatusOK, w.Code)
	id := w.Header().Get(RequestIDHeader)
	assert.Regexp(t, `^req_[0-9a-f]{32}$`, id)
	assert.Equal(t, id, body.RequestID)

	w, body = do(r, map[string]string{RequestIDHeader: "client-abc"})
	assert.Equal(t, "client-abc", w.Header().Get(RequestIDHeader))
	assert.Equal(t, "client-abc", body.RequestID)
}

func TestRateLimit(t *testing.T) {
	r := newEngine(RateLimit(1, 2))

	for i := 0; i < 2; i++ {
		w, _ := do(r, nil)
		assert.Equal(t, http.StatusOK, w.Code)
	}
	w, body := do(r, nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, apperr.CodeRateLimited, body.Code)
	require.NotNil(t, body.Retryable)
	assert.True(t, *body.Retryable)
}

func TestRateLimit_Disabled(t *testing.T) {
	r := newEngine(RateLimit(0, 0))
	for i := 0; i < 50; i++ {
		w, _ := do(r, nil)
		require.Equal(t, http.StatusOK, w.Code)
	}
}

func sign(t *testing.T, secret string, claims jwt.RegisteredClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return "Bearer " + token
}

func TestAuth(t *testing.T) {
	const secret = "s3cret"
	valid := sign(t, secret, jwt.RegisteredClaims{
		Subject:   "alice",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	expired := sign(t, secret, jwt.RegisteredClaims{
		Subject:   "alice",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
	})
	forged := sign(t, "other", jwt.RegisteredClaims{Subject: "mallory"})

	optional := newEngine(Auth(secret, false))
	required := newEngine(Auth(secret, true))

	w, body := do(optional, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, map[string]any{"user": ""}, body.Data)

	w, body = do(optional, map[string]string{"Authorization": valid})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, map[string]any{"user": "alice"}, body.Data)

	w, body = do(required, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, apperr.CodeUnauthorized, body.Code)

	w, body = do(optional, map[string]string{"Authorization": expired})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "token expired", body.Message)

	w, _ = do(optional, map[string]string{"Authorization": forged})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w, _ = do(optional, map[string]string{"Authorization": "Basic abc"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w, _ = do(newEngine(Auth("", true)), nil)
	assert.Equal(t, http.StatusOK, w.Code)
}
