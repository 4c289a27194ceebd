package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/Bald0Wang/DeepSeek-Oracle/internal/apperr"
	"github.com/Bald0Wang/DeepSeek-Oracle/pkg/response"
)

// UserKey is the gin context key holding the authenticated subject
const UserKey = "user"

// Auth validates an HS256 bearer token and stores its subject under UserKey.
// With required unset, requests without a token pass through anonymously.
// An empty secret disables the middleware.
func Auth(secret string, required bool) gin.HandlerFunc {
	if secret == "" {
		return func(c *gin.Context) { c.Next() }
	}
	key := []byte(secret)

	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			if required {
				response.Fail(c, unauthorized("missing bearer token"))
				return
			}
			c.Next()
			return
		}

		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok {
			response.Fail(c, unauthorized("authorization header must be a bearer token"))
			return
		}

		claims := &jwt.RegisteredClaims{}
		_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
			return key, nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		if err != nil {
			msg := "invalid token"
			if errors.Is(err, jwt.ErrTokenExpired) {
				msg = "token expired"
			}
			response.Fail(c, unauthorized(msg))
			return
		}

		c.Set(UserKey, claims.Subject)
		c.Next()
	}
}

func unauthorized(msg string) *apperr.Error {
	return apperr.New(apperr.CodeUnauthorized, msg, http.StatusUnauthorized, false)
}
