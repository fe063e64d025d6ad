package server

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// ─── JWT control-plane auth ───────────────────────────────────────────────────

// tokenTTL is the lifetime of tokens issued by /api/login.
const tokenTTL = 24 * time.Hour

// Claims is the payload embedded in every JWT issued by /api/login.
type Claims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// GenerateJWT creates a signed HS256 JWT valid for tokenTTL.
func (s *Server) GenerateJWT(username string) (string, error) {
	now := s.now()
	claims := Claims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "talonpulse",
			Subject:   username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

// parseJWT validates a token string and returns the claims.
func (s *Server) parseJWT(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return s.jwtSecret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}
	return claims, nil
}

// JWTMiddleware validates control-plane tokens.
// It expects the header:  Authorization: Bearer <jwt>
// On success it stores the username in the Gin context as "username".
func (s *Server) JWTMiddleware() gin.HandlerFunc {
	return s.jwtMiddleware(false)
}

// jwtMiddleware optionally falls back to a ?token= query parameter.
func (s *Server) jwtMiddleware(allowQuery bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		tok, ok := bearer(c)
		if !ok && allowQuery {
			tok = c.Query("token")
			ok = tok != ""
		}
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "invalid Authorization format, expected: Bearer <token>",
			})
			return
		}

		claims, err := s.parseJWT(tok)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "invalid or expired token",
			})
			return
		}

		c.Set("username", claims.Username)
		c.Next()
	}
}

// ─── Bearer-token data-plane auth ────────────────────────────────────────────

// AgentTokenMiddleware checks: Authorization: Bearer <agent_token>
// Rejects immediately with 401 on any mismatch.
func (s *Server) AgentTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		tok, ok := bearer(c)
		if !ok || subtle.ConstantTimeCompare([]byte(tok), []byte(s.agentToken)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "invalid or missing agent token",
			})
			return
		}
		c.Next()
	}
}

func bearer(c *gin.Context) (string, bool) {
	parts := strings.SplitN(c.GetHeader("Authorization"), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}
