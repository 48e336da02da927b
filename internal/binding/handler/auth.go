package handler

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// OperatorAuth issues and verifies short-lived HS256 bearer tokens for the
// mutating endpoints. The shared operator secret never travels on lifecycle
// requests, only on the token exchange.
type OperatorAuth struct {
	secret []byte
	issuer string
	ttl    time.Duration
}

// NewOperatorAuth creates an OperatorAuth. ttl defaults to one hour.
func NewOperatorAuth(secret, issuer string, ttl time.Duration) *OperatorAuth {
	if ttl == 0 {
		ttl = time.Hour
	}
	return &OperatorAuth{secret: []byte(secret), issuer: issuer, ttl: ttl}
}

type tokenRequest struct {
	Secret string `json:"secret" binding:"required"`
}

// Register mounts the token exchange endpoint.
func (a *OperatorAuth) Register(r gin.IRouter) {
	r.POST("/auth/token", a.IssueToken)
}

// IssueToken handles POST /auth/token.
func (a *OperatorAuth) IssueToken(c *gin.Context) {
	var req tokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if subtle.ConstantTimeCompare([]byte(req.Secret), a.secret) != 1 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid operator secret"})
		return
	}

	now := time.Now().UTC()
	claims := jwt.RegisteredClaims{
		Issuer:    a.issuer,
		Subject:   "operator",
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
		ID:        uuid.New().String(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to sign token"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"token":      signed,
		"expires_at": claims.ExpiresAt.Time,
	})
}

// Middleware returns a gin middleware enforcing a valid operator token.
func (a *OperatorAuth) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		tokenStr, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || tokenStr == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}

		_, err := jwt.ParseWithClaims(
			tokenStr,
			&jwt.RegisteredClaims{},
			func(tok *jwt.Token) (any, error) {
				if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method: %v", tok.Header["alg"])
				}
				return a.secret, nil
			},
			jwt.WithIssuer(a.issuer),
			jwt.WithExpirationRequired(),
		)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Next()
	}
}
