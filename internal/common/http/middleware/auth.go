package middleware

import (
	"context"
	"errors"
	"strings"
	"time"

	pkgerrors "execbox/pkg/errors"
	"execbox/pkg/utils/contextkey"
	"execbox/pkg/utils/response"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// clockSkew tolerated on exp and nbf.
const clockSkew = 5 * time.Second

type Principal struct {
	Subject string
	Role    string
}

type tokenClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Authenticator verifies HS256 bearer tokens, optionally pinned to one issuer.
type Authenticator struct {
	secret []byte
	parser *jwt.Parser
}

// NewAuthenticator returns nil for an empty secret; AuthMiddleware(nil) admits everyone.
func NewAuthenticator(secret, issuer string) *Authenticator {
	if secret == "" {
		return nil
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(clockSkew),
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	return &Authenticator{secret: []byte(secret), parser: jwt.NewParser(opts...)}
}

func (a *Authenticator) key(*jwt.Token) (interface{}, error) { return a.secret, nil }

// Authenticate returns TokenExpired for expired tokens and TokenInvalid for
// every other failure, including a missing subject.
func (a *Authenticator) Authenticate(raw string) (Principal, error) {
	var claims tokenClaims
	if raw == "" {
		return Principal{}, pkgerrors.New(pkgerrors.TokenInvalid)
	}
	if _, err := a.parser.ParseWithClaims(raw, &claims, a.key); err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Principal{}, pkgerrors.New(pkgerrors.TokenExpired)
		}
		return Principal{}, pkgerrors.Wrapf(err, pkgerrors.TokenInvalid, "invalid token")
	}
	if claims.Subject == "" {
		return Principal{}, pkgerrors.New(pkgerrors.TokenInvalid).WithMessage("token has no subject")
	}
	return Principal{Subject: claims.Subject, Role: claims.Role}, nil
}

func AuthMiddleware(auth *Authenticator) gin.HandlerFunc {
	if auth == nil {
		return func(c *gin.Context) { c.Next() }
	}
	return func(c *gin.Context) {
		p, err := auth.Authenticate(bearerToken(c.GetHeader("Authorization")))
		if err != nil {
			response.AbortWithError(c, err)
			return
		}
		c.Set(userIDContextKey, p.Subject)
		c.Set("user_role", p.Role)
		c.Request = c.Request.WithContext(context.WithValue(c.Request.Context(), contextkey.UserID, p.Subject))
		c.Next()
	}
}

// bearerToken returns "" unless header is "Bearer <token>", scheme case-insensitive.
func bearerToken(header string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
