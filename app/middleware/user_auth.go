package middleware

import (
	"errors"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/vibast-solutions/ms-go-billing/app/factory"
	"github.com/vibast-solutions/ms-go-billing/app/types"
)

var ErrInvalidToken = errors.New("invalid token")

// Claims is the access token issued by the auth service.
type Claims struct {
	Sub   string `json:"sub"`
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

type UserAuth struct {
	secret []byte
}

func NewUserAuth(secret string) *UserAuth {
	return &UserAuth{secret: []byte(secret)}
}

// CreateAccessToken signs an HS256 token for sub. Used by tests and local tooling.
func (a *UserAuth) CreateAccessToken(sub string, ttl time.Duration) (string, error) {
	claims := Claims{
		Sub: sub,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

func (a *UserAuth) ParseValidate(tokenStr string) (*Claims, error) {
	if len(a.secret) == 0 {
		return nil, ErrInvalidToken
	}
	t, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return nil, err
	}
	c, ok := t.Claims.(*Claims)
	if !ok || !t.Valid {
		return nil, ErrInvalidToken
	}
	if strings.TrimSpace(c.Sub) == "" {
		c.Sub = c.Subject
	}
	if strings.TrimSpace(c.Sub) == "" {
		return nil, ErrInvalidToken
	}
	return c, nil
}

// RequireUser rejects requests without a valid bearer token and stores the
// caller's user id on the context.
func (a *UserAuth) RequireUser(next echo.HandlerFunc) echo.HandlerFunc {
	return func(ctx echo.Context) error {
		header := strings.TrimSpace(ctx.Request().Header.Get(echo.HeaderAuthorization))
		scheme, token, ok := strings.Cut(header, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
			return ctx.JSON(http.StatusUnauthorized, &types.ErrorResponse{Error: "missing bearer token"})
		}

		claims, err := a.ParseValidate(strings.TrimSpace(token))
		if err != nil {
			factory.LoggerWithContext(factory.NewModuleLogger("user-auth"), ctx).WithError(err).Debug("Bearer token rejected")
			return ctx.JSON(http.StatusUnauthorized, &types.ErrorResponse{Error: "invalid token"})
		}

		ctx.Set(factory.UserIDContextKey, strings.TrimSpace(claims.Sub))
		return next(ctx)
	}
}
