package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/vibast-solutions/ms-go-billing/app/factory"
)

func runRequireUser(t *testing.T, auth *UserAuth, header string) (*httptest.ResponseRecorder, string) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/subscription", nil)
	if header != "" {
		req.Header.Set(echo.HeaderAuthorization, header)
	}
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)

	var userID string
	handler := auth.RequireUser(func(c echo.Context) error {
		userID, _ = c.Get(factory.UserIDContextKey).(string)
		return c.NoContent(http.StatusOK)
	})
	if err := handler(ctx); err != nil {
		t.Fatalf("unexpected handler error: %v", err)
	}
	return rec, userID
}

func TestRequireUserAcceptsValidToken(t *testing.T) {
	auth := NewUserAuth("secret")
	token, err := auth.CreateAccessToken("user-1", time.Minute)
	if err != nil {
		t.Fatalf("create token: %v", err)
	}

	rec, userID := runRequireUser(t, auth, "Bearer "+token)
	if rec.Code != http.StatusOK || userID != "user-1" {
		t.Fatalf("expected authenticated user-1, got %d %q", rec.Code, userID)
	}
}

func TestRequireUserRejects(t *testing.T) {
	auth := NewUserAuth("secret")
	expired, _ := auth.CreateAccessToken("user-1", -time.Minute)
	foreign, _ := NewUserAuth("other").CreateAccessToken("user-1", time.Minute)

	tests := []struct {
		name   string
		header string
	}{
		{name: "missing header"},
		{name: "wrong scheme", header: "Basic abc"},
		{name: "garbage token", header: "Bearer not-a-jwt"},
		{name: "expired token", header: "Bearer " + expired},
		{name: "foreign secret", header: "Bearer " + foreign},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, userID := runRequireUser(t, auth, tt.header)
			if rec.Code != http.StatusUnauthorized || userID != "" {
				t.Fatalf("expected 401, got %d %q", rec.Code, userID)
			}
		})
	}
}

func TestParseValidateWithoutSecret(t *testing.T) {
	token, _ := NewUserAuth("secret").CreateAccessToken("user-1", time.Minute)
	if _, err := NewUserAuth("").ParseValidate(token); err == nil {
		t.Fatal("expected missing secret to reject every token")
	}
}
