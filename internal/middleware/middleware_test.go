package middleware

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rajivgeraev/flippy-chat/internal/utils"
	apperrors "github.com/rajivgeraev/flippy-chat/pkg/errors"
)

func newTestApp(jwt *utils.JWTService) *fiber.App {
	app := fiber.New(fiber.Config{ErrorHandler: ErrorHandler(slog.New(slog.NewTextHandler(io.Discard, nil)))})
	app.Use(AuthMiddleware(jwt))
	app.Get("/me", func(c fiber.Ctx) error {
		id, err := UserID(c)
		if err != nil {
			return err
		}
		return c.SendString(id.String())
	})
	return app
}

func decodeError(t *testing.T, resp *http.Response) (string, string) {
	t.Helper()
	var body struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body.Error, body.Code
}

func TestAuthMiddlewareAcceptsBearerAndCookie(t *testing.T) {
	jwt := utils.NewJWTService("secret")
	app := newTestApp(jwt)
	userID := uuid.New()
	token, err := jwt.GenerateToken(userID.String())
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, userID.String(), string(body))

	req = httptest.NewRequest(http.MethodGet, "/me", nil)
	req.AddCookie(&http.Cookie{Name: "token", Value: token})
	resp, err = app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAuthMiddlewareRejects(t *testing.T) {
	jwt := utils.NewJWTService("secret")
	app := newTestApp(jwt)
	notUUID, err := jwt.GenerateToken("12345")
	require.NoError(t, err)

	cases := map[string]string{
		"missing":    "",
		"not bearer": "Basic abc",
		"garbage":    "Bearer garbage",
		"not uuid":   "Bearer " + notUUID,
	}
	for name, header := range cases {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/me", nil)
			if header != "" {
				req.Header.Set("Authorization", header)
			}
			resp, err := app.Test(req)
			require.NoError(t, err)
			defer resp.Body.Close()

			if name == "not uuid" {
				assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
				return
			}
			assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
			_, code := decodeError(t, resp)
			assert.Equal(t, string(apperrors.CodeUnauthenticated), code)
		})
	}
}

func TestErrorHandlerHidesInternalErrors(t *testing.T) {
	app := fiber.New(fiber.Config{ErrorHandler: ErrorHandler(slog.New(slog.NewTextHandler(io.Discard, nil)))})
	app.Get("/boom", func(c fiber.Ctx) error { return errors.New("pq: connection refused") })
	app.Get("/missing", func(c fiber.Ctx) error { return apperrors.ErrConversationNotFound })

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/boom", nil))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	msg, code := decodeError(t, resp)
	assert.Equal(t, "internal error", msg)
	assert.Equal(t, string(apperrors.CodeInternal), code)

	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/missing", nil))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	msg, _ = decodeError(t, resp)
	assert.Equal(t, "Чат не найден", msg)
}
