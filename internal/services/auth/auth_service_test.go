package auth

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rajivgeraev/flippy-chat/internal/middleware"
	"github.com/rajivgeraev/flippy-chat/internal/repository/memory"
	"github.com/rajivgeraev/flippy-chat/internal/utils"
)

const botToken = "12345:test-bot-token"

// signInitData подписывает initData так же, как это делает Telegram
func signInitData(t *testing.T, values url.Values, authDate time.Time) string {
	t.Helper()
	values.Set("auth_date", strconv.FormatInt(authDate.Unix(), 10))

	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+values.Get(k))
	}

	secret := hmac.New(sha256.New, []byte("WebAppData"))
	secret.Write([]byte(botToken))
	mac := hmac.New(sha256.New, secret.Sum(nil))
	mac.Write([]byte(strings.Join(pairs, "\n")))
	values.Set("hash", hex.EncodeToString(mac.Sum(nil)))
	return values.Encode()
}

func telegramUser(id int64, username string) url.Values {
	user, _ := json.Marshal(map[string]any{
		"id":         id,
		"first_name": "Test",
		"username":   username,
	})
	return url.Values{"user": {string(user)}, "query_id": {"AAH-test"}}
}

func newTestApp(t *testing.T) (*fiber.App, *memory.Store) {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memory.NewStore()
	svc := NewAuthService(store.Users(), utils.NewJWTService("session-secret"), botToken, time.Second, log)

	app := fiber.New(fiber.Config{ErrorHandler: middleware.ErrorHandler(log)})
	svc.SetupRoutes(app)
	return app, store
}

func postInitData(t *testing.T, app *fiber.App, initData string) (*http.Response, map[string]any) {
	t.Helper()
	raw, _ := json.Marshal(map[string]string{"init_data": initData})
	req := httptest.NewRequest(http.MethodPost, "/api/auth/telegram", bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	body := map[string]any{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return resp, body
}

func TestTelegramAuthCreatesUserAndSession(t *testing.T) {
	app, _ := newTestApp(t)

	resp, body := postInitData(t, app, signInitData(t, telegramUser(777, "alice"), time.Now()))
	require.Equal(t, http.StatusOK, resp.StatusCode, body)

	token, _ := body["token"].(string)
	require.NotEmpty(t, token)
	user := body["user"].(map[string]any)
	assert.Equal(t, "alice", user["username"])
	userID := user["id"].(string)

	// повторный вход того же telegram пользователя не создаёт нового
	_, again := postInitData(t, app, signInitData(t, telegramUser(777, "alice_renamed"), time.Now()))
	assert.Equal(t, userID, again["user"].(map[string]any)["id"])

	req := httptest.NewRequest(http.MethodGet, "/api/profile", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var profile struct {
		User struct {
			ID       string `json:"id"`
			Username string `json:"username"`
		} `json:"user"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&profile))
	assert.Equal(t, userID, profile.User.ID)
	assert.Equal(t, "alice_renamed", profile.User.Username)
}

func TestTelegramAuthRejectsBadInitData(t *testing.T) {
	app, _ := newTestApp(t)

	tampered := signInitData(t, telegramUser(1, "bob"), time.Now())
	tampered = strings.Replace(tampered, "bob", "eve", 1)
	resp, body := postInitData(t, app, tampered)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "UNAUTHENTICATED", body["code"])

	expired := signInitData(t, telegramUser(1, "bob"), time.Now().Add(-48*time.Hour))
	resp, _ = postInitData(t, app, expired)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, body = postInitData(t, app, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "INVALID_ARGUMENT", body["code"])
}

func TestProfileRequiresSession(t *testing.T) {
	app, _ := newTestApp(t)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/api/profile", nil))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
