// Package websocket реализует realtime шлюз: websocket соединения клиентов,
// подписки на каналы чатов и раздачу событий из Redis.
package websocket

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rajivgeraev/flippy-chat/internal/realtime"
)

// DefaultAuthGrace время на повторную авторизацию после истечения токена
const DefaultAuthGrace = 15 * time.Second

// Handler принимает websocket подключения по access_token
type Handler struct {
	manager  *Manager
	issuer   *realtime.TokenIssuer
	grace    time.Duration
	upgrader websocket.Upgrader
}

func NewHandler(manager *Manager, issuer *realtime.TokenIssuer, grace time.Duration) *Handler {
	if grace <= 0 {
		grace = DefaultAuthGrace
	}
	return &Handler{
		manager: manager,
		issuer:  issuer,
		grace:   grace,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// доступ ограничивается токеном, а не Origin
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("access_token")
	if token == "" {
		http.Error(w, "access_token is required", http.StatusUnauthorized)
		return
	}

	claims, err := h.issuer.Verify(token)
	if err != nil {
		msg := "invalid token"
		if errors.Is(err, realtime.ErrTokenExpired) {
			msg = realtime.CodeTokenExpired
		}
		http.Error(w, msg, http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.manager.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	NewClient(conn, h.manager, h.issuer, claims, h.grace).Start()
}

// Routes регистрирует обработчики шлюза
func Routes(h *Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("GET /realtime", h)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	return mux
}
