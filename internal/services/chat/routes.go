package chat

import (
	"github.com/gofiber/fiber/v3"
)

// SetupRoutes настраивает маршруты для API чатов
func (h *Handler) SetupRoutes(app *fiber.App, authMiddleware fiber.Handler) {
	// Защищенные маршруты (требуют авторизации)
	conversations := app.Group("/api/conversations", authMiddleware)
	conversations.Post("/", h.CreateConversation)
	conversations.Get("/", h.GetConversations)
	conversations.Get("/unread", h.GetUnreadTotal)

	messages := app.Group("/api/messages", authMiddleware)
	messages.Post("/send", h.SendMessage)
	messages.Get("/", h.GetMessages)
	messages.Put("/:conversationId", h.MarkRead)

	realtimeAPI := app.Group("/api/chat", authMiddleware)
	realtimeAPI.Get("/token", h.GetRealtimeToken)
}
