package auth

import (
	"github.com/gofiber/fiber/v3"

	"github.com/rajivgeraev/flippy-chat/internal/middleware"
)

// SetupRoutes регистрирует маршруты в Fiber
func (s *AuthService) SetupRoutes(app *fiber.App) {
	app.Post("/api/auth/telegram", s.TelegramAuthHandler)

	// Защищенные маршруты
	profile := app.Group("/api/profile", middleware.AuthMiddleware(s.jwtService))
	profile.Get("/", s.ProfileHandler)
}
