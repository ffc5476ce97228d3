package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"

	"github.com/rajivgeraev/flippy-chat/internal/utils"
	apperrors "github.com/rajivgeraev/flippy-chat/pkg/errors"
)

// UserIDKey ключ Locals с ID пользователя
const UserIDKey = "userID"

// AuthMiddleware создаёт middleware для проверки JWT.
// Токен берётся из заголовка Authorization (Bearer) или из cookie "token".
func AuthMiddleware(jwtService *utils.JWTService) fiber.Handler {
	return func(c fiber.Ctx) error {
		tokenString, err := extractToken(c)
		if err != nil {
			return err
		}

		userID, err := jwtService.ExtractUserID(tokenString)
		if err != nil {
			return apperrors.Wrap(apperrors.CodeUnauthenticated, "Недействительный или просроченный токен", err)
		}

		// Проверяем, что userID является валидным UUID
		if _, err := uuid.Parse(userID); err != nil {
			return apperrors.ErrInvalidUserID
		}

		c.Locals(UserIDKey, userID)
		return c.Next()
	}
}

func extractToken(c fiber.Ctx) (string, error) {
	authHeader := c.Get("Authorization")
	if authHeader == "" {
		if cookie := c.Cookies("token"); cookie != "" {
			return cookie, nil
		}
		return "", apperrors.Unauthorized("Отсутствует заголовок авторизации")
	}

	// Проверяем Bearer токен
	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
		return "", apperrors.Unauthorized("Неверный формат заголовка авторизации")
	}
	return parts[1], nil
}

// UserID возвращает ID пользователя, установленный AuthMiddleware
func UserID(c fiber.Ctx) (uuid.UUID, error) {
	raw, _ := c.Locals(UserIDKey).(string)
	if raw == "" {
		return uuid.Nil, apperrors.ErrUnauthorized
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, apperrors.ErrInvalidUserID
	}
	return id, nil
}
