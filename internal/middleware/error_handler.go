package middleware

import (
	"errors"
	"log/slog"

	"github.com/gofiber/fiber/v3"

	apperrors "github.com/rajivgeraev/flippy-chat/pkg/errors"
)

// ErrorHandler переводит ошибки обработчиков в JSON {"error", "code"}
func ErrorHandler(log *slog.Logger) fiber.ErrorHandler {
	return func(c fiber.Ctx, err error) error {
		// Проверяем, является ли ошибка из Fiber
		var fe *fiber.Error
		if errors.As(err, &fe) {
			return c.Status(fe.Code).JSON(fiber.Map{
				"error": fe.Message,
				"code":  fiberCode(fe.Code),
			})
		}

		status := apperrors.HTTPStatus(err)
		code := apperrors.CodeOf(err)
		if status >= fiber.StatusInternalServerError {
			log.Error("request failed", "method", c.Method(), "path", c.Path(), "error", err)
			if code == apperrors.CodeUnknown {
				code = apperrors.CodeInternal
			}
		}

		return c.Status(status).JSON(fiber.Map{
			"error": apperrors.PublicMessage(err),
			"code":  code,
		})
	}
}

func fiberCode(status int) apperrors.Code {
	switch status {
	case fiber.StatusBadRequest:
		return apperrors.CodeInvalidArgument
	case fiber.StatusUnauthorized:
		return apperrors.CodeUnauthenticated
	case fiber.StatusForbidden:
		return apperrors.CodePermissionDenied
	case fiber.StatusNotFound, fiber.StatusMethodNotAllowed:
		return apperrors.CodeNotFound
	default:
		if status >= fiber.StatusInternalServerError {
			return apperrors.CodeInternal
		}
		return apperrors.CodeUnknown
	}
}
