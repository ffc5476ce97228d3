package auth

import (
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v3"
	initdata "github.com/telegram-mini-apps/init-data-golang"

	"github.com/rajivgeraev/flippy-chat/internal/db"
	"github.com/rajivgeraev/flippy-chat/internal/middleware"
	"github.com/rajivgeraev/flippy-chat/internal/repository"
	"github.com/rajivgeraev/flippy-chat/internal/utils"
	apperrors "github.com/rajivgeraev/flippy-chat/pkg/errors"
)

// InitDataTTL сколько действительна подпись initData
const InitDataTTL = 24 * time.Hour

// AuthService – структура для обработки авторизации
type AuthService struct {
	users      repository.UserStore
	jwtService *utils.JWTService
	botToken   string
	timeout    time.Duration
	log        *slog.Logger
}

// NewAuthService – конструктор AuthService
func NewAuthService(users repository.UserStore, jwtService *utils.JWTService, botToken string, timeout time.Duration, log *slog.Logger) *AuthService {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &AuthService{
		users:      users,
		jwtService: jwtService,
		botToken:   botToken,
		timeout:    timeout,
		log:        log,
	}
}

func (s *AuthService) GetJWTService() *utils.JWTService {
	return s.jwtService
}

// TelegramAuthHandler проверяет initData, сохраняет пользователя и возвращает JWT
func (s *AuthService) TelegramAuthHandler(c fiber.Ctx) error {
	var payload struct {
		InitData string `json:"init_data"`
	}

	if err := c.Bind().Body(&payload); err != nil || payload.InitData == "" {
		return apperrors.ErrInvalidBody
	}

	// Проверяем initData
	if err := initdata.Validate(payload.InitData, s.botToken, InitDataTTL); err != nil {
		return apperrors.Wrap(apperrors.CodeUnauthenticated, "Неверные данные Telegram", err)
	}

	// Парсим данные
	data, err := initdata.Parse(payload.InitData)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeInvalidArgument, "Не удалось разобрать initData", err)
	}
	if data.User.ID == 0 {
		return apperrors.InvalidArg("В initData нет пользователя")
	}

	raw, err := json.Marshal(data.User)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeInternal, "Не удалось сохранить данные Telegram", err)
	}

	ctx, cancel := db.GetContext(s.timeout)
	defer cancel()

	user, err := s.users.UpsertTelegramUser(ctx, repository.TelegramProfile{
		TelegramID:   data.User.ID,
		Username:     data.User.Username,
		FirstName:    data.User.FirstName,
		LastName:     data.User.LastName,
		PhotoURL:     data.User.PhotoURL,
		IsPremium:    data.User.IsPremium,
		LanguageCode: data.User.LanguageCode,
		RawData:      raw,
	})
	if err != nil {
		return apperrors.ErrPersistence(err)
	}

	// Генерируем JWT
	jwtToken, err := s.jwtService.GenerateToken(user.ID.String())
	if err != nil {
		return apperrors.Wrap(apperrors.CodeInternal, "Не удалось создать токен", err)
	}

	s.log.Info("telegram login", "user_id", user.ID, "telegram_id", data.User.ID)

	return c.JSON(fiber.Map{
		"token": jwtToken,
		"user":  user,
	})
}

// ProfileHandler возвращает профиль текущего пользователя
func (s *AuthService) ProfileHandler(c fiber.Ctx) error {
	userID, err := middleware.UserID(c)
	if err != nil {
		return err
	}

	ctx, cancel := db.GetContext(s.timeout)
	defer cancel()

	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return apperrors.NotFound("Пользователь не найден")
		}
		return apperrors.ErrPersistence(err)
	}
	return c.JSON(fiber.Map{"user": user})
}
