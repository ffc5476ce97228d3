package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/rajivgeraev/flippy-chat/internal/models"
	"github.com/rajivgeraev/flippy-chat/internal/repository"
)

type UserRepository struct {
	store *Store
}

// GetByID получает базовую информацию о пользователе
func (r *UserRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	var user models.User
	err := r.store.db.QueryRow(ctx, `
		SELECT id, COALESCE(username, ''), COALESCE(first_name, ''), COALESCE(last_name, ''), COALESCE(avatar_url, '')
		FROM users
		WHERE id = $1
	`, id).Scan(&user.ID, &user.Username, &user.FirstName, &user.LastName, &user.AvatarURL)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &user, nil
}

// UpsertTelegramUser создает пользователя через Telegram или обновляет существующего
func (r *UserRepository) UpsertTelegramUser(ctx context.Context, p repository.TelegramProfile) (*models.User, error) {
	var userID uuid.UUID
	err := r.store.WithinTx(ctx, func(ctx context.Context, tx repository.Store) error {
		db := tx.(*Store).db

		err := db.QueryRow(ctx, `
			SELECT user_id FROM telegram_users WHERE telegram_id = $1 FOR UPDATE
		`, p.TelegramID).Scan(&userID)

		switch {
		case errors.Is(err, pgx.ErrNoRows):
			// Создаем запись в users и telegram_users
			if err := db.QueryRow(ctx, `
				INSERT INTO users (username, first_name, last_name, avatar_url, last_login_at)
				VALUES ($1, $2, $3, $4, CURRENT_TIMESTAMP)
				RETURNING id
			`, p.Username, p.FirstName, p.LastName, p.PhotoURL).Scan(&userID); err != nil {
				return fmt.Errorf("ошибка при создании пользователя: %w", err)
			}

			if _, err := db.Exec(ctx, `
				INSERT INTO telegram_users (user_id, telegram_id, username, first_name, last_name, photo_url, is_premium, language_code, raw_data)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			`, userID, p.TelegramID, p.Username, p.FirstName, p.LastName, p.PhotoURL, p.IsPremium, p.LanguageCode, rawJSON(p.RawData)); err != nil {
				return fmt.Errorf("ошибка при создании Telegram пользователя: %w", err)
			}
			return nil
		case err != nil:
			return fmt.Errorf("ошибка при проверке существования пользователя Telegram: %w", err)
		}

		// Обновляем профиль и время входа существующего пользователя
		if _, err := db.Exec(ctx, `
			UPDATE users
			SET username = $2, first_name = $3, last_name = $4, avatar_url = $5,
			    last_login_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
			WHERE id = $1
		`, userID, p.Username, p.FirstName, p.LastName, p.PhotoURL); err != nil {
			return fmt.Errorf("ошибка при обновлении пользователя: %w", err)
		}

		if _, err := db.Exec(ctx, `
			UPDATE telegram_users
			SET username = $2, first_name = $3, last_name = $4, photo_url = $5,
			    is_premium = $6, language_code = $7, raw_data = $8, updated_at = CURRENT_TIMESTAMP
			WHERE telegram_id = $1
		`, p.TelegramID, p.Username, p.FirstName, p.LastName, p.PhotoURL, p.IsPremium, p.LanguageCode, rawJSON(p.RawData)); err != nil {
			return fmt.Errorf("ошибка при обновлении Telegram пользователя: %w", err)
		}
		return nil
	})
	if err != nil {
		if isUniqueViolation(err) {
			// параллельный первый вход того же пользователя: запись уже создана другой транзакцией
			return r.UpsertTelegramUser(ctx, p)
		}
		return nil, err
	}

	return r.GetByID(ctx, userID)
}

func rawJSON(data []byte) any {
	if len(data) == 0 {
		return nil
	}
	return string(data)
}
