// Package repository описывает хранилища чатов, сообщений и профилей.
// Реализации: postgres (по умолчанию), mongo и memory.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/rajivgeraev/flippy-chat/internal/models"
)

const (
	DefaultPageLimit = 50
	MaxPageLimit     = 100
)

var (
	ErrNotFound        = errors.New("repository: not found")
	ErrNotParticipant  = errors.New("repository: user is not a conversation participant")
	ErrSameParticipant = errors.New("repository: sender and recipient must differ")
)

// Page параметры постраничной выборки сообщений.
// Before: ID сообщения, старше которого нужно вернуть историю.
type Page struct {
	Limit  int
	Before *uuid.UUID
}

// Normalize подставляет лимит по умолчанию и ограничивает максимум
func (p Page) Normalize() Page {
	if p.Limit <= 0 {
		p.Limit = DefaultPageLimit
	}
	if p.Limit > MaxPageLimit {
		p.Limit = MaxPageLimit
	}
	return p
}

// TelegramProfile данные пользователя из Telegram initData
type TelegramProfile struct {
	TelegramID   int64
	Username     string
	FirstName    string
	LastName     string
	PhotoURL     string
	IsPremium    bool
	LanguageCode string
	RawData      []byte
}

type ConversationStore interface {
	// FindOrCreate возвращает единственный чат пары, создавая его при необходимости
	FindOrCreate(ctx context.Context, userA, userB uuid.UUID) (*models.Conversation, error)
	GetForParticipant(ctx context.Context, conversationID, userID uuid.UUID) (*models.Conversation, error)
	// ListForUser сортирует по времени последнего сообщения, новые сверху
	ListForUser(ctx context.Context, userID uuid.UUID) ([]models.ConversationView, error)
	// RecordMessage атомарно обновляет снимок последнего сообщения и счётчик получателя
	RecordMessage(ctx context.Context, conversationID, senderID uuid.UUID, text string, ts time.Time) (*models.Conversation, error)
	MarkRead(ctx context.Context, conversationID, userID uuid.UUID) error
}

type MessageStore interface {
	Create(ctx context.Context, conversationID, senderID, recipientID uuid.UUID, text string, ts time.Time) (*models.Message, error)
	// ListByConversation возвращает сообщения по возрастанию времени и признак наличия более старых
	ListByConversation(ctx context.Context, conversationID uuid.UUID, page Page) ([]models.Message, bool, error)
	// MarkReadForRecipient отмечает прочитанными входящие сообщения и возвращает их id
	MarkReadForRecipient(ctx context.Context, conversationID, recipientID uuid.UUID) ([]uuid.UUID, error)
}

type UserStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.User, error)
	UpsertTelegramUser(ctx context.Context, profile TelegramProfile) (*models.User, error)
}

// Store объединяет хранилища и позволяет выполнить несколько операций одной единицей
type Store interface {
	Conversations() ConversationStore
	Messages() MessageStore
	Users() UserStore
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error
	Close(ctx context.Context) error
}
