package models

import (
	"bytes"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// MaxMessageLength максимальная длина сообщения в символах
const MaxMessageLength = 2000

// User базовая информация о пользователе для ответов API
type User struct {
	ID        uuid.UUID `json:"id"`
	Username  string    `json:"username,omitempty"`
	FirstName string    `json:"first_name,omitempty"`
	LastName  string    `json:"last_name,omitempty"`
	AvatarURL string    `json:"avatar_url,omitempty"`
}

// LastMessage денормализованный снимок последнего сообщения для списка чатов
type LastMessage struct {
	Text      string    `json:"text"`
	SenderID  uuid.UUID `json:"sender_id"`
	Timestamp time.Time `json:"timestamp"`
}

// UnreadCounts количество непрочитанных сообщений по участникам.
// В JSON сериализуется как объект {"<user_id>": n}.
type UnreadCounts map[uuid.UUID]int

// For возвращает счётчик участника, отсутствующий ключ и отрицательные значения дают 0
func (u UnreadCounts) For(userID uuid.UUID) int {
	if n := u[userID]; n > 0 {
		return n
	}
	return 0
}

// Conversation представляет чат между двумя пользователями
type Conversation struct {
	ID           uuid.UUID    `json:"id"`
	Participants [2]uuid.UUID `json:"participants"`
	LastMessage  *LastMessage `json:"last_message,omitempty"`
	UnreadCount  UnreadCounts `json:"unread_count"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// HasParticipant проверяет, участвует ли пользователь в чате
func (c *Conversation) HasParticipant(userID uuid.UUID) bool {
	return c.Participants[0] == userID || c.Participants[1] == userID
}

// Other возвращает второго участника чата
func (c *Conversation) Other(userID uuid.UUID) uuid.UUID {
	if c.Participants[0] == userID {
		return c.Participants[1]
	}
	return c.Participants[0]
}

// ConversationView чат с точки зрения конкретного пользователя
type ConversationView struct {
	Conversation

	// Дополнительные поля для API
	OtherParticipant *User `json:"other_participant,omitempty"`
	MyUnreadCount    int   `json:"my_unread_count"`
}

// Message представляет сообщение в чате
type Message struct {
	ID             uuid.UUID `json:"id"`
	ConversationID uuid.UUID `json:"conversation_id"`
	SenderID       uuid.UUID `json:"sender_id"`
	RecipientID    uuid.UUID `json:"recipient_id"`
	Text           string    `json:"text"`
	IsRead         bool      `json:"is_read"`
	Timestamp      time.Time `json:"timestamp"`

	// Дополнительные поля для API
	Sender   *User  `json:"sender,omitempty"`
	ClientID string `json:"client_id,omitempty"`
}

// ReadReceipt событие о прочтении сообщений участником.
// MessageIDs перечисляет ровно те сообщения, которые отметила эта транзакция.
type ReadReceipt struct {
	ConversationID uuid.UUID   `json:"conversation_id"`
	ReaderID       uuid.UUID   `json:"reader_id"`
	MessageIDs     []uuid.UUID `json:"message_ids"`
	ReadAt         time.Time   `json:"read_at"`
}

// SortParticipants возвращает пару участников в каноническом порядке
func SortParticipants(a, b uuid.UUID) [2]uuid.UUID {
	if bytes.Compare(a[:], b[:]) > 0 {
		return [2]uuid.UUID{b, a}
	}
	return [2]uuid.UUID{a, b}
}

// PairKey уникальный ключ пары участников
func PairKey(a, b uuid.UUID) string {
	p := SortParticipants(a, b)
	return p[0].String() + ":" + p[1].String()
}

// NormalizeMessageText обрезает пробелы и проверяет длину текста
func NormalizeMessageText(text string) (string, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return "", ErrEmptyText
	}
	if utf8.RuneCountInString(trimmed) > MaxMessageLength {
		return "", ErrTextTooLong
	}
	return trimmed, nil
}

// SortMessages упорядочивает сообщения по времени, при равенстве по ID
func SortMessages(messages []Message) {
	sort.SliceStable(messages, func(i, j int) bool {
		return MessageLess(messages[i], messages[j])
	})
}

func MessageLess(a, b Message) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.Before(b.Timestamp)
	}
	return bytes.Compare(a.ID[:], b.ID[:]) < 0
}

// ServerTimestamp время сервера с точностью хранения (микросекунды)
func ServerTimestamp(now time.Time) time.Time {
	return now.UTC().Truncate(time.Microsecond)
}
