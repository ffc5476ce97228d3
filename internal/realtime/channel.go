// Package realtime содержит имена каналов, формат событий, токены доступа
// и публикацию событий чата.
package realtime

import (
	"errors"
	"strings"

	"github.com/google/uuid"
)

const (
	ChannelPrefix = "chat:"
	// ChannelPattern охватывает все каналы чатов (PSUBSCRIBE и capability)
	ChannelPattern = ChannelPrefix + "*"
)

// Имена событий в канале чата
const (
	EventMessage = "message"
	EventRead    = "read"
)

var ErrInvalidChannel = errors.New("realtime: invalid channel name")

// ChannelName возвращает канал чата
func ChannelName(conversationID uuid.UUID) string {
	return ChannelPrefix + conversationID.String()
}

func ConversationIDFromChannel(channel string) (uuid.UUID, error) {
	raw, ok := strings.CutPrefix(channel, ChannelPrefix)
	if !ok {
		return uuid.Nil, ErrInvalidChannel
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, ErrInvalidChannel
	}
	return id, nil
}
