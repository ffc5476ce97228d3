package mongo

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/rajivgeraev/flippy-chat/internal/models"
)

type lastMessageDoc struct {
	Text      string    `bson:"text"`
	SenderID  string    `bson:"senderId"`
	Timestamp time.Time `bson:"timestamp"`
}

type conversationDoc struct {
	ID            string          `bson:"_id"`
	PairKey       string          `bson:"pairKey"`
	Participants  []string        `bson:"participants"`
	LastMessage   *lastMessageDoc `bson:"lastMessage,omitempty"`
	LastMessageAt *time.Time      `bson:"lastMessageAt,omitempty"`
	UnreadCount   map[string]int  `bson:"unreadCount"`
	CreatedAt     time.Time       `bson:"createdAt"`
	UpdatedAt     time.Time       `bson:"updatedAt"`
}

type messageDoc struct {
	ID             string    `bson:"_id"`
	ConversationID string    `bson:"conversationId"`
	SenderID       string    `bson:"senderId"`
	RecipientID    string    `bson:"recipientId"`
	Text           string    `bson:"text"`
	IsRead         bool      `bson:"isRead"`
	Timestamp      time.Time `bson:"timestamp"`
}

type userDoc struct {
	ID           string     `bson:"_id"`
	TelegramID   int64      `bson:"telegramId"`
	Username     string     `bson:"username,omitempty"`
	FirstName    string     `bson:"firstName,omitempty"`
	LastName     string     `bson:"lastName,omitempty"`
	AvatarURL    string     `bson:"avatarUrl,omitempty"`
	IsPremium    bool       `bson:"isPremium"`
	LanguageCode string     `bson:"languageCode,omitempty"`
	RawData      string     `bson:"rawData,omitempty"`
	LastLoginAt  *time.Time `bson:"lastLoginAt,omitempty"`
	CreatedAt    time.Time  `bson:"createdAt"`
	UpdatedAt    time.Time  `bson:"updatedAt"`
}

func (d *conversationDoc) toModel() (*models.Conversation, error) {
	if len(d.Participants) != 2 {
		return nil, fmt.Errorf("conversation %s: expected 2 participants, got %d", d.ID, len(d.Participants))
	}
	id, err := uuid.Parse(d.ID)
	if err != nil {
		return nil, fmt.Errorf("conversation id: %w", err)
	}

	conv := &models.Conversation{
		ID:          id,
		UnreadCount: make(models.UnreadCounts, len(d.UnreadCount)),
		CreatedAt:   d.CreatedAt.UTC(),
		UpdatedAt:   d.UpdatedAt.UTC(),
	}
	for i, p := range d.Participants {
		if conv.Participants[i], err = uuid.Parse(p); err != nil {
			return nil, fmt.Errorf("participant id: %w", err)
		}
	}
	for key, n := range d.UnreadCount {
		userID, err := uuid.Parse(key)
		if err != nil {
			return nil, fmt.Errorf("unreadCount key %q: %w", key, err)
		}
		conv.UnreadCount[userID] = n
	}
	if d.LastMessage != nil {
		sender, err := uuid.Parse(d.LastMessage.SenderID)
		if err != nil {
			return nil, fmt.Errorf("last message sender: %w", err)
		}
		conv.LastMessage = &models.LastMessage{
			Text:      d.LastMessage.Text,
			SenderID:  sender,
			Timestamp: d.LastMessage.Timestamp.UTC(),
		}
	}
	return conv, nil
}

func (d *messageDoc) toModel() (*models.Message, error) {
	msg := &models.Message{
		Text:      d.Text,
		IsRead:    d.IsRead,
		Timestamp: d.Timestamp.UTC(),
	}
	for _, f := range []struct {
		dst *uuid.UUID
		src string
	}{
		{&msg.ID, d.ID},
		{&msg.ConversationID, d.ConversationID},
		{&msg.SenderID, d.SenderID},
		{&msg.RecipientID, d.RecipientID},
	} {
		id, err := uuid.Parse(f.src)
		if err != nil {
			return nil, fmt.Errorf("message field: %w", err)
		}
		*f.dst = id
	}
	return msg, nil
}

func (d *userDoc) toModel() (*models.User, error) {
	id, err := uuid.Parse(d.ID)
	if err != nil {
		return nil, fmt.Errorf("user id: %w", err)
	}
	return &models.User{
		ID:        id,
		Username:  d.Username,
		FirstName: d.FirstName,
		LastName:  d.LastName,
		AvatarURL: d.AvatarURL,
	}, nil
}
