package chat

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rajivgeraev/flippy-chat/internal/models"
	"github.com/rajivgeraev/flippy-chat/internal/realtime"
	"github.com/rajivgeraev/flippy-chat/internal/repository"
	apperrors "github.com/rajivgeraev/flippy-chat/pkg/errors"
)

// ChatService ядро чатов: диалоги, отправка, прочтение и realtime токены
type ChatService struct {
	store     repository.Store
	publisher realtime.Publisher
	issuer    *realtime.TokenIssuer
	log       *slog.Logger
	now       func() time.Time
}

// NewChatService создает новый экземпляр ChatService
func NewChatService(store repository.Store, publisher realtime.Publisher, issuer *realtime.TokenIssuer, log *slog.Logger) *ChatService {
	if publisher == nil {
		publisher = realtime.NoopPublisher{}
	}
	return &ChatService{
		store:     store,
		publisher: publisher,
		issuer:    issuer,
		log:       log,
		now:       time.Now,
	}
}

// SendMessageInput данные отправки сообщения
type SendMessageInput struct {
	ConversationID uuid.UUID
	SenderID       uuid.UUID
	RecipientID    uuid.UUID
	Text           string
	// ClientID временный ID сообщения на клиенте, возвращается в событии для сверки
	ClientID string
}

// OpenConversation находит или создает чат с получателем
func (s *ChatService) OpenConversation(ctx context.Context, userID, recipientID uuid.UUID) (*models.ConversationView, error) {
	if recipientID == uuid.Nil {
		return nil, apperrors.ErrRecipientRequired
	}
	if recipientID == userID {
		return nil, apperrors.ErrSelfConversation
	}

	recipient, err := s.store.Users().GetByID(ctx, recipientID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperrors.ErrRecipientNotFound
		}
		return nil, apperrors.ErrPersistence(err)
	}

	conv, err := s.store.Conversations().FindOrCreate(ctx, userID, recipientID)
	if err != nil {
		return nil, mapStoreError(err)
	}

	return &models.ConversationView{
		Conversation:     *conv,
		OtherParticipant: recipient,
		MyUnreadCount:    conv.UnreadCount.For(userID),
	}, nil
}

// ListConversations возвращает чаты пользователя, новые сверху
func (s *ChatService) ListConversations(ctx context.Context, userID uuid.UUID) ([]models.ConversationView, error) {
	views, err := s.store.Conversations().ListForUser(ctx, userID)
	if err != nil {
		return nil, mapStoreError(err)
	}
	return views, nil
}

// TotalUnread сумма непрочитанных сообщений пользователя по всем чатам
func (s *ChatService) TotalUnread(ctx context.Context, userID uuid.UUID) (int, error) {
	views, err := s.ListConversations(ctx, userID)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, v := range views {
		total += v.MyUnreadCount
	}
	return total, nil
}

// SendMessage сохраняет сообщение, обновляет чат и публикует событие message.
// Сбой публикации не отменяет сохранение: сообщение доступно через историю.
func (s *ChatService) SendMessage(ctx context.Context, in SendMessageInput) (*models.Message, error) {
	if in.ConversationID == uuid.Nil {
		return nil, apperrors.ErrInvalidConversationID
	}
	if in.RecipientID == uuid.Nil {
		return nil, apperrors.ErrRecipientRequired
	}
	text, err := models.NormalizeMessageText(in.Text)
	if err != nil {
		return nil, mapStoreError(err)
	}

	ts := models.ServerTimestamp(s.now())
	var msg *models.Message
	err = s.store.WithinTx(ctx, func(ctx context.Context, tx repository.Store) error {
		conv, err := tx.Conversations().GetForParticipant(ctx, in.ConversationID, in.SenderID)
		if err != nil {
			return err
		}
		if conv.Other(in.SenderID) != in.RecipientID {
			return apperrors.ErrRecipientMismatch
		}

		msg, err = tx.Messages().Create(ctx, conv.ID, in.SenderID, in.RecipientID, text, ts)
		if err != nil {
			return err
		}
		_, err = tx.Conversations().RecordMessage(ctx, conv.ID, in.SenderID, msg.Text, msg.Timestamp)
		return err
	})
	if err != nil {
		return nil, mapStoreError(err)
	}

	sender, err := s.store.Users().GetByID(ctx, in.SenderID)
	if err != nil {
		s.log.Warn("sender profile lookup failed", "user_id", in.SenderID, "error", err)
	} else {
		msg.Sender = sender
	}
	msg.ClientID = in.ClientID

	channel := realtime.ChannelName(msg.ConversationID)
	if err := s.publisher.Publish(ctx, channel, realtime.EventMessage, msg); err != nil {
		s.log.Error("publish message event failed", "channel", channel, "message_id", msg.ID, "error", err)
	}

	return msg, nil
}

// ListMessages возвращает историю чата по возрастанию времени
func (s *ChatService) ListMessages(ctx context.Context, userID, conversationID uuid.UUID, page repository.Page) ([]models.Message, bool, error) {
	if conversationID == uuid.Nil {
		return nil, false, apperrors.ErrInvalidConversationID
	}
	if _, err := s.store.Conversations().GetForParticipant(ctx, conversationID, userID); err != nil {
		return nil, false, mapStoreError(err)
	}

	messages, hasMore, err := s.store.Messages().ListByConversation(ctx, conversationID, page)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, false, apperrors.ErrInvalidMessageID
		}
		return nil, false, mapStoreError(err)
	}
	return messages, hasMore, nil
}

// MarkRead отмечает входящие сообщения прочитанными, обнуляет счётчик и публикует событие read
func (s *ChatService) MarkRead(ctx context.Context, userID, conversationID uuid.UUID) (int64, error) {
	if conversationID == uuid.Nil {
		return 0, apperrors.ErrInvalidConversationID
	}

	var ids []uuid.UUID
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx repository.Store) error {
		if _, err := tx.Conversations().GetForParticipant(ctx, conversationID, userID); err != nil {
			return err
		}
		var err error
		ids, err = tx.Messages().MarkReadForRecipient(ctx, conversationID, userID)
		if err != nil {
			return err
		}
		return tx.Conversations().MarkRead(ctx, conversationID, userID)
	})
	if err != nil {
		return 0, mapStoreError(err)
	}

	receipt := models.ReadReceipt{
		ConversationID: conversationID,
		ReaderID:       userID,
		MessageIDs:     ids,
		ReadAt:         models.ServerTimestamp(s.now()),
	}
	if receipt.MessageIDs == nil {
		receipt.MessageIDs = []uuid.UUID{}
	}
	channel := realtime.ChannelName(conversationID)
	if err := s.publisher.Publish(ctx, channel, realtime.EventRead, receipt); err != nil {
		s.log.Error("publish read event failed", "channel", channel, "error", err)
	}
	return int64(len(ids)), nil
}

// IssueRealtimeToken выпускает токен с правами только на каналы чатов пользователя
func (s *ChatService) IssueRealtimeToken(ctx context.Context, userID uuid.UUID) (*realtime.TokenDetails, error) {
	views, err := s.ListConversations(ctx, userID)
	if err != nil {
		return nil, err
	}

	capability := make(realtime.Capability, len(views))
	for _, v := range views {
		capability[realtime.ChannelName(v.ID)] = realtime.ClientOperations
	}

	details, err := s.issuer.Issue(userID.String(), capability)
	if err != nil {
		return nil, apperrors.ErrTokenIssue(err)
	}
	return details, nil
}

func mapStoreError(err error) error {
	var appErr *apperrors.AppError
	switch {
	case errors.As(err, &appErr):
		return err
	case errors.Is(err, repository.ErrNotFound):
		return apperrors.ErrConversationNotFound
	case errors.Is(err, repository.ErrNotParticipant):
		return apperrors.ErrNoAccess
	case errors.Is(err, repository.ErrSameParticipant):
		return apperrors.ErrSelfConversation
	case errors.Is(err, models.ErrEmptyText):
		return apperrors.ErrEmptyMessage
	case errors.Is(err, models.ErrTextTooLong):
		return apperrors.ErrMessageTooLong
	default:
		return apperrors.ErrPersistence(err)
	}
}
