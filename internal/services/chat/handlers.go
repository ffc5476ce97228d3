package chat

import (
	"context"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"

	"github.com/rajivgeraev/flippy-chat/internal/db"
	"github.com/rajivgeraev/flippy-chat/internal/middleware"
	"github.com/rajivgeraev/flippy-chat/internal/models"
	"github.com/rajivgeraev/flippy-chat/internal/realtime"
	"github.com/rajivgeraev/flippy-chat/internal/repository"
	apperrors "github.com/rajivgeraev/flippy-chat/pkg/errors"
)

// Service операции чата, которые нужны HTTP обработчикам
type Service interface {
	OpenConversation(ctx context.Context, userID, recipientID uuid.UUID) (*models.ConversationView, error)
	ListConversations(ctx context.Context, userID uuid.UUID) ([]models.ConversationView, error)
	TotalUnread(ctx context.Context, userID uuid.UUID) (int, error)
	SendMessage(ctx context.Context, in SendMessageInput) (*models.Message, error)
	ListMessages(ctx context.Context, userID, conversationID uuid.UUID, page repository.Page) ([]models.Message, bool, error)
	MarkRead(ctx context.Context, userID, conversationID uuid.UUID) (int64, error)
	IssueRealtimeToken(ctx context.Context, userID uuid.UUID) (*realtime.TokenDetails, error)
}

var _ Service = (*ChatService)(nil)

// Handler HTTP обработчики чатов
type Handler struct {
	svc     Service
	timeout time.Duration
}

func NewHandler(svc Service, timeout time.Duration) *Handler {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Handler{svc: svc, timeout: timeout}
}

// CreateConversation находит или создает чат с получателем
func (h *Handler) CreateConversation(c fiber.Ctx) error {
	userID, err := middleware.UserID(c)
	if err != nil {
		return err
	}

	var req struct {
		RecipientID string `json:"recipient_id"`
	}
	if err := c.Bind().Body(&req); err != nil {
		return apperrors.ErrInvalidBody
	}
	if req.RecipientID == "" {
		return apperrors.ErrRecipientRequired
	}
	recipientID, err := uuid.Parse(req.RecipientID)
	if err != nil {
		return apperrors.ErrInvalidUserID
	}

	ctx, cancel := db.GetContext(h.timeout)
	defer cancel()

	conv, err := h.svc.OpenConversation(ctx, userID, recipientID)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"conversation": conv})
}

// GetConversations возвращает список чатов пользователя
func (h *Handler) GetConversations(c fiber.Ctx) error {
	userID, err := middleware.UserID(c)
	if err != nil {
		return err
	}

	ctx, cancel := db.GetContext(h.timeout)
	defer cancel()

	conversations, err := h.svc.ListConversations(ctx, userID)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{
		"conversations": conversations,
		"count":         len(conversations),
	})
}

// GetUnreadTotal возвращает общее количество непрочитанных сообщений
func (h *Handler) GetUnreadTotal(c fiber.Ctx) error {
	userID, err := middleware.UserID(c)
	if err != nil {
		return err
	}

	ctx, cancel := db.GetContext(h.timeout)
	defer cancel()

	total, err := h.svc.TotalUnread(ctx, userID)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"total": total})
}

// SendMessage отправляет сообщение в чат
func (h *Handler) SendMessage(c fiber.Ctx) error {
	userID, err := middleware.UserID(c)
	if err != nil {
		return err
	}

	var req struct {
		ConversationID string `json:"conversation_id"`
		RecipientID    string `json:"recipient_id"`
		Text           string `json:"text"`
		ClientID       string `json:"client_id"`
	}
	if err := c.Bind().Body(&req); err != nil {
		return apperrors.ErrInvalidBody
	}

	conversationID, err := uuid.Parse(req.ConversationID)
	if err != nil {
		return apperrors.ErrInvalidConversationID
	}
	if req.RecipientID == "" {
		return apperrors.ErrRecipientRequired
	}
	recipientID, err := uuid.Parse(req.RecipientID)
	if err != nil {
		return apperrors.ErrInvalidUserID
	}

	ctx, cancel := db.GetContext(h.timeout)
	defer cancel()

	message, err := h.svc.SendMessage(ctx, SendMessageInput{
		ConversationID: conversationID,
		SenderID:       userID,
		RecipientID:    recipientID,
		Text:           req.Text,
		ClientID:       req.ClientID,
	})
	if err != nil {
		return err
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"message": message,
		"success": true,
	})
}

// GetMessages возвращает историю чата по возрастанию времени
func (h *Handler) GetMessages(c fiber.Ctx) error {
	userID, err := middleware.UserID(c)
	if err != nil {
		return err
	}

	conversationID, err := uuid.Parse(c.Query("conversation_id"))
	if err != nil {
		return apperrors.ErrInvalidConversationID
	}

	var page repository.Page
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return apperrors.InvalidArg("Неверное значение limit")
		}
		page.Limit = limit
	}
	if raw := c.Query("before"); raw != "" {
		before, err := uuid.Parse(raw)
		if err != nil {
			return apperrors.ErrInvalidMessageID
		}
		page.Before = &before
	}

	ctx, cancel := db.GetContext(h.timeout)
	defer cancel()

	messages, hasMore, err := h.svc.ListMessages(ctx, userID, conversationID, page)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{
		"messages": messages,
		"has_more": hasMore,
	})
}

// MarkRead отмечает входящие сообщения чата прочитанными
func (h *Handler) MarkRead(c fiber.Ctx) error {
	userID, err := middleware.UserID(c)
	if err != nil {
		return err
	}

	conversationID, err := uuid.Parse(c.Params("conversationId"))
	if err != nil {
		return apperrors.ErrInvalidConversationID
	}

	ctx, cancel := db.GetContext(h.timeout)
	defer cancel()

	updated, err := h.svc.MarkRead(ctx, userID, conversationID)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{
		"success": true,
		"updated": updated,
	})
}

// GetRealtimeToken выдает токен для подключения к realtime шлюзу
func (h *Handler) GetRealtimeToken(c fiber.Ctx) error {
	userID, err := middleware.UserID(c)
	if err != nil {
		return err
	}

	ctx, cancel := db.GetContext(h.timeout)
	defer cancel()

	details, err := h.svc.IssueRealtimeToken(ctx, userID)
	if err != nil {
		return err
	}
	return c.JSON(details)
}
