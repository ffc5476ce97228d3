// Package chatclient клиент чата: HTTP API, realtime соединение, окно чата и счетчик непрочитанных.
package chatclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3/client"
	"github.com/google/uuid"

	"github.com/rajivgeraev/flippy-chat/internal/models"
	"github.com/rajivgeraev/flippy-chat/internal/realtime"
)

// APIError ответ сервера с ошибкой
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("chat api: %d %s: %s", e.Status, e.Code, e.Message)
}

// IsUnauthorized сессия недействительна, повторять запрос бессмысленно
func IsUnauthorized(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && (apiErr.Status == http.StatusUnauthorized || apiErr.Status == http.StatusForbidden)
}

// SendRequest тело POST /api/messages/send
type SendRequest struct {
	ConversationID uuid.UUID `json:"conversation_id"`
	RecipientID    uuid.UUID `json:"recipient_id"`
	Text           string    `json:"text"`
	ClientID       string    `json:"client_id,omitempty"`
}

// Page параметры страницы истории
type Page struct {
	Limit  int
	Before *uuid.UUID
}

// MessagePage страница истории по возрастанию времени
type MessagePage struct {
	Messages []models.Message `json:"messages"`
	HasMore  bool             `json:"has_more"`
}

// API HTTP клиент чат-сервиса, авторизованный сессионным токеном
type API struct {
	http  *client.Client
	token string
}

func NewAPI(baseURL, sessionToken string, timeout time.Duration) *API {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	c := client.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(timeout)
	return &API{http: c, token: sessionToken}
}

func (a *API) request(ctx context.Context) *client.Request {
	return a.http.R().
		SetContext(ctx).
		SetHeader("Authorization", "Bearer "+a.token).
		SetHeader("Accept", "application/json")
}

// decode проверяет статус и разбирает тело в out
func decode(resp *client.Response, err error, out any) error {
	if err != nil {
		return fmt.Errorf("chat api: %w", err)
	}
	defer resp.Close()

	if resp.StatusCode() >= http.StatusBadRequest {
		apiErr := &APIError{Status: resp.StatusCode()}
		var body struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		if json.Unmarshal(resp.Body(), &body) == nil {
			apiErr.Code = body.Code
			apiErr.Message = body.Error
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return fmt.Errorf("chat api: decode response: %w", err)
	}
	return nil
}

// OpenConversation находит или создает чат с получателем
func (a *API) OpenConversation(ctx context.Context, recipientID uuid.UUID) (*models.ConversationView, error) {
	var out struct {
		Conversation *models.ConversationView `json:"conversation"`
	}
	resp, err := a.request(ctx).
		SetJSON(map[string]string{"recipient_id": recipientID.String()}).
		Post("/api/conversations")
	if err := decode(resp, err, &out); err != nil {
		return nil, err
	}
	if out.Conversation == nil {
		return nil, errors.New("chat api: empty conversation in response")
	}
	return out.Conversation, nil
}

func (a *API) ListConversations(ctx context.Context) ([]models.ConversationView, error) {
	var out struct {
		Conversations []models.ConversationView `json:"conversations"`
	}
	resp, err := a.request(ctx).Get("/api/conversations")
	if err := decode(resp, err, &out); err != nil {
		return nil, err
	}
	return out.Conversations, nil
}

// UnreadTotal серверная сумма непрочитанных
func (a *API) UnreadTotal(ctx context.Context) (int, error) {
	var out struct {
		Total int `json:"total"`
	}
	resp, err := a.request(ctx).Get("/api/conversations/unread")
	if err := decode(resp, err, &out); err != nil {
		return 0, err
	}
	return out.Total, nil
}

func (a *API) SendMessage(ctx context.Context, req SendRequest) (*models.Message, error) {
	var out struct {
		Message *models.Message `json:"message"`
	}
	resp, err := a.request(ctx).SetJSON(req).Post("/api/messages/send")
	if err := decode(resp, err, &out); err != nil {
		return nil, err
	}
	if out.Message == nil {
		return nil, errors.New("chat api: empty message in response")
	}
	return out.Message, nil
}

func (a *API) ListMessages(ctx context.Context, conversationID uuid.UUID, page Page) (*MessagePage, error) {
	req := a.request(ctx).SetParam("conversation_id", conversationID.String())
	if page.Limit > 0 {
		req.SetParam("limit", strconv.Itoa(page.Limit))
	}
	if page.Before != nil {
		req.SetParam("before", page.Before.String())
	}

	var out MessagePage
	resp, err := req.Get("/api/messages")
	if err := decode(resp, err, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *API) MarkRead(ctx context.Context, conversationID uuid.UUID) (int64, error) {
	var out struct {
		Updated int64 `json:"updated"`
	}
	resp, err := a.request(ctx).Put("/api/messages/" + conversationID.String())
	if err := decode(resp, err, &out); err != nil {
		return 0, err
	}
	return out.Updated, nil
}

// RealtimeToken запрашивает токен для realtime шлюза
func (a *API) RealtimeToken(ctx context.Context) (*realtime.TokenDetails, error) {
	var out realtime.TokenDetails
	resp, err := a.request(ctx).Get("/api/chat/token")
	if err := decode(resp, err, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *API) Profile(ctx context.Context) (*models.User, error) {
	var out struct {
		User *models.User `json:"user"`
	}
	resp, err := a.request(ctx).Get("/api/profile")
	if err := decode(resp, err, &out); err != nil {
		return nil, err
	}
	if out.User == nil {
		return nil, errors.New("chat api: empty profile in response")
	}
	return out.User, nil
}
