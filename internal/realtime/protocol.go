package realtime

import (
	"encoding/json"
	"time"
)

// Действия websocket протокола шлюза
const (
	// клиент -> шлюз
	ActionAuth        = "auth"
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"

	// шлюз -> клиент
	ActionConnected    = "connected"
	ActionSubscribed   = "subscribed"
	ActionUnsubscribed = "unsubscribed"
	ActionMessage      = "message"
	ActionError        = "error"
)

// Коды ошибок протокола
const (
	CodeCapabilityDenied = "capability_denied"
	CodeTokenExpired     = "token_expired"
	CodeBadRequest       = "bad_request"
	CodeUnauthorized     = "unauthorized"
)

// Frame кадр websocket протокола; набор заполненных полей зависит от Action
type Frame struct {
	Action string `json:"action"`

	Channel string `json:"channel,omitempty"`
	Token   string `json:"token,omitempty"`

	ConnectionID string     `json:"connection_id,omitempty"`
	ClientID     string     `json:"client_id,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`

	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp *time.Time      `json:"timestamp,omitempty"`

	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// MessageFrame превращает событие канала в кадр для клиента
func MessageFrame(env Envelope) Frame {
	ts := env.Timestamp
	return Frame{
		Action:    ActionMessage,
		Channel:   env.Channel,
		ID:        env.ID,
		Name:      env.Name,
		Data:      env.Data,
		Timestamp: &ts,
	}
}

func ErrorFrame(code, channel, message string) Frame {
	return Frame{Action: ActionError, Code: code, Channel: channel, Message: message}
}
