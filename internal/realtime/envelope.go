package realtime

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Envelope событие в канале в том виде, в каком оно передаётся через Redis
type Envelope struct {
	ID        string          `json:"id"`
	Channel   string          `json:"channel"`
	Name      string          `json:"name"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewEnvelope сериализует payload и присваивает событию уникальный ID
func NewEnvelope(channel, name string, payload any) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("realtime: marshal %s payload: %w", name, err)
	}
	return Envelope{
		ID:        uuid.NewString(),
		Channel:   channel,
		Name:      name,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// DecodeEnvelope разбирает сообщение из Redis
func DecodeEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("realtime: decode envelope: %w", err)
	}
	if env.Channel == "" || env.Name == "" {
		return Envelope{}, fmt.Errorf("realtime: envelope without channel or name")
	}
	return env, nil
}
