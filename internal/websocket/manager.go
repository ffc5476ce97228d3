package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/rajivgeraev/flippy-chat/internal/realtime"
)

// Manager хранит соединения шлюза и их подписки на каналы
type Manager struct {
	mu       sync.RWMutex
	clients  map[uuid.UUID]*Client
	channels map[string]map[uuid.UUID]*Client
	log      *slog.Logger
}

// NewManager создает новый экземпляр Manager
func NewManager(log *slog.Logger) *Manager {
	return &Manager{
		clients:  make(map[uuid.UUID]*Client),
		channels: make(map[string]map[uuid.UUID]*Client),
		log:      log,
	}
}

// AddClient регистрирует нового клиента
func (m *Manager) AddClient(client *Client) {
	m.mu.Lock()
	m.clients[client.ID] = client
	m.mu.Unlock()

	m.log.Info("websocket client connected", "connection_id", client.ID, "client_id", client.ClientID())
}

// RemoveClient удаляет клиента и все его подписки
func (m *Manager) RemoveClient(connectionID uuid.UUID) {
	m.mu.Lock()
	client, exists := m.clients[connectionID]
	if !exists {
		m.mu.Unlock()
		return
	}
	delete(m.clients, connectionID)
	for channel, subs := range m.channels {
		delete(subs, connectionID)
		if len(subs) == 0 {
			delete(m.channels, channel)
		}
	}
	m.mu.Unlock()

	m.log.Info("websocket client disconnected", "connection_id", connectionID, "client_id", client.ClientID())
}

func (m *Manager) Subscribe(client *Client, channel string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.clients[client.ID]; !ok {
		return
	}
	subs, ok := m.channels[channel]
	if !ok {
		subs = make(map[uuid.UUID]*Client)
		m.channels[channel] = subs
	}
	subs[client.ID] = client
}

func (m *Manager) Unsubscribe(client *Client, channel string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if subs, ok := m.channels[channel]; ok {
		delete(subs, client.ID)
		if len(subs) == 0 {
			delete(m.channels, channel)
		}
	}
}

// Subscribed проверяет подписку соединения на канал
func (m *Manager) Subscribed(connectionID uuid.UUID, channel string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.channels[channel][connectionID]
	return ok
}

// ClientCount количество активных соединений
func (m *Manager) ClientCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.clients)
}

// Deliver рассылает событие всем подписчикам канала.
// Если буфер отправки соединения заполнен, клиент слишком медленный и соединение закрывается.
func (m *Manager) Deliver(env realtime.Envelope) {
	payload, err := json.Marshal(realtime.MessageFrame(env))
	if err != nil {
		m.log.Error("marshal message frame", "channel", env.Channel, "error", err)
		return
	}

	m.mu.RLock()
	targets := make([]*Client, 0, len(m.channels[env.Channel]))
	for _, c := range m.channels[env.Channel] {
		targets = append(targets, c)
	}
	m.mu.RUnlock()

	for _, c := range targets {
		if !c.enqueue(payload) {
			m.log.Warn("send buffer full, closing connection", "connection_id", c.ID)
			c.Close()
			m.RemoveClient(c.ID)
		}
	}
}

// Run читает события чатов из Redis через PSUBSCRIBE и раздает их подписчикам.
// Блокируется до отмены контекста.
func (m *Manager) Run(ctx context.Context, rdb redis.UniversalClient) error {
	sub := rdb.PSubscribe(ctx, realtime.ChannelPattern)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("psubscribe %s: %w", realtime.ChannelPattern, err)
	}
	m.log.Info("subscribed to redis", "pattern", realtime.ChannelPattern)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			env, err := realtime.DecodeEnvelope([]byte(msg.Payload))
			if err != nil {
				m.log.Warn("skip malformed envelope", "channel", msg.Channel, "error", err)
				continue
			}
			m.Deliver(env)
		}
	}
}

// Shutdown закрывает все соединения
func (m *Manager) Shutdown() {
	m.mu.Lock()
	clients := make([]*Client, 0, len(m.clients))
	for _, c := range m.clients {
		clients = append(clients, c)
	}
	m.clients = make(map[uuid.UUID]*Client)
	m.channels = make(map[string]map[uuid.UUID]*Client)
	m.mu.Unlock()

	for _, c := range clients {
		c.Close()
	}
}
