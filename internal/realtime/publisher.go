package realtime

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

//go:generate mockgen -destination=mocks/publisher_mock.go -package=mocks . Publisher,EnvelopePublisher

// Publisher отправляет событие в канал. Доставка best-effort.
type Publisher interface {
	Publish(ctx context.Context, channel, event string, payload any) error
}

// EnvelopePublisher публикует готовое событие (используется при повторах)
type EnvelopePublisher interface {
	PublishEnvelope(ctx context.Context, env Envelope) error
}

// RedisPublisher публикует события через Redis PUBLISH в канал с тем же именем
type RedisPublisher struct {
	client redis.UniversalClient
}

var (
	_ Publisher         = (*RedisPublisher)(nil)
	_ EnvelopePublisher = (*RedisPublisher)(nil)
)

func NewRedisPublisher(client redis.UniversalClient) *RedisPublisher {
	return &RedisPublisher{client: client}
}

func (p *RedisPublisher) Publish(ctx context.Context, channel, event string, payload any) error {
	env, err := NewEnvelope(channel, event, payload)
	if err != nil {
		return err
	}
	return p.PublishEnvelope(ctx, env)
}

func (p *RedisPublisher) PublishEnvelope(ctx context.Context, env Envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("realtime: marshal envelope: %w", err)
	}
	if err := p.client.Publish(ctx, env.Channel, raw).Err(); err != nil {
		return fmt.Errorf("realtime: publish to %s: %w", env.Channel, err)
	}
	return nil
}

// NoopPublisher используется без Redis: события никуда не отправляются
type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, string, string, any) error { return nil }

// NewRedisClient подключается к Redis по URL и проверяет соединение
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}
	c := redis.NewClient(opt)
	if err := c.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return c, nil
}
