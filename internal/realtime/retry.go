package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/rajivgeraev/flippy-chat/internal/queue"
)

// PublishTaskType задача повторной публикации события
const PublishTaskType = "realtime:publish"

// RetryingPublisher публикует событие, а при ошибке ставит его в очередь повторов.
// Повторная доставка безопасна: клиенты дедуплицируют события по ID сообщения.
type RetryingPublisher struct {
	next     EnvelopePublisher
	queue    queue.Client
	queueOpt queue.EnqueueOption
	log      *slog.Logger
}

var _ Publisher = (*RetryingPublisher)(nil)

func NewRetryingPublisher(next EnvelopePublisher, q queue.Client, queueName string, maxRetry int, log *slog.Logger) *RetryingPublisher {
	return &RetryingPublisher{
		next:  next,
		queue: q,
		queueOpt: queue.EnqueueOption{
			Queue:     queueName,
			MaxRetry:  maxRetry,
			Timeout:   10 * time.Second,
			Retention: time.Hour,
		},
		log: log,
	}
}

func (p *RetryingPublisher) Publish(ctx context.Context, channel, event string, payload any) error {
	env, err := NewEnvelope(channel, event, payload)
	if err != nil {
		return err
	}

	pubErr := p.next.PublishEnvelope(ctx, env)
	if pubErr == nil {
		return nil
	}

	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("%w (marshal for retry: %v)", pubErr, err)
	}
	id, err := p.queue.Enqueue(ctx, queue.Task{Type: PublishTaskType, Payload: raw}, p.queueOpt)
	if err != nil {
		return fmt.Errorf("%w (enqueue retry: %v)", pubErr, err)
	}

	p.log.Warn("публикация отложена", "channel", channel, "event", event, "task_id", id, "error", pubErr)
	return nil
}

// RegisterPublishTask регистрирует обработчик повторной публикации
func RegisterPublishTask(srv queue.Server, publisher EnvelopePublisher) {
	srv.Register(PublishTaskType, PublishTaskHandler(publisher))
}

func PublishTaskHandler(publisher EnvelopePublisher) queue.Handler {
	return func(ctx context.Context, t queue.Task) error {
		env, err := DecodeEnvelope(t.Payload)
		if err != nil {
			return err
		}
		return publisher.PublishEnvelope(ctx, env)
	}
}
