// Package queue описывает фоновые задачи и их адаптер на asynq.
package queue

import (
	"context"
	"time"
)

// Task фоновая задача: стабильный тип и непрозрачный payload
type Task struct {
	Type    string
	Payload []byte
}

// Handler обрабатывает задачу. Ошибка означает повтор по политике адаптера,
// поэтому обработчики должны быть идемпотентны.
type Handler func(ctx context.Context, task Task) error

// EnqueueOption параметры постановки задачи; нулевые значения не задают ограничений
type EnqueueOption struct {
	Queue     string
	ProcessIn time.Duration
	MaxRetry  int
	Timeout   time.Duration
	Retention time.Duration
}

//go:generate mockgen -destination=mocks/client_mock.go -package=mocks . Client

// Client ставит задачи в очередь
type Client interface {
	Enqueue(ctx context.Context, t Task, opts ...EnqueueOption) (id string, err error)
	Close() error
}

// Server запускает обработчики задач. Run блокируется до отмены контекста.
type Server interface {
	Register(taskType string, h Handler)
	Run(ctx context.Context) error
}
