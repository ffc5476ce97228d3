package chatclient

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/rajivgeraev/flippy-chat/internal/models"
)

// DefaultUnreadInterval период опроса счетчика непрочитанных
const DefaultUnreadInterval = 30 * time.Second

// ConversationLister источник списка чатов для счетчика
type ConversationLister interface {
	ListConversations(ctx context.Context) ([]models.ConversationView, error)
}

// UnreadPoller периодически пересчитывает общее число непрочитанных
type UnreadPoller struct {
	api      ConversationLister
	interval time.Duration
	log      *slog.Logger

	mu        sync.Mutex
	total     int
	known     bool
	listeners []func(int)
}

func NewUnreadPoller(api ConversationLister, interval time.Duration, log *slog.Logger) *UnreadPoller {
	if interval <= 0 {
		interval = DefaultUnreadInterval
	}
	if log == nil {
		log = slog.Default()
	}
	return &UnreadPoller{api: api, interval: interval, log: log.With("component", "unread-poller")}
}

// OnChange вызывается, когда сумма изменилась (и при первом расчете)
func (p *UnreadPoller) OnChange(fn func(total int)) {
	p.mu.Lock()
	p.listeners = append(p.listeners, fn)
	p.mu.Unlock()
}

func (p *UnreadPoller) Total() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.total
}

// Refresh немедленно пересчитывает сумму
func (p *UnreadPoller) Refresh(ctx context.Context) (int, error) {
	conversations, err := p.api.ListConversations(ctx)
	if err != nil {
		return 0, err
	}

	total := 0
	for _, c := range conversations {
		total += c.MyUnreadCount
	}

	p.mu.Lock()
	changed := !p.known || p.total != total
	p.total = total
	p.known = true
	var listeners []func(int)
	if changed {
		listeners = append(listeners, p.listeners...)
	}
	p.mu.Unlock()

	for _, fn := range listeners {
		fn(total)
	}
	return total, nil
}

// Run опрашивает сервер до отмены контекста
func (p *UnreadPoller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		if _, err := p.Refresh(ctx); err != nil && ctx.Err() == nil {
			p.log.Warn("unread refresh failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
