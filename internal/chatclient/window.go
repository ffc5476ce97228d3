package chatclient

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rajivgeraev/flippy-chat/internal/models"
	"github.com/rajivgeraev/flippy-chat/internal/realtime"
)

// ClientIDPrefix префикс временного ID оптимистичного сообщения
const ClientIDPrefix = "local-"

var ErrWindowClosed = errors.New("chatclient: window closed")

// WindowAPI HTTP операции, нужные окну чата
type WindowAPI interface {
	OpenConversation(ctx context.Context, recipientID uuid.UUID) (*models.ConversationView, error)
	SendMessage(ctx context.Context, req SendRequest) (*models.Message, error)
	ListMessages(ctx context.Context, conversationID uuid.UUID, page Page) (*MessagePage, error)
	MarkRead(ctx context.Context, conversationID uuid.UUID) (int64, error)
}

// Transport realtime подписки окна
type Transport interface {
	Subscribe(ctx context.Context, channel string, handler func(Event), resync func()) (*Subscription, error)
	State() State
}

var (
	_ WindowAPI = (*API)(nil)
	_ Transport = (*Realtime)(nil)
)

// Entry сообщение в окне; Pending - отправлено, но сервер еще не подтвердил
type Entry struct {
	models.Message
	Pending bool `json:"pending"`
}

// SendError отправка не удалась; Draft - исходный текст для восстановления в поле ввода
type SendError struct {
	Draft string
	Err   error
}

func (e *SendError) Error() string { return "chatclient: send failed: " + e.Err.Error() }

func (e *SendError) Unwrap() error { return e.Err }

type WindowOptions struct {
	HistoryLimit   int
	Unfocused      bool
	RequestTimeout time.Duration
	Log            *slog.Logger
}

// Window окно чата с одним собеседником: история, живые события и оптимистичная отправка
type Window struct {
	api     WindowAPI
	rt      Transport
	log     *slog.Logger
	conv    *models.ConversationView
	me      uuid.UUID
	peer    uuid.UUID
	limit   int
	timeout time.Duration

	mu        sync.Mutex
	messages  []models.Message
	ids       map[uuid.UUID]int
	pending   []Entry
	hasMore   bool
	focused   bool
	closed    bool
	sub       *Subscription
	listeners []func([]Entry)

	wg sync.WaitGroup
}

// OpenWindow находит или создает чат, подписывается на канал, загружает историю и отмечает прочитанным
func OpenWindow(ctx context.Context, api WindowAPI, rt Transport, recipientID uuid.UUID, opts WindowOptions) (*Window, error) {
	conv, err := api.OpenConversation(ctx, recipientID)
	if err != nil {
		return nil, err
	}

	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	w := &Window{
		api:     api,
		rt:      rt,
		log:     log.With("conversation_id", conv.ID),
		conv:    conv,
		me:      conv.Other(recipientID),
		peer:    recipientID,
		limit:   opts.HistoryLimit,
		timeout: timeout,
		ids:     make(map[uuid.UUID]int),
		focused: !opts.Unfocused,
	}

	// подписка до загрузки истории, чтобы не потерять события между ними
	if rt != nil {
		sub, err := rt.Subscribe(ctx, realtime.ChannelName(conv.ID), w.handleEvent, w.resync)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			w.log.Warn("realtime subscribe failed, window works without live updates", "error", err)
		} else {
			w.sub = sub
		}
	}

	page, err := api.ListMessages(ctx, conv.ID, Page{Limit: w.limit})
	if err != nil {
		w.Close()
		return nil, err
	}
	w.mu.Lock()
	w.mergeLocked(page.Messages...)
	w.hasMore = page.HasMore
	needRead := w.focused && (conv.MyUnreadCount > 0 || w.hasUnreadIncomingLocked())
	w.mu.Unlock()

	if needRead {
		if err := w.markRead(ctx); err != nil {
			w.log.Warn("mark read failed", "error", err)
		}
	}
	return w, nil
}

func (w *Window) Conversation() *models.ConversationView { return w.conv }

// Online отражает состояние собственного соединения, а не присутствие собеседника
func (w *Window) Online() bool {
	return w.rt != nil && w.rt.State() == StateConnected
}

func (w *Window) HasMore() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.hasMore
}

// Messages снимок: подтвержденные по времени, затем ожидающие в порядке отправки
func (w *Window) Messages() []Entry {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.snapshotLocked()
}

func (w *Window) snapshotLocked() []Entry {
	out := make([]Entry, 0, len(w.messages)+len(w.pending))
	for _, m := range w.messages {
		out = append(out, Entry{Message: m})
	}
	return append(out, w.pending...)
}

// OnChange вызывается после каждого изменения списка сообщений
func (w *Window) OnChange(fn func([]Entry)) {
	w.mu.Lock()
	w.listeners = append(w.listeners, fn)
	w.mu.Unlock()
}

func (w *Window) notify() {
	w.mu.Lock()
	listeners := slices.Clone(w.listeners)
	snapshot := w.snapshotLocked()
	w.mu.Unlock()

	for _, fn := range listeners {
		fn(snapshot)
	}
}

// mergeLocked добавляет сообщения без дублей по ID и держит порядок (время, ID)
func (w *Window) mergeLocked(messages ...models.Message) bool {
	changed := false
	for _, m := range messages {
		if idx, ok := w.ids[m.ID]; ok {
			existing := &w.messages[idx]
			if m.IsRead && !existing.IsRead {
				existing.IsRead = true
				changed = true
			}
			if existing.Sender == nil && m.Sender != nil {
				existing.Sender = m.Sender
			}
			continue
		}
		w.messages = append(w.messages, m)
		w.ids[m.ID] = len(w.messages) - 1
		changed = true
	}
	if changed {
		models.SortMessages(w.messages)
		for i, m := range w.messages {
			w.ids[m.ID] = i
		}
	}
	return changed
}

func (w *Window) dropPendingLocked(clientID string) bool {
	for i, p := range w.pending {
		if p.ClientID == clientID {
			w.pending = append(w.pending[:i], w.pending[i+1:]...)
			return true
		}
	}
	return false
}

func (w *Window) hasUnreadIncomingLocked() bool {
	for _, m := range w.messages {
		if m.SenderID == w.peer && !m.IsRead {
			return true
		}
	}
	return false
}

// Send оптимистично показывает сообщение и отправляет его. При ошибке возвращает *SendError с черновиком.
func (w *Window) Send(ctx context.Context, text string) (*models.Message, error) {
	normalized, err := models.NormalizeMessageText(text)
	if err != nil {
		return nil, &SendError{Draft: text, Err: err}
	}

	clientID := ClientIDPrefix + uuid.NewString()
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil, &SendError{Draft: text, Err: ErrWindowClosed}
	}
	w.pending = append(w.pending, Entry{
		Message: models.Message{
			ConversationID: w.conv.ID,
			SenderID:       w.me,
			RecipientID:    w.peer,
			Text:           normalized,
			Timestamp:      time.Now().UTC(),
			ClientID:       clientID,
		},
		Pending: true,
	})
	w.mu.Unlock()
	w.notify()

	msg, err := w.api.SendMessage(ctx, SendRequest{
		ConversationID: w.conv.ID,
		RecipientID:    w.peer,
		Text:           normalized,
		ClientID:       clientID,
	})

	w.mu.Lock()
	w.dropPendingLocked(clientID)
	if err == nil {
		w.mergeLocked(*msg)
	}
	w.mu.Unlock()
	w.notify()

	if err != nil {
		return nil, &SendError{Draft: text, Err: err}
	}
	return msg, nil
}

func (w *Window) handleEvent(ev Event) {
	switch ev.Name {
	case realtime.EventMessage:
		var msg models.Message
		if err := json.Unmarshal(ev.Data, &msg); err != nil {
			w.log.Warn("bad message event", "error", err)
			return
		}
		if msg.ConversationID != w.conv.ID {
			return
		}

		w.mu.Lock()
		if w.closed {
			w.mu.Unlock()
			return
		}
		changed := false
		if msg.SenderID == w.me && msg.ClientID != "" {
			changed = w.dropPendingLocked(msg.ClientID)
		}
		changed = w.mergeLocked(msg) || changed
		needRead := w.focused && msg.SenderID == w.peer && !msg.IsRead
		w.mu.Unlock()

		if changed {
			w.notify()
		}
		if needRead {
			w.markReadAsync()
		}

	case realtime.EventRead:
		var receipt models.ReadReceipt
		if err := json.Unmarshal(ev.Data, &receipt); err != nil {
			w.log.Warn("bad read event", "error", err)
			return
		}
		if receipt.ReaderID != w.peer {
			return
		}

		read := make(map[uuid.UUID]struct{}, len(receipt.MessageIDs))
		for _, id := range receipt.MessageIDs {
			read[id] = struct{}{}
		}

		w.mu.Lock()
		changed := false
		for i := range w.messages {
			m := &w.messages[i]
			if _, ok := read[m.ID]; ok && m.SenderID == w.me && !m.IsRead {
				m.IsRead = true
				changed = true
			}
		}
		w.mu.Unlock()
		if changed {
			w.notify()
		}
	}
}

// resync догружает последнюю страницу истории после переподключения
func (w *Window) resync() {
	w.mu.Lock()
	closed := w.closed
	w.mu.Unlock()
	if closed {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()

	page, err := w.api.ListMessages(ctx, w.conv.ID, Page{Limit: w.limit})
	if err != nil {
		w.log.Warn("resync failed", "error", err)
		return
	}

	w.mu.Lock()
	changed := w.mergeLocked(page.Messages...)
	needRead := w.focused && w.hasUnreadIncomingLocked()
	w.mu.Unlock()

	if changed {
		w.notify()
	}
	if needRead {
		w.markReadAsync()
	}
}

// LoadOlder загружает страницу сообщений старше самого раннего загруженного
func (w *Window) LoadOlder(ctx context.Context) (bool, error) {
	w.mu.Lock()
	if len(w.messages) == 0 {
		w.mu.Unlock()
		return false, nil
	}
	oldest := w.messages[0].ID
	w.mu.Unlock()

	page, err := w.api.ListMessages(ctx, w.conv.ID, Page{Limit: w.limit, Before: &oldest})
	if err != nil {
		return false, err
	}

	w.mu.Lock()
	changed := w.mergeLocked(page.Messages...)
	w.hasMore = page.HasMore
	w.mu.Unlock()
	if changed {
		w.notify()
	}
	return page.HasMore, nil
}

// SetFocused при получении фокуса отмечает входящие прочитанными
func (w *Window) SetFocused(focused bool) {
	w.mu.Lock()
	w.focused = focused
	needRead := focused && !w.closed && w.hasUnreadIncomingLocked()
	w.mu.Unlock()

	if needRead {
		w.markReadAsync()
	}
}

func (w *Window) markReadAsync() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.wg.Add(1)
	w.mu.Unlock()

	go func() {
		defer w.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
		defer cancel()
		if err := w.markRead(ctx); err != nil {
			w.log.Warn("mark read failed", "error", err)
		}
	}()
}

func (w *Window) markRead(ctx context.Context) error {
	w.mu.Lock()
	var unread []uuid.UUID
	for _, m := range w.messages {
		if m.SenderID == w.peer && !m.IsRead {
			unread = append(unread, m.ID)
		}
	}
	w.mu.Unlock()

	if _, err := w.api.MarkRead(ctx, w.conv.ID); err != nil {
		return err
	}

	w.mu.Lock()
	for _, id := range unread {
		if idx, ok := w.ids[id]; ok {
			w.messages[idx].IsRead = true
		}
	}
	w.mu.Unlock()
	if len(unread) > 0 {
		w.notify()
	}
	return nil
}

// Close отписывается от канала и дожидается фоновых запросов
func (w *Window) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	sub := w.sub
	w.sub = nil
	w.mu.Unlock()

	if sub != nil {
		sub.Unsubscribe()
	}
	w.wg.Wait()
}
