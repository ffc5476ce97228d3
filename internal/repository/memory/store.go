// Package memory хранит чаты в памяти процесса. Используется в разработке и тестах.
package memory

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rajivgeraev/flippy-chat/internal/models"
	"github.com/rajivgeraev/flippy-chat/internal/repository"
)

type state struct {
	mu            sync.Mutex
	conversations map[uuid.UUID]*models.Conversation
	pairs         map[string]uuid.UUID
	messages      map[uuid.UUID][]models.Message
	users         map[uuid.UUID]models.User
	telegram      map[int64]uuid.UUID
}

// Store реализация repository.Store в памяти
type Store struct {
	st   *state
	inTx bool
}

var _ repository.Store = (*Store)(nil)

// NewStore создает пустое хранилище
func NewStore() *Store {
	return &Store{st: &state{
		conversations: make(map[uuid.UUID]*models.Conversation),
		pairs:         make(map[string]uuid.UUID),
		messages:      make(map[uuid.UUID][]models.Message),
		users:         make(map[uuid.UUID]models.User),
		telegram:      make(map[int64]uuid.UUID),
	}}
}

func (s *Store) Conversations() repository.ConversationStore { return conversationStore{s} }
func (s *Store) Messages() repository.MessageStore           { return messageStore{s} }
func (s *Store) Users() repository.UserStore                 { return userStore{s} }

func (s *Store) Close(context.Context) error { return nil }

// WithinTx выполняет fn под общей блокировкой; при ошибке состояние откатывается
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx repository.Store) error) error {
	if s.inTx {
		return fn(ctx, s)
	}

	s.st.mu.Lock()
	defer s.st.mu.Unlock()

	snapshot := s.st.clone()
	if err := fn(ctx, &Store{st: s.st, inTx: true}); err != nil {
		s.st.restore(snapshot)
		return err
	}
	return nil
}

// PutUser добавляет профиль пользователя (для разработки и тестов)
func (s *Store) PutUser(u models.User) {
	s.lock()
	defer s.unlock()
	s.st.users[u.ID] = u
}

func (s *Store) lock() {
	if !s.inTx {
		s.st.mu.Lock()
	}
}

func (s *Store) unlock() {
	if !s.inTx {
		s.st.mu.Unlock()
	}
}

func (st *state) clone() *state {
	c := &state{
		conversations: make(map[uuid.UUID]*models.Conversation, len(st.conversations)),
		pairs:         maps.Clone(st.pairs),
		messages:      make(map[uuid.UUID][]models.Message, len(st.messages)),
		users:         maps.Clone(st.users),
		telegram:      maps.Clone(st.telegram),
	}
	for id, conv := range st.conversations {
		c.conversations[id] = copyConversation(conv)
	}
	for id, msgs := range st.messages {
		c.messages[id] = slices.Clone(msgs)
	}
	return c
}

func (st *state) restore(from *state) {
	st.conversations = from.conversations
	st.pairs = from.pairs
	st.messages = from.messages
	st.users = from.users
	st.telegram = from.telegram
}

func copyConversation(c *models.Conversation) *models.Conversation {
	out := *c
	out.UnreadCount = maps.Clone(c.UnreadCount)
	if c.LastMessage != nil {
		lm := *c.LastMessage
		out.LastMessage = &lm
	}
	return &out
}

type conversationStore struct{ s *Store }

func (r conversationStore) FindOrCreate(_ context.Context, userA, userB uuid.UUID) (*models.Conversation, error) {
	if userA == userB {
		return nil, repository.ErrSameParticipant
	}

	r.s.lock()
	defer r.s.unlock()

	key := models.PairKey(userA, userB)
	if id, ok := r.s.st.pairs[key]; ok {
		return copyConversation(r.s.st.conversations[id]), nil
	}

	now := models.ServerTimestamp(time.Now())
	conv := &models.Conversation{
		ID:           uuid.New(),
		Participants: models.SortParticipants(userA, userB),
		UnreadCount:  models.UnreadCounts{userA: 0, userB: 0},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	r.s.st.conversations[conv.ID] = conv
	r.s.st.pairs[key] = conv.ID
	return copyConversation(conv), nil
}

func (r conversationStore) GetForParticipant(_ context.Context, conversationID, userID uuid.UUID) (*models.Conversation, error) {
	r.s.lock()
	defer r.s.unlock()

	conv, ok := r.s.st.conversations[conversationID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if !conv.HasParticipant(userID) {
		return nil, repository.ErrNotParticipant
	}
	return copyConversation(conv), nil
}

func (r conversationStore) ListForUser(_ context.Context, userID uuid.UUID) ([]models.ConversationView, error) {
	r.s.lock()
	defer r.s.unlock()

	views := make([]models.ConversationView, 0)
	for _, conv := range r.s.st.conversations {
		if !conv.HasParticipant(userID) {
			continue
		}
		view := models.ConversationView{
			Conversation:  *copyConversation(conv),
			MyUnreadCount: conv.UnreadCount.For(userID),
		}
		if u, ok := r.s.st.users[conv.Other(userID)]; ok {
			view.OtherParticipant = &u
		}
		views = append(views, view)
	}

	slices.SortFunc(views, func(a, b models.ConversationView) int {
		return compareActivity(a.Conversation, b.Conversation)
	})
	return views, nil
}

// compareActivity: сначала чаты с более свежим сообщением, чаты без сообщений в конце
func compareActivity(a, b models.Conversation) int {
	switch {
	case a.LastMessage != nil && b.LastMessage == nil:
		return -1
	case a.LastMessage == nil && b.LastMessage != nil:
		return 1
	case a.LastMessage != nil && b.LastMessage != nil && !a.LastMessage.Timestamp.Equal(b.LastMessage.Timestamp):
		return b.LastMessage.Timestamp.Compare(a.LastMessage.Timestamp)
	default:
		return b.CreatedAt.Compare(a.CreatedAt)
	}
}

func (r conversationStore) RecordMessage(_ context.Context, conversationID, senderID uuid.UUID, text string, ts time.Time) (*models.Conversation, error) {
	r.s.lock()
	defer r.s.unlock()

	conv, ok := r.s.st.conversations[conversationID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if !conv.HasParticipant(senderID) {
		return nil, repository.ErrNotParticipant
	}

	conv.LastMessage = &models.LastMessage{Text: text, SenderID: senderID, Timestamp: ts}
	conv.UnreadCount[conv.Other(senderID)]++
	conv.UpdatedAt = ts
	return copyConversation(conv), nil
}

func (r conversationStore) MarkRead(_ context.Context, conversationID, userID uuid.UUID) error {
	r.s.lock()
	defer r.s.unlock()

	conv, ok := r.s.st.conversations[conversationID]
	if !ok {
		return repository.ErrNotFound
	}
	if !conv.HasParticipant(userID) {
		return repository.ErrNotParticipant
	}
	conv.UnreadCount[userID] = 0
	return nil
}

type messageStore struct{ s *Store }

func (r messageStore) Create(_ context.Context, conversationID, senderID, recipientID uuid.UUID, text string, ts time.Time) (*models.Message, error) {
	normalized, err := models.NormalizeMessageText(text)
	if err != nil {
		return nil, err
	}
	if senderID == recipientID {
		return nil, repository.ErrSameParticipant
	}

	r.s.lock()
	defer r.s.unlock()

	conv, ok := r.s.st.conversations[conversationID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if !conv.HasParticipant(senderID) || !conv.HasParticipant(recipientID) {
		return nil, repository.ErrNotParticipant
	}

	msg := models.Message{
		ID:             uuid.New(),
		ConversationID: conversationID,
		SenderID:       senderID,
		RecipientID:    recipientID,
		Text:           normalized,
		Timestamp:      ts,
	}
	r.s.st.messages[conversationID] = append(r.s.st.messages[conversationID], msg)
	return &msg, nil
}

func (r messageStore) ListByConversation(_ context.Context, conversationID uuid.UUID, page repository.Page) ([]models.Message, bool, error) {
	page = page.Normalize()

	r.s.lock()
	all := slices.Clone(r.s.st.messages[conversationID])
	r.s.unlock()

	models.SortMessages(all)

	end := len(all)
	if page.Before != nil {
		idx := slices.IndexFunc(all, func(m models.Message) bool { return m.ID == *page.Before })
		if idx < 0 {
			return nil, false, repository.ErrNotFound
		}
		end = idx
	}

	start := max(end-page.Limit, 0)
	out := make([]models.Message, end-start)
	copy(out, all[start:end])
	return out, start > 0, nil
}

func (r messageStore) MarkReadForRecipient(_ context.Context, conversationID, recipientID uuid.UUID) ([]uuid.UUID, error) {
	r.s.lock()
	defer r.s.unlock()

	var ids []uuid.UUID
	msgs := r.s.st.messages[conversationID]
	for i := range msgs {
		if msgs[i].RecipientID == recipientID && !msgs[i].IsRead {
			msgs[i].IsRead = true
			ids = append(ids, msgs[i].ID)
		}
	}
	return ids, nil
}

type userStore struct{ s *Store }

func (r userStore) GetByID(_ context.Context, id uuid.UUID) (*models.User, error) {
	r.s.lock()
	defer r.s.unlock()

	u, ok := r.s.st.users[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &u, nil
}

func (r userStore) UpsertTelegramUser(_ context.Context, p repository.TelegramProfile) (*models.User, error) {
	r.s.lock()
	defer r.s.unlock()

	id, ok := r.s.st.telegram[p.TelegramID]
	if !ok {
		id = uuid.New()
		r.s.st.telegram[p.TelegramID] = id
	}
	u := models.User{
		ID:        id,
		Username:  p.Username,
		FirstName: p.FirstName,
		LastName:  p.LastName,
		AvatarURL: p.PhotoURL,
	}
	r.s.st.users[id] = u
	return &u, nil
}
