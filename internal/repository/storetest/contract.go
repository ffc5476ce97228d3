// Package storetest содержит общий набор проверок для реализаций repository.Store.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rajivgeraev/flippy-chat/internal/models"
	"github.com/rajivgeraev/flippy-chat/internal/repository"
)

// Run прогоняет контракт хранилища. newStore должен возвращать пустое (или изолированное) хранилище.
func Run(t *testing.T, newStore func(t *testing.T) repository.Store) {
	t.Run("FindOrCreateIsIdempotentUnderConcurrency", func(t *testing.T) {
		testFindOrCreateConcurrent(t, newStore(t))
	})
	t.Run("FindOrCreateRejectsSelf", func(t *testing.T) {
		testFindOrCreateSelf(t, newStore(t))
	})
	t.Run("SendReadReplyScenario", func(t *testing.T) {
		testScenario(t, newStore(t))
	})
	t.Run("UnreadCountExactUnderConcurrentSends", func(t *testing.T) {
		testConcurrentSends(t, newStore(t))
	})
	t.Run("MarkReadResetsUntilNextMessage", func(t *testing.T) {
		testReadReset(t, newStore(t))
	})
	t.Run("CreateRejectsInvalidMessages", func(t *testing.T) {
		testCreateValidation(t, newStore(t))
	})
	t.Run("ListByConversationAscendingWithCursor", func(t *testing.T) {
		testListMessages(t, newStore(t))
	})
	t.Run("MarkReadForRecipientIsOneWay", func(t *testing.T) {
		testMarkReadForRecipient(t, newStore(t))
	})
	t.Run("WithinTxRollsBack", func(t *testing.T) {
		testRollback(t, newStore(t))
	})
	t.Run("ListForUserOrdersByActivity", func(t *testing.T) {
		testListForUser(t, newStore(t))
	})
	t.Run("GetForParticipant", func(t *testing.T) {
		testGetForParticipant(t, newStore(t))
	})
}

// SeedUsers создает n пользователей через UpsertTelegramUser
func SeedUsers(t *testing.T, store repository.Store, n int) []*models.User {
	t.Helper()
	ctx := context.Background()

	users := make([]*models.User, 0, n)
	for i := 0; i < n; i++ {
		u, err := store.Users().UpsertTelegramUser(ctx, repository.TelegramProfile{
			TelegramID: rand.Int64N(1 << 40),
			Username:   fmt.Sprintf("user%d", i),
			FirstName:  fmt.Sprintf("First%d", i),
		})
		require.NoError(t, err)
		users = append(users, u)
	}
	return users
}

// Send сохраняет сообщение и обновляет чат одной единицей, как это делает сервис
func Send(ctx context.Context, store repository.Store, conv *models.Conversation, sender uuid.UUID, text string, ts time.Time) (*models.Message, error) {
	var msg *models.Message
	err := store.WithinTx(ctx, func(ctx context.Context, tx repository.Store) error {
		var err error
		msg, err = tx.Messages().Create(ctx, conv.ID, sender, conv.Other(sender), text, ts)
		if err != nil {
			return err
		}
		_, err = tx.Conversations().RecordMessage(ctx, conv.ID, sender, msg.Text, ts)
		return err
	})
	return msg, err
}

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func at(i int) time.Time { return base.Add(time.Duration(i) * time.Millisecond) }

func testFindOrCreateConcurrent(t *testing.T, store repository.Store) {
	ctx := context.Background()
	users := SeedUsers(t, store, 2)
	a, b := users[0].ID, users[1].ID

	const n = 20
	ids := make([]uuid.UUID, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			first, second := a, b
			if i%2 == 1 {
				first, second = b, a
			}
			conv, err := store.Conversations().FindOrCreate(ctx, first, second)
			if assert.NoError(t, err) {
				ids[i] = conv.ID
			}
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}

	list, err := store.Conversations().ListForUser(ctx, a)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, models.SortParticipants(a, b), list[0].Participants)
	assert.Equal(t, 0, list[0].UnreadCount.For(a))
	assert.Equal(t, 0, list[0].UnreadCount.For(b))
}

func testFindOrCreateSelf(t *testing.T, store repository.Store) {
	users := SeedUsers(t, store, 1)
	_, err := store.Conversations().FindOrCreate(context.Background(), users[0].ID, users[0].ID)
	assert.ErrorIs(t, err, repository.ErrSameParticipant)
}

func testScenario(t *testing.T, store repository.Store) {
	ctx := context.Background()
	users := SeedUsers(t, store, 2)
	a, b := users[0].ID, users[1].ID

	conv, err := store.Conversations().FindOrCreate(ctx, a, b)
	require.NoError(t, err)
	assert.Equal(t, models.UnreadCounts{a: 0, b: 0}, conv.UnreadCount)
	assert.Nil(t, conv.LastMessage)

	_, err = Send(ctx, store, conv, a, "hi", at(1))
	require.NoError(t, err)

	conv, err = store.Conversations().GetForParticipant(ctx, conv.ID, a)
	require.NoError(t, err)
	assert.Equal(t, models.UnreadCounts{a: 0, b: 1}, conv.UnreadCount)
	require.NotNil(t, conv.LastMessage)
	assert.Equal(t, "hi", conv.LastMessage.Text)
	assert.Equal(t, a, conv.LastMessage.SenderID)

	require.NoError(t, store.Conversations().MarkRead(ctx, conv.ID, b))
	conv, err = store.Conversations().GetForParticipant(ctx, conv.ID, b)
	require.NoError(t, err)
	assert.Equal(t, models.UnreadCounts{a: 0, b: 0}, conv.UnreadCount)

	_, err = Send(ctx, store, conv, b, "hello", at(2))
	require.NoError(t, err)
	conv, err = store.Conversations().GetForParticipant(ctx, conv.ID, b)
	require.NoError(t, err)
	assert.Equal(t, models.UnreadCounts{a: 1, b: 0}, conv.UnreadCount)
	assert.Equal(t, "hello", conv.LastMessage.Text)
}

func testConcurrentSends(t *testing.T, store repository.Store) {
	ctx := context.Background()
	users := SeedUsers(t, store, 2)
	a, b := users[0].ID, users[1].ID

	conv, err := store.Conversations().FindOrCreate(ctx, a, b)
	require.NoError(t, err)

	const k = 25
	var wg sync.WaitGroup
	for i := 0; i < k; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := Send(ctx, store, conv, a, fmt.Sprintf("msg %d", i), at(i))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	conv, err = store.Conversations().GetForParticipant(ctx, conv.ID, b)
	require.NoError(t, err)
	assert.Equal(t, k, conv.UnreadCount.For(b))
	assert.Equal(t, 0, conv.UnreadCount.For(a))

	msgs, _, err := store.Messages().ListByConversation(ctx, conv.ID, repository.Page{Limit: repository.MaxPageLimit})
	require.NoError(t, err)
	assert.Len(t, msgs, k)
}

func testReadReset(t *testing.T, store repository.Store) {
	ctx := context.Background()
	users := SeedUsers(t, store, 2)
	a, b := users[0].ID, users[1].ID
	conv, err := store.Conversations().FindOrCreate(ctx, a, b)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := Send(ctx, store, conv, a, "ping", at(i))
		require.NoError(t, err)
	}
	require.NoError(t, store.Conversations().MarkRead(ctx, conv.ID, b))
	require.NoError(t, store.Conversations().MarkRead(ctx, conv.ID, b))

	conv, err = store.Conversations().GetForParticipant(ctx, conv.ID, b)
	require.NoError(t, err)
	assert.Equal(t, 0, conv.UnreadCount.For(b))

	// сообщение от самого b не увеличивает его счётчик
	_, err = Send(ctx, store, conv, b, "pong", at(10))
	require.NoError(t, err)
	conv, err = store.Conversations().GetForParticipant(ctx, conv.ID, b)
	require.NoError(t, err)
	assert.Equal(t, 0, conv.UnreadCount.For(b))

	_, err = Send(ctx, store, conv, a, "again", at(11))
	require.NoError(t, err)
	conv, err = store.Conversations().GetForParticipant(ctx, conv.ID, b)
	require.NoError(t, err)
	assert.Equal(t, 1, conv.UnreadCount.For(b))

	err = store.Conversations().MarkRead(ctx, conv.ID, uuid.New())
	assert.True(t, errors.Is(err, repository.ErrNotParticipant) || errors.Is(err, repository.ErrNotFound))
}

func testCreateValidation(t *testing.T, store repository.Store) {
	ctx := context.Background()
	users := SeedUsers(t, store, 3)
	a, b, outsider := users[0].ID, users[1].ID, users[2].ID
	conv, err := store.Conversations().FindOrCreate(ctx, a, b)
	require.NoError(t, err)

	_, err = store.Messages().Create(ctx, conv.ID, outsider, b, "hi", at(1))
	assert.ErrorIs(t, err, repository.ErrNotParticipant)

	_, err = store.Messages().Create(ctx, conv.ID, a, outsider, "hi", at(1))
	assert.ErrorIs(t, err, repository.ErrNotParticipant)

	_, err = store.Messages().Create(ctx, conv.ID, a, a, "hi", at(1))
	assert.ErrorIs(t, err, repository.ErrSameParticipant)

	_, err = store.Messages().Create(ctx, conv.ID, a, b, "   ", at(1))
	assert.ErrorIs(t, err, models.ErrEmptyText)

	_, err = store.Messages().Create(ctx, uuid.New(), a, b, "hi", at(1))
	assert.True(t, errors.Is(err, repository.ErrNotFound) || errors.Is(err, repository.ErrNotParticipant))

	msgs, _, err := store.Messages().ListByConversation(ctx, conv.ID, repository.Page{})
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func testListMessages(t *testing.T, store repository.Store) {
	ctx := context.Background()
	users := SeedUsers(t, store, 2)
	a, b := users[0].ID, users[1].ID
	conv, err := store.Conversations().FindOrCreate(ctx, a, b)
	require.NoError(t, err)

	var sent []*models.Message
	for i := 0; i < 5; i++ {
		sender := a
		if i%2 == 1 {
			sender = b
		}
		msg, err := Send(ctx, store, conv, sender, fmt.Sprintf("m%d", i+1), at(i))
		require.NoError(t, err)
		sent = append(sent, msg)
	}

	all, hasMore, err := store.Messages().ListByConversation(ctx, conv.ID, repository.Page{})
	require.NoError(t, err)
	assert.False(t, hasMore)
	require.Len(t, all, 5)
	for i := range all {
		assert.Equal(t, sent[i].ID, all[i].ID)
		assert.False(t, all[i].IsRead)
		assert.True(t, all[i].Timestamp.Equal(at(i)))
	}

	page, hasMore, err := store.Messages().ListByConversation(ctx, conv.ID, repository.Page{Limit: 2, Before: &sent[4].ID})
	require.NoError(t, err)
	assert.True(t, hasMore)
	require.Len(t, page, 2)
	assert.Equal(t, "m3", page[0].Text)
	assert.Equal(t, "m4", page[1].Text)

	page, hasMore, err = store.Messages().ListByConversation(ctx, conv.ID, repository.Page{Limit: 2, Before: &sent[2].ID})
	require.NoError(t, err)
	assert.False(t, hasMore)
	assert.Equal(t, []string{"m1", "m2"}, []string{page[0].Text, page[1].Text})
}

func testMarkReadForRecipient(t *testing.T, store repository.Store) {
	ctx := context.Background()
	users := SeedUsers(t, store, 2)
	a, b := users[0].ID, users[1].ID
	conv, err := store.Conversations().FindOrCreate(ctx, a, b)
	require.NoError(t, err)

	var toB []uuid.UUID
	for i, sender := range []uuid.UUID{a, a, b} {
		msg, err := Send(ctx, store, conv, sender, "x", at(i))
		require.NoError(t, err)
		if sender == a {
			toB = append(toB, msg.ID)
		}
	}

	ids, err := store.Messages().MarkReadForRecipient(ctx, conv.ID, b)
	require.NoError(t, err)
	assert.ElementsMatch(t, toB, ids)

	ids, err = store.Messages().MarkReadForRecipient(ctx, conv.ID, b)
	require.NoError(t, err)
	assert.Empty(t, ids)

	msgs, _, err := store.Messages().ListByConversation(ctx, conv.ID, repository.Page{})
	require.NoError(t, err)
	for _, m := range msgs {
		assert.Equal(t, m.RecipientID == b, m.IsRead, "message %s", m.Text)
	}
}

func testRollback(t *testing.T, store repository.Store) {
	ctx := context.Background()
	users := SeedUsers(t, store, 2)
	a, b := users[0].ID, users[1].ID
	conv, err := store.Conversations().FindOrCreate(ctx, a, b)
	require.NoError(t, err)

	boom := errors.New("publish-independent failure")
	err = store.WithinTx(ctx, func(ctx context.Context, tx repository.Store) error {
		if _, err := tx.Messages().Create(ctx, conv.ID, a, b, "lost", at(1)); err != nil {
			return err
		}
		if _, err := tx.Conversations().RecordMessage(ctx, conv.ID, a, "lost", at(1)); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	msgs, _, err := store.Messages().ListByConversation(ctx, conv.ID, repository.Page{})
	require.NoError(t, err)
	assert.Empty(t, msgs)

	conv, err = store.Conversations().GetForParticipant(ctx, conv.ID, b)
	require.NoError(t, err)
	assert.Equal(t, 0, conv.UnreadCount.For(b))
	assert.Nil(t, conv.LastMessage)
}

func testListForUser(t *testing.T, store repository.Store) {
	ctx := context.Background()
	users := SeedUsers(t, store, 4)
	me := users[0].ID

	quiet, err := store.Conversations().FindOrCreate(ctx, me, users[1].ID)
	require.NoError(t, err)
	older, err := store.Conversations().FindOrCreate(ctx, me, users[2].ID)
	require.NoError(t, err)
	newer, err := store.Conversations().FindOrCreate(ctx, users[3].ID, me)
	require.NoError(t, err)

	_, err = Send(ctx, store, older, users[2].ID, "old", at(1))
	require.NoError(t, err)
	_, err = Send(ctx, store, newer, users[3].ID, "new", at(2))
	require.NoError(t, err)
	_, err = Send(ctx, store, newer, users[3].ID, "newer", at(3))
	require.NoError(t, err)

	list, err := store.Conversations().ListForUser(ctx, me)
	require.NoError(t, err)
	require.Len(t, list, 3)

	assert.Equal(t, newer.ID, list[0].ID)
	assert.Equal(t, older.ID, list[1].ID)
	assert.Equal(t, quiet.ID, list[2].ID)

	assert.Equal(t, 2, list[0].MyUnreadCount)
	assert.Equal(t, 1, list[1].MyUnreadCount)
	assert.Equal(t, 0, list[2].MyUnreadCount)

	require.NotNil(t, list[0].OtherParticipant)
	assert.Equal(t, users[3].ID, list[0].OtherParticipant.ID)
	assert.Equal(t, users[3].Username, list[0].OtherParticipant.Username)
	assert.Equal(t, "newer", list[0].LastMessage.Text)

	others, err := store.Conversations().ListForUser(ctx, users[1].ID)
	require.NoError(t, err)
	assert.Len(t, others, 1)
}

func testGetForParticipant(t *testing.T, store repository.Store) {
	ctx := context.Background()
	users := SeedUsers(t, store, 3)
	conv, err := store.Conversations().FindOrCreate(ctx, users[0].ID, users[1].ID)
	require.NoError(t, err)

	got, err := store.Conversations().GetForParticipant(ctx, conv.ID, users[1].ID)
	require.NoError(t, err)
	assert.Equal(t, conv.ID, got.ID)

	_, err = store.Conversations().GetForParticipant(ctx, conv.ID, users[2].ID)
	assert.ErrorIs(t, err, repository.ErrNotParticipant)

	_, err = store.Conversations().GetForParticipant(ctx, uuid.New(), users[0].ID)
	assert.ErrorIs(t, err, repository.ErrNotFound)
}
