package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rajivgeraev/flippy-chat/internal/repository"
	"github.com/rajivgeraev/flippy-chat/internal/repository/storetest"
)

func TestStoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) repository.Store {
		return NewStore()
	})
}

func TestUpsertTelegramUserKeepsID(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	first, err := store.Users().UpsertTelegramUser(ctx, repository.TelegramProfile{TelegramID: 42, FirstName: "Ivan"})
	require.NoError(t, err)
	second, err := store.Users().UpsertTelegramUser(ctx, repository.TelegramProfile{TelegramID: 42, FirstName: "Ivan", PhotoURL: "https://t.me/a.jpg"})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	got, err := store.Users().GetByID(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, "https://t.me/a.jpg", got.AvatarURL)
}
