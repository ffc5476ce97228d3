package mongo

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/rajivgeraev/flippy-chat/internal/models"
	"github.com/rajivgeraev/flippy-chat/internal/repository"
)

type UserRepository struct {
	s *Store
}

func (r *UserRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	var doc userDoc
	if err := r.s.users.FindOne(ctx, bson.M{"_id": id.String()}).Decode(&doc); err != nil {
		if notFound(err) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	return doc.toModel()
}

// UpsertTelegramUser создает пользователя по telegramId или обновляет профиль и время входа
func (r *UserRepository) UpsertTelegramUser(ctx context.Context, p repository.TelegramProfile) (*models.User, error) {
	now := time.Now().UTC().Truncate(time.Millisecond)
	filter := bson.M{"telegramId": p.TelegramID}
	update := bson.M{
		"$set": bson.M{
			"username":     p.Username,
			"firstName":    p.FirstName,
			"lastName":     p.LastName,
			"avatarUrl":    p.PhotoURL,
			"isPremium":    p.IsPremium,
			"languageCode": p.LanguageCode,
			"rawData":      string(p.RawData),
			"lastLoginAt":  now,
			"updatedAt":    now,
		},
		"$setOnInsert": bson.M{
			"_id":       uuid.NewString(),
			"createdAt": now,
		},
	}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)

	var doc userDoc
	err := r.s.users.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc)
	if mongo.IsDuplicateKeyError(err) {
		// параллельная вставка: повторный upsert найдёт существующий документ
		err = r.s.users.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc)
	}
	if err != nil {
		return nil, fmt.Errorf("upsert telegram user: %w", err)
	}
	return doc.toModel()
}

func (s *Store) loadUsers(ctx context.Context, ids []string) (map[uuid.UUID]*models.User, error) {
	cur, err := s.users.Find(ctx, bson.M{"_id": bson.M{"$in": ids}})
	if err != nil {
		return nil, fmt.Errorf("load users: %w", err)
	}
	var docs []userDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode users: %w", err)
	}
	out := make(map[uuid.UUID]*models.User, len(docs))
	for i := range docs {
		u, err := docs[i].toModel()
		if err != nil {
			return nil, err
		}
		out[u.ID] = u
	}
	return out, nil
}
