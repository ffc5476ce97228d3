// Package mongo реализует хранилище чатов поверх MongoDB.
// Транзакции требуют replica set.
package mongo

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/rajivgeraev/flippy-chat/internal/repository"
)

const (
	conversationsCollection = "conversations"
	messagesCollection      = "messages"
	usersCollection         = "users"
)

// Store реализация repository.Store для MongoDB
type Store struct {
	client        *mongo.Client
	conversations *mongo.Collection
	messages      *mongo.Collection
	users         *mongo.Collection
	inTx          bool
}

var _ repository.Store = (*Store)(nil)

// NewStore создает хранилище и индексы
func NewStore(ctx context.Context, client *mongo.Client, database string) (*Store, error) {
	db := client.Database(database)
	s := &Store{
		client:        client,
		conversations: db.Collection(conversationsCollection),
		messages:      db.Collection(messagesCollection),
		users:         db.Collection(usersCollection),
	}
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	indexes := map[*mongo.Collection][]mongo.IndexModel{
		s.conversations: {
			// один чат на пару участников
			{Keys: bson.D{{Key: "pairKey", Value: 1}}, Options: options.Index().SetUnique(true)},
			{Keys: bson.D{{Key: "participants", Value: 1}, {Key: "lastMessageAt", Value: -1}}},
		},
		s.messages: {
			{Keys: bson.D{{Key: "conversationId", Value: 1}, {Key: "timestamp", Value: -1}, {Key: "_id", Value: -1}}},
			{Keys: bson.D{{Key: "conversationId", Value: 1}, {Key: "recipientId", Value: 1}, {Key: "isRead", Value: 1}}},
		},
		s.users: {
			{Keys: bson.D{{Key: "telegramId", Value: 1}}, Options: options.Index().SetUnique(true)},
		},
	}
	for coll, models := range indexes {
		if _, err := coll.Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("create indexes on %s: %w", coll.Name(), err)
		}
	}
	return nil
}

func (s *Store) Conversations() repository.ConversationStore { return &ConversationRepository{s} }
func (s *Store) Messages() repository.MessageStore           { return &MessageRepository{s} }
func (s *Store) Users() repository.UserStore                 { return &UserRepository{s} }

// WithinTx выполняет fn в транзакции сессии. Драйвер повторяет fn при транзиентных конфликтах записи.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx repository.Store) error) error {
	if s.inTx {
		return fn(ctx, s)
	}

	session, err := s.client.StartSession()
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	defer session.EndSession(ctx)

	txStore := *s
	txStore.inTx = true

	_, err = session.WithTransaction(ctx, func(sessCtx mongo.SessionContext) (any, error) {
		return nil, fn(sessCtx, &txStore)
	})
	return err
}

func (s *Store) Close(ctx context.Context) error {
	if s.inTx {
		return nil
	}
	return s.client.Disconnect(ctx)
}

// conversationExists различает "чата нет" и "пользователь не участник"
func (s *Store) conversationExists(ctx context.Context, conversationID string) error {
	n, err := s.conversations.CountDocuments(ctx, bson.M{"_id": conversationID}, options.Count().SetLimit(1))
	if err != nil {
		return fmt.Errorf("check conversation: %w", err)
	}
	if n == 0 {
		return repository.ErrNotFound
	}
	return repository.ErrNotParticipant
}

func notFound(err error) bool {
	return errors.Is(err, mongo.ErrNoDocuments)
}
