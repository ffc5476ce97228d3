package mongo

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/rajivgeraev/flippy-chat/internal/models"
	"github.com/rajivgeraev/flippy-chat/internal/repository"
)

type MessageRepository struct {
	s *Store
}

func (r *MessageRepository) Create(ctx context.Context, conversationID, senderID, recipientID uuid.UUID, text string, ts time.Time) (*models.Message, error) {
	normalized, err := models.NormalizeMessageText(text)
	if err != nil {
		return nil, err
	}
	if senderID == recipientID {
		return nil, repository.ErrSameParticipant
	}

	n, err := r.s.conversations.CountDocuments(ctx, bson.M{
		"_id":          conversationID.String(),
		"participants": bson.M{"$all": []string{senderID.String(), recipientID.String()}},
	})
	if err != nil {
		return nil, fmt.Errorf("check participants: %w", err)
	}
	if n == 0 {
		return nil, r.s.conversationExists(ctx, conversationID.String())
	}

	doc := messageDoc{
		ID:             uuid.NewString(),
		ConversationID: conversationID.String(),
		SenderID:       senderID.String(),
		RecipientID:    recipientID.String(),
		Text:           normalized,
		Timestamp:      ts.UTC().Truncate(time.Millisecond),
	}
	if _, err := r.s.messages.InsertOne(ctx, doc); err != nil {
		return nil, fmt.Errorf("create message: %w", err)
	}
	return doc.toModel()
}

// ListByConversation выбирает limit+1 самых новых сообщений до курсора и возвращает их по возрастанию
func (r *MessageRepository) ListByConversation(ctx context.Context, conversationID uuid.UUID, page repository.Page) ([]models.Message, bool, error) {
	page = page.Normalize()
	filter := bson.M{"conversationId": conversationID.String()}

	if page.Before != nil {
		var cursor messageDoc
		err := r.s.messages.FindOne(ctx, bson.M{
			"_id":            page.Before.String(),
			"conversationId": conversationID.String(),
		}).Decode(&cursor)
		if err != nil {
			if notFound(err) {
				return nil, false, repository.ErrNotFound
			}
			return nil, false, fmt.Errorf("load cursor: %w", err)
		}
		filter["$or"] = bson.A{
			bson.M{"timestamp": bson.M{"$lt": cursor.Timestamp}},
			bson.M{"timestamp": cursor.Timestamp, "_id": bson.M{"$lt": cursor.ID}},
		}
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "timestamp", Value: -1}, {Key: "_id", Value: -1}}).
		SetLimit(int64(page.Limit + 1))
	cur, err := r.s.messages.Find(ctx, filter, opts)
	if err != nil {
		return nil, false, fmt.Errorf("list messages: %w", err)
	}
	var docs []messageDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, false, fmt.Errorf("decode messages: %w", err)
	}

	hasMore := len(docs) > page.Limit
	if hasMore {
		docs = docs[:page.Limit]
	}
	messages := make([]models.Message, 0, len(docs))
	for i := range docs {
		msg, err := docs[i].toModel()
		if err != nil {
			return nil, false, err
		}
		messages = append(messages, *msg)
	}
	slices.Reverse(messages)
	return messages, hasMore, nil
}

func (r *MessageRepository) MarkReadForRecipient(ctx context.Context, conversationID, recipientID uuid.UUID) ([]uuid.UUID, error) {
	filter := bson.M{"conversationId": conversationID.String(), "recipientId": recipientID.String(), "isRead": false}
	cur, err := r.s.messages.Find(ctx, filter, options.Find().SetProjection(bson.M{"_id": 1}))
	if err != nil {
		return nil, fmt.Errorf("find unread messages: %w", err)
	}
	var docs []struct {
		ID string `bson:"_id"`
	}
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode unread messages: %w", err)
	}
	if len(docs) == 0 {
		return nil, nil
	}

	raw := make([]string, 0, len(docs))
	ids := make([]uuid.UUID, 0, len(docs))
	for _, d := range docs {
		id, err := uuid.Parse(d.ID)
		if err != nil {
			return nil, fmt.Errorf("decode message id: %w", err)
		}
		raw = append(raw, d.ID)
		ids = append(ids, id)
	}

	_, err = r.s.messages.UpdateMany(ctx,
		bson.M{"_id": bson.M{"$in": raw}, "isRead": false},
		bson.M{"$set": bson.M{"isRead": true}},
	)
	if err != nil {
		return nil, fmt.Errorf("mark messages read: %w", err)
	}
	return ids, nil
}
