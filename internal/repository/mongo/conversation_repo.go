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

type ConversationRepository struct {
	s *Store
}

// FindOrCreate делает upsert по pairKey; при гонке двух вставок проигравший перечитывает документ
func (r *ConversationRepository) FindOrCreate(ctx context.Context, userA, userB uuid.UUID) (*models.Conversation, error) {
	if userA == userB {
		return nil, repository.ErrSameParticipant
	}
	pair := models.SortParticipants(userA, userB)
	key := models.PairKey(userA, userB)
	now := models.ServerTimestamp(time.Now()).Truncate(time.Millisecond)

	filter := bson.M{"pairKey": key}
	update := bson.M{"$setOnInsert": bson.M{
		"_id":          uuid.NewString(),
		"participants": []string{pair[0].String(), pair[1].String()},
		"unreadCount":  bson.M{pair[0].String(): 0, pair[1].String(): 0},
		"createdAt":    now,
		"updatedAt":    now,
	}}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)

	var doc conversationDoc
	err := r.s.conversations.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc)
	if mongo.IsDuplicateKeyError(err) {
		err = r.s.conversations.FindOne(ctx, filter).Decode(&doc)
	}
	if err != nil {
		return nil, fmt.Errorf("find or create conversation: %w", err)
	}
	return doc.toModel()
}

func (r *ConversationRepository) GetForParticipant(ctx context.Context, conversationID, userID uuid.UUID) (*models.Conversation, error) {
	conv, err := r.get(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !conv.HasParticipant(userID) {
		return nil, repository.ErrNotParticipant
	}
	return conv, nil
}

func (r *ConversationRepository) get(ctx context.Context, conversationID uuid.UUID) (*models.Conversation, error) {
	var doc conversationDoc
	if err := r.s.conversations.FindOne(ctx, bson.M{"_id": conversationID.String()}).Decode(&doc); err != nil {
		if notFound(err) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return doc.toModel()
}

func (r *ConversationRepository) ListForUser(ctx context.Context, userID uuid.UUID) ([]models.ConversationView, error) {
	opts := options.Find().SetSort(bson.D{{Key: "lastMessageAt", Value: -1}, {Key: "createdAt", Value: -1}})
	cur, err := r.s.conversations.Find(ctx, bson.M{"participants": userID.String()}, opts)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	var docs []conversationDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode conversations: %w", err)
	}

	views := make([]models.ConversationView, 0, len(docs))
	others := make([]string, 0, len(docs))
	for i := range docs {
		conv, err := docs[i].toModel()
		if err != nil {
			return nil, err
		}
		views = append(views, models.ConversationView{
			Conversation:  *conv,
			MyUnreadCount: conv.UnreadCount.For(userID),
		})
		others = append(others, conv.Other(userID).String())
	}
	if len(views) == 0 {
		return views, nil
	}

	profiles, err := r.s.loadUsers(ctx, others)
	if err != nil {
		return nil, err
	}
	for i := range views {
		if u, ok := profiles[views[i].Other(userID)]; ok {
			views[i].OtherParticipant = u
		}
	}
	return views, nil
}

// RecordMessage обновляет снимок и делает $inc счётчика получателя.
// Состав участников не меняется после создания, поэтому получателя можно вычислить заранее.
func (r *ConversationRepository) RecordMessage(ctx context.Context, conversationID, senderID uuid.UUID, text string, ts time.Time) (*models.Conversation, error) {
	conv, err := r.GetForParticipant(ctx, conversationID, senderID)
	if err != nil {
		return nil, err
	}
	recipient := conv.Other(senderID)
	ts = ts.UTC().Truncate(time.Millisecond)

	update := bson.M{
		"$set": bson.M{
			"lastMessage":   lastMessageDoc{Text: text, SenderID: senderID.String(), Timestamp: ts},
			"lastMessageAt": ts,
			"updatedAt":     ts,
		},
		"$inc": bson.M{"unreadCount." + recipient.String(): 1},
	}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var doc conversationDoc
	err = r.s.conversations.FindOneAndUpdate(ctx, bson.M{"_id": conversationID.String()}, update, opts).Decode(&doc)
	if err != nil {
		if notFound(err) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("record message: %w", err)
	}
	return doc.toModel()
}

func (r *ConversationRepository) MarkRead(ctx context.Context, conversationID, userID uuid.UUID) error {
	res, err := r.s.conversations.UpdateOne(ctx,
		bson.M{"_id": conversationID.String(), "participants": userID.String()},
		bson.M{"$set": bson.M{"unreadCount." + userID.String(): 0}},
	)
	if err != nil {
		return fmt.Errorf("mark conversation read: %w", err)
	}
	if res.MatchedCount == 0 {
		return r.s.conversationExists(ctx, conversationID.String())
	}
	return nil
}
