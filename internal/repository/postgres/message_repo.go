package postgres

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/rajivgeraev/flippy-chat/internal/models"
	"github.com/rajivgeraev/flippy-chat/internal/repository"
)

const messageColumns = `id, conversation_id, sender_id, recipient_id, text, is_read, created_at`

type MessageRepository struct {
	db DBTX
}

func NewMessageRepository(db DBTX) *MessageRepository {
	return &MessageRepository{db: db}
}

// Create вставляет сообщение только если отправитель и получатель участвуют в чате
func (r *MessageRepository) Create(ctx context.Context, conversationID, senderID, recipientID uuid.UUID, text string, ts time.Time) (*models.Message, error) {
	normalized, err := models.NormalizeMessageText(text)
	if err != nil {
		return nil, err
	}
	if senderID == recipientID {
		return nil, repository.ErrSameParticipant
	}

	query := `
		INSERT INTO messages (conversation_id, sender_id, recipient_id, text, is_read, created_at)
		SELECT c.id, $2::uuid, $3::uuid, $4::text, FALSE, $5::timestamptz
		FROM conversations c
		WHERE c.id = $1::uuid
		  AND $2::uuid IN (c.participant_a, c.participant_b)
		  AND $3::uuid IN (c.participant_a, c.participant_b)
		RETURNING ` + messageColumns

	msg, err := scanMessage(r.db.QueryRow(ctx, query, conversationID, senderID, recipientID, normalized, ts))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, conversationExists(ctx, r.db, conversationID)
		}
		return nil, fmt.Errorf("create message: %w", err)
	}
	return msg, nil
}

// ListByConversation выбирает limit+1 самых новых сообщений до курсора и разворачивает их в хронологический порядок
func (r *MessageRepository) ListByConversation(ctx context.Context, conversationID uuid.UUID, page repository.Page) ([]models.Message, bool, error) {
	page = page.Normalize()

	if page.Before != nil {
		var exists bool
		err := r.db.QueryRow(ctx, `
			SELECT EXISTS(SELECT 1 FROM messages WHERE id = $1 AND conversation_id = $2)
		`, *page.Before, conversationID).Scan(&exists)
		if err != nil {
			return nil, false, fmt.Errorf("check cursor: %w", err)
		}
		if !exists {
			return nil, false, repository.ErrNotFound
		}
	}

	query := `
		SELECT ` + messageColumns + `
		FROM messages
		WHERE conversation_id = $1
		  AND ($2::uuid IS NULL OR (created_at, id) < (SELECT created_at, id FROM messages WHERE id = $2::uuid))
		ORDER BY created_at DESC, id DESC
		LIMIT $3
	`

	rows, err := r.db.Query(ctx, query, conversationID, page.Before, page.Limit+1)
	if err != nil {
		return nil, false, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	messages := make([]models.Message, 0, page.Limit)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, false, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, *msg)
	}
	if err := rows.Err(); err != nil {
		return nil, false, fmt.Errorf("list messages: %w", err)
	}

	hasMore := len(messages) > page.Limit
	if hasMore {
		messages = messages[:page.Limit]
	}
	slices.Reverse(messages)
	return messages, hasMore, nil
}

func (r *MessageRepository) MarkReadForRecipient(ctx context.Context, conversationID, recipientID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := r.db.Query(ctx, `
		UPDATE messages
		SET is_read = TRUE
		WHERE conversation_id = $1 AND recipient_id = $2 AND is_read = FALSE
		RETURNING id
	`, conversationID, recipientID)
	if err != nil {
		return nil, fmt.Errorf("mark messages read: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return nil, fmt.Errorf("mark messages read: %w", err)
	}
	return ids, nil
}

func scanMessage(row pgx.Row) (*models.Message, error) {
	var msg models.Message
	if err := row.Scan(
		&msg.ID,
		&msg.ConversationID,
		&msg.SenderID,
		&msg.RecipientID,
		&msg.Text,
		&msg.IsRead,
		&msg.Timestamp,
	); err != nil {
		return nil, err
	}
	msg.Timestamp = msg.Timestamp.UTC()
	return &msg, nil
}
