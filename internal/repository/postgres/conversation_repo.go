package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/rajivgeraev/flippy-chat/internal/models"
	"github.com/rajivgeraev/flippy-chat/internal/repository"
)

const conversationColumns = `
	c.id, c.participant_a, c.participant_b,
	c.last_message_text, c.last_message_sender_id, c.last_message_at,
	c.unread_counts, c.created_at, c.updated_at`

type ConversationRepository struct {
	db DBTX
}

func NewConversationRepository(db DBTX) *ConversationRepository {
	return &ConversationRepository{db: db}
}

// FindOrCreate использует уникальный индекс по упорядоченной паре, поэтому гонка не создаёт дубликат
func (r *ConversationRepository) FindOrCreate(ctx context.Context, userA, userB uuid.UUID) (*models.Conversation, error) {
	if userA == userB {
		return nil, repository.ErrSameParticipant
	}
	pair := models.SortParticipants(userA, userB)

	query := `
		INSERT INTO conversations AS c (participant_a, participant_b, unread_counts)
		VALUES ($1, $2, jsonb_build_object($3::text, 0, $4::text, 0))
		ON CONFLICT (participant_a, participant_b)
		DO UPDATE SET updated_at = c.updated_at
		RETURNING ` + conversationColumns

	conv, err := scanConversation(r.db.QueryRow(ctx, query, pair[0], pair[1], pair[0].String(), pair[1].String()))
	if err != nil {
		return nil, fmt.Errorf("find or create conversation: %w", err)
	}
	return conv, nil
}

func (r *ConversationRepository) GetForParticipant(ctx context.Context, conversationID, userID uuid.UUID) (*models.Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations c WHERE c.id = $1`

	conv, err := scanConversation(r.db.QueryRow(ctx, query, conversationID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	if !conv.HasParticipant(userID) {
		return nil, repository.ErrNotParticipant
	}
	return conv, nil
}

func (r *ConversationRepository) ListForUser(ctx context.Context, userID uuid.UUID) ([]models.ConversationView, error) {
	query := `
		SELECT ` + conversationColumns + `,
		       u.id, u.username, u.first_name, u.last_name, u.avatar_url
		FROM conversations c
		LEFT JOIN users u
		       ON u.id = CASE WHEN c.participant_a = $1 THEN c.participant_b ELSE c.participant_a END
		WHERE c.participant_a = $1 OR c.participant_b = $1
		ORDER BY c.last_message_at DESC NULLS LAST, c.created_at DESC
	`

	rows, err := r.db.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	views := make([]models.ConversationView, 0)
	for rows.Next() {
		var (
			row      conversationRow
			otherID  pgtype.UUID
			username pgtype.Text
			first    pgtype.Text
			last     pgtype.Text
			avatar   pgtype.Text
		)
		dest := append(row.dest(), &otherID, &username, &first, &last, &avatar)
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}

		conv, err := row.toModel()
		if err != nil {
			return nil, err
		}

		view := models.ConversationView{
			Conversation:  *conv,
			MyUnreadCount: conv.UnreadCount.For(userID),
		}
		if otherID.Valid {
			view.OtherParticipant = &models.User{
				ID:        otherID.Bytes,
				Username:  username.String,
				FirstName: first.String,
				LastName:  last.String,
				AvatarURL: avatar.String,
			}
		}
		views = append(views, view)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	return views, nil
}

// RecordMessage одним UPDATE перезаписывает снимок и увеличивает счётчик получателя.
// Получатель вычисляется из строки, поэтому параллельные отправки не теряют инкременты.
func (r *ConversationRepository) RecordMessage(ctx context.Context, conversationID, senderID uuid.UUID, text string, ts time.Time) (*models.Conversation, error) {
	query := `
		UPDATE conversations AS c
		SET last_message_text      = $3,
		    last_message_sender_id = $2,
		    last_message_at        = $4,
		    updated_at             = $4,
		    unread_counts = jsonb_set(
		        c.unread_counts,
		        ARRAY[(CASE WHEN c.participant_a = $2 THEN c.participant_b ELSE c.participant_a END)::text],
		        to_jsonb(COALESCE((c.unread_counts ->> (CASE WHEN c.participant_a = $2 THEN c.participant_b ELSE c.participant_a END)::text)::int, 0) + 1),
		        true
		    )
		WHERE c.id = $1 AND $2 IN (c.participant_a, c.participant_b)
		RETURNING ` + conversationColumns

	conv, err := scanConversation(r.db.QueryRow(ctx, query, conversationID, senderID, text, ts))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, conversationExists(ctx, r.db, conversationID)
		}
		return nil, fmt.Errorf("record message: %w", err)
	}
	return conv, nil
}

func (r *ConversationRepository) MarkRead(ctx context.Context, conversationID, userID uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE conversations
		SET unread_counts = jsonb_set(unread_counts, ARRAY[$3::text], '0'::jsonb, true)
		WHERE id = $1 AND $2 IN (participant_a, participant_b)
	`, conversationID, userID, userID.String())
	if err != nil {
		return fmt.Errorf("mark conversation read: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return conversationExists(ctx, r.db, conversationID)
	}
	return nil
}

type conversationRow struct {
	id         uuid.UUID
	a, b       uuid.UUID
	lastText   pgtype.Text
	lastSender pgtype.UUID
	lastAt     pgtype.Timestamptz
	unread     map[string]int
	createdAt  time.Time
	updatedAt  time.Time
}

func (r *conversationRow) dest() []any {
	return []any{&r.id, &r.a, &r.b, &r.lastText, &r.lastSender, &r.lastAt, &r.unread, &r.createdAt, &r.updatedAt}
}

func (r *conversationRow) toModel() (*models.Conversation, error) {
	conv := &models.Conversation{
		ID:           r.id,
		Participants: [2]uuid.UUID{r.a, r.b},
		UnreadCount:  make(models.UnreadCounts, len(r.unread)),
		CreatedAt:    r.createdAt,
		UpdatedAt:    r.updatedAt,
	}
	for key, n := range r.unread {
		id, err := uuid.Parse(key)
		if err != nil {
			return nil, fmt.Errorf("unread_counts key %q: %w", key, err)
		}
		conv.UnreadCount[id] = n
	}
	if r.lastAt.Valid && r.lastSender.Valid {
		conv.LastMessage = &models.LastMessage{
			Text:      r.lastText.String,
			SenderID:  r.lastSender.Bytes,
			Timestamp: r.lastAt.Time,
		}
	}
	return conv, nil
}

func scanConversation(row pgx.Row) (*models.Conversation, error) {
	var r conversationRow
	if err := row.Scan(r.dest()...); err != nil {
		return nil, err
	}
	return r.toModel()
}
