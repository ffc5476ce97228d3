// Package postgres реализует хранилище чатов поверх pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rajivgeraev/flippy-chat/internal/repository"
)

// DBTX общий интерфейс пула и транзакции
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store реализация repository.Store для Postgres
type Store struct {
	pool *pgxpool.Pool
	db   DBTX
	inTx bool
}

var _ repository.Store = (*Store)(nil)

// NewStore создает хранилище поверх пула соединений
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, db: pool}
}

func (s *Store) Conversations() repository.ConversationStore {
	return &ConversationRepository{db: s.db}
}

func (s *Store) Messages() repository.MessageStore {
	return &MessageRepository{db: s.db}
}

func (s *Store) Users() repository.UserStore {
	return &UserRepository{store: s}
}

// WithinTx выполняет fn в одной транзакции; вложенные вызовы используют текущую транзакцию
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx repository.Store) error) error {
	if s.inTx {
		return fn(ctx, s)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := fn(ctx, &Store{pool: s.pool, db: tx, inTx: true}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *Store) Close(context.Context) error {
	if s.pool != nil && !s.inTx {
		s.pool.Close()
	}
	return nil
}

// conversationExists различает "чата нет" и "пользователь не участник"
func conversationExists(ctx context.Context, db DBTX, conversationID any) error {
	var exists bool
	if err := db.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM conversations WHERE id = $1)`, conversationID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return repository.ErrNotFound
	}
	return repository.ErrNotParticipant
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
