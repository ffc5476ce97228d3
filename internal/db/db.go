// Package db открывает соединения с хранилищами и применяет миграции.
package db

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rajivgeraev/flippy-chat/internal/config"
	"github.com/rajivgeraev/flippy-chat/internal/repository"
	"github.com/rajivgeraev/flippy-chat/internal/repository/memory"
	"github.com/rajivgeraev/flippy-chat/internal/repository/mongo"
	"github.com/rajivgeraev/flippy-chat/internal/repository/postgres"
)

const connectTimeout = 10 * time.Second

// Connect создает пул соединений Postgres и проверяет соединение
func Connect(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	// Создаем контекст с таймаутом для подключения
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	poolConfig, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("ошибка при разборе URL базы данных: %w", err)
	}

	// Дополнительная настройка пула соединений
	poolConfig.MaxConns = 10
	poolConfig.MinConns = 2

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("ошибка при создании пула соединений: %w", err)
	}

	if err = pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ошибка при проверке соединения: %w", err)
	}

	return pool, nil
}

// OpenStore выбирает реализацию хранилища по STORE_DRIVER
func OpenStore(ctx context.Context, cfg *config.Config, log *slog.Logger) (repository.Store, error) {
	switch cfg.StoreDriver {
	case config.StorePostgres:
		log.Info("подключение к базе данных", "host", cfg.DatabaseConfig.Host, "database", cfg.DatabaseConfig.Name)
		pool, err := Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		log.Info("успешное подключение к базе данных")
		return postgres.NewStore(pool), nil

	case config.StoreMongo:
		log.Info("подключение к MongoDB", "database", cfg.MongoConfig.Database)
		client, err := ConnectMongo(ctx, cfg.MongoConfig.URI)
		if err != nil {
			return nil, err
		}
		store, err := mongo.NewStore(ctx, client, cfg.MongoConfig.Database)
		if err != nil {
			_ = client.Disconnect(context.Background())
			return nil, err
		}
		log.Info("успешное подключение к MongoDB")
		return store, nil

	case config.StoreMemory:
		log.Warn("используется хранилище в памяти, данные не сохраняются между перезапусками")
		return memory.NewStore(), nil
	}
	return nil, fmt.Errorf("неизвестный драйвер хранилища: %q", cfg.StoreDriver)
}

// GetContext возвращает контекст с таймаутом для запросов к хранилищу
func GetContext(timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), timeout)
}
