package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/logger"
	"github.com/gofiber/fiber/v3/middleware/recover"

	"github.com/rajivgeraev/flippy-chat/internal/config"
	"github.com/rajivgeraev/flippy-chat/internal/db"
	"github.com/rajivgeraev/flippy-chat/internal/middleware"
	"github.com/rajivgeraev/flippy-chat/internal/queue"
	"github.com/rajivgeraev/flippy-chat/internal/realtime"
	"github.com/rajivgeraev/flippy-chat/internal/services/auth"
	"github.com/rajivgeraev/flippy-chat/internal/services/chat"
	"github.com/rajivgeraev/flippy-chat/internal/utils"
	applog "github.com/rajivgeraev/flippy-chat/pkg/logger"
)

func main() {
	// Загружаем конфигурацию
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("❌ Ошибка конфигурации", "error", err)
		os.Exit(1)
	}
	log := applog.New(cfg.AppEnv, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Инициализируем хранилище
	store, err := db.OpenStore(ctx, cfg, log)
	if err != nil {
		log.Error("❌ Ошибка при инициализации хранилища", "error", err)
		os.Exit(1)
	}
	defer store.Close(context.Background())

	publisher, worker, cleanup, err := setupPublisher(ctx, cfg, log)
	if err != nil {
		log.Error("❌ Ошибка при подключении к Redis", "error", err)
		os.Exit(1)
	}
	defer cleanup()

	// Создаём экземпляр Fiber
	app := fiber.New(fiber.Config{
		AppName:      "Flippy Chat API",
		ErrorHandler: middleware.ErrorHandler(log),
	})

	// Добавляем middleware
	app.Use(recover.New())
	app.Use(logger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowCredentials: false,
	}))

	app.Get("/health", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	// Создаём сервисы
	jwtService := utils.NewJWTService(cfg.JWTSecret)
	issuer := realtime.NewTokenIssuer(cfg.RealtimeConfig.TokenSecret, cfg.RealtimeConfig.TokenTTL)
	authService := auth.NewAuthService(store.Users(), jwtService, cfg.TelegramBotToken, cfg.RequestTimeout, log)
	chatService := chat.NewChatService(store, publisher, issuer, log)

	// Настраиваем middleware для аутентификации
	authMiddleware := middleware.AuthMiddleware(authService.GetJWTService())

	// Регистрируем маршруты
	authService.SetupRoutes(app)
	chat.NewHandler(chatService, cfg.RequestTimeout).SetupRoutes(app, authMiddleware)

	if worker != nil {
		go func() {
			if err := worker.Run(ctx); err != nil {
				log.Error("очередь повторных публикаций остановлена", "error", err)
			}
		}()
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := app.ShutdownWithContext(shutdownCtx); err != nil {
			log.Error("ошибка остановки сервера", "error", err)
		}
	}()

	// Запускаем сервер
	log.Info("✅ Flippy Chat API запущен", "port", cfg.Port, "store", cfg.StoreDriver)
	if err := app.Listen(":"+cfg.Port, fiber.ListenConfig{DisableStartupMessage: true}); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("сервер остановлен с ошибкой", "error", err)
		os.Exit(1)
	}
}

// setupPublisher без REDIS_URL события не публикуются; с Redis неудачные публикации уходят в asynq
func setupPublisher(ctx context.Context, cfg *config.Config, log *slog.Logger) (realtime.Publisher, *queue.AsynqServer, func(), error) {
	if cfg.RedisURL == "" {
		log.Warn("REDIS_URL не задан, realtime события отключены")
		return realtime.NoopPublisher{}, nil, func() {}, nil
	}

	rdb, err := realtime.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return nil, nil, nil, err
	}
	redisPublisher := realtime.NewRedisPublisher(rdb)

	client, err := queue.NewAsynqClient(cfg.RedisURL)
	if err != nil {
		rdb.Close()
		return nil, nil, nil, err
	}
	worker, err := queue.NewAsynqServer(queue.ServerConfig{
		RedisURL:    cfg.RedisURL,
		Concurrency: cfg.QueueConfig.Concurrency,
		Queues:      cfg.QueueConfig.PublishQueueName + "=1",
	}, log)
	if err != nil {
		client.Close()
		rdb.Close()
		return nil, nil, nil, err
	}
	realtime.RegisterPublishTask(worker, redisPublisher)

	publisher := realtime.NewRetryingPublisher(redisPublisher, client, cfg.QueueConfig.PublishQueueName, cfg.QueueConfig.PublishMaxRetry, log)
	cleanup := func() {
		client.Close()
		rdb.Close()
	}
	return publisher, worker, cleanup, nil
}
