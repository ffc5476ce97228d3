package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rajivgeraev/flippy-chat/internal/config"
	"github.com/rajivgeraev/flippy-chat/internal/realtime"
	"github.com/rajivgeraev/flippy-chat/internal/websocket"
	applog "github.com/rajivgeraev/flippy-chat/pkg/logger"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("❌ Ошибка конфигурации", "error", err)
		os.Exit(1)
	}
	log := applog.New(cfg.AppEnv, cfg.LogLevel).With("service", "realtime-gateway")

	if cfg.RedisURL == "" {
		log.Error("❌ REDIS_URL обязателен для realtime шлюза")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rdb, err := realtime.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		log.Error("❌ Ошибка подключения к Redis", "error", err)
		os.Exit(1)
	}
	defer rdb.Close()

	manager := websocket.NewManager(log)
	issuer := realtime.NewTokenIssuer(cfg.RealtimeConfig.TokenSecret, cfg.RealtimeConfig.TokenTTL)

	go func() {
		if err := manager.Run(ctx, rdb); err != nil {
			log.Error("подписка на Redis завершилась с ошибкой", "error", err)
			stop()
		}
	}()

	server := &http.Server{
		Addr:              cfg.RealtimeConfig.GatewayAddr,
		Handler:           websocket.Routes(websocket.NewHandler(manager, issuer, cfg.RealtimeConfig.AuthGrace)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		manager.Shutdown()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error("ошибка остановки шлюза", "error", err)
		}
	}()

	log.Info("✅ Realtime шлюз запущен", "addr", server.Addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("шлюз остановлен с ошибкой", "error", err)
		os.Exit(1)
	}
}
