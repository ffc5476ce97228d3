package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Драйверы хранилища чатов
const (
	StorePostgres = "postgres"
	StoreMongo    = "mongo"
	StoreMemory   = "memory"
)

// Config структура конфигурации
type Config struct {
	Port             string
	AppEnv           string
	LogLevel         string
	TelegramBotToken string
	JWTSecret        string
	StoreDriver      string
	DatabaseURL      string
	DatabaseConfig   DatabaseConfig
	MongoConfig      MongoConfig
	RedisURL         string
	RealtimeConfig   RealtimeConfig
	QueueConfig      QueueConfig
	RequestTimeout   time.Duration
}

// DatabaseConfig содержит конфигурацию базы данных
type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	Name     string
	SSLMode  string
}

// MongoConfig содержит конфигурацию MongoDB
type MongoConfig struct {
	URI      string
	Database string
}

// RealtimeConfig настройки realtime транспорта и шлюза
type RealtimeConfig struct {
	TokenSecret string
	TokenTTL    time.Duration
	GatewayAddr string
	AuthGrace   time.Duration
}

// QueueConfig настройки очереди повторных публикаций
type QueueConfig struct {
	Concurrency      int
	PublishMaxRetry  int
	PublishQueueName string
}

var defaults = map[string]any{
	"port":               "8080",
	"app_env":            "production",
	"log_level":          "info",
	"store_driver":       StorePostgres,
	"pghost":             "localhost",
	"pgport":             "5432",
	"pguser":             "flippy_user",
	"pgpassword":         "flippy_pass",
	"pgdatabase":         "flippy",
	"pgsslmode":          "disable",
	"mongo_uri":          "mongodb://localhost:27017",
	"mongo_database":     "flippy",
	"realtime_token_ttl": time.Hour,
	"gateway_addr":       ":8090",
	"gateway_auth_grace": 15 * time.Second,
	"request_timeout":    5 * time.Second,
	"queue_concurrency":  5,
	"publish_max_retry":  5,
	"publish_queue":      "realtime",
}

// LoadConfig загружает переменные из .env, окружения и (опционально) файла CONFIG_FILE
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info(".env файл не найден, используем переменные окружения")
	}

	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.AutomaticEnv()

	if path := v.GetString("config_file"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("ошибка чтения файла конфигурации %s: %w", path, err)
		}
	}

	return fromViper(v)
}

func fromViper(v *viper.Viper) (*Config, error) {
	dbConfig := DatabaseConfig{
		Host:     v.GetString("pghost"),
		Port:     v.GetString("pgport"),
		User:     v.GetString("pguser"),
		Password: v.GetString("pgpassword"),
		Name:     v.GetString("pgdatabase"),
		SSLMode:  v.GetString("pgsslmode"),
	}

	// DATABASE_URL имеет приоритет над отдельными PG* переменными
	dbURL := v.GetString("database_url")
	if dbURL == "" {
		dbURL = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
			dbConfig.User, dbConfig.Password, dbConfig.Host, dbConfig.Port, dbConfig.Name, dbConfig.SSLMode)
	}

	cfg := &Config{
		Port:             v.GetString("port"),
		AppEnv:           normalizeEnv(v.GetString("app_env")),
		LogLevel:         v.GetString("log_level"),
		TelegramBotToken: v.GetString("telegram_bot_token"),
		JWTSecret:        v.GetString("jwt_secret"),
		StoreDriver:      strings.ToLower(strings.TrimSpace(v.GetString("store_driver"))),
		DatabaseURL:      dbURL,
		DatabaseConfig:   dbConfig,
		MongoConfig: MongoConfig{
			URI:      v.GetString("mongo_uri"),
			Database: v.GetString("mongo_database"),
		},
		RedisURL: v.GetString("redis_url"),
		RealtimeConfig: RealtimeConfig{
			TokenSecret: v.GetString("realtime_token_secret"),
			TokenTTL:    v.GetDuration("realtime_token_ttl"),
			GatewayAddr: v.GetString("gateway_addr"),
			AuthGrace:   v.GetDuration("gateway_auth_grace"),
		},
		QueueConfig: QueueConfig{
			Concurrency:      v.GetInt("queue_concurrency"),
			PublishMaxRetry:  v.GetInt("publish_max_retry"),
			PublishQueueName: v.GetString("publish_queue"),
		},
		RequestTimeout: v.GetDuration("request_timeout"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate проверяет обязательные параметры
func (c *Config) Validate() error {
	var errs []error
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.RealtimeConfig.TokenSecret == "" {
		errs = append(errs, errors.New("REALTIME_TOKEN_SECRET is required"))
	}
	if c.RealtimeConfig.TokenTTL <= 0 {
		errs = append(errs, errors.New("REALTIME_TOKEN_TTL must be positive"))
	}
	switch c.StoreDriver {
	case StorePostgres, StoreMongo, StoreMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver))
	}
	return errors.Join(errs...)
}

func (c *Config) IsDevelopment() bool {
	return c != nil && c.AppEnv == "development"
}

func normalizeEnv(value string) string {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "dev", "develop", "development", "local":
		return "development"
	case "prod", "production":
		return "production"
	case "test", "testing":
		return "test"
	default:
		return strings.ToLower(strings.TrimSpace(value))
	}
}
