package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	App      AppConfig
	Database DatabaseConfig
	Chat     ChatConfig
	Auth     AuthConfig
	Uploads  UploadConfig
	Bus      BusConfig
	Tracing  TracingConfig
}

type AppConfig struct {
	Addr           string
	Environment    string
	LogFilePath    string
	AllowedOrigins []string
	NodeID         string
}

type DatabaseConfig struct {
	Driver string // "sqlite3" or "postgres"
	DSN    string
}

type ChatConfig struct {
	MaxMessageLength int
	TypingTTL        time.Duration
	HistoryLimit     int
	SendBuffer       int
	MaxFrameBytes    int64
}

type AuthConfig struct {
	SessionSecret string
	SessionTTL    time.Duration
	CookieName    string
}

type UploadConfig struct {
	Dir      string
	MaxBytes int64
}

type BusConfig struct {
	RedisURL     string
	RedisChannel string
	NatsURL      string
}

type TracingConfig struct {
	Enabled  bool
	Endpoint string
}

func (c *Config) IsProduction() bool {
	return c.App.Environment == "production"
}

func Load() *Config {
	if err := godotenv.Load(); err != nil {
		log.Println("Note: .env file not found, using system environment")
	}

	hostname, _ := os.Hostname()

	return &Config{
		App: AppConfig{
			Addr:           getEnv("APP_ADDR", ":8080"),
			Environment:    getEnv("GO_ENV", "development"),
			LogFilePath:    getEnv("LOG_FILE_PATH", "chatroom.log"),
			AllowedOrigins: getEnvAsList("CORS_ALLOWED_ORIGINS", nil),
			NodeID:         getEnv("NODE_ID", hostname),
		},
		Database: DatabaseConfig{
			Driver: getEnv("DB_DRIVER", "sqlite3"),
			DSN:    getEnv("DB_DSN", "file:chatroom.db?_foreign_keys=on"),
		},
		Chat: ChatConfig{
			MaxMessageLength: getEnvAsInt("CHAT_MAX_MESSAGE_LENGTH", 4096),
			TypingTTL:        getEnvAsDuration("CHAT_TYPING_TTL", 5*time.Second),
			HistoryLimit:     getEnvAsInt("CHAT_HISTORY_LIMIT", 50),
			SendBuffer:       getEnvAsInt("WS_SEND_BUFFER", 256),
			MaxFrameBytes:    int64(getEnvAsInt("WS_MAX_FRAME_BYTES", 64*1024)),
		},
		Auth: AuthConfig{
			SessionSecret: getEnv("SESSION_SECRET", "super-secret-key-change-me-in-production"),
			SessionTTL:    getEnvAsDuration("SESSION_TTL", 24*time.Hour),
			CookieName:    getEnv("SESSION_COOKIE", "session"),
		},
		Uploads: UploadConfig{
			Dir:      getEnv("UPLOAD_DIR", "uploads"),
			MaxBytes: int64(getEnvAsInt("UPLOAD_MAX_BYTES", 10<<20)),
		},
		Bus: BusConfig{
			RedisURL:     getEnv("REDIS_URL", ""),
			RedisChannel: getEnv("REDIS_CHANNEL", "chatroom_events"),
			NatsURL:      getEnv("NATS_URL", ""),
		},
		Tracing: TracingConfig{
			Enabled:  getEnvAsBool("OTEL_ENABLED", false),
			Endpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4318"),
		},
	}
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	strValue := getEnv(key, "")
	if value, err := strconv.Atoi(strValue); err == nil {
		return value
	}
	return fallback
}

func getEnvAsBool(key string, fallback bool) bool {
	strValue := getEnv(key, "")
	if value, err := strconv.ParseBool(strValue); err == nil {
		return value
	}
	return fallback
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	strValue := getEnv(key, "")
	if value, err := time.ParseDuration(strValue); err == nil {
		return value
	}
	return fallback
}

func getEnvAsList(key string, fallback []string) []string {
	strValue := getEnv(key, "")
	if strValue == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(strValue, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
