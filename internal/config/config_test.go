package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("GO_ENV", "development")
	t.Setenv("DB_DRIVER", "sqlite3")
	t.Setenv("CHAT_MAX_MESSAGE_LENGTH", "")
	t.Setenv("CHAT_TYPING_TTL", "")
	t.Setenv("WS_SEND_BUFFER", "")

	cfg := Load()

	assert.Equal(t, "sqlite3", cfg.Database.Driver)
	assert.Equal(t, 4096, cfg.Chat.MaxMessageLength)
	assert.Equal(t, 5*time.Second, cfg.Chat.TypingTTL)
	assert.Equal(t, 256, cfg.Chat.SendBuffer)
	assert.False(t, cfg.IsProduction())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("GO_ENV", "production")
	t.Setenv("CHAT_MAX_MESSAGE_LENGTH", "280")
	t.Setenv("CHAT_TYPING_TTL", "3s")
	t.Setenv("OTEL_ENABLED", "true")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example, https://b.example,")

	cfg := Load()

	assert.True(t, cfg.IsProduction())
	assert.Equal(t, 280, cfg.Chat.MaxMessageLength)
	assert.Equal(t, 3*time.Second, cfg.Chat.TypingTTL)
	assert.True(t, cfg.Tracing.Enabled)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.App.AllowedOrigins)
}

func TestMalformedValuesFallBack(t *testing.T) {
	t.Setenv("WS_SEND_BUFFER", "lots")
	t.Setenv("SESSION_TTL", "forever")

	cfg := Load()

	assert.Equal(t, 256, cfg.Chat.SendBuffer)
	assert.Equal(t, 24*time.Hour, cfg.Auth.SessionTTL)
}
