package config

import (
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// Secrets that may be supplied through the environment instead of the file.
const (
	EnvTelegramToken = "REMINDBOT_TELEGRAM_TOKEN"
	EnvRedisPassword = "REMINDBOT_REDIS_PASSWORD"
	EnvHTTPToken     = "REMINDBOT_HTTP_TOKEN"
)

// LoadDotEnv reads .env files into the process environment. Variables that
// are already set win. Missing files are ignored.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	existing := make([]string, 0, len(files))
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			existing = append(existing, f)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	return godotenv.Load(existing...)
}

// ApplyEnv overrides secrets from the environment. Empty values are ignored.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if c == nil {
		return
	}
	if lookup == nil {
		lookup = os.LookupEnv
	}
	set := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	set(EnvTelegramToken, &c.Telegram.Token)
	set(EnvRedisPassword, &c.Storage.Redis.Password)
	set(EnvHTTPToken, &c.HTTP.Token)
}
