package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port                  string
	AllowedOrigin         string
	DatabaseURL           string
	RedisAddr             string
	RedisPassword         string
	RedisDB               int
	SaleCacheTTLSeconds   int
	AuthSecret            string
	AccessTokenTTLMinutes int
	LogLevel              string
	ConfirmRetry          RetryConfig
}

// RetryConfig bounds how often a conflicting confirmation is attempted.
type RetryConfig struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// Load reads the environment. A .env file in the working directory, when
// present, fills variables that are not already set.
func Load() Config {
	_ = godotenv.Load()

	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))

	cfg := Config{
		Port:                  getEnv("PORT", "8080"),
		AllowedOrigin:         getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		RedisAddr:             os.Getenv("REDIS_ADDR"),
		RedisPassword:         os.Getenv("REDIS_PASSWORD"),
		RedisDB:               redisDB,
		SaleCacheTTLSeconds:   getPositiveInt("SALE_CACHE_TTL_SECONDS", 600),
		AuthSecret:            strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AccessTokenTTLMinutes: getPositiveInt("ACCESS_TOKEN_TTL_MINUTES", 480),
		LogLevel:              getEnv("LOG_LEVEL", "info"),
		ConfirmRetry: RetryConfig{
			MaxAttempts:     getPositiveInt("CONFIRM_RETRY_ATTEMPTS", 4),
			InitialInterval: time.Duration(getPositiveInt("CONFIRM_RETRY_INITIAL_MS", 50)) * time.Millisecond,
			MaxInterval:     time.Duration(getPositiveInt("CONFIRM_RETRY_MAX_MS", 1000)) * time.Millisecond,
		},
	}
	if cfg.ConfirmRetry.MaxInterval < cfg.ConfirmRetry.InitialInterval {
		cfg.ConfirmRetry.MaxInterval = cfg.ConfirmRetry.InitialInterval
	}

	return cfg
}

// DefaultRetry is the confirmation retry policy used when nothing is
// configured.
func DefaultRetry() RetryConfig {
	return RetryConfig{
		MaxAttempts:     4,
		InitialInterval: 50 * time.Millisecond,
		MaxInterval:     time.Second,
	}
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func (c Config) SaleCacheTTL() time.Duration {
	return time.Duration(c.SaleCacheTTLSeconds) * time.Second
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}

func getPositiveInt(key string, fallback int) int {
	val, err := strconv.Atoi(getEnv(key, strconv.Itoa(fallback)))
	if err != nil || val < 1 {
		return fallback
	}
	return val
}
