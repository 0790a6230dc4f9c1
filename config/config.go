package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// Infrastructure
	RedisAddr     string
	RedisPassword string
	SQLitePath    string
	MetricsAddr   string
	APIAddr       string
	LogLevel      string

	// Secrets
	VaultMasterKey string // 32-byte AES key, hex encoded

	// Order reconciliation
	ReconcileInterval time.Duration
	RespectMarketHrs  bool

	// Token lifecycle
	TokenRefreshThreshold time.Duration
	ExpirySweepInterval   time.Duration

	// Symbol masters
	SyncCronSpec string

	// WebSocket fan-out
	ReplayBufferSize int

	// Notifications
	TelegramBotToken string
	TelegramChatID   string
	WebhookURL       string
}

// Load reads configuration from the environment, consulting a .env file
// first when one is present alongside the binary.
func Load() *Config {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("[config] .env not loaded: %v", err)
	}

	return &Config{
		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		SQLitePath:    getEnv("SQLITE_PATH", "data/bridge.db"),
		MetricsAddr:   getEnv("METRICS_ADDR", ":9090"),
		APIAddr:       getEnv("API_ADDR", ":8080"),
		LogLevel:      getEnv("LOG_LEVEL", "info"),

		// Required by the bridge binary, unused by symbolsync.
		VaultMasterKey: getEnv("VAULT_MASTER_KEY", ""),

		ReconcileInterval: getDuration("RECONCILE_INTERVAL", 15*time.Second),
		RespectMarketHrs:  getBool("RESPECT_MARKET_HOURS", true),

		TokenRefreshThreshold: getDuration("TOKEN_REFRESH_THRESHOLD", time.Hour),
		ExpirySweepInterval:   getDuration("EXPIRY_SWEEP_INTERVAL", time.Minute),

		// Default: every trading morning before pre-open.
		SyncCronSpec: getEnv("SYNC_CRON", "30 8 * * 1-5"),

		ReplayBufferSize: getInt("WS_REPLAY_BUFFER", 500),

		TelegramBotToken: getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatID:   getEnv("TELEGRAM_CHAT_ID", ""),
		WebhookURL:       getEnv("ALERT_WEBHOOK_URL", ""),
	}
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("[config] invalid %s=%q, using %d", key, v, fallback)
		return fallback
	}
	return n
}

func getBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Printf("[config] invalid %s=%q, using %t", key, v, fallback)
		return fallback
	}
	return b
}

func getDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Printf("[config] invalid %s=%q, using %s", key, v, fallback)
		return fallback
	}
	return d
}
