package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"streamvault/internal/logging"
)

// Storage drivers
const (
	StorageSQLite = "sqlite"
	StorageFile   = "file"
)

// Config holds the application configuration
type Config struct {
	ListenAddr  string
	APIToken    string
	CORSOrigins []string

	StorageDriver string
	DBPath        string
	StateDir      string // used by the file driver

	BackupDir      string
	MaxBackups     int
	BackupSchedule string // cron expression

	RemoteBaseURL string
	RemoteToken   string
	RemoteTimeout time.Duration
	SyncInterval  time.Duration
	StartOffline  bool
	HistoryLimit  int // sync history rows kept, 0 keeps everything

	TelegramBotToken string
	TelegramChatID   int64

	LogLevel  string
	LogFormat string
}

// Load reads configuration from environment variables, after merging a .env
// file from the working directory when one exists.
func Load() *Config {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logging.WithError(err).Warn("Failed to read .env file")
	}

	cfg := &Config{
		ListenAddr:       getEnv("LISTEN_ADDR", ":8080"),
		APIToken:         getEnv("WEB_API_TOKEN", ""),
		CORSOrigins:      splitList(getEnv("CORS_ORIGINS", "*")),
		StorageDriver:    strings.ToLower(getEnv("STORAGE_DRIVER", StorageSQLite)),
		DBPath:           getEnv("DB_PATH", "streamvault.db"),
		StateDir:         getEnv("STATE_DIR", "data"),
		BackupDir:        getEnv("BACKUP_DIR", "backups"),
		MaxBackups:       getEnvInt("MAX_BACKUPS", 4),
		BackupSchedule:   getEnv("BACKUP_SCHEDULE", "0 3 * * 0"),
		RemoteBaseURL:    strings.TrimRight(getEnv("REMOTE_BASE_URL", ""), "/"),
		RemoteToken:      getEnv("REMOTE_TOKEN", ""),
		RemoteTimeout:    getEnvDuration("REMOTE_TIMEOUT", 10*time.Second),
		SyncInterval:     getEnvDuration("SYNC_INTERVAL", 15*time.Minute),
		StartOffline:     getEnvBool("START_OFFLINE", false),
		HistoryLimit:     getEnvInt("SYNC_HISTORY_LIMIT", 500),
		TelegramBotToken: getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatID:   getEnvInt64("TELEGRAM_CHAT_ID", 0),
		LogLevel:         getEnv("LOG_LEVEL", "info"),
		LogFormat:        getEnv("LOG_FORMAT", "json"),
	}

	if cfg.StorageDriver != StorageSQLite && cfg.StorageDriver != StorageFile {
		logging.Logger.Warnf("Unknown STORAGE_DRIVER %q, using %s", cfg.StorageDriver, StorageSQLite)
		cfg.StorageDriver = StorageSQLite
	}
	if cfg.RemoteBaseURL == "" {
		logging.Logger.Info("REMOTE_BASE_URL not set, running local-only until an address is saved")
	}

	return cfg
}

// RemoteEnabled reports whether a companion server is configured.
func (c *Config) RemoteEnabled() bool {
	return c.RemoteBaseURL != ""
}

// TelegramEnabled reports whether the Telegram bot should be started.
func (c *Config) TelegramEnabled() bool {
	return c.TelegramBotToken != "" && c.TelegramChatID != 0
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	v, err := strconv.Atoi(getEnv(key, ""))
	if err != nil {
		return defaultValue
	}
	return v
}

func getEnvInt64(key string, defaultValue int64) int64 {
	v, err := strconv.ParseInt(getEnv(key, ""), 10, 64)
	if err != nil {
		return defaultValue
	}
	return v
}

func getEnvBool(key string, defaultValue bool) bool {
	v, err := strconv.ParseBool(getEnv(key, ""))
	if err != nil {
		return defaultValue
	}
	return v
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	raw := getEnv(key, "")
	if raw == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		logging.Logger.Warnf("Invalid duration %s=%q, using %v", key, raw, defaultValue)
		return defaultValue
	}
	return d
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
