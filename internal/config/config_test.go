package config

import (
	"reflect"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"LISTEN_ADDR", "STORAGE_DRIVER", "REMOTE_BASE_URL", "SYNC_INTERVAL", "TELEGRAM_BOT_TOKEN", "TELEGRAM_CHAT_ID", "SYNC_HISTORY_LIMIT"} {
		t.Setenv(key, "")
	}

	cfg := Load()
	if cfg.ListenAddr != ":8080" || cfg.StorageDriver != StorageSQLite || cfg.StateDir != "data" {
		t.Errorf("Unexpected defaults %+v", cfg)
	}
	if cfg.HistoryLimit != 500 {
		t.Errorf("Expected a history limit of 500, got %d", cfg.HistoryLimit)
	}
	if cfg.RemoteTimeout != 10*time.Second || cfg.SyncInterval != 15*time.Minute {
		t.Errorf("Unexpected durations %v %v", cfg.RemoteTimeout, cfg.SyncInterval)
	}
	if cfg.RemoteEnabled() || cfg.TelegramEnabled() {
		t.Error("Expected optional integrations to be disabled")
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("STORAGE_DRIVER", "FILE")
	t.Setenv("REMOTE_BASE_URL", "https://vault.example.com/")
	t.Setenv("REMOTE_TIMEOUT", "3s")
	t.Setenv("SYNC_INTERVAL", "-1m")
	t.Setenv("START_OFFLINE", "true")
	t.Setenv("MAX_BACKUPS", "nope")
	t.Setenv("CORS_ORIGINS", "http://localhost:3000, capacitor://localhost ,")
	t.Setenv("TELEGRAM_BOT_TOKEN", "123:abc")
	t.Setenv("TELEGRAM_CHAT_ID", "42")

	cfg := Load()
	if cfg.StorageDriver != StorageFile {
		t.Errorf("Expected file driver, got %s", cfg.StorageDriver)
	}
	if cfg.RemoteBaseURL != "https://vault.example.com" || !cfg.RemoteEnabled() {
		t.Errorf("Unexpected remote %q", cfg.RemoteBaseURL)
	}
	if cfg.RemoteTimeout != 3*time.Second {
		t.Errorf("Expected 3s timeout, got %v", cfg.RemoteTimeout)
	}
	if cfg.SyncInterval != 15*time.Minute {
		t.Errorf("Expected invalid interval to fall back to default, got %v", cfg.SyncInterval)
	}
	if !cfg.StartOffline || cfg.MaxBackups != 4 {
		t.Errorf("Unexpected StartOffline=%v MaxBackups=%d", cfg.StartOffline, cfg.MaxBackups)
	}
	if want := []string{"http://localhost:3000", "capacitor://localhost"}; !reflect.DeepEqual(cfg.CORSOrigins, want) {
		t.Errorf("Expected %v, got %v", want, cfg.CORSOrigins)
	}
	if !cfg.TelegramEnabled() || cfg.TelegramChatID != 42 {
		t.Errorf("Expected telegram enabled for chat 42, got %d", cfg.TelegramChatID)
	}
}

func TestUnknownDriverFallsBack(t *testing.T) {
	t.Setenv("STORAGE_DRIVER", "redis")
	if cfg := Load(); cfg.StorageDriver != StorageSQLite {
		t.Errorf("Expected sqlite fallback, got %s", cfg.StorageDriver)
	}
}
