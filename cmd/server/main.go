package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"streamvault/internal/config"
	"streamvault/internal/handler"
	"streamvault/internal/logging"
	"streamvault/internal/notify"
	"streamvault/internal/persistence"
	"streamvault/internal/remote"
	"streamvault/internal/repository"
	"streamvault/internal/service"
)

func main() {
	// Parse CLI flags
	exportPath := flag.String("export", "", "Write the collection to this file and exit")
	importPath := flag.String("import", "", "Append the records of this export file and exit")
	pullOnce := flag.Bool("pull", false, "Replace the collection with the remote one and exit")
	flag.Parse()

	cfg := config.Load()
	logging.Init(cfg.LogLevel, cfg.LogFormat)

	// SQLite holds sync history for both drivers
	db, err := repository.NewSQLiteDB(cfg.DBPath)
	if err != nil {
		logging.Logger.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	if err := db.InitSchema(); err != nil {
		logging.Logger.Fatalf("Failed to initialize database schema: %v", err)
	}

	medium, err := openMedium(cfg, db)
	if err != nil {
		logging.Logger.Fatalf("Failed to open storage: %v", err)
	}
	historyRepo := repository.NewSyncHistoryRepository(db)

	store := service.NewRecordStore(persistence.NewBlobAdapter(medium))
	store.Load()

	// The client exists even without REMOTE_BASE_URL so an address can be
	// saved at runtime
	online := service.NewOnlineFlag(!cfg.StartOffline)
	client := remote.NewClient(cfg.RemoteBaseURL, cfg.RemoteToken, cfg.RemoteTimeout)
	remoteSettings := service.NewRemoteSettings(client, medium, cfg.RemoteBaseURL)
	if err := remoteSettings.Load(); err != nil {
		logging.WithError(err).Warn("Failed to load saved remote address")
	}

	syncSvc := service.NewSyncService(client, online, store, cfg.RemoteTimeout)
	syncSvc.SetHistory(historyRepo)
	store.SetNotifier(syncSvc)

	backupSvc := service.NewBackupService(store, cfg.BackupDir, cfg.MaxBackups)

	// CLI modes
	switch {
	case *exportPath != "":
		if err := runExport(store, *exportPath); err != nil {
			logging.Logger.Fatalf("Export failed: %v", err)
		}
		return
	case *importPath != "":
		if err := runImport(store, *importPath); err != nil {
			logging.Logger.Fatalf("Import failed: %v", err)
		}
		// Push the import before exiting
		syncSvc.Start()
		syncSvc.Stop()
		if store.Unsynced() {
			logging.Logger.Warn("Import not pushed, it will be synced on the next start")
		}
		return
	case *pullOnce:
		records, err := syncSvc.Pull(context.Background())
		if err != nil {
			logging.Logger.Fatalf("Pull failed: %v", err)
		}
		fmt.Printf("Pulled %d records\n", len(records))
		return
	}

	syncSvc.Start()
	// Edits left unsynced by a previous run go out first
	syncSvc.Resume()

	scheduler := service.NewScheduler(syncSvc, backupSvc, cfg.SyncInterval, cfg.BackupSchedule)
	scheduler.SetHistoryPruner(historyRepo, cfg.HistoryLimit)
	if err := scheduler.Start(); err != nil {
		logging.Logger.Fatalf("Failed to start scheduler: %v", err)
	}

	httpHandler := handler.NewHTTPHandler(handler.Dependencies{
		Store:    store,
		Sync:     syncSvc,
		Online:   online,
		Backup:   backupSvc,
		History:  historyRepo,
		Remote:   remoteSettings,
		Schedule: scheduler,
		APIToken: cfg.APIToken,
	})
	server := handler.NewServer(cfg.ListenAddr, handler.NewRouter(httpHandler), cfg.CORSOrigins)

	var bot *notify.TelegramBot
	if cfg.TelegramEnabled() {
		bot, err = notify.NewTelegramBot(cfg.TelegramBotToken, cfg.TelegramChatID, notify.Dependencies{
			Store: store,
			Sync:  syncSvc,
		})
		if err != nil {
			logging.Logger.Fatalf("Failed to create Telegram bot: %v", err)
		}
		go bot.Start()
		logging.WithField("chat_id", cfg.TelegramChatID).Info("Telegram bot started")
	}

	go func() {
		logging.WithField("addr", cfg.ListenAddr).Info("HTTP server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Logger.Fatalf("HTTP server failed: %v", err)
		}
	}()

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logging.Logger.Info("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logging.WithError(err).Warn("HTTP server shutdown")
	}
	if bot != nil {
		bot.Stop()
	}
	scheduler.Stop()
	syncSvc.Stop()
}

// settingsMedium holds the collection and the runtime settings
type settingsMedium interface {
	persistence.Medium
	Delete(key string) error
}

func openMedium(cfg *config.Config, db *repository.SQLiteDB) (settingsMedium, error) {
	if cfg.StorageDriver == config.StorageFile {
		return persistence.NewFileMedium(cfg.StateDir)
	}
	return repository.NewKVRepository(db), nil
}

func runExport(store *service.RecordStore, path string) error {
	data, err := store.ExportSnapshot()
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return err
	}
	fmt.Printf("Exported %d records to %s\n", store.Len(), path)
	return nil
}

func runImport(store *service.RecordStore, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	n, err := store.ImportSnapshot(data)
	if err != nil {
		return err
	}
	fmt.Printf("Imported %d records from %s\n", n, path)
	return nil
}
