package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/athebyme/sheetsync-platform/config"
	"github.com/athebyme/sheetsync-platform/internal/adapters/cache"
	"github.com/athebyme/sheetsync-platform/internal/adapters/logger"
	"github.com/athebyme/sheetsync-platform/internal/adapters/messaging"
	"github.com/athebyme/sheetsync-platform/internal/adapters/storage"
	"github.com/athebyme/sheetsync-platform/internal/api"
	"github.com/athebyme/sheetsync-platform/internal/clients/shopify"
	"github.com/athebyme/sheetsync-platform/internal/domain/models"
	"github.com/athebyme/sheetsync-platform/internal/domain/services"
	"github.com/athebyme/sheetsync-platform/internal/jobs"
	"github.com/athebyme/sheetsync-platform/internal/security"
	"github.com/athebyme/sheetsync-platform/internal/utils"
	"github.com/athebyme/sheetsync-platform/pkg/interfaces"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		fmt.Printf("Ошибка загрузки конфигурации: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log, err := logger.NewZapLogger(cfg.LogLevel, cfg.ENV == "production")
	if err != nil {
		fmt.Printf("Ошибка инициализации логгера: %v\n", err)
		os.Exit(1)
	}
	log.Info("Инициализация сервиса",
		interfaces.LogField{Key: "app_name", Value: cfg.AppName},
		interfaces.LogField{Key: "version", Value: cfg.Version},
		interfaces.LogField{Key: "env", Value: cfg.ENV},
	)

	postgresCon, err := utils.GenerateConnectionString(
		cfg.Postgres.Host,
		cfg.Postgres.User,
		cfg.Postgres.Password,
		cfg.Postgres.DBName,
		cfg.Postgres.SSLMode,
		cfg.Postgres.Port,
		cfg.Postgres.PoolSize,
		cfg.Postgres.Timeout,
	)
	if err != nil {
		fmt.Printf("Ошибка инициализации строки подключения базы: %v\n", err)
		os.Exit(1)
	}

	db, err := storage.NewPostgresStorage(ctx, postgresCon)
	if err != nil {
		log.Fatal("Ошибка инициализации хранилища", interfaces.LogField{Key: "error", Value: err.Error()})
	}
	defer db.Close()
	log.Info("Хранилище инициализировано")

	cacheClient, err := cache.NewRedisCache(
		ctx,
		cfg.Redis.Host,
		cfg.Redis.Port,
		cfg.Redis.Password,
		cfg.Redis.DB,
	)
	if err != nil {
		log.Fatal("Ошибка инициализации кэша", interfaces.LogField{Key: "error", Value: err.Error()})
	}
	defer cacheClient.Close()
	log.Info("Кэш инициализирован")

	messagingClient, err := messaging.NewKafkaMessaging(cfg.Kafka.Brokers, cfg.Kafka.GroupID, log)
	if err != nil {
		log.Fatal("Ошибка инициализации системы обмена сообщениями", interfaces.LogField{Key: "error", Value: err.Error()})
	}
	defer messagingClient.Close()
	log.Info("Система обмена сообщениями инициализирована")

	encryptionKey, err := base64.StdEncoding.DecodeString(cfg.Security.EncryptionKey)
	if err != nil {
		log.Fatal("Ошибка декодирования ключа шифрования", interfaces.LogField{Key: "error", Value: err.Error()})
	}
	cipher, err := security.NewTokenCipher(encryptionKey)
	if err != nil {
		log.Fatal("Ошибка инициализации шифрования токенов", interfaces.LogField{Key: "error", Value: err.Error()})
	}

	states := security.NewStateManager([]byte(cfg.Security.StateSecret), cfg.Security.StateTTL)
	oauthCfg := security.NewGoogleOAuthConfig(
		cfg.Google.ClientID,
		cfg.Google.ClientSecret,
		cfg.Google.RedirectURL,
		cfg.Google.Scopes,
	)

	syncService := services.NewSyncService(db, cacheClient, messagingClient, log, services.SyncServiceOptions{
		JobsTopic:         cfg.Kafka.JobsTopic,
		EventsTopic:       cfg.Kafka.EventsTopic,
		ProgressTTL:       cfg.Sync.ProgressTTL,
		ConflictTTL:       cfg.Sync.ConflictTTL,
		IncrementalWindow: cfg.Sync.IncrementalWindow,
	})

	connectionService := services.NewConnectionService(db, cacheClient, cipher, states, oauthCfg, log)
	log.Info("Сервисы синхронизации инициализированы")

	catalogClient := shopify.NewClient(shopify.Options{
		ShopDomain:  cfg.Shopify.ShopDomain,
		AccessToken: cfg.Shopify.AccessToken,
		APIVersion:  cfg.Shopify.APIVersion,
		Timeout:     cfg.Shopify.Timeout,
		MaxRetries:  cfg.Shopify.MaxRetries,
		BaseDelay:   cfg.Shopify.BaseDelay,
		PageDelay:   cfg.Shopify.PageDelay,
	}, log)

	sheetFactory := func(ctx context.Context, tenantID string) (jobs.SheetClient, *models.SpreadsheetConnection, error) {
		client, conn, err := connectionService.BuildSheetClient(ctx, tenantID)
		if err != nil {
			return nil, nil, err
		}
		return client, conn, nil
	}

	// Конвейер нужен и в API: синхронные запуски выполняются на месте,
	// он же отдает результаты импорта из кэша
	pipeline := jobs.NewPipeline(syncService, catalogClient, sheetFactory, db, cacheClient, log, jobs.Options{
		ChunkSize:      cfg.Sync.ChunkSize,
		ImportPageSize: cfg.Sync.ImportPageSize,
		ChunkRetries:   cfg.Sync.JobMaxAttempts,
		ChunkBaseDelay: cfg.Shopify.BaseDelay,
		PreviewTTL:     cfg.Sync.PreviewTTL,
		Timezone:       cfg.Sync.Timezone,
	})
	pipeline.SetExportHook(connectionService.MarkSynced)
	syncService.SetExecutor(pipeline)

	webhooks := jobs.NewWebhookProcessor(sheetFactory, db, log, cfg.Sync.DebounceWindow, cfg.Sync.Timezone)

	router := api.SetupRouter(api.Deps{
		SyncService:   syncService,
		Connections:   connectionService,
		ImportResults: pipeline,
		Webhooks:      webhooks,
		WebhookSecret: cfg.Shopify.WebhookSecret,
		Logger:        log,
		CORSOrigins:   cfg.Security.CORSAllowOrigins,
		RateLimitRPS:  cfg.Security.RateLimitRPS,
	})
	log.Info("Маршрутизатор настроен")

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	done := make(chan bool, 1)
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Info("Сервер запущен", interfaces.LogField{Key: "address", Value: server.Addr})
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Ошибка запуска сервера", interfaces.LogField{Key: "error", Value: err.Error()})
		}
	}()

	go func() {
		<-quit
		log.Info("Получен сигнал завершения, выполняется graceful shutdown...")

		ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			log.Fatal("Ошибка при graceful shutdown", interfaces.LogField{Key: "error", Value: err.Error()})
		}

		log.Info("HTTP сервер остановлен")

		log.Info("Закрытие соединений с зависимостями...")

		if err := messagingClient.Close(); err != nil {
			log.Error("Ошибка при закрытии Kafka",
				interfaces.LogField{Key: "error", Value: err.Error()})
		}

		if err := cacheClient.Close(); err != nil {
			log.Error("Ошибка при закрытии Redis",
				interfaces.LogField{Key: "error", Value: err.Error()})
		}

		if err := db.Close(); err != nil {
			log.Error("Ошибка при закрытии БД",
				interfaces.LogField{Key: "error", Value: err.Error()})
		}

		close(done)
	}()

	<-done
	log.Info("Сервер корректно завершил работу")
}
