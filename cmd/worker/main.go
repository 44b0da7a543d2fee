package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/athebyme/sheetsync-platform/config"
	"github.com/athebyme/sheetsync-platform/internal/adapters/cache"
	"github.com/athebyme/sheetsync-platform/internal/adapters/logger"
	"github.com/athebyme/sheetsync-platform/internal/adapters/messaging"
	"github.com/athebyme/sheetsync-platform/internal/adapters/storage"
	"github.com/athebyme/sheetsync-platform/internal/clients/shopify"
	"github.com/athebyme/sheetsync-platform/internal/domain/models"
	"github.com/athebyme/sheetsync-platform/internal/domain/services"
	"github.com/athebyme/sheetsync-platform/internal/jobs"
	"github.com/athebyme/sheetsync-platform/internal/security"
	"github.com/athebyme/sheetsync-platform/internal/utils"
	"github.com/athebyme/sheetsync-platform/pkg/interfaces"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Метрики для Prometheus
var (
	eventsObserved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "worker_sync_events_total",
		Help: "Количество наблюдаемых событий синхронизации",
	}, []string{"event"})

	recordsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "worker_sync_records_processed_total",
		Help: "Количество обработанных записей синхронизации",
	}, []string{"event"})
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
	log.Info("Инициализация воркера",
		interfaces.LogField{Key: "app_name", Value: cfg.AppName + "-worker"},
		interfaces.LogField{Key: "version", Value: cfg.Version},
		interfaces.LogField{Key: "env", Value: cfg.ENV},
	)

	// HTTP сервер для метрик
	if cfg.Metrics.Enabled {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
				w.Write([]byte("OK"))
			})

			addr := fmt.Sprintf(":%d", cfg.Metrics.Port)
			log.Info("Запуск HTTP сервера для метрик",
				interfaces.LogField{Key: "addr", Value: addr})

			if err := http.ListenAndServe(addr, mux); err != nil {
				log.Error("Ошибка запуска HTTP сервера для метрик",
					interfaces.LogField{Key: "error", Value: err.Error()})
			}
		}()
	}

	connectionStr, err := utils.GenerateConnectionString(
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
		log.Fatal("Ошибка генерации строки подключения к PostgreSQL",
			interfaces.LogField{Key: "error", Value: err.Error()})
	}

	db, err := storage.NewPostgresStorage(ctx, connectionStr)
	if err != nil {
		log.Fatal("Ошибка инициализации хранилища",
			interfaces.LogField{Key: "error", Value: err.Error()})
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
		log.Fatal("Ошибка инициализации кэша",
			interfaces.LogField{Key: "error", Value: err.Error()})
	}
	defer cacheClient.Close()
	log.Info("Кэш инициализирован")

	messagingClient, err := messaging.NewKafkaMessaging(cfg.Kafka.Brokers, cfg.Kafka.GroupID, log)
	if err != nil {
		log.Fatal("Ошибка инициализации системы обмена сообщениями",
			interfaces.LogField{Key: "error", Value: err.Error()})
	}
	defer messagingClient.Close()
	log.Info("Система обмена сообщениями инициализирована")

	encryptionKey, err := base64.StdEncoding.DecodeString(cfg.Security.EncryptionKey)
	if err != nil {
		log.Fatal("Ошибка декодирования ключа шифрования",
			interfaces.LogField{Key: "error", Value: err.Error()})
	}
	cipher, err := security.NewTokenCipher(encryptionKey)
	if err != nil {
		log.Fatal("Ошибка инициализации шифрования токенов",
			interfaces.LogField{Key: "error", Value: err.Error()})
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
	log.Info("Конвейер синхронизации инициализирован")

	runner := jobs.NewRunner(syncService, db, messagingClient, log, jobs.RunnerOptions{
		Topic:       cfg.Kafka.JobsTopic,
		MaxAttempts: cfg.Sync.JobMaxAttempts,
		Backoff:     cfg.Sync.JobRetryBackoff,
		JobTimeout:  cfg.Sync.JobTimeout,
	})

	done := make(chan bool, 1)
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()

		unsubscribe, err := runner.Start(ctx)
		if err != nil {
			log.Error("Ошибка подписки на задания синхронизации",
				interfaces.LogField{Key: "error", Value: err.Error()})
			return
		}
		defer unsubscribe()

		log.Info("Подписка на задания синхронизации установлена")

		<-ctx.Done()
		log.Info("Отмена подписки на задания синхронизации")
	}()

	subscribeToSyncEvents(ctx, messagingClient, cfg.Kafka.EventsTopic, log, &wg)

	go func() {
		<-quit
		log.Info("Получен сигнал завершения, выполняется graceful shutdown...")
		cancel()
		wg.Wait()
		close(done)
	}()

	log.Info("Воркер запущен и готов к обработке заданий")
	<-done
	log.Info("Воркер корректно завершил работу")
}

// Подписка на события синхронизации для метрик и журнала
func subscribeToSyncEvents(ctx context.Context, messagingClient interfaces.MessagingPort,
	topic string, log interfaces.LoggerPort, wg *sync.WaitGroup) {

	eventHandler := func(ctx context.Context, msg *interfaces.Message) error {
		start := time.Now()

		var event struct {
			Event            string `json:"event"`
			RunID            string `json:"run_id"`
			TenantID         string `json:"tenant_id"`
			Status           string `json:"status"`
			RecordsProcessed int    `json:"records_processed"`
		}

		if err := json.Unmarshal(msg.Value, &event); err != nil {
			log.ErrorWithContext(ctx, "Ошибка декодирования события синхронизации",
				interfaces.LogField{Key: "error", Value: err.Error()},
				interfaces.LogField{Key: "message_id", Value: msg.ID},
			)
			return err
		}

		eventsObserved.WithLabelValues(event.Event).Inc()
		if event.RecordsProcessed > 0 {
			recordsProcessed.WithLabelValues(event.Event).Add(float64(event.RecordsProcessed))
		}

		log.InfoWithContext(ctx, "Событие синхронизации",
			interfaces.LogField{Key: "event", Value: event.Event},
			interfaces.LogField{Key: "run_id", Value: event.RunID},
			interfaces.LogField{Key: "tenant_id", Value: event.TenantID},
			interfaces.LogField{Key: "status", Value: event.Status},
			interfaces.LogField{Key: "records_processed", Value: event.RecordsProcessed},
			interfaces.LogField{Key: "duration", Value: time.Since(start).String()},
		)

		return nil
	}

	wg.Add(1)

	go func() {
		defer wg.Done()

		unsubscribe, err := messagingClient.Subscribe(ctx, topic, eventHandler)
		if err != nil {
			log.Error("Ошибка подписки на события синхронизации",
				interfaces.LogField{Key: "error", Value: err.Error()})
			return
		}
		defer unsubscribe()

		log.Info("Подписка на события синхронизации установлена")

		<-ctx.Done()
		log.Info("Отмена подписки на события синхронизации")
	}()
}
