package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/athebyme/sheetsync-platform/internal/adapters/storage"
	"github.com/athebyme/sheetsync-platform/internal/domain/services"
	"github.com/athebyme/sheetsync-platform/pkg/interfaces"
)

// RunnerOptions настройки исполнителя заданий
type RunnerOptions struct {
	Topic       string        // топик заданий
	MaxAttempts int           // попытки выполнения задания
	Backoff     time.Duration // фиксированная пауза между попытками
	JobTimeout  time.Duration // таймаут одной попытки
}

// Runner потребляет задания синхронизации из очереди и выполняет их
// через оркестратор. Задание получает фиксированное число попыток,
// терминальный провал оставляет запуск в статусе failed.
type Runner struct {
	sync      *services.SyncService
	storage   storage.SyncStoragePort
	messaging interfaces.MessagingPort
	logger    interfaces.LoggerPort
	opts      RunnerOptions
	sleep     func(time.Duration)
}

// NewRunner создает исполнителя заданий
func NewRunner(
	syncService *services.SyncService,
	storagePort storage.SyncStoragePort,
	messagingPort interfaces.MessagingPort,
	logger interfaces.LoggerPort,
	opts RunnerOptions,
) *Runner {
	if opts.Topic == "" {
		opts.Topic = "sync-jobs"
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.Backoff <= 0 {
		opts.Backoff = time.Minute
	}
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = time.Hour
	}

	return &Runner{
		sync:      syncService,
		storage:   storagePort,
		messaging: messagingPort,
		logger:    logger,
		opts:      opts,
		sleep:     time.Sleep,
	}
}

// Start подписывает исполнителя на топик заданий, возвращает функцию отписки
func (r *Runner) Start(ctx context.Context) (func() error, error) {
	unsubscribe, err := r.messaging.Subscribe(ctx, r.opts.Topic, r.handleMessage)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to jobs topic: %w", err)
	}
	r.logger.Info("исполнитель заданий запущен",
		interfaces.LogField{Key: "topic", Value: r.opts.Topic})
	return unsubscribe, nil
}

// handleMessage выполняет одно задание с повторами. Ошибка не возвращается
// брокеру: повторная доставка управляется здесь, а не оффсетами.
func (r *Runner) handleMessage(ctx context.Context, msg *interfaces.Message) error {
	var job services.SyncJob
	if err := json.Unmarshal(msg.Value, &job); err != nil {
		r.logger.ErrorWithContext(ctx, "не удалось разобрать задание",
			interfaces.LogField{Key: "message_id", Value: msg.ID},
			interfaces.LogField{Key: "error", Value: err.Error()})
		return nil
	}

	run, err := r.storage.GetSyncRun(ctx, job.RunID, job.TenantID)
	if err != nil {
		r.logger.ErrorWithContext(ctx, "запуск задания не найден",
			interfaces.LogField{Key: "run_id", Value: job.RunID},
			interfaces.LogField{Key: "tenant_id", Value: job.TenantID},
			interfaces.LogField{Key: "error", Value: err.Error()})
		return nil
	}

	var lastErr error
	for attempt := 1; attempt <= r.opts.MaxAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, r.opts.JobTimeout)
		lastErr = r.sync.ExecuteRun(attemptCtx, run, &job.Request)
		cancel()

		if lastErr == nil {
			return nil
		}

		r.logger.WarnWithContext(ctx, "попытка задания провалилась",
			interfaces.LogField{Key: "run_id", Value: run.ID},
			interfaces.LogField{Key: "attempt", Value: attempt},
			interfaces.LogField{Key: "error", Value: lastErr.Error()})

		if attempt < r.opts.MaxAttempts {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			r.sleep(r.opts.Backoff)
		}
	}

	r.logger.ErrorWithContext(ctx, "задание исчерпало попытки",
		interfaces.LogField{Key: "run_id", Value: run.ID},
		interfaces.LogField{Key: "attempts", Value: r.opts.MaxAttempts},
		interfaces.LogField{Key: "error", Value: lastErr.Error()})
	return nil
}
