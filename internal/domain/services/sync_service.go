package services

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/athebyme/sheetsync-platform/internal/adapters/messaging"
	"github.com/athebyme/sheetsync-platform/internal/adapters/storage"
	"github.com/athebyme/sheetsync-platform/internal/domain/models"
	"github.com/athebyme/sheetsync-platform/internal/syncerr"
	"github.com/athebyme/sheetsync-platform/pkg/errors"
	"github.com/athebyme/sheetsync-platform/pkg/interfaces"
)

// SyncRequest параметры запуска синхронизации
type SyncRequest struct {
	Type               string     `json:"type"`
	Strategy           string     `json:"strategy,omitempty"`
	ConflictResolution string     `json:"conflict_resolution,omitempty"`
	ProductIDs         []string   `json:"product_ids,omitempty"`
	ImportMode         string     `json:"import_mode,omitempty"`
	Async              bool       `json:"async"`
	Since              *time.Time `json:"since,omitempty"`
}

// SyncJob сообщение асинхронного задания, уходящее в очередь
type SyncJob struct {
	RunID    string      `json:"run_id"`
	TenantID string      `json:"tenant_id"`
	Request  SyncRequest `json:"request"`
}

// RunExecutor выполняет один запуск синхронизации. Реализуется конвейером
// заданий, интерфейс разрывает цикл зависимостей между сервисом и заданиями.
type RunExecutor interface {
	Execute(ctx context.Context, run *models.SyncRun, req *SyncRequest) (int, error)
}

// Режимы импорта
const (
	ImportModePreview = "preview_only"
	ImportModeDryRun  = "dry_run"
	ImportModeApply   = "import"
)

// SyncService оркестратор запусков синхронизации: валидирует запросы,
// ведет записи запусков, раскладывает асинхронные задания в очередь
// и отдает прогресс по снимкам в кэше
type SyncService struct {
	storage     storage.SyncStoragePort
	cache       interfaces.CachePort
	messaging   interfaces.MessagingPort
	executor    RunExecutor
	logger      interfaces.LoggerPort
	jobsTopic   string
	eventsTopic string
	progressTTL time.Duration
	conflictTTL time.Duration
	incremental time.Duration
}

// SyncServiceOptions настройки оркестратора
type SyncServiceOptions struct {
	JobsTopic         string
	EventsTopic       string
	ProgressTTL       time.Duration
	ConflictTTL       time.Duration
	IncrementalWindow time.Duration
}

// NewSyncService создает новый экземпляр SyncService
func NewSyncService(
	storagePort storage.SyncStoragePort,
	cachePort interfaces.CachePort,
	messagingPort interfaces.MessagingPort,
	logger interfaces.LoggerPort,
	opts SyncServiceOptions,
) *SyncService {
	if opts.JobsTopic == "" {
		opts.JobsTopic = messaging.SyncJobsTopic
	}
	if opts.EventsTopic == "" {
		opts.EventsTopic = messaging.SyncEventsTopic
	}
	if opts.ProgressTTL == 0 {
		opts.ProgressTTL = 6 * time.Hour
	}
	if opts.ConflictTTL == 0 {
		opts.ConflictTTL = 7 * 24 * time.Hour
	}
	if opts.IncrementalWindow == 0 {
		opts.IncrementalWindow = 30 * 24 * time.Hour
	}

	return &SyncService{
		storage:     storagePort,
		cache:       cachePort,
		messaging:   messagingPort,
		logger:      logger,
		jobsTopic:   opts.JobsTopic,
		eventsTopic: opts.EventsTopic,
		progressTTL: opts.ProgressTTL,
		conflictTTL: opts.ConflictTTL,
		incremental: opts.IncrementalWindow,
	}
}

// SetExecutor привязывает исполнителя запусков
func (s *SyncService) SetExecutor(executor RunExecutor) {
	s.executor = executor
}

func validSyncType(t string) bool {
	switch t {
	case models.SyncTypeProducts, models.SyncTypeInventory, models.SyncTypeFull,
		models.SyncTypeImport, models.SyncTypeWebhook:
		return true
	}
	return false
}

// StartSync запускает синхронизацию. Запрос валидируется до создания записи
// запуска: неизвестная стратегия или политика конфликтов отклоняются сразу.
// Асинхронный запуск уходит заданием в очередь, синхронный выполняется
// на месте и возвращает терминальную запись.
func (s *SyncService) StartSync(ctx context.Context, tenantID string, req *SyncRequest) (*models.SyncRun, error) {
	if tenantID == "" {
		return nil, syncerr.Validation("tenant id is required")
	}
	if !validSyncType(req.Type) {
		return nil, syncerr.Validation(fmt.Sprintf("unknown sync type: %q", req.Type))
	}
	if req.Strategy == "" {
		req.Strategy = models.StrategyFull
	}
	if !models.ValidStrategy(req.Strategy) {
		return nil, syncerr.Validation(fmt.Sprintf("unknown sync strategy: %q", req.Strategy))
	}
	if req.ConflictResolution == "" {
		req.ConflictResolution = models.ConflictShopifyWins
	}
	if !models.ValidConflictResolution(req.ConflictResolution) {
		return nil, syncerr.Validation(fmt.Sprintf("unknown conflict resolution: %q", req.ConflictResolution))
	}
	if req.Strategy == models.StrategySelective && len(req.ProductIDs) == 0 {
		return nil, syncerr.Validation("selective sync requires product ids")
	}
	// Полный запуск включает фазу импорта, режим нужен и ему
	if (req.Type == models.SyncTypeImport || req.Type == models.SyncTypeFull) && req.ImportMode == "" {
		req.ImportMode = ImportModeApply
	}

	if req.Strategy == models.StrategyIncremental && req.Since == nil {
		since := s.incrementalSince(ctx, tenantID, req.Type)
		req.Since = &since
	}

	run := &models.SyncRun{
		TenantID: tenantID,
		Type:     req.Type,
		Status:   models.SyncStatusPending,
	}
	if err := s.storage.SaveSyncRun(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to create sync run: %w", err)
	}

	s.logger.InfoWithContext(ctx, "запуск синхронизации создан",
		interfaces.LogField{Key: "run_id", Value: run.ID},
		interfaces.LogField{Key: "tenant_id", Value: tenantID},
		interfaces.LogField{Key: "type", Value: req.Type},
		interfaces.LogField{Key: "strategy", Value: req.Strategy})

	if req.Async {
		if err := s.enqueue(ctx, run, req); err != nil {
			run.MarkAsFailed("failed to enqueue job: " + err.Error())
			if saveErr := s.storage.SaveSyncRun(ctx, run); saveErr != nil {
				s.logger.ErrorWithContext(ctx, "не удалось сохранить проваленный запуск",
					interfaces.LogField{Key: "run_id", Value: run.ID},
					interfaces.LogField{Key: "error", Value: saveErr.Error()})
			}
			return nil, fmt.Errorf("failed to enqueue sync job: %w", err)
		}
		return run, nil
	}

	if err := s.ExecuteRun(ctx, run, req); err != nil {
		return run, err
	}
	return run, nil
}

// incrementalSince определяет нижнюю границу инкрементальной выборки:
// время последнего успешного запуска того же типа, при его отсутствии
// применяется настроенное окно по умолчанию
func (s *SyncService) incrementalSince(ctx context.Context, tenantID, syncType string) time.Time {
	last, err := s.storage.GetLastCompletedRun(ctx, tenantID, syncType)
	if err == nil && last.CompletedAt != nil {
		return *last.CompletedAt
	}
	if err != nil && !stderrors.Is(err, errors.ErrNotFound) {
		s.logger.WarnWithContext(ctx, "не удалось получить последний успешный запуск",
			interfaces.LogField{Key: "tenant_id", Value: tenantID},
			interfaces.LogField{Key: "error", Value: err.Error()})
	}
	return time.Now().UTC().Add(-s.incremental)
}

// enqueue публикует задание в очередь
func (s *SyncService) enqueue(ctx context.Context, run *models.SyncRun, req *SyncRequest) error {
	job := SyncJob{RunID: run.ID, TenantID: run.TenantID, Request: *req}
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal sync job: %w", err)
	}
	return s.messaging.PublishForTenant(ctx, s.jobsTopic, payload, run.TenantID)
}

// ExecuteRun выполняет запуск через привязанный исполнитель. Ошибка
// исполнителя переводит запуск в failed и поднимается вызывающему.
func (s *SyncService) ExecuteRun(ctx context.Context, run *models.SyncRun, req *SyncRequest) error {
	if s.executor == nil {
		return stderrors.New("no run executor configured")
	}

	run.MarkAsStarted()
	if err := s.storage.SaveSyncRun(ctx, run); err != nil {
		return fmt.Errorf("failed to mark run as started: %w", err)
	}
	s.snapshotProgress(ctx, run)

	processed, err := s.executor.Execute(ctx, run, req)
	if err != nil {
		run.MarkAsFailed(err.Error())
		if saveErr := s.storage.SaveSyncRun(ctx, run); saveErr != nil {
			s.logger.ErrorWithContext(ctx, "не удалось сохранить проваленный запуск",
				interfaces.LogField{Key: "run_id", Value: run.ID},
				interfaces.LogField{Key: "error", Value: saveErr.Error()})
		}
		s.snapshotProgress(ctx, run)
		s.publishEvent(ctx, messaging.SyncFailedEvent, run)
		return fmt.Errorf("sync run %s failed: %w", run.ID, err)
	}

	run.MarkAsCompleted(processed)
	if err := s.storage.SaveSyncRun(ctx, run); err != nil {
		return fmt.Errorf("failed to mark run as completed: %w", err)
	}
	s.snapshotProgress(ctx, run)
	s.publishEvent(ctx, messaging.SyncCompletedEvent, run)

	s.logger.InfoWithContext(ctx, "запуск синхронизации завершен",
		interfaces.LogField{Key: "run_id", Value: run.ID},
		interfaces.LogField{Key: "records_processed", Value: processed})
	return nil
}

// ReportProgress обновляет счетчики запуска и снимок прогресса в кэше.
// Вызывается конвейером после каждого обработанного чанка.
func (s *SyncService) ReportProgress(ctx context.Context, run *models.SyncRun, processed, total int) {
	run.UpdateRecordsProcessed(processed)
	run.TotalRecords = total
	if err := s.storage.SaveSyncRun(ctx, run); err != nil {
		s.logger.WarnWithContext(ctx, "не удалось сохранить прогресс запуска",
			interfaces.LogField{Key: "run_id", Value: run.ID},
			interfaces.LogField{Key: "error", Value: err.Error()})
	}
	s.snapshotProgress(ctx, run)
	s.publishEvent(ctx, messaging.SyncProgressEvent, run)
}

// snapshotProgress пишет эфемерный снимок прогресса в кэш.
// Сбой кэша не прерывает синхронизацию.
func (s *SyncService) snapshotProgress(ctx context.Context, run *models.SyncRun) {
	snapshot := models.Progress{
		RunID:            run.ID,
		Status:           run.Status,
		RecordsProcessed: run.RecordsProcessed,
		TotalRecords:     run.TotalRecords,
		Percentage:       run.Percentage(),
		UpdatedAt:        time.Now().UTC(),
	}
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return
	}
	if err := s.cache.SetWithTenant(ctx, "progress:"+run.ID, payload, run.TenantID, s.progressTTL); err != nil {
		s.logger.WarnWithContext(ctx, "не удалось записать снимок прогресса",
			interfaces.LogField{Key: "run_id", Value: run.ID},
			interfaces.LogField{Key: "error", Value: err.Error()})
	}
}

// publishEvent публикует событие запуска, сбой публикации только логируется
func (s *SyncService) publishEvent(ctx context.Context, event string, run *models.SyncRun) {
	payload, err := json.Marshal(map[string]interface{}{
		"event":             event,
		"run_id":            run.ID,
		"tenant_id":         run.TenantID,
		"status":            run.Status,
		"records_processed": run.RecordsProcessed,
		"total_records":     run.TotalRecords,
		"percentage":        run.Percentage(),
	})
	if err != nil {
		return
	}
	if err := s.messaging.PublishForTenant(ctx, s.eventsTopic, payload, run.TenantID); err != nil {
		s.logger.WarnWithContext(ctx, "не удалось опубликовать событие синхронизации",
			interfaces.LogField{Key: "event", Value: event},
			interfaces.LogField{Key: "run_id", Value: run.ID},
			interfaces.LogField{Key: "error", Value: err.Error()})
	}
}

// GetProgress возвращает прогресс запуска: сначала снимок из кэша, при его
// отсутствии авторитетная запись запуска из хранилища
func (s *SyncService) GetProgress(ctx context.Context, runID, tenantID string) (*models.Progress, error) {
	if payload, err := s.cache.GetWithTenant(ctx, "progress:"+runID, tenantID); err == nil {
		var snapshot models.Progress
		if err := json.Unmarshal(payload, &snapshot); err == nil {
			return &snapshot, nil
		}
	}

	run, err := s.storage.GetSyncRun(ctx, runID, tenantID)
	if err != nil {
		if stderrors.Is(err, errors.ErrNotFound) {
			return nil, syncerr.NotFound("sync run not found: " + runID)
		}
		return nil, fmt.Errorf("failed to get sync run: %w", err)
	}

	return &models.Progress{
		RunID:            run.ID,
		Status:           run.Status,
		RecordsProcessed: run.RecordsProcessed,
		TotalRecords:     run.TotalRecords,
		Percentage:       run.Percentage(),
		UpdatedAt:        run.UpdatedAt,
	}, nil
}

// GetRun возвращает запись запуска арендатора
func (s *SyncService) GetRun(ctx context.Context, runID, tenantID string) (*models.SyncRun, error) {
	run, err := s.storage.GetSyncRun(ctx, runID, tenantID)
	if err != nil {
		if stderrors.Is(err, errors.ErrNotFound) {
			return nil, syncerr.NotFound("sync run not found: " + runID)
		}
		return nil, err
	}
	return run, nil
}

// ListRuns возвращает историю запусков арендатора
func (s *SyncService) ListRuns(ctx context.Context, tenantID string, limit, offset int) ([]*models.SyncRun, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	return s.storage.ListSyncRuns(ctx, tenantID, limit, offset)
}

// StoreConflicts сохраняет набор конфликтов запуска в кэше для разбора
func (s *SyncService) StoreConflicts(ctx context.Context, set *models.ConflictSet) error {
	payload, err := json.Marshal(set)
	if err != nil {
		return fmt.Errorf("failed to marshal conflict set: %w", err)
	}
	return s.cache.SetWithTenant(ctx, "conflicts:"+set.RunID, payload, set.TenantID, s.conflictTTL)
}

// GetConflicts возвращает сохраненный набор конфликтов запуска
func (s *SyncService) GetConflicts(ctx context.Context, runID, tenantID string) (*models.ConflictSet, error) {
	payload, err := s.cache.GetWithTenant(ctx, "conflicts:"+runID, tenantID)
	if err != nil {
		if stderrors.Is(err, errors.ErrCacheMiss) {
			return nil, syncerr.NotFound("no conflicts recorded for run: " + runID)
		}
		return nil, fmt.Errorf("failed to get conflicts: %w", err)
	}

	var set models.ConflictSet
	if err := json.Unmarshal(payload, &set); err != nil {
		return nil, fmt.Errorf("failed to unmarshal conflict set: %w", err)
	}
	return &set, nil
}

// SaveMapping сохраняет маппинг поля арендатора
func (s *SyncService) SaveMapping(ctx context.Context, mapping *models.FieldMapping) error {
	if mapping.TenantID == "" {
		return syncerr.Validation("tenant id is required")
	}
	if mapping.FieldName == "" {
		return syncerr.Validation("field name is required")
	}
	if mapping.Column == "" {
		return syncerr.Validation("column is required")
	}
	return s.storage.SaveFieldMapping(ctx, mapping)
}

// ListMappings возвращает маппинги арендатора
func (s *SyncService) ListMappings(ctx context.Context, tenantID string) ([]*models.FieldMapping, error) {
	return s.storage.ListFieldMappings(ctx, tenantID)
}

// DeleteMapping удаляет маппинг поля
func (s *SyncService) DeleteMapping(ctx context.Context, mappingID, tenantID string) error {
	err := s.storage.DeleteFieldMapping(ctx, mappingID, tenantID)
	if stderrors.Is(err, errors.ErrNotFound) {
		return syncerr.NotFound("field mapping not found: " + mappingID)
	}
	return err
}
