package models

import "time"

// Статусы запуска синхронизации: pending → processing → {completed | failed}
const (
	SyncStatusPending    = "pending"
	SyncStatusProcessing = "processing"
	SyncStatusCompleted  = "completed"
	SyncStatusFailed     = "failed"
)

// Типы запусков синхронизации
const (
	SyncTypeProducts  = "products"
	SyncTypeInventory = "inventory"
	SyncTypeFull      = "full"
	SyncTypeImport    = "import"
	SyncTypeWebhook   = "webhook"
)

// Стратегии синхронизации
const (
	StrategyFull        = "full"
	StrategyIncremental = "incremental"
	StrategySelective   = "selective"
)

// Политики разрешения конфликтов
const (
	ConflictShopifyWins = "shopify_wins"
	ConflictSheetsWins  = "sheets_wins"
	ConflictManual      = "manual"
	ConflictMerge       = "merge"
)

// ValidStrategy проверяет принадлежность стратегии к допустимому набору
func ValidStrategy(s string) bool {
	switch s {
	case StrategyFull, StrategyIncremental, StrategySelective:
		return true
	}
	return false
}

// ValidConflictResolution проверяет принадлежность политики конфликтов к допустимому набору
func ValidConflictResolution(c string) bool {
	switch c {
	case ConflictShopifyWins, ConflictSheetsWins, ConflictManual, ConflictMerge:
		return true
	}
	return false
}

// SyncRun запись состояния одного запуска синхронизации.
// Создается при старте, изменяется только оркестратором/заданием,
// после терминального статуса становится неизменяемой историей.
type SyncRun struct {
	ID               string     `json:"id"`
	TenantID         string     `json:"tenant_id"`
	Type             string     `json:"type"`
	Status           string     `json:"status"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	RecordsProcessed int        `json:"records_processed"`
	TotalRecords     int        `json:"total_records"`
	ErrorMessage     string     `json:"error_message,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// MarkAsStarted переводит запуск в состояние processing
func (r *SyncRun) MarkAsStarted() {
	now := time.Now().UTC()
	r.Status = SyncStatusProcessing
	r.StartedAt = &now
	r.UpdatedAt = now
}

// UpdateRecordsProcessed обновляет счетчик обработанных записей
func (r *SyncRun) UpdateRecordsProcessed(count int) {
	r.RecordsProcessed = count
	r.UpdatedAt = time.Now().UTC()
}

// MarkAsCompleted переводит запуск в терминальное состояние completed.
// Идемпотентно: повторный вызов оставляет статус completed,
// значение recordsProcessed последнего вызова побеждает.
func (r *SyncRun) MarkAsCompleted(recordsProcessed int) {
	now := time.Now().UTC()
	r.Status = SyncStatusCompleted
	r.RecordsProcessed = recordsProcessed
	r.CompletedAt = &now
	r.UpdatedAt = now
}

// MarkAsFailed переводит запуск в терминальное состояние failed с текстом ошибки
func (r *SyncRun) MarkAsFailed(errMsg string) {
	now := time.Now().UTC()
	r.Status = SyncStatusFailed
	r.ErrorMessage = errMsg
	r.CompletedAt = &now
	r.UpdatedAt = now
}

// Percentage возвращает процент выполнения запуска
func (r *SyncRun) Percentage() float64 {
	if r.Status == SyncStatusCompleted {
		return 100
	}
	if r.TotalRecords <= 0 {
		return 0
	}
	pct := float64(r.RecordsProcessed) / float64(r.TotalRecords) * 100
	if pct > 100 {
		pct = 100
	}
	return pct
}
