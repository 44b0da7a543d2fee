package storage

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/athebyme/sheetsync-platform/internal/domain/models"
	"github.com/athebyme/sheetsync-platform/pkg/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// SyncStorageInterface определяет интерфейс взаимодействия с хранилищем PostgreSQL
type SyncStorageInterface interface {
	// SyncRun методы
	SaveSyncRun(ctx context.Context, run *models.SyncRun) error
	GetSyncRun(ctx context.Context, runID string, tenantID string) (*models.SyncRun, error)
	ListSyncRuns(ctx context.Context, tenantID string, limit, offset int) ([]*models.SyncRun, error)
	GetLastCompletedRun(ctx context.Context, tenantID string, syncType string) (*models.SyncRun, error)

	// FieldMapping методы
	SaveFieldMapping(ctx context.Context, mapping *models.FieldMapping) error
	ListFieldMappings(ctx context.Context, tenantID string) ([]*models.FieldMapping, error)
	DeleteFieldMapping(ctx context.Context, mappingID string, tenantID string) error

	// SpreadsheetConnection методы
	SaveConnection(ctx context.Context, conn *models.SpreadsheetConnection) error
	GetConnection(ctx context.Context, tenantID string) (*models.SpreadsheetConnection, error)
	UpdateConnectionTokens(ctx context.Context, tenantID string, accessCipher []byte, expiresAt *time.Time) error
	DeleteConnection(ctx context.Context, tenantID string) error
}

type SyncStoragePort interface {
	SyncStorageInterface

	BeginTx(ctx context.Context) (context.Context, error)

	CommitTx(ctx context.Context) error

	RollbackTx(ctx context.Context) error

	Close() error
}

// contextKey тип для ключей контекста
type contextKey string

// Ключи контекста
const (
	txKey contextKey = "transaction"
)

// SyncStorage реализация SyncStoragePort для PostgreSQL
type SyncStorage struct {
	pool *pgxpool.Pool
}

// NewPostgresStorage создает новый экземпляр SyncStorage
func NewPostgresStorage(ctx context.Context, connectionString string) (*SyncStorage, error) {
	pool, err := pgxpool.New(ctx, connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	return &SyncStorage{
		pool: pool,
	}, nil
}

// Close закрывает соединение с БД
func (r *SyncStorage) Close() error {
	r.pool.Close()
	return nil
}

type executor interface {
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
	Query(context.Context, string, ...interface{}) (pgx.Rows, error)
	QueryRow(context.Context, string, ...interface{}) pgx.Row
}

// getExecutor возвращает исполнителя запросов (транзакцию или пул)
func (r *SyncStorage) getExecutor(ctx context.Context) executor {
	if tx := r.getTx(ctx); tx != nil {
		return tx
	}
	return r.pool
}

// getTx получает транзакцию из контекста
func (r *SyncStorage) getTx(ctx context.Context) pgx.Tx {
	txFromCtx, ok := ctx.Value(txKey).(pgx.Tx)
	if !ok {
		return nil
	}
	return txFromCtx
}

// BeginTx начинает новую транзакцию
func (r *SyncStorage) BeginTx(ctx context.Context) (context.Context, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return ctx, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return context.WithValue(ctx, txKey, tx), nil
}

// CommitTx фиксирует транзакцию
func (r *SyncStorage) CommitTx(ctx context.Context) error {
	tx := r.getTx(ctx)
	if tx == nil {
		return stderrors.New("no transaction in context")
	}
	return tx.Commit(ctx)
}

// RollbackTx откатывает транзакцию
func (r *SyncStorage) RollbackTx(ctx context.Context) error {
	tx := r.getTx(ctx)
	if tx == nil {
		return stderrors.New("no transaction in context")
	}
	return tx.Rollback(ctx)
}

// SaveSyncRun сохраняет запуск синхронизации
func (r *SyncStorage) SaveSyncRun(ctx context.Context, run *models.SyncRun) error {
	executor := r.getExecutor(ctx)

	if run.ID == "" {
		run.ID = uuid.New().String()
	}

	query := `
		INSERT INTO sheetsync.sync_runs (id, tenant_id, type, status, started_at, completed_at,
			records_processed, total_records, error_message, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id)
		DO UPDATE SET
			status = $4,
			started_at = $5,
			completed_at = $6,
			records_processed = $7,
			total_records = $8,
			error_message = $9,
			updated_at = $11
	`

	now := time.Now().UTC()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	run.UpdatedAt = now

	_, err := executor.Exec(ctx, query, run.ID, run.TenantID, run.Type, run.Status,
		run.StartedAt, run.CompletedAt, run.RecordsProcessed, run.TotalRecords,
		run.ErrorMessage, run.CreatedAt, run.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save sync run: %w", err)
	}
	return nil
}

// GetSyncRun получает запуск по ID в пределах арендатора
func (r *SyncStorage) GetSyncRun(ctx context.Context, runID string, tenantID string) (*models.SyncRun, error) {
	executor := r.getExecutor(ctx)

	query := `
		SELECT id, tenant_id, type, status, started_at, completed_at,
			records_processed, total_records, error_message, created_at, updated_at
		FROM sheetsync.sync_runs
		WHERE id = $1 AND tenant_id = $2
	`

	var run models.SyncRun
	row := executor.QueryRow(ctx, query, runID, tenantID)
	err := row.Scan(&run.ID, &run.TenantID, &run.Type, &run.Status, &run.StartedAt,
		&run.CompletedAt, &run.RecordsProcessed, &run.TotalRecords, &run.ErrorMessage,
		&run.CreatedAt, &run.UpdatedAt)
	if err != nil {
		if stderrors.Is(err, pgx.ErrNoRows) {
			return nil, errors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get sync run: %w", err)
	}

	return &run, nil
}

// ListSyncRuns возвращает запуски арендатора от новых к старым
func (r *SyncStorage) ListSyncRuns(ctx context.Context, tenantID string, limit, offset int) ([]*models.SyncRun, error) {
	executor := r.getExecutor(ctx)

	query := `
		SELECT id, tenant_id, type, status, started_at, completed_at,
			records_processed, total_records, error_message, created_at, updated_at
		FROM sheetsync.sync_runs
		WHERE tenant_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := executor.Query(ctx, query, tenantID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list sync runs: %w", err)
	}
	defer rows.Close()

	var runs []*models.SyncRun
	for rows.Next() {
		var run models.SyncRun
		err := rows.Scan(&run.ID, &run.TenantID, &run.Type, &run.Status, &run.StartedAt,
			&run.CompletedAt, &run.RecordsProcessed, &run.TotalRecords, &run.ErrorMessage,
			&run.CreatedAt, &run.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sync run row: %w", err)
		}
		runs = append(runs, &run)
	}

	if rows.Err() != nil {
		return nil, fmt.Errorf("error while iterating sync run rows: %w", rows.Err())
	}

	return runs, nil
}

// GetLastCompletedRun возвращает последний успешный запуск заданного типа
func (r *SyncStorage) GetLastCompletedRun(ctx context.Context, tenantID string, syncType string) (*models.SyncRun, error) {
	executor := r.getExecutor(ctx)

	query := `
		SELECT id, tenant_id, type, status, started_at, completed_at,
			records_processed, total_records, error_message, created_at, updated_at
		FROM sheetsync.sync_runs
		WHERE tenant_id = $1 AND type = $2 AND status = 'completed'
		ORDER BY completed_at DESC
		LIMIT 1
	`

	var run models.SyncRun
	row := executor.QueryRow(ctx, query, tenantID, syncType)
	err := row.Scan(&run.ID, &run.TenantID, &run.Type, &run.Status, &run.StartedAt,
		&run.CompletedAt, &run.RecordsProcessed, &run.TotalRecords, &run.ErrorMessage,
		&run.CreatedAt, &run.UpdatedAt)
	if err != nil {
		if stderrors.Is(err, pgx.ErrNoRows) {
			return nil, errors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get last completed run: %w", err)
	}

	return &run, nil
}

// SaveFieldMapping сохраняет маппинг поля. Активный маппинг деактивирует
// прочие активные маппинги того же поля арендатора, инвариант уникальности
// поддерживается на уровне запроса.
func (r *SyncStorage) SaveFieldMapping(ctx context.Context, mapping *models.FieldMapping) error {
	executor := r.getExecutor(ctx)

	if mapping.ID == "" {
		mapping.ID = uuid.New().String()
	}

	now := time.Now().UTC()
	if mapping.CreatedAt.IsZero() {
		mapping.CreatedAt = now
	}
	mapping.UpdatedAt = now

	if mapping.Active {
		deactivate := `
			UPDATE sheetsync.field_mappings
			SET active = false, updated_at = $3
			WHERE tenant_id = $1 AND field_name = $2 AND active = true AND id <> $4
		`
		if _, err := executor.Exec(ctx, deactivate, mapping.TenantID, mapping.FieldName, now, mapping.ID); err != nil {
			return fmt.Errorf("failed to deactivate previous mapping: %w", err)
		}
	}

	query := `
		INSERT INTO sheetsync.field_mappings (id, tenant_id, field_name, sheet_column,
			active, display_order, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id)
		DO UPDATE SET
			field_name = $3,
			sheet_column = $4,
			active = $5,
			display_order = $6,
			updated_at = $8
	`

	_, err := executor.Exec(ctx, query, mapping.ID, mapping.TenantID, mapping.FieldName,
		mapping.Column, mapping.Active, mapping.DisplayOrder, mapping.CreatedAt, mapping.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save field mapping: %w", err)
	}
	return nil
}

// ListFieldMappings возвращает все маппинги арендатора в порядке отображения
func (r *SyncStorage) ListFieldMappings(ctx context.Context, tenantID string) ([]*models.FieldMapping, error) {
	executor := r.getExecutor(ctx)

	query := `
		SELECT id, tenant_id, field_name, sheet_column, active, display_order, created_at, updated_at
		FROM sheetsync.field_mappings
		WHERE tenant_id = $1
		ORDER BY display_order, created_at
	`

	rows, err := executor.Query(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list field mappings: %w", err)
	}
	defer rows.Close()

	var mappings []*models.FieldMapping
	for rows.Next() {
		var m models.FieldMapping
		err := rows.Scan(&m.ID, &m.TenantID, &m.FieldName, &m.Column, &m.Active,
			&m.DisplayOrder, &m.CreatedAt, &m.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan field mapping row: %w", err)
		}
		mappings = append(mappings, &m)
	}

	if rows.Err() != nil {
		return nil, fmt.Errorf("error while iterating field mapping rows: %w", rows.Err())
	}

	return mappings, nil
}

// DeleteFieldMapping удаляет маппинг поля
func (r *SyncStorage) DeleteFieldMapping(ctx context.Context, mappingID string, tenantID string) error {
	executor := r.getExecutor(ctx)

	query := `
		DELETE FROM sheetsync.field_mappings
		WHERE id = $1 AND tenant_id = $2
	`

	tag, err := executor.Exec(ctx, query, mappingID, tenantID)
	if err != nil {
		return fmt.Errorf("failed to delete field mapping: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errors.ErrNotFound
	}
	return nil
}

// SaveConnection сохраняет подключение таблицы, одно на арендатора
func (r *SyncStorage) SaveConnection(ctx context.Context, conn *models.SpreadsheetConnection) error {
	executor := r.getExecutor(ctx)

	if conn.ID == "" {
		conn.ID = uuid.New().String()
	}

	query := `
		INSERT INTO sheetsync.spreadsheet_connections (id, tenant_id, spreadsheet_id, sheet_name,
			sheet_url, access_token_cipher, refresh_token_cipher, token_expires_at,
			last_synced_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (tenant_id)
		DO UPDATE SET
			spreadsheet_id = $3,
			sheet_name = $4,
			sheet_url = $5,
			access_token_cipher = $6,
			refresh_token_cipher = $7,
			token_expires_at = $8,
			last_synced_at = $9,
			updated_at = $11
	`

	now := time.Now().UTC()
	if conn.CreatedAt.IsZero() {
		conn.CreatedAt = now
	}
	conn.UpdatedAt = now

	_, err := executor.Exec(ctx, query, conn.ID, conn.TenantID, conn.SpreadsheetID,
		conn.SheetName, conn.SheetURL, conn.AccessTokenCipher, conn.RefreshTokenCipher,
		conn.TokenExpiresAt, conn.LastSyncedAt, conn.CreatedAt, conn.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save connection: %w", err)
	}
	return nil
}

// GetConnection получает подключение арендатора
func (r *SyncStorage) GetConnection(ctx context.Context, tenantID string) (*models.SpreadsheetConnection, error) {
	executor := r.getExecutor(ctx)

	query := `
		SELECT id, tenant_id, spreadsheet_id, sheet_name, sheet_url, access_token_cipher,
			refresh_token_cipher, token_expires_at, last_synced_at, created_at, updated_at
		FROM sheetsync.spreadsheet_connections
		WHERE tenant_id = $1
	`

	var conn models.SpreadsheetConnection
	row := executor.QueryRow(ctx, query, tenantID)
	err := row.Scan(&conn.ID, &conn.TenantID, &conn.SpreadsheetID, &conn.SheetName,
		&conn.SheetURL, &conn.AccessTokenCipher, &conn.RefreshTokenCipher,
		&conn.TokenExpiresAt, &conn.LastSyncedAt, &conn.CreatedAt, &conn.UpdatedAt)
	if err != nil {
		if stderrors.Is(err, pgx.ErrNoRows) {
			return nil, errors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}

	return &conn, nil
}

// UpdateConnectionTokens обновляет шифротекст access-токена после его обновления
func (r *SyncStorage) UpdateConnectionTokens(ctx context.Context, tenantID string, accessCipher []byte, expiresAt *time.Time) error {
	executor := r.getExecutor(ctx)

	query := `
		UPDATE sheetsync.spreadsheet_connections
		SET access_token_cipher = $2, token_expires_at = $3, updated_at = $4
		WHERE tenant_id = $1
	`

	tag, err := executor.Exec(ctx, query, tenantID, accessCipher, expiresAt, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to update connection tokens: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errors.ErrNotFound
	}
	return nil
}

// DeleteConnection удаляет подключение арендатора
func (r *SyncStorage) DeleteConnection(ctx context.Context, tenantID string) error {
	executor := r.getExecutor(ctx)

	query := `
		DELETE FROM sheetsync.spreadsheet_connections
		WHERE tenant_id = $1
	`

	tag, err := executor.Exec(ctx, query, tenantID)
	if err != nil {
		return fmt.Errorf("failed to delete connection: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errors.ErrNotFound
	}
	return nil
}
