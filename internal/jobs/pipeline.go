package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/athebyme/sheetsync-platform/internal/adapters/storage"
	"github.com/athebyme/sheetsync-platform/internal/clients/sheets"
	"github.com/athebyme/sheetsync-platform/internal/clients/shopify"
	"github.com/athebyme/sheetsync-platform/internal/domain/models"
	"github.com/athebyme/sheetsync-platform/internal/domain/services"
	"github.com/athebyme/sheetsync-platform/internal/syncerr"
	"github.com/athebyme/sheetsync-platform/internal/transform"
	"github.com/athebyme/sheetsync-platform/pkg/interfaces"
)

// CatalogClient операции каталога, нужные конвейеру синхронизации
type CatalogClient interface {
	FetchAllProducts(ctx context.Context, fn func(page *shopify.ProductPage) error) (int, error)
	FetchProductsSince(ctx context.Context, since time.Time, cursor string, fn func(page *shopify.ProductPage) error) (int, error)
	GetProduct(ctx context.Context, id string) (*models.Product, error)
	FetchInventoryLevels(ctx context.Context, itemIDs []string) ([]models.InventoryLevel, error)
	BulkUpdateVariants(ctx context.Context, updates []shopify.VariantUpdate) error
	BulkAdjustInventory(ctx context.Context, adjustments []shopify.InventoryAdjustment) error
}

// SheetClient операции таблицы, нужные конвейеру синхронизации
type SheetClient interface {
	ReadRange(ctx context.Context, rng string, page, pageSize int) ([][]string, bool, error)
	WriteRange(ctx context.Context, rng string, values [][]string) error
	BatchWrite(ctx context.Context, items []sheets.BatchItem) error
	ValidateStructure(ctx context.Context, sheetName string, requiredColumns []string) (*sheets.ValidationResult, error)
}

// SheetClientFactory собирает клиента таблицы арендатора с его подключением
type SheetClientFactory func(ctx context.Context, tenantID string) (SheetClient, *models.SpreadsheetConnection, error)

// Options настройки конвейера
type Options struct {
	ChunkSize      int           // записей на один чанк экспорта
	ImportPageSize int           // строк на страницу чтения при импорте
	ChunkRetries   int           // попытки записи чанка
	ChunkBaseDelay time.Duration // базовая задержка повторов чанка
	PreviewTTL     time.Duration // срок жизни результатов импорта в кэше
	Timezone       string        // часовой пояс форматирования дат
}

// Pipeline конвейер заданий синхронизации: выполняет экспорт каталога в
// таблицу и импорт таблицы в каталог. Реализует services.RunExecutor.
type Pipeline struct {
	sync     *services.SyncService
	catalog  CatalogClient
	sheetsFn SheetClientFactory
	storage  storage.SyncStoragePort
	cache    interfaces.CachePort
	logger   interfaces.LoggerPort
	opts     Options
	sleep    func(time.Duration)

	onExported func(ctx context.Context, tenantID string)
}

// NewPipeline создает конвейер заданий
func NewPipeline(
	syncService *services.SyncService,
	catalog CatalogClient,
	sheetsFn SheetClientFactory,
	storagePort storage.SyncStoragePort,
	cachePort interfaces.CachePort,
	logger interfaces.LoggerPort,
	opts Options,
) *Pipeline {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 100
	}
	if opts.ImportPageSize <= 0 {
		opts.ImportPageSize = 1000
	}
	if opts.ChunkRetries <= 0 {
		opts.ChunkRetries = 3
	}
	if opts.ChunkBaseDelay <= 0 {
		opts.ChunkBaseDelay = time.Second
	}
	if opts.PreviewTTL <= 0 {
		opts.PreviewTTL = 7 * 24 * time.Hour
	}

	return &Pipeline{
		sync:     syncService,
		catalog:  catalog,
		sheetsFn: sheetsFn,
		storage:  storagePort,
		cache:    cachePort,
		logger:   logger,
		opts:     opts,
		sleep:    time.Sleep,
	}
}

// Execute выполняет один запуск синхронизации
func (p *Pipeline) Execute(ctx context.Context, run *models.SyncRun, req *services.SyncRequest) (int, error) {
	switch run.Type {
	case models.SyncTypeProducts, models.SyncTypeInventory:
		return p.runExport(ctx, run, req)
	case models.SyncTypeFull:
		return p.runFull(ctx, run, req)
	case models.SyncTypeImport:
		return p.runImport(ctx, run, req)
	default:
		return 0, syncerr.Validation("pipeline cannot execute run type %q", run.Type)
	}
}

// runFull двунаправленный запуск: сначала выгрузка каталога в таблицу,
// затем импорт таблицы обратно. Фазы делят один запуск, обработанные
// записи суммируются.
func (p *Pipeline) runFull(ctx context.Context, run *models.SyncRun, req *services.SyncRequest) (int, error) {
	exported, err := p.runExport(ctx, run, req)
	if err != nil {
		return exported, err
	}

	imported, err := p.runImport(ctx, run, req)
	return exported + imported, err
}

// newTransformer собирает трансформер по активным маппингам арендатора
func (p *Pipeline) newTransformer(ctx context.Context, tenantID string) (*transform.Transformer, error) {
	mappings, err := p.storage.ListFieldMappings(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to load field mappings: %w", err)
	}

	tr, err := transform.NewTransformer(mappings, p.opts.Timezone, p.logger)
	if err != nil {
		return nil, err
	}
	if len(tr.Columns()) == 0 {
		return nil, syncerr.Validation("no active field mappings configured")
	}
	return tr, nil
}

// checkStructure проверяет заголовки листа перед синхронизацией
func (p *Pipeline) checkStructure(ctx context.Context, client SheetClient, sheetName string, columns []string) (*sheets.ValidationResult, error) {
	result, err := client.ValidateStructure(ctx, sheetName, columns)
	if err != nil {
		return nil, fmt.Errorf("failed to validate sheet structure: %w", err)
	}
	if !result.Valid {
		return nil, syncerr.Validation("sheet is missing required columns: %v", result.MissingColumns)
	}
	return result, nil
}
