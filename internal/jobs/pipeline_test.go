package jobs

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/athebyme/sheetsync-platform/internal/adapters/logger"
	"github.com/athebyme/sheetsync-platform/internal/clients/sheets"
	"github.com/athebyme/sheetsync-platform/internal/clients/shopify"
	"github.com/athebyme/sheetsync-platform/internal/domain/models"
	"github.com/athebyme/sheetsync-platform/internal/domain/services"
	"github.com/athebyme/sheetsync-platform/internal/syncerr"
	"github.com/athebyme/sheetsync-platform/pkg/errors"
	"github.com/athebyme/sheetsync-platform/pkg/interfaces"
	"github.com/google/uuid"
)

func testLogger(t *testing.T) interfaces.LoggerPort {
	t.Helper()
	log, err := logger.NewZapLogger("error", false)
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return log
}

// fakeStorage хранилище в памяти для тестов конвейера
type fakeStorage struct {
	runs          map[string]*models.SyncRun
	fieldMappings []*models.FieldMapping
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{runs: map[string]*models.SyncRun{}}
}

func (f *fakeStorage) SaveSyncRun(ctx context.Context, run *models.SyncRun) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	copied := *run
	f.runs[run.ID] = &copied
	return nil
}

func (f *fakeStorage) GetSyncRun(ctx context.Context, runID, tenantID string) (*models.SyncRun, error) {
	run, ok := f.runs[runID]
	if !ok || run.TenantID != tenantID {
		return nil, errors.ErrNotFound
	}
	copied := *run
	return &copied, nil
}

func (f *fakeStorage) ListSyncRuns(ctx context.Context, tenantID string, limit, offset int) ([]*models.SyncRun, error) {
	return nil, nil
}

func (f *fakeStorage) GetLastCompletedRun(ctx context.Context, tenantID, syncType string) (*models.SyncRun, error) {
	return nil, errors.ErrNotFound
}

func (f *fakeStorage) SaveFieldMapping(ctx context.Context, mapping *models.FieldMapping) error {
	f.fieldMappings = append(f.fieldMappings, mapping)
	return nil
}

func (f *fakeStorage) ListFieldMappings(ctx context.Context, tenantID string) ([]*models.FieldMapping, error) {
	return f.fieldMappings, nil
}

func (f *fakeStorage) DeleteFieldMapping(ctx context.Context, mappingID, tenantID string) error {
	return errors.ErrNotFound
}

func (f *fakeStorage) SaveConnection(ctx context.Context, conn *models.SpreadsheetConnection) error {
	return nil
}

func (f *fakeStorage) GetConnection(ctx context.Context, tenantID string) (*models.SpreadsheetConnection, error) {
	return nil, errors.ErrNotFound
}

func (f *fakeStorage) UpdateConnectionTokens(ctx context.Context, tenantID string, accessCipher []byte, expiresAt *time.Time) error {
	return nil
}

func (f *fakeStorage) DeleteConnection(ctx context.Context, tenantID string) error { return nil }

func (f *fakeStorage) BeginTx(ctx context.Context) (context.Context, error) { return ctx, nil }
func (f *fakeStorage) CommitTx(ctx context.Context) error                   { return nil }
func (f *fakeStorage) RollbackTx(ctx context.Context) error                 { return nil }
func (f *fakeStorage) Close() error                                         { return nil }

type fakeCache struct {
	data map[string][]byte
}

func newFakeCache() *fakeCache { return &fakeCache{data: map[string][]byte{}} }

func (f *fakeCache) cacheKey(key, tenantID string) string { return tenantID + ":" + key }

func (f *fakeCache) Get(ctx context.Context, key string) ([]byte, error) {
	return f.GetWithTenant(ctx, key, "")
}

func (f *fakeCache) GetWithTenant(ctx context.Context, key, tenantID string) ([]byte, error) {
	v, ok := f.data[f.cacheKey(key, tenantID)]
	if !ok {
		return nil, errors.ErrCacheMiss
	}
	return v, nil
}

func (f *fakeCache) Set(ctx context.Context, key string, value []byte, _ time.Duration) error {
	return f.SetWithTenant(ctx, key, value, "", 0)
}

func (f *fakeCache) SetWithTenant(ctx context.Context, key string, value []byte, tenantID string, _ time.Duration) error {
	f.data[f.cacheKey(key, tenantID)] = value
	return nil
}

func (f *fakeCache) Delete(ctx context.Context, key string) error {
	return f.DeleteWithTenant(ctx, key, "")
}

func (f *fakeCache) DeleteWithTenant(ctx context.Context, key, tenantID string) error {
	delete(f.data, f.cacheKey(key, tenantID))
	return nil
}

func (f *fakeCache) Close() error { return nil }

type fakeMessaging struct{}

func (f *fakeMessaging) Publish(ctx context.Context, topic string, message []byte) error { return nil }

func (f *fakeMessaging) PublishWithKey(ctx context.Context, topic, key string, message []byte) error {
	return nil
}

func (f *fakeMessaging) PublishForTenant(ctx context.Context, topic string, message []byte, tenantID string) error {
	return nil
}

func (f *fakeMessaging) Subscribe(ctx context.Context, topic string, handler interfaces.MessageHandler) (func() error, error) {
	return func() error { return nil }, nil
}

func (f *fakeMessaging) Close() error { return nil }

// fakeCatalog каталог в памяти для тестов конвейера. Остатки по локациям,
// как и в настоящем клиенте, отдаются только отдельным запросом уровней.
type fakeCatalog struct {
	pages        [][]*models.Product
	levels       []models.InventoryLevel
	levelQueries [][]string
	bulkUpdates  [][]shopify.VariantUpdate
	adjustments  [][]shopify.InventoryAdjustment
	bulkErr      error
	since        *time.Time
}

func (f *fakeCatalog) FetchAllProducts(ctx context.Context, fn func(page *shopify.ProductPage) error) (int, error) {
	total := 0
	for i, products := range f.pages {
		page := &shopify.ProductPage{
			Products:    products,
			HasNextPage: i < len(f.pages)-1,
		}
		total += len(products)
		if err := fn(page); err != nil {
			return total, err
		}
	}
	return total, nil
}

func (f *fakeCatalog) FetchProductsSince(ctx context.Context, since time.Time, cursor string, fn func(page *shopify.ProductPage) error) (int, error) {
	f.since = &since
	return f.FetchAllProducts(ctx, fn)
}

func (f *fakeCatalog) GetProduct(ctx context.Context, id string) (*models.Product, error) {
	for _, products := range f.pages {
		for _, p := range products {
			if p.ID == id {
				return p, nil
			}
		}
	}
	return nil, nil
}

func (f *fakeCatalog) FetchInventoryLevels(ctx context.Context, itemIDs []string) ([]models.InventoryLevel, error) {
	f.levelQueries = append(f.levelQueries, itemIDs)
	requested := make(map[string]bool, len(itemIDs))
	for _, id := range itemIDs {
		requested[id] = true
	}
	var out []models.InventoryLevel
	for _, level := range f.levels {
		if requested[level.InventoryItemID] {
			out = append(out, level)
		}
	}
	return out, nil
}

func (f *fakeCatalog) BulkUpdateVariants(ctx context.Context, updates []shopify.VariantUpdate) error {
	if f.bulkErr != nil {
		return f.bulkErr
	}
	f.bulkUpdates = append(f.bulkUpdates, updates)
	return nil
}

func (f *fakeCatalog) BulkAdjustInventory(ctx context.Context, adjustments []shopify.InventoryAdjustment) error {
	f.adjustments = append(f.adjustments, adjustments)
	return nil
}

type sheetWrite struct {
	rng    string
	values [][]string
}

// fakeSheetClient лист в памяти: страницы чтения задаются заранее,
// записи и пакеты накапливаются для проверок
type fakeSheetClient struct {
	pages      [][][]string
	writes     []sheetWrite
	batches    [][]sheets.BatchItem
	failRanges map[string]int
	failErr    error
	structure  *sheets.ValidationResult
}

func newFakeSheetClient() *fakeSheetClient {
	return &fakeSheetClient{
		failRanges: map[string]int{},
		structure:  &sheets.ValidationResult{Valid: true, ColumnMap: map[string]string{}},
	}
}

func (f *fakeSheetClient) ReadRange(ctx context.Context, rng string, page, pageSize int) ([][]string, bool, error) {
	if page < 1 || page > len(f.pages) {
		return nil, false, nil
	}
	return f.pages[page-1], page < len(f.pages), nil
}

func (f *fakeSheetClient) WriteRange(ctx context.Context, rng string, values [][]string) error {
	if n := f.failRanges[rng]; n > 0 {
		f.failRanges[rng] = n - 1
		return f.failErr
	}
	f.writes = append(f.writes, sheetWrite{rng: rng, values: values})
	return nil
}

func (f *fakeSheetClient) BatchWrite(ctx context.Context, items []sheets.BatchItem) error {
	f.batches = append(f.batches, items)
	return nil
}

func (f *fakeSheetClient) ValidateStructure(ctx context.Context, sheetName string, requiredColumns []string) (*sheets.ValidationResult, error) {
	return f.structure, nil
}

func testFieldMappings() []*models.FieldMapping {
	return []*models.FieldMapping{
		{ID: "m1", TenantID: "t1", FieldName: "sku", Column: "SKU", Active: true, DisplayOrder: 1},
		{ID: "m2", TenantID: "t1", FieldName: "title", Column: "Название", Active: true, DisplayOrder: 2},
		{ID: "m3", TenantID: "t1", FieldName: "price", Column: "Цена", Active: true, DisplayOrder: 3},
		{ID: "m4", TenantID: "t1", FieldName: "inventory_quantity", Column: "Остаток", Active: true, DisplayOrder: 4},
	}
}

// testProduct собирает товар в том виде, в каком его отдает клиент каталога:
// вариант знает свою позицию остатков, но не уровни по локациям
func testProduct(id, sku, title string, price float64, qty int) *models.Product {
	return &models.Product{
		ID:    "gid://shopify/Product/" + id,
		Title: title,
		Variants: []models.Variant{{
			ID:                "gid://shopify/ProductVariant/" + id,
			ProductID:         "gid://shopify/Product/" + id,
			SKU:               sku,
			Price:             price,
			InventoryQuantity: qty,
			InventoryItemID:   "gid://shopify/InventoryItem/" + id,
		}},
	}
}

func testLevel(id string, available int) models.InventoryLevel {
	return models.InventoryLevel{
		InventoryItemID: "gid://shopify/InventoryItem/" + id,
		LocationID:      "gid://shopify/Location/1",
		Available:       available,
	}
}

type pipelineFixture struct {
	pipeline *Pipeline
	sync     *services.SyncService
	catalog  *fakeCatalog
	sheet    *fakeSheetClient
	storage  *fakeStorage
	cache    *fakeCache
	sleeps   []time.Duration
}

func newPipelineFixture(t *testing.T, opts Options) *pipelineFixture {
	t.Helper()
	st := newFakeStorage()
	st.fieldMappings = testFieldMappings()
	cache := newFakeCache()
	log := testLogger(t)

	svc := services.NewSyncService(st, cache, &fakeMessaging{}, log, services.SyncServiceOptions{})
	sheet := newFakeSheetClient()
	catalog := &fakeCatalog{}

	factory := func(ctx context.Context, tenantID string) (SheetClient, *models.SpreadsheetConnection, error) {
		return sheet, &models.SpreadsheetConnection{
			TenantID:      tenantID,
			SpreadsheetID: "spreadsheet-1",
			SheetName:     "Лист1",
		}, nil
	}

	fx := &pipelineFixture{sync: svc, catalog: catalog, sheet: sheet, storage: st, cache: cache}
	fx.pipeline = NewPipeline(svc, catalog, factory, st, cache, log, opts)
	fx.pipeline.sleep = func(d time.Duration) { fx.sleeps = append(fx.sleeps, d) }
	svc.SetExecutor(fx.pipeline)
	return fx
}

func exportRun() *models.SyncRun {
	return &models.SyncRun{ID: "run-export", TenantID: "t1", Type: models.SyncTypeProducts}
}

func importRun() *models.SyncRun {
	return &models.SyncRun{ID: "run-import", TenantID: "t1", Type: models.SyncTypeImport}
}

func TestExportWritesHeaderAndChunks(t *testing.T) {
	fx := newPipelineFixture(t, Options{ChunkSize: 2})
	fx.catalog.pages = [][]*models.Product{{
		testProduct("1", "SKU-1", "Рюкзак", 100, 5),
		testProduct("2", "SKU-2", "Сумка", 200, 3),
		testProduct("3", "SKU-3", "Чехол", 50, 11),
	}}

	var hookTenant string
	fx.pipeline.SetExportHook(func(ctx context.Context, tenantID string) { hookTenant = tenantID })

	processed, err := fx.pipeline.Execute(context.Background(), exportRun(), &services.SyncRequest{
		Type:     models.SyncTypeProducts,
		Strategy: models.StrategyFull,
	})
	if err != nil {
		t.Fatalf("export failed: %v", err)
	}
	if processed != 3 {
		t.Errorf("expected 3 processed records, got %d", processed)
	}

	wantRanges := []string{"Лист1!A1:D1", "Лист1!A2:D3", "Лист1!A4:D4"}
	if len(fx.sheet.writes) != len(wantRanges) {
		t.Fatalf("expected %d writes, got %d", len(wantRanges), len(fx.sheet.writes))
	}
	for i, want := range wantRanges {
		if fx.sheet.writes[i].rng != want {
			t.Errorf("write %d: expected range %q, got %q", i, want, fx.sheet.writes[i].rng)
		}
	}

	header := fx.sheet.writes[0].values[0]
	if len(header) != 4 || header[0] != "SKU" || header[3] != "Остаток" {
		t.Errorf("unexpected header row: %v", header)
	}

	firstRow := fx.sheet.writes[1].values[0]
	want := []string{"SKU-1", "Рюкзак", "100.00", "5"}
	for i := range want {
		if firstRow[i] != want[i] {
			t.Errorf("cell %d: expected %q, got %q", i, want[i], firstRow[i])
		}
	}

	if hookTenant != "t1" {
		t.Errorf("export hook not invoked, got %q", hookTenant)
	}
}

func TestExportContinuesAfterChunkFailure(t *testing.T) {
	fx := newPipelineFixture(t, Options{ChunkSize: 2})
	fx.catalog.pages = [][]*models.Product{{
		testProduct("1", "SKU-1", "Рюкзак", 100, 5),
		testProduct("2", "SKU-2", "Сумка", 200, 3),
		testProduct("3", "SKU-3", "Чехол", 50, 11),
	}}
	fx.sheet.failRanges["Лист1!A2:D3"] = 100
	fx.sheet.failErr = syncerr.Validation("protected range")

	var hookCalled bool
	fx.pipeline.SetExportHook(func(ctx context.Context, tenantID string) { hookCalled = true })

	processed, err := fx.pipeline.Execute(context.Background(), exportRun(), &services.SyncRequest{
		Type:     models.SyncTypeProducts,
		Strategy: models.StrategyFull,
	})
	if !syncerr.Is(err, syncerr.KindUpstreamAPI) {
		t.Fatalf("expected aggregated export error, got %v", err)
	}
	if !strings.Contains(err.Error(), "1 of 2 chunks failed") {
		t.Errorf("unexpected error message: %v", err)
	}
	if processed != 1 {
		t.Errorf("expected 1 processed record from surviving chunk, got %d", processed)
	}
	if hookCalled {
		t.Error("export hook must not fire on incomplete export")
	}

	// Второй чанк записан несмотря на сбой первого
	last := fx.sheet.writes[len(fx.sheet.writes)-1]
	if last.rng != "Лист1!A4:D4" {
		t.Errorf("expected surviving chunk at A4:D4, got %q", last.rng)
	}
}

func TestExportIncrementalPassesSince(t *testing.T) {
	fx := newPipelineFixture(t, Options{ChunkSize: 10})
	fx.catalog.pages = [][]*models.Product{{testProduct("1", "SKU-1", "Рюкзак", 100, 5)}}

	since := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	_, err := fx.pipeline.Execute(context.Background(), exportRun(), &services.SyncRequest{
		Type:     models.SyncTypeProducts,
		Strategy: models.StrategyIncremental,
		Since:    &since,
	})
	if err != nil {
		t.Fatalf("export failed: %v", err)
	}
	if fx.catalog.since == nil || !fx.catalog.since.Equal(since) {
		t.Errorf("expected since %v passed to catalog, got %v", since, fx.catalog.since)
	}
}

func TestExportSelectiveFetchesByID(t *testing.T) {
	fx := newPipelineFixture(t, Options{ChunkSize: 10})
	fx.catalog.pages = [][]*models.Product{{
		testProduct("1", "SKU-1", "Рюкзак", 100, 5),
		testProduct("2", "SKU-2", "Сумка", 200, 3),
	}}

	processed, err := fx.pipeline.Execute(context.Background(), exportRun(), &services.SyncRequest{
		Type:       models.SyncTypeProducts,
		Strategy:   models.StrategySelective,
		ProductIDs: []string{"gid://shopify/Product/2"},
	})
	if err != nil {
		t.Fatalf("export failed: %v", err)
	}
	if processed != 1 {
		t.Errorf("expected 1 processed record, got %d", processed)
	}

	dataWrite := fx.sheet.writes[1]
	if dataWrite.values[0][0] != "SKU-2" {
		t.Errorf("expected selected product row, got %v", dataWrite.values[0])
	}
}

func TestExportSelectiveSkipsUnknownProduct(t *testing.T) {
	fx := newPipelineFixture(t, Options{ChunkSize: 10})
	fx.catalog.pages = [][]*models.Product{{testProduct("1", "SKU-1", "Рюкзак", 100, 5)}}

	processed, err := fx.pipeline.Execute(context.Background(), exportRun(), &services.SyncRequest{
		Type:       models.SyncTypeProducts,
		Strategy:   models.StrategySelective,
		ProductIDs: []string{"gid://shopify/Product/missing", "gid://shopify/Product/1"},
	})
	if err != nil {
		t.Fatalf("export failed: %v", err)
	}
	if processed != 1 {
		t.Errorf("expected 1 processed record, got %d", processed)
	}

	if len(fx.sheet.writes) != 2 {
		t.Fatalf("expected header and one data chunk, got %d writes", len(fx.sheet.writes))
	}
	if fx.sheet.writes[1].values[0][0] != "SKU-1" {
		t.Errorf("expected known product row, got %v", fx.sheet.writes[1].values[0])
	}
}

func TestFullRunExportsThenImports(t *testing.T) {
	fx := newPipelineFixture(t, Options{ChunkSize: 10})
	fx.catalog.pages = [][]*models.Product{{testProduct("1", "BAG-001", "Рюкзак", 100, 5)}}
	fx.sheet.pages = [][][]string{{{"BAG-001", "Рюкзак", "120.00", "5"}}}

	run := &models.SyncRun{ID: "run-full", TenantID: "t1", Type: models.SyncTypeFull}
	processed, err := fx.pipeline.Execute(context.Background(), run, &services.SyncRequest{
		Type:               models.SyncTypeFull,
		Strategy:           models.StrategyFull,
		ImportMode:         services.ImportModeApply,
		ConflictResolution: models.ConflictSheetsWins,
	})
	if err != nil {
		t.Fatalf("full run failed: %v", err)
	}

	// Фаза экспорта: заголовок и чанк данных записаны
	if len(fx.sheet.writes) != 2 {
		t.Fatalf("expected header and data writes, got %d", len(fx.sheet.writes))
	}

	// Фаза импорта: расхождение цены применено к каталогу
	if len(fx.catalog.bulkUpdates) != 1 || len(fx.catalog.bulkUpdates[0]) != 1 {
		t.Fatalf("expected one variant update batch from import phase, got %+v", fx.catalog.bulkUpdates)
	}
	if update := fx.catalog.bulkUpdates[0][0]; update.Price == nil || *update.Price != 120 {
		t.Errorf("unexpected variant update: %+v", update)
	}

	// Обе фазы учтены в обработанных записях
	if processed != 2 {
		t.Errorf("expected 2 processed records across both phases, got %d", processed)
	}

	result, err := fx.pipeline.GetImportResult(context.Background(), "run-full", "t1")
	if err != nil {
		t.Fatalf("import result missing for full run: %v", err)
	}
	if result.AppliedRecords != 1 {
		t.Errorf("unexpected import result: %+v", result)
	}
}

func TestWriteWithRetryBacksOff(t *testing.T) {
	fx := newPipelineFixture(t, Options{ChunkRetries: 3, ChunkBaseDelay: time.Second})
	fx.sheet.failRanges["Лист1!A9:D9"] = 2
	fx.sheet.failErr = syncerr.RateLimited("write throttled", 3*time.Second)

	err := fx.pipeline.writeWithRetry(context.Background(), fx.sheet, "Лист1!A9:D9", [][]string{{"x"}})
	if err != nil {
		t.Fatalf("expected success after retries: %v", err)
	}
	if len(fx.sleeps) != 2 || fx.sleeps[0] != 3*time.Second || fx.sleeps[1] != 3*time.Second {
		t.Errorf("expected hinted delays [3s 3s], got %v", fx.sleeps)
	}
	if len(fx.sheet.writes) != 1 {
		t.Errorf("expected exactly one successful write, got %d", len(fx.sheet.writes))
	}
}

func TestWriteWithRetryExponentialOnUpstreamErrors(t *testing.T) {
	fx := newPipelineFixture(t, Options{ChunkRetries: 3, ChunkBaseDelay: time.Second})
	fx.sheet.failRanges["Лист1!A9:D9"] = 2
	fx.sheet.failErr = syncerr.New(syncerr.KindUpstreamAPI, "backend error")

	err := fx.pipeline.writeWithRetry(context.Background(), fx.sheet, "Лист1!A9:D9", [][]string{{"x"}})
	if err != nil {
		t.Fatalf("expected success after retries: %v", err)
	}
	if len(fx.sleeps) != 2 || fx.sleeps[0] != 2*time.Second || fx.sleeps[1] != 4*time.Second {
		t.Errorf("expected exponential delays [2s 4s], got %v", fx.sleeps)
	}
}

func TestExecuteRejectsUnknownRunType(t *testing.T) {
	fx := newPipelineFixture(t, Options{})

	run := &models.SyncRun{ID: "run-x", TenantID: "t1", Type: models.SyncTypeWebhook}
	_, err := fx.pipeline.Execute(context.Background(), run, &services.SyncRequest{Type: models.SyncTypeWebhook})
	if !syncerr.Is(err, syncerr.KindValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestExportWithoutMappingsRejected(t *testing.T) {
	fx := newPipelineFixture(t, Options{})
	fx.storage.fieldMappings = nil

	_, err := fx.pipeline.Execute(context.Background(), exportRun(), &services.SyncRequest{
		Type:     models.SyncTypeProducts,
		Strategy: models.StrategyFull,
	})
	if !syncerr.Is(err, syncerr.KindValidation) {
		t.Errorf("expected validation error without mappings, got %v", err)
	}
}

func TestImportSheetsWinsAppliesChanges(t *testing.T) {
	fx := newPipelineFixture(t, Options{})
	fx.catalog.pages = [][]*models.Product{{testProduct("1", "BAG-001", "Рюкзак", 100, 5)}}
	fx.catalog.levels = []models.InventoryLevel{testLevel("1", 5)}
	fx.sheet.pages = [][][]string{{{"BAG-001", "Рюкзак", "120.00", "5"}}}

	processed, err := fx.pipeline.Execute(context.Background(), importRun(), &services.SyncRequest{
		Type:               models.SyncTypeImport,
		ImportMode:         services.ImportModeApply,
		ConflictResolution: models.ConflictSheetsWins,
	})
	if err != nil {
		t.Fatalf("import failed: %v", err)
	}
	if processed != 1 {
		t.Errorf("expected 1 applied record, got %d", processed)
	}

	if len(fx.catalog.bulkUpdates) != 1 || len(fx.catalog.bulkUpdates[0]) != 1 {
		t.Fatalf("expected one variant update batch, got %+v", fx.catalog.bulkUpdates)
	}
	update := fx.catalog.bulkUpdates[0][0]
	if update.VariantID != "gid://shopify/ProductVariant/1" || update.Price == nil || *update.Price != 120 {
		t.Errorf("unexpected variant update: %+v", update)
	}
	// Остаток не изменился, корректировок быть не должно
	if len(fx.catalog.adjustments) != 0 {
		t.Errorf("expected no inventory adjustments, got %+v", fx.catalog.adjustments)
	}

	result, err := fx.pipeline.GetImportResult(context.Background(), "run-import", "t1")
	if err != nil {
		t.Fatalf("get import result failed: %v", err)
	}
	if result.AppliedRecords != 1 || result.ValidRows != 1 || result.TotalRows != 1 || result.ConflictCount != 1 {
		t.Errorf("unexpected import result: %+v", result)
	}
}

func TestImportShopifyWinsLeavesCatalogUntouched(t *testing.T) {
	fx := newPipelineFixture(t, Options{})
	fx.catalog.pages = [][]*models.Product{{testProduct("1", "BAG-001", "Рюкзак", 100, 5)}}
	fx.sheet.pages = [][][]string{{{"BAG-001", "Рюкзак", "120.00", "5"}}}

	_, err := fx.pipeline.Execute(context.Background(), importRun(), &services.SyncRequest{
		Type:               models.SyncTypeImport,
		ImportMode:         services.ImportModeApply,
		ConflictResolution: models.ConflictShopifyWins,
	})
	if err != nil {
		t.Fatalf("import failed: %v", err)
	}
	if len(fx.catalog.bulkUpdates) != 0 || len(fx.catalog.adjustments) != 0 {
		t.Error("catalog must stay untouched under shopify_wins")
	}

	result, err := fx.pipeline.GetImportResult(context.Background(), "run-import", "t1")
	if err != nil {
		t.Fatalf("get import result failed: %v", err)
	}
	if result.AppliedRecords != 0 || result.ConflictCount != 1 {
		t.Errorf("unexpected import result: %+v", result)
	}
}

func TestImportManualStoresConflicts(t *testing.T) {
	fx := newPipelineFixture(t, Options{})
	fx.catalog.pages = [][]*models.Product{{testProduct("1", "BAG-001", "Рюкзак", 100, 5)}}
	fx.sheet.pages = [][][]string{{{"BAG-001", "Рюкзак", "120.00", "5"}}}

	_, err := fx.pipeline.Execute(context.Background(), importRun(), &services.SyncRequest{
		Type:               models.SyncTypeImport,
		ImportMode:         services.ImportModeApply,
		ConflictResolution: models.ConflictManual,
	})
	if err != nil {
		t.Fatalf("import failed: %v", err)
	}
	if len(fx.catalog.bulkUpdates) != 0 {
		t.Error("catalog must stay untouched under manual resolution")
	}

	set, err := fx.sync.GetConflicts(context.Background(), "run-import", "t1")
	if err != nil {
		t.Fatalf("get conflicts failed: %v", err)
	}
	if len(set.Conflicts) != 1 {
		t.Fatalf("expected 1 conflict, got %d", len(set.Conflicts))
	}
	c := set.Conflicts[0]
	if c.FieldName != "price" || c.SheetValue != "120.00" || c.CatalogValue != "100.00" {
		t.Errorf("unexpected conflict: %+v", c)
	}
	if c.RowIndex != 2 {
		t.Errorf("expected sheet row 2, got %d", c.RowIndex)
	}
}

func TestImportPreviewModeDoesNotApply(t *testing.T) {
	fx := newPipelineFixture(t, Options{})
	fx.catalog.pages = [][]*models.Product{{testProduct("1", "BAG-001", "Рюкзак", 100, 5)}}
	fx.sheet.pages = [][][]string{{{"BAG-001", "Рюкзак", "120.00", "5"}}}

	_, err := fx.pipeline.Execute(context.Background(), importRun(), &services.SyncRequest{
		Type:               models.SyncTypeImport,
		ImportMode:         services.ImportModePreview,
		ConflictResolution: models.ConflictSheetsWins,
	})
	if err != nil {
		t.Fatalf("import failed: %v", err)
	}
	if len(fx.catalog.bulkUpdates) != 0 {
		t.Error("preview mode must not touch the catalog")
	}

	result, err := fx.pipeline.GetImportResult(context.Background(), "run-import", "t1")
	if err != nil {
		t.Fatalf("get import result failed: %v", err)
	}
	if result.AppliedRecords != 0 || result.ConflictCount != 1 {
		t.Errorf("unexpected preview result: %+v", result)
	}
}

func TestImportAdjustsInventoryDelta(t *testing.T) {
	fx := newPipelineFixture(t, Options{})
	fx.catalog.pages = [][]*models.Product{{testProduct("1", "BAG-001", "Рюкзак", 100, 5)}}
	fx.catalog.levels = []models.InventoryLevel{testLevel("1", 5)}
	fx.sheet.pages = [][][]string{{{"BAG-001", "Рюкзак", "100.00", "9"}}}

	_, err := fx.pipeline.Execute(context.Background(), importRun(), &services.SyncRequest{
		Type:               models.SyncTypeImport,
		ImportMode:         services.ImportModeApply,
		ConflictResolution: models.ConflictSheetsWins,
	})
	if err != nil {
		t.Fatalf("import failed: %v", err)
	}

	// Уровни остатков запрошены отдельно: выборка товаров их не несет
	if len(fx.catalog.levelQueries) != 1 {
		t.Fatalf("expected one inventory level query, got %v", fx.catalog.levelQueries)
	}
	if got := fx.catalog.levelQueries[0]; len(got) != 1 || got[0] != "gid://shopify/InventoryItem/1" {
		t.Errorf("unexpected level query: %v", got)
	}

	// Цена совпала, пакет вариантных обновлений не нужен
	if len(fx.catalog.bulkUpdates) != 0 {
		t.Errorf("expected no variant updates, got %+v", fx.catalog.bulkUpdates)
	}
	if len(fx.catalog.adjustments) != 1 || len(fx.catalog.adjustments[0]) != 1 {
		t.Fatalf("expected one inventory adjustment, got %+v", fx.catalog.adjustments)
	}
	adj := fx.catalog.adjustments[0][0]
	if adj.Delta != 4 || adj.InventoryItemID != "gid://shopify/InventoryItem/1" {
		t.Errorf("unexpected adjustment: %+v", adj)
	}
}

func TestImportIsolatesBrokenRows(t *testing.T) {
	fx := newPipelineFixture(t, Options{})
	fx.catalog.pages = [][]*models.Product{{testProduct("1", "BAG-001", "Рюкзак", 100, 5)}}
	fx.sheet.pages = [][][]string{{
		{"BAG-001", "Рюкзак", "120.00", "5"},
		{"BAG-002", "Стул", "не цена", "4"},
	}}

	_, err := fx.pipeline.Execute(context.Background(), importRun(), &services.SyncRequest{
		Type:               models.SyncTypeImport,
		ImportMode:         services.ImportModeApply,
		ConflictResolution: models.ConflictSheetsWins,
	})
	if err != nil {
		t.Fatalf("import failed: %v", err)
	}

	result, err := fx.pipeline.GetImportResult(context.Background(), "run-import", "t1")
	if err != nil {
		t.Fatalf("get import result failed: %v", err)
	}
	if result.TotalRows != 2 || result.ValidRows != 1 {
		t.Errorf("expected 1 valid of 2 rows, got %+v", result)
	}
	if len(result.RowErrors) != 1 || result.RowErrors[0].RowIndex != 3 {
		t.Errorf("expected row error at sheet row 3, got %+v", result.RowErrors)
	}
}

func TestImportBulkFailureSurfacesError(t *testing.T) {
	fx := newPipelineFixture(t, Options{})
	fx.catalog.pages = [][]*models.Product{{testProduct("1", "BAG-001", "Рюкзак", 100, 5)}}
	fx.sheet.pages = [][][]string{{{"BAG-001", "Рюкзак", "120.00", "5"}}}
	fx.catalog.bulkErr = fmt.Errorf("variant gone")

	_, err := fx.pipeline.Execute(context.Background(), importRun(), &services.SyncRequest{
		Type:               models.SyncTypeImport,
		ImportMode:         services.ImportModeApply,
		ConflictResolution: models.ConflictSheetsWins,
	})
	if err == nil || !strings.Contains(err.Error(), "failed to apply variant updates") {
		t.Fatalf("expected apply error, got %v", err)
	}

	// Итог импорта сохранен и при сбое применения
	if _, err := fx.pipeline.GetImportResult(context.Background(), "run-import", "t1"); err != nil {
		t.Errorf("import result must be stored on failure too: %v", err)
	}
}
