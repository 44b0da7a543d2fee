package jobs

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/athebyme/sheetsync-platform/internal/clients/sheets"
	"github.com/athebyme/sheetsync-platform/internal/clients/shopify"
	"github.com/athebyme/sheetsync-platform/internal/domain/models"
	"github.com/athebyme/sheetsync-platform/internal/domain/services"
	"github.com/athebyme/sheetsync-platform/internal/syncerr"
	"github.com/athebyme/sheetsync-platform/internal/transform"
	"github.com/athebyme/sheetsync-platform/pkg/errors"
	"github.com/athebyme/sheetsync-platform/pkg/interfaces"
)

// ImportResult итог запуска импорта, хранится в кэше для выдачи по запросу
type ImportResult struct {
	RunID          string            `json:"run_id"`
	TenantID       string            `json:"tenant_id"`
	Mode           string            `json:"mode"`
	Resolution     string            `json:"resolution"`
	TotalRows      int               `json:"total_rows"`
	ValidRows      int               `json:"valid_rows"`
	AppliedRecords int               `json:"applied_records"`
	ConflictCount  int               `json:"conflict_count"`
	RowErrors      []models.RowError `json:"row_errors,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}

// catalogIndex индекс каталога для сопоставления строк таблицы с вариантами
type catalogIndex struct {
	byVariantID map[string]models.CatalogRecord
	bySKU       map[string]models.CatalogRecord
}

// resolve находит запись каталога для обновления: сначала по ID варианта,
// затем по точному совпадению SKU
func (idx *catalogIndex) resolve(update models.RecordUpdate) (models.CatalogRecord, bool) {
	if update.VariantID != "" {
		if rec, ok := idx.byVariantID[update.VariantID]; ok {
			return rec, true
		}
	}
	if update.SKU != "" {
		if rec, ok := idx.bySKU[strings.TrimSpace(update.SKU)]; ok {
			return rec, true
		}
	}
	return models.CatalogRecord{}, false
}

// runImport читает таблицу постранично, валидирует строки и применяет
// изменения к каталогу согласно политике разрешения конфликтов.
// Запись применяется только при политике sheets_wins, остальные политики
// оставляют каталог нетронутым: conflict set уходит на разбор (manual),
// в лог (merge) или просто фиксируется в итоге (shopify_wins).
func (p *Pipeline) runImport(ctx context.Context, run *models.SyncRun, req *services.SyncRequest) (int, error) {
	client, conn, err := p.sheetsFn(ctx, run.TenantID)
	if err != nil {
		return 0, err
	}

	tr, err := p.newTransformer(ctx, run.TenantID)
	if err != nil {
		return 0, err
	}

	if _, err := p.checkStructure(ctx, client, conn.SheetName, tr.Columns()); err != nil {
		return 0, err
	}

	lastCol := sheets.ColumnLetter(len(tr.Columns()) - 1)
	dataRange := fmt.Sprintf("%s!A2:%s", conn.SheetName, lastCol)

	var updates []models.RecordUpdate
	var rowErrors []models.RowError
	totalRows := 0

	for page := 1; ; page++ {
		rows, hasMore, err := client.ReadRange(ctx, dataRange, page, p.opts.ImportPageSize)
		if err != nil {
			return 0, fmt.Errorf("failed to read sheet page %d: %w", page, err)
		}
		totalRows += len(rows)

		startRow := 2 + (page-1)*p.opts.ImportPageSize
		pageUpdates, pageErrors := tr.ToRecords(rows, startRow)
		updates = append(updates, pageUpdates...)
		rowErrors = append(rowErrors, pageErrors...)

		p.sync.ReportProgress(ctx, run, 0, totalRows)

		if !hasMore {
			break
		}
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
	}

	valid, validationErrors := tr.ValidateImport(updates)
	rowErrors = append(rowErrors, validationErrors...)

	index, err := p.buildCatalogIndex(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to index catalog: %w", err)
	}

	conflicts, clean := p.detectConflicts(tr, index, valid)

	result := &ImportResult{
		RunID:         run.ID,
		TenantID:      run.TenantID,
		Mode:          req.ImportMode,
		Resolution:    req.ConflictResolution,
		TotalRows:     totalRows,
		ValidRows:     len(valid),
		ConflictCount: len(conflicts),
		RowErrors:     rowErrors,
		CreatedAt:     time.Now().UTC(),
	}

	processed := len(valid)

	switch req.ConflictResolution {
	case models.ConflictManual:
		if len(conflicts) > 0 {
			set := &models.ConflictSet{
				RunID:      run.ID,
				TenantID:   run.TenantID,
				Resolution: req.ConflictResolution,
				Conflicts:  conflicts,
				CreatedAt:  time.Now().UTC(),
			}
			if err := p.sync.StoreConflicts(ctx, set); err != nil {
				p.logger.WarnWithContext(ctx, "не удалось сохранить конфликты",
					interfaces.LogField{Key: "run_id", Value: run.ID},
					interfaces.LogField{Key: "error", Value: err.Error()})
			}
		}
	case models.ConflictMerge:
		for _, c := range conflicts {
			p.logger.InfoWithContext(ctx, "конфликт слияния",
				interfaces.LogField{Key: "run_id", Value: run.ID},
				interfaces.LogField{Key: "row", Value: c.RowIndex},
				interfaces.LogField{Key: "field", Value: c.FieldName},
				interfaces.LogField{Key: "sheet_value", Value: c.SheetValue},
				interfaces.LogField{Key: "catalog_value", Value: c.CatalogValue})
		}
	}

	if req.ImportMode == services.ImportModeApply && req.ConflictResolution == models.ConflictSheetsWins {
		applied, err := p.applyUpdates(ctx, index, clean)
		result.AppliedRecords = applied
		processed = applied
		if err != nil {
			p.storeImportResult(ctx, result)
			return processed, err
		}
	}

	p.storeImportResult(ctx, result)
	p.sync.ReportProgress(ctx, run, processed, totalRows)
	return processed, nil
}

// buildCatalogIndex выкачивает каталог и строит индексы по ID варианта и SKU.
// Выборка товаров не несет остатков по локациям, поэтому индекс дополняется
// отдельным запросом уровней: без него корректировки остатков невозможны.
func (p *Pipeline) buildCatalogIndex(ctx context.Context) (*catalogIndex, error) {
	index := &catalogIndex{
		byVariantID: make(map[string]models.CatalogRecord),
		bySKU:       make(map[string]models.CatalogRecord),
	}

	_, err := p.catalog.FetchAllProducts(ctx, func(page *shopify.ProductPage) error {
		for _, rec := range models.Records(page.Products) {
			if rec.Variant == nil {
				continue
			}
			index.byVariantID[rec.Variant.ID] = rec
			if sku := strings.TrimSpace(rec.Variant.SKU); sku != "" {
				index.bySKU[sku] = rec
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := p.attachInventoryLevels(ctx, index); err != nil {
		return nil, err
	}
	return index, nil
}

// attachInventoryLevels подтягивает остатки по локациям в варианты индекса
func (p *Pipeline) attachInventoryLevels(ctx context.Context, index *catalogIndex) error {
	seen := make(map[string]bool)
	var itemIDs []string
	for _, rec := range index.byVariantID {
		id := rec.Variant.InventoryItemID
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		itemIDs = append(itemIDs, id)
	}
	if len(itemIDs) == 0 {
		return nil
	}

	levels, err := p.catalog.FetchInventoryLevels(ctx, itemIDs)
	if err != nil {
		return fmt.Errorf("failed to fetch inventory levels: %w", err)
	}

	byItem := make(map[string][]models.InventoryLevel)
	for _, level := range levels {
		byItem[level.InventoryItemID] = append(byItem[level.InventoryItemID], level)
	}
	for _, rec := range index.byVariantID {
		rec.Variant.InventoryLevels = byItem[rec.Variant.InventoryItemID]
	}
	return nil
}

// resolvedUpdate обновление, сопоставленное с записью каталога
type resolvedUpdate struct {
	update models.RecordUpdate
	record models.CatalogRecord
}

// detectConflicts сравнивает значения таблицы с текущими значениями каталога.
// Сравнение идет в формате ячейки, чтобы отличия представления не давали
// ложных конфликтов. Возвращаются конфликты и обновления с реальными
// изменениями, пригодные к применению.
func (p *Pipeline) detectConflicts(tr *transform.Transformer, index *catalogIndex, updates []models.RecordUpdate) ([]models.Conflict, []resolvedUpdate) {
	var conflicts []models.Conflict
	var clean []resolvedUpdate

	for _, update := range updates {
		rec, ok := index.resolve(update)
		if !ok {
			continue
		}

		changed := false
		for field, value := range update.Fields {
			sheetValue := tr.FormatValue(field, value)
			catalogValue := tr.FormatField(field, rec)
			if sheetValue == catalogValue {
				continue
			}
			changed = true
			conflicts = append(conflicts, models.Conflict{
				RowIndex:     update.RowIndex,
				VariantID:    rec.Variant.ID,
				SKU:          rec.Variant.SKU,
				FieldName:    field,
				SheetValue:   sheetValue,
				CatalogValue: catalogValue,
			})
		}
		if changed {
			clean = append(clean, resolvedUpdate{update: update, record: rec})
		}
	}
	return conflicts, clean
}

// applyUpdates применяет изменения таблицы к каталогу: поля вариантов уходят
// пакетным обновлением, расхождения остатков корректировками
func (p *Pipeline) applyUpdates(ctx context.Context, index *catalogIndex, resolved []resolvedUpdate) (int, error) {
	var variantUpdates []shopify.VariantUpdate
	var adjustments []shopify.InventoryAdjustment
	applied := 0

	for _, r := range resolved {
		vu := shopify.VariantUpdate{
			VariantID: r.record.Variant.ID,
			ProductID: r.record.Product.ID,
		}
		hasVariantChange := false

		if v, ok := floatField(r.update.Fields, "price"); ok && v != r.record.Variant.Price {
			vu.Price = &v
			hasVariantChange = true
		}
		if v, ok := floatField(r.update.Fields, "cost"); ok && v != r.record.Variant.Cost {
			vu.Cost = &v
			hasVariantChange = true
		}
		if v, ok := stringField(r.update.Fields, "barcode"); ok && v != r.record.Variant.Barcode {
			vu.Barcode = &v
			hasVariantChange = true
		}
		if v, ok := floatField(r.update.Fields, "weight"); ok && v != r.record.Variant.Weight {
			vu.Weight = &v
			hasVariantChange = true
		}
		if v, ok := stringField(r.update.Fields, "weight_unit"); ok && !strings.EqualFold(v, r.record.Variant.WeightUnit) {
			vu.WeightUnit = &v
			hasVariantChange = true
		}
		if v, ok := boolField(r.update.Fields, "taxable"); ok && v != r.record.Variant.Taxable {
			vu.Taxable = &v
			hasVariantChange = true
		}

		if hasVariantChange {
			variantUpdates = append(variantUpdates, vu)
		}

		if qty, ok := intField(r.update.Fields, "inventory_quantity"); ok {
			if adj, ok := inventoryAdjustment(r.record.Variant, qty); ok {
				adjustments = append(adjustments, adj)
			}
		}

		applied++
	}

	if len(variantUpdates) > 0 {
		if err := p.catalog.BulkUpdateVariants(ctx, variantUpdates); err != nil {
			return 0, fmt.Errorf("failed to apply variant updates: %w", err)
		}
	}
	if len(adjustments) > 0 {
		if err := p.catalog.BulkAdjustInventory(ctx, adjustments); err != nil {
			return 0, fmt.Errorf("failed to apply inventory adjustments: %w", err)
		}
	}

	return applied, nil
}

// inventoryAdjustment считает дельту остатка до целевого значения таблицы.
// Варианты без известной локации пропускаются.
func inventoryAdjustment(variant *models.Variant, target int) (shopify.InventoryAdjustment, bool) {
	if len(variant.InventoryLevels) == 0 {
		return shopify.InventoryAdjustment{}, false
	}
	level := variant.InventoryLevels[0]
	delta := target - level.Available
	if delta == 0 {
		return shopify.InventoryAdjustment{}, false
	}
	return shopify.InventoryAdjustment{
		InventoryItemID: level.InventoryItemID,
		LocationID:      level.LocationID,
		Delta:           delta,
	}, true
}

func floatField(fields map[string]interface{}, name string) (float64, bool) {
	v, ok := fields[name].(float64)
	return v, ok
}

func intField(fields map[string]interface{}, name string) (int, bool) {
	v, ok := fields[name].(int)
	return v, ok
}

func stringField(fields map[string]interface{}, name string) (string, bool) {
	v, ok := fields[name].(string)
	return v, ok
}

func boolField(fields map[string]interface{}, name string) (bool, bool) {
	v, ok := fields[name].(bool)
	return v, ok
}

// storeImportResult кладет итог импорта в кэш, сбой кэша только логируется
func (p *Pipeline) storeImportResult(ctx context.Context, result *ImportResult) {
	payload, err := json.Marshal(result)
	if err != nil {
		return
	}
	if err := p.cache.SetWithTenant(ctx, "import_result:"+result.RunID, payload, result.TenantID, p.opts.PreviewTTL); err != nil {
		p.logger.WarnWithContext(ctx, "не удалось сохранить итог импорта",
			interfaces.LogField{Key: "run_id", Value: result.RunID},
			interfaces.LogField{Key: "error", Value: err.Error()})
	}
}

// GetImportResult возвращает сохраненный итог импорта
func (p *Pipeline) GetImportResult(ctx context.Context, runID, tenantID string) (*ImportResult, error) {
	payload, err := p.cache.GetWithTenant(ctx, "import_result:"+runID, tenantID)
	if err != nil {
		if stderrors.Is(err, errors.ErrCacheMiss) {
			return nil, syncerr.NotFound("no import result for run: " + runID)
		}
		return nil, fmt.Errorf("failed to get import result: %w", err)
	}

	var result ImportResult
	if err := json.Unmarshal(payload, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal import result: %w", err)
	}
	return &result, nil
}
