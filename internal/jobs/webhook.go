package jobs

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/athebyme/sheetsync-platform/internal/adapters/storage"
	"github.com/athebyme/sheetsync-platform/internal/domain/models"
	"github.com/athebyme/sheetsync-platform/internal/transform"
	"github.com/athebyme/sheetsync-platform/pkg/interfaces"
	gocache "github.com/patrickmn/go-cache"
)

// InventoryEvent полезная нагрузка вебхука изменения остатка
type InventoryEvent struct {
	InventoryItemID string `json:"inventory_item_id"`
	SKU             string `json:"sku"`
	Available       int    `json:"available"`
}

// WebhookProcessor переносит изменения остатков из вебхуков в таблицу.
// События дебаунсятся в окне на пару арендатор+позиция: при шквале вебхуков
// по одной позиции в таблицу уходит только последнее значение.
type WebhookProcessor struct {
	sheetsFn SheetClientFactory
	storage  storage.SyncStoragePort
	logger   interfaces.LoggerPort
	window   time.Duration
	pending  *gocache.Cache
	timezone string

	// afterFunc подменяется в тестах для синхронного сброса
	afterFunc func(d time.Duration, f func()) *time.Timer
}

// NewWebhookProcessor создает обработчик вебхуков с окном дебаунса
func NewWebhookProcessor(
	sheetsFn SheetClientFactory,
	storagePort storage.SyncStoragePort,
	logger interfaces.LoggerPort,
	window time.Duration,
	timezone string,
) *WebhookProcessor {
	if window <= 0 {
		window = 5 * time.Second
	}
	return &WebhookProcessor{
		sheetsFn:  sheetsFn,
		storage:   storagePort,
		logger:    logger,
		window:    window,
		pending:   gocache.New(window*10, window*20),
		timezone:  timezone,
		afterFunc: time.AfterFunc,
	}
}

// Enqueue принимает событие вебхука. Первое событие в окне взводит таймер
// сброса, последующие просто заменяют отложенное значение: побеждает
// последняя полезная нагрузка.
func (w *WebhookProcessor) Enqueue(tenantID string, event InventoryEvent) {
	key := tenantID + ":" + event.InventoryItemID

	_, scheduled := w.pending.Get(key)
	w.pending.SetDefault(key, event)

	if !scheduled {
		w.afterFunc(w.window, func() {
			w.flush(context.Background(), tenantID, key)
		})
	}
}

// flush забирает последнее отложенное событие и применяет его к таблице
func (w *WebhookProcessor) flush(ctx context.Context, tenantID, key string) {
	raw, ok := w.pending.Get(key)
	w.pending.Delete(key)
	if !ok {
		return
	}
	event := raw.(InventoryEvent)

	if err := w.apply(ctx, tenantID, event); err != nil {
		w.logger.ErrorWithContext(ctx, "не удалось применить вебхук остатка",
			interfaces.LogField{Key: "tenant_id", Value: tenantID},
			interfaces.LogField{Key: "inventory_item_id", Value: event.InventoryItemID},
			interfaces.LogField{Key: "error", Value: err.Error()})
	}
}

// apply находит строку по SKU и переписывает ячейку остатка.
// Совпадение SKU точное после обрезки краевых пробелов.
func (w *WebhookProcessor) apply(ctx context.Context, tenantID string, event InventoryEvent) error {
	if strings.TrimSpace(event.SKU) == "" {
		return fmt.Errorf("inventory event without sku for item %s", event.InventoryItemID)
	}

	client, conn, err := w.sheetsFn(ctx, tenantID)
	if err != nil {
		return err
	}

	mappings, err := w.storage.ListFieldMappings(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("failed to load field mappings: %w", err)
	}
	tr, err := transform.NewTransformer(mappings, w.timezone, w.logger)
	if err != nil {
		return err
	}

	skuColumn, qtyColumn := mappedColumns(mappings)
	if skuColumn == "" || qtyColumn == "" {
		return fmt.Errorf("sku and inventory_quantity mappings are required for webhook sync")
	}

	structure, err := client.ValidateStructure(ctx, conn.SheetName, []string{skuColumn, qtyColumn})
	if err != nil {
		return fmt.Errorf("failed to validate sheet structure: %w", err)
	}
	if !structure.Valid {
		return fmt.Errorf("sheet is missing columns: %v", structure.MissingColumns)
	}

	skuLetter := structure.ColumnMap[skuColumn]
	qtyLetter := structure.ColumnMap[qtyColumn]

	rowIndex, err := w.findRowBySKU(ctx, client, conn.SheetName, skuLetter, event.SKU)
	if err != nil {
		return err
	}
	if rowIndex == 0 {
		w.logger.InfoWithContext(ctx, "sku вебхука не найден в таблице",
			interfaces.LogField{Key: "tenant_id", Value: tenantID},
			interfaces.LogField{Key: "sku", Value: event.SKU})
		return nil
	}

	cell := fmt.Sprintf("%s!%s%d:%s%d", conn.SheetName, qtyLetter, rowIndex, qtyLetter, rowIndex)
	value := tr.FormatValue("inventory_quantity", event.Available)
	if err := client.WriteRange(ctx, cell, [][]string{{value}}); err != nil {
		return fmt.Errorf("failed to write inventory cell: %w", err)
	}

	w.logger.InfoWithContext(ctx, "остаток обновлен из вебхука",
		interfaces.LogField{Key: "tenant_id", Value: tenantID},
		interfaces.LogField{Key: "sku", Value: event.SKU},
		interfaces.LogField{Key: "row", Value: rowIndex},
		interfaces.LogField{Key: "available", Value: event.Available})
	return nil
}

// findRowBySKU ищет номер строки с точным совпадением SKU, 0 если не найдено
func (w *WebhookProcessor) findRowBySKU(ctx context.Context, client SheetClient, sheetName, skuLetter, sku string) (int, error) {
	target := strings.TrimSpace(sku)
	rng := fmt.Sprintf("%s!%s2:%s", sheetName, skuLetter, skuLetter)

	const pageSize = 1000
	for page := 1; ; page++ {
		rows, hasMore, err := client.ReadRange(ctx, rng, page, pageSize)
		if err != nil {
			return 0, fmt.Errorf("failed to scan sku column: %w", err)
		}
		for i, row := range rows {
			if len(row) > 0 && strings.TrimSpace(row[0]) == target {
				return 2 + (page-1)*pageSize + i, nil
			}
		}
		if !hasMore {
			return 0, nil
		}
	}
}

// mappedColumns возвращает заголовки колонок для полей sku и
// inventory_quantity из активных маппингов
func mappedColumns(mappings []*models.FieldMapping) (string, string) {
	skuColumn := ""
	qtyColumn := ""
	for _, m := range models.ActiveMappings(mappings) {
		switch strings.ToLower(strings.TrimSpace(m.FieldName)) {
		case "sku":
			skuColumn = m.Column
		case "inventory_quantity", "quantity":
			qtyColumn = m.Column
		}
	}
	return skuColumn, qtyColumn
}

// Pending возвращает число отложенных событий, используется в диагностике
func (w *WebhookProcessor) Pending() int {
	return w.pending.ItemCount()
}

// ParseInventoryWebhook валидирует полезную нагрузку вебхука
func ParseInventoryWebhook(event InventoryEvent) (InventoryEvent, error) {
	if event.InventoryItemID == "" {
		return event, fmt.Errorf("inventory_item_id is required")
	}
	if event.Available < 0 {
		return event, fmt.Errorf("available must not be negative, got %d", event.Available)
	}
	return event, nil
}
