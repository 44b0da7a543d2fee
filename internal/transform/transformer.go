package transform

import (
	"fmt"
	"strings"
	"time"

	"github.com/athebyme/sheetsync-platform/internal/domain/models"
	"github.com/athebyme/sheetsync-platform/pkg/interfaces"
)

// Transformer переводит записи каталога в строки таблицы и обратно по
// настроенному маппингу полей. Маппинг фиксируется при создании, экземпляр
// безопасен для конкурентного использования и никогда не мутирует вход.
type Transformer struct {
	mappings []*models.FieldMapping
	location *time.Location
	logger   interfaces.LoggerPort
}

// NewTransformer создает трансформер по активным маппингам арендатора.
// Часовой пояс применяется к форматированию дат, пустой tz означает UTC.
func NewTransformer(mappings []*models.FieldMapping, tz string, logger interfaces.LoggerPort) (*Transformer, error) {
	location := time.UTC
	if tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("failed to load timezone %q: %w", tz, err)
		}
		location = loc
	}

	active := models.ActiveMappings(mappings)
	return &Transformer{
		mappings: active,
		location: location,
		logger:   logger,
	}, nil
}

// Columns возвращает заголовки колонок в порядке маппинга
func (t *Transformer) Columns() []string {
	columns := make([]string, 0, len(t.mappings))
	for _, m := range t.mappings {
		columns = append(columns, m.Column)
	}
	return columns
}

// Header возвращает строку заголовков для записи в лист
func (t *Transformer) Header() []string {
	return t.Columns()
}

// ToRows переводит записи каталога в строки таблицы. Порядок ячеек в строке
// соответствует порядку маппинга. Записи без варианта получают пустые
// значения вариантных полей.
func (t *Transformer) ToRows(records []models.CatalogRecord) [][]string {
	rows := make([][]string, 0, len(records))
	for _, rec := range records {
		normalized := rec
		if normalized.Variant == nil {
			normalized.Variant = &models.Variant{ProductID: rec.Product.ID}
		}

		row := make([]string, 0, len(t.mappings))
		for _, m := range t.mappings {
			_, spec, _ := resolveField(m.FieldName)
			row = append(row, spec.Format(spec.Extract(normalized), t.location))
		}
		rows = append(rows, row)
	}
	return rows
}

// ToRecords разбирает строки таблицы в обновления записей. Индексы строк
// считаются от startRow и отражают позицию в листе, а не в срезе. Строки
// с ошибками разбора пропускаются и возвращаются отдельно, одна плохая
// строка не влияет на соседние.
func (t *Transformer) ToRecords(rows [][]string, startRow int) ([]models.RecordUpdate, []models.RowError) {
	var updates []models.RecordUpdate
	var rowErrors []models.RowError

	for i, row := range rows {
		rowIndex := startRow + i
		update := models.RecordUpdate{
			RowIndex: rowIndex,
			Fields:   make(map[string]interface{}),
		}
		var messages []string

		for col, m := range t.mappings {
			cell := ""
			if col < len(row) {
				cell = row[col]
			}
			canonical, spec, _ := resolveField(m.FieldName)

			value, err := spec.Parse(cell)
			if err != nil {
				messages = append(messages, fmt.Sprintf("column %q: %v", m.Column, err))
				continue
			}
			if value == nil {
				continue
			}

			switch canonical {
			case "id":
				update.ProductID = value.(string)
			case "variant_id":
				update.VariantID = value.(string)
			case "sku":
				update.SKU = value.(string)
				update.Fields[canonical] = value
			default:
				update.Fields[canonical] = value
			}
		}

		if len(messages) > 0 {
			rowErrors = append(rowErrors, models.RowError{RowIndex: rowIndex, Messages: messages})
			continue
		}
		updates = append(updates, update)
	}
	return updates, rowErrors
}

// FormatField возвращает текущее значение поля записи каталога в формате
// ячейки. Сравнение значений таблицы и каталога ведется в этом формате,
// чтобы различия представления не считались конфликтом.
func (t *Transformer) FormatField(name string, rec models.CatalogRecord) string {
	if rec.Variant == nil {
		rec.Variant = &models.Variant{ProductID: rec.Product.ID}
	}
	_, spec, _ := resolveField(name)
	return spec.Format(spec.Extract(rec), t.location)
}

// FormatValue форматирует разобранное значение поля в строку ячейки
func (t *Transformer) FormatValue(name string, value interface{}) string {
	_, spec, _ := resolveField(name)
	return spec.Format(value, t.location)
}

// requiredImportFields поля, обязательные для импортируемой строки
var requiredImportFields = []string{"title", "sku", "price"}

// ValidateImport проверяет разобранные обновления перед применением.
// Каждая строка проверяется независимо: возвращаются прошедшие проверку
// обновления и ошибки отклоненных строк.
func (t *Transformer) ValidateImport(updates []models.RecordUpdate) ([]models.RecordUpdate, []models.RowError) {
	mapped := make(map[string]bool, len(t.mappings))
	for _, m := range t.mappings {
		canonical, _, _ := resolveField(m.FieldName)
		mapped[canonical] = true
	}

	valid := make([]models.RecordUpdate, 0, len(updates))
	var rowErrors []models.RowError

	for _, update := range updates {
		var messages []string

		for _, field := range requiredImportFields {
			if !mapped[field] {
				continue
			}
			if field == "sku" {
				if strings.TrimSpace(update.SKU) == "" {
					messages = append(messages, "missing required field sku")
				}
				continue
			}
			value, ok := update.Fields[field]
			if !ok || value == nil {
				messages = append(messages, "missing required field "+field)
				continue
			}
			if s, isStr := value.(string); isStr && strings.TrimSpace(s) == "" {
				messages = append(messages, "missing required field "+field)
			}
		}

		for field, value := range update.Fields {
			switch v := value.(type) {
			case float64:
				if v < 0 {
					messages = append(messages, fmt.Sprintf("field %q must not be negative", field))
				}
			case int:
				if v < 0 {
					messages = append(messages, fmt.Sprintf("field %q must not be negative", field))
				}
			}
		}

		if len(messages) > 0 {
			rowErrors = append(rowErrors, models.RowError{RowIndex: update.RowIndex, Messages: messages})
			continue
		}
		valid = append(valid, update)
	}
	return valid, rowErrors
}
