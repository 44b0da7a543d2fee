package transform

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/athebyme/sheetsync-platform/internal/domain/models"
	"github.com/athebyme/sheetsync-platform/internal/syncerr"
)

// Extractor достает значение канонического поля из записи каталога
type Extractor func(rec models.CatalogRecord) interface{}

// Formatter приводит значение поля к строке ячейки
type Formatter func(value interface{}, loc *time.Location) string

// Parser разбирает строку ячейки в типизированное значение поля
type Parser func(cell string) (interface{}, error)

// fieldSpec полное описание канонического поля: извлечение, форматирование
// и разбор собраны в одной записи реестра вместо ветвлений по имени поля
type fieldSpec struct {
	Extract Extractor
	Format  Formatter
	Parse   Parser
}

// fieldAliases исторические имена полей, принимаемые в настройках маппинга
var fieldAliases = map[string]string{
	"product_title":   "title",
	"product_id":      "id",
	"variant_options": "options",
	"quantity":        "inventory_quantity",
	"compare_price":   "compare_at_price",
}

// registry реестр канонических полей
var registry = map[string]fieldSpec{
	"id": {
		Extract: func(r models.CatalogRecord) interface{} { return r.Product.ID },
		Format:  formatString,
		Parse:   parseString,
	},
	"variant_id": {
		Extract: func(r models.CatalogRecord) interface{} { return r.Variant.ID },
		Format:  formatString,
		Parse:   parseString,
	},
	"title": {
		Extract: func(r models.CatalogRecord) interface{} { return r.Product.Title },
		Format:  formatString,
		Parse:   parseString,
	},
	"variant_title": {
		Extract: func(r models.CatalogRecord) interface{} { return r.Variant.Title },
		Format:  formatString,
		Parse:   parseString,
	},
	"sku": {
		Extract: func(r models.CatalogRecord) interface{} { return r.Variant.SKU },
		Format:  formatString,
		Parse:   parseString,
	},
	"barcode": {
		Extract: func(r models.CatalogRecord) interface{} { return r.Variant.Barcode },
		Format:  formatString,
		Parse:   parseString,
	},
	"vendor": {
		Extract: func(r models.CatalogRecord) interface{} { return r.Product.Vendor },
		Format:  formatString,
		Parse:   parseString,
	},
	"product_type": {
		Extract: func(r models.CatalogRecord) interface{} { return r.Product.ProductType },
		Format:  formatString,
		Parse:   parseString,
	},
	"status": {
		Extract: func(r models.CatalogRecord) interface{} { return r.Product.Status },
		Format:  formatString,
		Parse:   parseString,
	},
	"tags": {
		Extract: func(r models.CatalogRecord) interface{} { return r.Product.Tags },
		Format:  formatList,
		Parse:   parseList,
	},
	"options": {
		Extract: func(r models.CatalogRecord) interface{} {
			parts := make([]string, 0, len(r.Variant.Options))
			for _, opt := range r.Variant.Options {
				parts = append(parts, opt.Name+": "+opt.Value)
			}
			return parts
		},
		Format: formatList,
		Parse:  parseList,
	},
	"price": {
		Extract: func(r models.CatalogRecord) interface{} { return r.Variant.Price },
		Format:  formatMoney,
		Parse:   parseMoney,
	},
	"compare_at_price": {
		Extract: func(r models.CatalogRecord) interface{} { return r.Variant.CompareAtPrice },
		Format:  formatMoney,
		Parse:   parseMoney,
	},
	"cost": {
		Extract: func(r models.CatalogRecord) interface{} { return r.Variant.Cost },
		Format:  formatMoney,
		Parse:   parseMoney,
	},
	"inventory_quantity": {
		Extract: func(r models.CatalogRecord) interface{} { return r.Variant.InventoryQuantity },
		Format:  formatInt,
		Parse:   parseInt,
	},
	"weight": {
		Extract: func(r models.CatalogRecord) interface{} { return r.Variant.Weight },
		Format:  formatMoney,
		Parse:   parseMoney,
	},
	"weight_unit": {
		Extract: func(r models.CatalogRecord) interface{} { return r.Variant.WeightUnit },
		Format:  formatString,
		Parse:   parseString,
	},
	"taxable": {
		Extract: func(r models.CatalogRecord) interface{} { return r.Variant.Taxable },
		Format:  formatBool,
		Parse:   parseBool,
	},
	"updated_at": {
		Extract: func(r models.CatalogRecord) interface{} { return r.Variant.UpdatedAt },
		Format:  formatTime,
		Parse:   parseTimeCell,
	},
}

// resolveField находит спецификацию поля по имени с учетом алиасов.
// Неизвестные поля получают спецификацию по эвристике имени, чтобы
// пользовательские маппинги на нестандартные поля не падали на разборе.
func resolveField(name string) (string, fieldSpec, bool) {
	canonical := strings.ToLower(strings.TrimSpace(name))
	if alias, ok := fieldAliases[canonical]; ok {
		canonical = alias
	}
	spec, ok := registry[canonical]
	if ok {
		return canonical, spec, true
	}
	return canonical, heuristicSpec(canonical), false
}

// heuristicSpec подбирает форматирование по имени поля
func heuristicSpec(name string) fieldSpec {
	spec := fieldSpec{Format: formatString, Parse: parseString}
	switch {
	case strings.Contains(name, "price") || strings.Contains(name, "cost"):
		spec.Format = formatMoney
		spec.Parse = parseMoney
	case strings.Contains(name, "quantity"):
		spec.Format = formatInt
		spec.Parse = parseInt
	case strings.HasSuffix(name, "_at") || strings.Contains(name, "date"):
		spec.Format = formatTime
		spec.Parse = parseTimeCell
	case strings.Contains(name, "weight") && !strings.Contains(name, "unit"):
		spec.Format = formatMoney
		spec.Parse = parseMoney
	}
	return spec
}

func formatString(value interface{}, _ *time.Location) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprintf("%v", v)
	}
}

func formatList(value interface{}, _ *time.Location) string {
	if items, ok := value.([]string); ok {
		return strings.Join(items, ", ")
	}
	return formatString(value, nil)
}

func formatMoney(value interface{}, _ *time.Location) string {
	switch v := value.(type) {
	case nil:
		return ""
	case float64:
		return strconv.FormatFloat(v, 'f', 2, 64)
	case *float64:
		if v == nil {
			return ""
		}
		return strconv.FormatFloat(*v, 'f', 2, 64)
	default:
		return fmt.Sprintf("%v", v)
	}
}

func formatInt(value interface{}, _ *time.Location) string {
	switch v := value.(type) {
	case nil:
		return ""
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	default:
		return fmt.Sprintf("%v", v)
	}
}

func formatBool(value interface{}, _ *time.Location) string {
	if b, ok := value.(bool); ok {
		if b {
			return "TRUE"
		}
		return "FALSE"
	}
	return formatString(value, nil)
}

func formatTime(value interface{}, loc *time.Location) string {
	t, ok := value.(time.Time)
	if !ok || t.IsZero() {
		return ""
	}
	if loc != nil {
		t = t.In(loc)
	}
	return t.Format("2006-01-02 15:04:05")
}

func parseString(cell string) (interface{}, error) {
	return strings.TrimSpace(cell), nil
}

func parseList(cell string) (interface{}, error) {
	trimmed := strings.TrimSpace(cell)
	if trimmed == "" {
		return []string{}, nil
	}
	parts := strings.Split(trimmed, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	return out, nil
}

func parseMoney(cell string) (interface{}, error) {
	trimmed := strings.TrimSpace(cell)
	if trimmed == "" {
		return nil, nil
	}
	// Допускаем денежный формат с запятой в качестве десятичного разделителя
	normalized := strings.ReplaceAll(strings.ReplaceAll(trimmed, " ", ""), ",", ".")
	value, err := strconv.ParseFloat(normalized, 64)
	if err != nil {
		return nil, syncerr.Validation("invalid decimal value: " + cell)
	}
	return value, nil
}

func parseInt(cell string) (interface{}, error) {
	trimmed := strings.TrimSpace(cell)
	if trimmed == "" {
		return nil, nil
	}
	value, err := strconv.Atoi(trimmed)
	if err != nil {
		return nil, syncerr.Validation("invalid integer value: " + cell)
	}
	return value, nil
}

// parseBool: истина только для известных утвердительных форм, любое
// другое непустое значение трактуется как ложь
func parseBool(cell string) (interface{}, error) {
	switch strings.ToUpper(strings.TrimSpace(cell)) {
	case "":
		return nil, nil
	case "TRUE", "1", "YES", "Y", "ON":
		return true, nil
	default:
		return false, nil
	}
}

var timeCellLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05Z07:00",
	"2006-01-02",
	"02.01.2006 15:04:05",
	"02.01.2006",
}

func parseTimeCell(cell string) (interface{}, error) {
	trimmed := strings.TrimSpace(cell)
	if trimmed == "" {
		return nil, nil
	}
	for _, layout := range timeCellLayouts {
		if t, err := time.Parse(layout, trimmed); err == nil {
			return t, nil
		}
	}
	return nil, syncerr.Validation("invalid date value: " + cell)
}
