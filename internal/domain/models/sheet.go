package models

// RecordUpdate частичная запись каталога, разобранная из строки таблицы.
// Fields содержит типизированные значения по каноническим именам полей.
type RecordUpdate struct {
	RowIndex  int                    `json:"row_index"`
	ProductID string                 `json:"product_id,omitempty"`
	VariantID string                 `json:"variant_id,omitempty"`
	SKU       string                 `json:"sku,omitempty"`
	Fields    map[string]interface{} `json:"fields"`
}

// RowError ошибки валидации одной строки импорта
type RowError struct {
	RowIndex int      `json:"row_index"`
	Messages []string `json:"messages"`
}
