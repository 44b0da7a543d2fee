package models

import "time"

// SpreadsheetConnection связанная таблица арендатора: ровно одна на арендатора
// (уникальность обеспечивается хранилищем). Токены OAuth хранятся только
// в зашифрованном виде и расшифровываются транзиентно в памяти.
type SpreadsheetConnection struct {
	ID                 string     `json:"id"`
	TenantID           string     `json:"tenant_id"`
	SpreadsheetID      string     `json:"spreadsheet_id"`
	SheetName          string     `json:"sheet_name"`
	SheetURL           string     `json:"sheet_url"`
	AccessTokenCipher  []byte     `json:"-"`
	RefreshTokenCipher []byte     `json:"-"`
	TokenExpiresAt     *time.Time `json:"token_expires_at,omitempty"`
	LastSyncedAt       *time.Time `json:"last_synced_at,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// Progress эфемерный снимок прогресса запуска, живет в кэше и служит
// только для опроса; авторитетным источником остается запись SyncRun.
type Progress struct {
	RunID            string    `json:"run_id"`
	Status           string    `json:"status"`
	RecordsProcessed int       `json:"records_processed"`
	TotalRecords     int       `json:"total_records"`
	Percentage       float64   `json:"percentage"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Conflict расхождение между значением в таблице и текущим значением каталога
type Conflict struct {
	RowIndex     int    `json:"row_index"`
	VariantID    string `json:"variant_id,omitempty"`
	SKU          string `json:"sku,omitempty"`
	FieldName    string `json:"field_name"`
	SheetValue   string `json:"sheet_value"`
	CatalogValue string `json:"catalog_value"`
}

// ConflictSet набор конфликтов одного запуска, хранится в кэше 7 дней
// для последующего разбора оператором
type ConflictSet struct {
	RunID      string     `json:"run_id"`
	TenantID   string     `json:"tenant_id"`
	Resolution string     `json:"resolution"`
	Conflicts  []Conflict `json:"conflicts"`
	CreatedAt  time.Time  `json:"created_at"`
}
