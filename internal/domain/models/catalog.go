package models

import "time"

// Product представляет снимок товара из каталога Shopify.
// Записи неизменяемы после получения: любые правки выражаются
// отдельными структурами обновлений, а не мутацией снимка.
type Product struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Handle      string    `json:"handle"`
	Vendor      string    `json:"vendor"`
	ProductType string    `json:"product_type"`
	Status      string    `json:"status"`
	Tags        []string  `json:"tags"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	Variants    []Variant `json:"variants"`
}

// Variant представляет вариант товара с ценой и остатками
type Variant struct {
	ID                string           `json:"id"`
	ProductID         string           `json:"product_id"`
	Title             string           `json:"title"`
	SKU               string           `json:"sku"`
	Barcode           string           `json:"barcode,omitempty"`
	Price             float64          `json:"price"`
	CompareAtPrice    float64          `json:"compare_at_price,omitempty"`
	Cost              float64          `json:"cost,omitempty"`
	InventoryQuantity int              `json:"inventory_quantity"`
	InventoryItemID   string           `json:"inventory_item_id"`
	Weight            float64          `json:"weight,omitempty"`
	WeightUnit        string           `json:"weight_unit,omitempty"`
	Taxable           bool             `json:"taxable"`
	Options           []SelectedOption `json:"options,omitempty"`
	InventoryLevels   []InventoryLevel `json:"inventory_levels,omitempty"`
	UpdatedAt         time.Time        `json:"updated_at"`
}

// SelectedOption пара имя-значение опции варианта (например, Size: M)
type SelectedOption struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// InventoryLevel остаток по конкретной локации
type InventoryLevel struct {
	InventoryItemID string `json:"inventory_item_id"`
	LocationID      string `json:"location_id"`
	Available       int    `json:"available"`
}

// CatalogRecord единица трансформации: товар и, при вариантной
// гранулярности, конкретный вариант. Одна запись дает одну строку таблицы.
type CatalogRecord struct {
	Product *Product `json:"product"`
	Variant *Variant `json:"variant,omitempty"`
}

// Records разворачивает товары в записи повариантно.
// Товар без вариантов дает одну запись без варианта, nil-товары пропускаются.
func Records(products []*Product) []CatalogRecord {
	var records []CatalogRecord
	for _, p := range products {
		if p == nil {
			continue
		}
		if len(p.Variants) == 0 {
			records = append(records, CatalogRecord{Product: p})
			continue
		}
		for i := range p.Variants {
			records = append(records, CatalogRecord{Product: p, Variant: &p.Variants[i]})
		}
	}
	return records
}
