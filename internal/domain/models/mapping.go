package models

import "time"

// FieldMapping связывает каноническое имя поля каталога с буквой столбца
// таблицы. Инвариант: не более одного активного маппинга на поле для
// арендатора. Управляет обеими сторонами трансформации.
type FieldMapping struct {
	ID           string    `json:"id"`
	TenantID     string    `json:"tenant_id"`
	FieldName    string    `json:"field_name"`
	Column       string    `json:"column"`
	Active       bool      `json:"active"`
	DisplayOrder int       `json:"display_order"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ActiveMappings фильтрует активные маппинги и сортирует их по порядку отображения
func ActiveMappings(mappings []*FieldMapping) []*FieldMapping {
	var active []*FieldMapping
	for _, m := range mappings {
		if m.Active {
			active = append(active, m)
		}
	}
	for i := 1; i < len(active); i++ {
		for j := i; j > 0 && active[j-1].DisplayOrder > active[j].DisplayOrder; j-- {
			active[j-1], active[j] = active[j], active[j-1]
		}
	}
	return active
}
