package shopify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/athebyme/sheetsync-platform/internal/domain/models"
	"github.com/athebyme/sheetsync-platform/internal/syncerr"
	"github.com/athebyme/sheetsync-platform/pkg/interfaces"
)

const (
	// maxAdjustBatch протокольный лимит элементов в одной мутации изменения остатков
	maxAdjustBatch = 10
	// maxLevelQueryIDs протокольный лимит идентификаторов в одном запросе остатков
	maxLevelQueryIDs = 50
)

const inventoryLevelsQuery = `
query InventoryLevels($ids: [ID!]!) {
  nodes(ids: $ids) {
    ... on InventoryItem {
      id
      inventoryLevels(first: 50) {
        edges {
          node {
            location { id }
            quantities(names: ["available"]) { name quantity }
          }
        }
      }
    }
  }
}`

const inventoryAdjustMutation = `
mutation AdjustInventory($input: InventoryAdjustQuantitiesInput!) {
  inventoryAdjustQuantities(input: $input) {
    userErrors { field message }
  }
}`

// InventoryAdjustment дельта остатка для пары позиция-локация
type InventoryAdjustment struct {
	InventoryItemID string `json:"inventory_item_id"`
	LocationID      string `json:"location_id"`
	Delta           int    `json:"delta"`
}

// FetchInventoryLevels получает остатки по набору позиций, разбивая
// запросы по 50 идентификаторов
func (c *Client) FetchInventoryLevels(ctx context.Context, itemIDs []string) ([]models.InventoryLevel, error) {
	var levels []models.InventoryLevel

	for start := 0; start < len(itemIDs); start += maxLevelQueryIDs {
		end := start + maxLevelQueryIDs
		if end > len(itemIDs) {
			end = len(itemIDs)
		}

		data, err := c.ExecuteQuery(ctx, inventoryLevelsQuery, map[string]interface{}{"ids": itemIDs[start:end]})
		if err != nil {
			return nil, err
		}

		var parsed struct {
			Nodes []struct {
				ID              string `json:"id"`
				InventoryLevels struct {
					Edges []struct {
						Node struct {
							Location struct {
								ID string `json:"id"`
							} `json:"location"`
							Quantities []struct {
								Name     string `json:"name"`
								Quantity int    `json:"quantity"`
							} `json:"quantities"`
						} `json:"node"`
					} `json:"edges"`
				} `json:"inventoryLevels"`
			} `json:"nodes"`
		}
		if err := json.Unmarshal(data, &parsed); err != nil {
			return nil, fmt.Errorf("failed to decode inventory levels: %w", err)
		}

		for _, node := range parsed.Nodes {
			if node.ID == "" {
				continue
			}
			for _, edge := range node.InventoryLevels.Edges {
				for _, q := range edge.Node.Quantities {
					if q.Name != "available" {
						continue
					}
					levels = append(levels, models.InventoryLevel{
						InventoryItemID: node.ID,
						LocationID:      edge.Node.Location.ID,
						Available:       q.Quantity,
					})
				}
			}
		}
	}

	return levels, nil
}

// BulkAdjustInventory применяет дельты остатков. Изменения группируются по
// локации и режутся на пакеты по 10 элементов. Перед применением для каждой
// локации захватываются абсолютные текущие уровни; при сбое пакета локация
// откатывается к захваченным уровням компенсирующими дельтами, и для нее
// возвращается ошибка. Уже примененные изменения других локаций не
// откатываются: изоляция сбоев на уровне локации, без глобальной атомарности.
func (c *Client) BulkAdjustInventory(ctx context.Context, adjustments []InventoryAdjustment) error {
	byLocation := make(map[string][]InventoryAdjustment)
	var locationOrder []string
	for _, adj := range adjustments {
		if _, ok := byLocation[adj.LocationID]; !ok {
			locationOrder = append(locationOrder, adj.LocationID)
		}
		byLocation[adj.LocationID] = append(byLocation[adj.LocationID], adj)
	}

	var failed []string
	for _, locationID := range locationOrder {
		if err := c.adjustLocation(ctx, locationID, byLocation[locationID]); err != nil {
			c.logger.ErrorWithContext(ctx, "inventory adjustment failed for location",
				interfaces.LogField{Key: "location_id", Value: locationID},
				interfaces.LogField{Key: "error", Value: err.Error()},
			)
			failed = append(failed, fmt.Sprintf("%s: %v", locationID, err))
		}
	}

	if len(failed) > 0 {
		return syncerr.New(syncerr.KindUpstreamAPI,
			"inventory adjustment failed for locations: "+strings.Join(failed, "; "))
	}
	return nil
}

// adjustLocation применяет изменения одной локации пакетами с откатом
func (c *Client) adjustLocation(ctx context.Context, locationID string, adjustments []InventoryAdjustment) error {
	itemIDs := make([]string, 0, len(adjustments))
	for _, adj := range adjustments {
		itemIDs = append(itemIDs, adj.InventoryItemID)
	}

	// Захватываем абсолютные уровни до изменения: откат восстанавливает
	// именно их, а не просто инвертирует примененные дельты
	prior, err := c.captureLevels(ctx, itemIDs, locationID)
	if err != nil {
		return fmt.Errorf("failed to capture prior inventory levels: %w", err)
	}

	applied := false
	for start := 0; start < len(adjustments); start += maxAdjustBatch {
		end := start + maxAdjustBatch
		if end > len(adjustments) {
			end = len(adjustments)
		}

		if err := c.applyAdjustments(ctx, adjustments[start:end]); err != nil {
			if applied {
				c.restoreLevels(ctx, prior, locationID)
			}
			return err
		}
		applied = true
	}

	return nil
}

func (c *Client) applyAdjustments(ctx context.Context, batch []InventoryAdjustment) error {
	changes := make([]map[string]interface{}, 0, len(batch))
	for _, adj := range batch {
		changes = append(changes, map[string]interface{}{
			"inventoryItemId": adj.InventoryItemID,
			"locationId":      adj.LocationID,
			"delta":           adj.Delta,
		})
	}

	input := map[string]interface{}{
		"reason":  "correction",
		"name":    "available",
		"changes": changes,
	}

	data, err := c.ExecuteQuery(ctx, inventoryAdjustMutation, map[string]interface{}{"input": input})
	if err != nil {
		return err
	}

	var parsed struct {
		InventoryAdjustQuantities struct {
			UserErrors []struct {
				Field   []string `json:"field"`
				Message string   `json:"message"`
			} `json:"userErrors"`
		} `json:"inventoryAdjustQuantities"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("failed to decode adjustment result: %w", err)
	}

	if len(parsed.InventoryAdjustQuantities.UserErrors) > 0 {
		messages := make([]string, 0, len(parsed.InventoryAdjustQuantities.UserErrors))
		for _, ue := range parsed.InventoryAdjustQuantities.UserErrors {
			messages = append(messages, ue.Message)
		}
		return syncerr.New(syncerr.KindUpstreamAPI, "inventory adjustment rejected: "+strings.Join(messages, "; "))
	}

	return nil
}

// captureLevels снимает абсолютные уровни позиций в указанной локации
func (c *Client) captureLevels(ctx context.Context, itemIDs []string, locationID string) (map[string]int, error) {
	levels, err := c.FetchInventoryLevels(ctx, itemIDs)
	if err != nil {
		return nil, err
	}

	captured := make(map[string]int)
	for _, level := range levels {
		if level.LocationID == locationID {
			captured[level.InventoryItemID] = level.Available
		}
	}
	return captured, nil
}

// restoreLevels возвращает локацию к захваченным уровням. Ошибки
// восстановления логируются и не поднимаются, чтобы не маскировать
// исходную причину отката.
func (c *Client) restoreLevels(ctx context.Context, prior map[string]int, locationID string) {
	itemIDs := make([]string, 0, len(prior))
	for id := range prior {
		itemIDs = append(itemIDs, id)
	}

	current, err := c.captureLevels(ctx, itemIDs, locationID)
	if err != nil {
		c.logger.ErrorWithContext(ctx, "inventory rollback failed to read current levels",
			interfaces.LogField{Key: "location_id", Value: locationID},
			interfaces.LogField{Key: "error", Value: err.Error()},
		)
		return
	}

	var compensating []InventoryAdjustment
	for itemID, priorLevel := range prior {
		delta := priorLevel - current[itemID]
		if delta == 0 {
			continue
		}
		compensating = append(compensating, InventoryAdjustment{
			InventoryItemID: itemID,
			LocationID:      locationID,
			Delta:           delta,
		})
	}

	for start := 0; start < len(compensating); start += maxAdjustBatch {
		end := start + maxAdjustBatch
		if end > len(compensating) {
			end = len(compensating)
		}
		if err := c.applyAdjustments(ctx, compensating[start:end]); err != nil {
			c.logger.ErrorWithContext(ctx, "inventory rollback adjustment failed",
				interfaces.LogField{Key: "location_id", Value: locationID},
				interfaces.LogField{Key: "error", Value: err.Error()},
			)
		}
	}
}
