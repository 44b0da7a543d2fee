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

const variantByIDQuery = `
query Variant($id: ID!) {
  productVariant(id: $id) {
    id
    title
    sku
    barcode
    price
    compareAtPrice
    taxable
    inventoryQuantity
    updatedAt
    product { id }
    selectedOptions { name value }
    inventoryItem {
      id
      unitCost { amount }
      measurement { weight { value unit } }
    }
  }
}`

const variantsBulkUpdateMutation = `
mutation VariantsBulkUpdate($productId: ID!, $variants: [ProductVariantsBulkInput!]!) {
  productVariantsBulkUpdate(productId: $productId, variants: $variants) {
    userErrors { field message }
  }
}`

// допустимые единицы веса протокола
var validWeightUnits = map[string]bool{
	"GRAMS":     true,
	"KILOGRAMS": true,
	"OUNCES":    true,
	"POUNDS":    true,
}

// VariantUpdate частичное обновление варианта; nil-поля не изменяются
type VariantUpdate struct {
	VariantID  string   `json:"variant_id"`
	ProductID  string   `json:"product_id"`
	Price      *float64 `json:"price,omitempty"`
	Cost       *float64 `json:"cost,omitempty"`
	SKU        *string  `json:"sku,omitempty"`
	Barcode    *string  `json:"barcode,omitempty"`
	Weight     *float64 `json:"weight,omitempty"`
	WeightUnit *string  `json:"weight_unit,omitempty"`
	Taxable    *bool    `json:"taxable,omitempty"`
}

// Validate проверяет обновление до отправки: отрицательные цена, себестоимость
// и вес отклоняются, как и нераспознанная единица веса
func (u *VariantUpdate) Validate() error {
	if u.VariantID == "" {
		return syncerr.Validation("variant update requires a variant id")
	}
	if u.Price != nil && *u.Price < 0 {
		return syncerr.Validation("variant %s: price must not be negative", u.VariantID)
	}
	if u.Cost != nil && *u.Cost < 0 {
		return syncerr.Validation("variant %s: cost must not be negative", u.VariantID)
	}
	if u.Weight != nil && *u.Weight < 0 {
		return syncerr.Validation("variant %s: weight must not be negative", u.VariantID)
	}
	if u.WeightUnit != nil && !validWeightUnits[strings.ToUpper(*u.WeightUnit)] {
		return syncerr.Validation("variant %s: unrecognized weight unit %q", u.VariantID, *u.WeightUnit)
	}
	return nil
}

// GetVariant получает один вариант по идентификатору
func (c *Client) GetVariant(ctx context.Context, id string) (*models.Variant, error) {
	data, err := c.ExecuteQuery(ctx, variantByIDQuery, map[string]interface{}{"id": id})
	if err != nil {
		return nil, err
	}

	var parsed struct {
		ProductVariant *struct {
			variantNode
			Product struct {
				ID string `json:"id"`
			} `json:"product"`
		} `json:"productVariant"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("failed to decode variant: %w", err)
	}
	if parsed.ProductVariant == nil {
		return nil, nil // Вариант не найден
	}
	variant := parsed.ProductVariant.variantNode.toModel(parsed.ProductVariant.Product.ID)
	return &variant, nil
}

// BulkUpdateVariants применяет обновления вариантов по принципу "все или
// ничего": каждое обновление валидируется до отправки, перед применением
// захватывается прежнее состояние варианта, и при сбое любого элемента все
// уже примененные обновления пакета откатываются повторной записью
// захваченных значений, после чего возвращается ошибка. Вторичные ошибки
// отката логируются и не поднимаются.
func (c *Client) BulkUpdateVariants(ctx context.Context, updates []VariantUpdate) error {
	// Сначала валидация всего пакета: ничего не отправляем при ошибке
	for i := range updates {
		if err := updates[i].Validate(); err != nil {
			return err
		}
	}

	compensation := NewCompensationLog(c.logger)

	for i := range updates {
		update := updates[i]

		prior, err := c.GetVariant(ctx, update.VariantID)
		if err != nil {
			compensation.Replay(ctx)
			return fmt.Errorf("failed to capture prior variant state: %w", err)
		}
		if prior == nil {
			compensation.Replay(ctx)
			return syncerr.Validation("variant %s does not exist", update.VariantID)
		}

		if err := c.applyVariantUpdate(ctx, update); err != nil {
			c.logger.WarnWithContext(ctx, "variant update failed, rolling back applied updates",
				interfaces.LogField{Key: "variant_id", Value: update.VariantID},
				interfaces.LogField{Key: "applied", Value: compensation.Len()},
				interfaces.LogField{Key: "error", Value: err.Error()},
			)
			compensation.Replay(ctx)
			return err
		}

		restore := revertUpdate(prior, update)
		compensation.Record("restore variant "+update.VariantID, func(ctx context.Context) error {
			return c.applyVariantUpdate(ctx, restore)
		})
	}

	return nil
}

// revertUpdate строит обновление, возвращающее затронутые поля к прежним значениям
func revertUpdate(prior *models.Variant, applied VariantUpdate) VariantUpdate {
	restore := VariantUpdate{
		VariantID: prior.ID,
		ProductID: prior.ProductID,
	}
	if applied.Price != nil {
		price := prior.Price
		restore.Price = &price
	}
	if applied.Cost != nil {
		cost := prior.Cost
		restore.Cost = &cost
	}
	if applied.SKU != nil {
		sku := prior.SKU
		restore.SKU = &sku
	}
	if applied.Barcode != nil {
		barcode := prior.Barcode
		restore.Barcode = &barcode
	}
	if applied.Weight != nil {
		weight := prior.Weight
		restore.Weight = &weight
	}
	if applied.WeightUnit != nil {
		unit := prior.WeightUnit
		restore.WeightUnit = &unit
	}
	if applied.Taxable != nil {
		taxable := prior.Taxable
		restore.Taxable = &taxable
	}
	return restore
}

func (c *Client) applyVariantUpdate(ctx context.Context, update VariantUpdate) error {
	variant := map[string]interface{}{"id": update.VariantID}
	if update.Price != nil {
		variant["price"] = fmt.Sprintf("%.2f", *update.Price)
	}
	if update.Barcode != nil {
		variant["barcode"] = *update.Barcode
	}
	if update.Taxable != nil {
		variant["taxable"] = *update.Taxable
	}

	inventoryItem := map[string]interface{}{}
	if update.SKU != nil {
		inventoryItem["sku"] = *update.SKU
	}
	if update.Cost != nil {
		inventoryItem["cost"] = *update.Cost
	}
	if update.Weight != nil {
		weight := map[string]interface{}{"value": *update.Weight}
		if update.WeightUnit != nil {
			weight["unit"] = strings.ToUpper(*update.WeightUnit)
		} else {
			weight["unit"] = "GRAMS"
		}
		inventoryItem["measurement"] = map[string]interface{}{"weight": weight}
	}
	if len(inventoryItem) > 0 {
		variant["inventoryItem"] = inventoryItem
	}

	data, err := c.ExecuteQuery(ctx, variantsBulkUpdateMutation, map[string]interface{}{
		"productId": update.ProductID,
		"variants":  []interface{}{variant},
	})
	if err != nil {
		return err
	}

	var parsed struct {
		ProductVariantsBulkUpdate struct {
			UserErrors []struct {
				Field   []string `json:"field"`
				Message string   `json:"message"`
			} `json:"userErrors"`
		} `json:"productVariantsBulkUpdate"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("failed to decode variant update result: %w", err)
	}

	if len(parsed.ProductVariantsBulkUpdate.UserErrors) > 0 {
		messages := make([]string, 0, len(parsed.ProductVariantsBulkUpdate.UserErrors))
		for _, ue := range parsed.ProductVariantsBulkUpdate.UserErrors {
			messages = append(messages, ue.Message)
		}
		return syncerr.New(syncerr.KindUpstreamAPI, "variant update rejected: "+strings.Join(messages, "; "))
	}

	return nil
}
