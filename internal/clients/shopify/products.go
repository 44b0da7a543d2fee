package shopify

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/athebyme/sheetsync-platform/internal/domain/models"
)

// maxPageSize протокольный максимум записей на страницу
const maxPageSize = 250

const productsQuery = `
query Products($first: Int!, $after: String, $query: String) {
  products(first: $first, after: $after, query: $query) {
    edges {
      node {
        id
        title
        handle
        vendor
        productType
        status
        tags
        createdAt
        updatedAt
        variants(first: 250) {
          edges {
            node {
              id
              title
              sku
              barcode
              price
              compareAtPrice
              taxable
              inventoryQuantity
              updatedAt
              selectedOptions { name value }
              inventoryItem {
                id
                unitCost { amount }
                measurement { weight { value unit } }
              }
            }
          }
        }
      }
    }
    pageInfo { hasNextPage endCursor }
  }
}`

const productByIDQuery = `
query Product($id: ID!) {
  product(id: $id) {
    id
    title
    handle
    vendor
    productType
    status
    tags
    createdAt
    updatedAt
    variants(first: 250) {
      edges {
        node {
          id
          title
          sku
          barcode
          price
          compareAtPrice
          taxable
          inventoryQuantity
          updatedAt
          selectedOptions { name value }
          inventoryItem {
            id
            unitCost { amount }
            measurement { weight { value unit } }
          }
        }
      }
    }
  }
}`

// ProductPage одна страница выборки товаров
type ProductPage struct {
	Products    []*models.Product
	EndCursor   string
	HasNextPage bool
}

type productNode struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Handle      string   `json:"handle"`
	Vendor      string   `json:"vendor"`
	ProductType string   `json:"productType"`
	Status      string   `json:"status"`
	Tags        []string `json:"tags"`
	CreatedAt   string   `json:"createdAt"`
	UpdatedAt   string   `json:"updatedAt"`
	Variants    struct {
		Edges []struct {
			Node variantNode `json:"node"`
		} `json:"edges"`
	} `json:"variants"`
}

type variantNode struct {
	ID                string `json:"id"`
	Title             string `json:"title"`
	SKU               string `json:"sku"`
	Barcode           string `json:"barcode"`
	Price             string `json:"price"`
	CompareAtPrice    string `json:"compareAtPrice"`
	Taxable           bool   `json:"taxable"`
	InventoryQuantity int    `json:"inventoryQuantity"`
	UpdatedAt         string `json:"updatedAt"`
	SelectedOptions   []struct {
		Name  string `json:"name"`
		Value string `json:"value"`
	} `json:"selectedOptions"`
	InventoryItem struct {
		ID       string `json:"id"`
		UnitCost *struct {
			Amount string `json:"amount"`
		} `json:"unitCost"`
		Measurement *struct {
			Weight *struct {
				Value float64 `json:"value"`
				Unit  string  `json:"unit"`
			} `json:"weight"`
		} `json:"measurement"`
	} `json:"inventoryItem"`
}

// FetchProductsPage получает одну страницу товаров начиная с курсора.
// Пустой курсор означает первую страницу; limit ограничен протокольным
// максимумом 250.
func (c *Client) FetchProductsPage(ctx context.Context, cursor string, limit int) (*ProductPage, error) {
	return c.fetchPage(ctx, cursor, limit, "")
}

// FetchAllProducts последовательно проходит все страницы каталога, вызывая
// fn для каждой. Между страницами выдерживается пауза для соблюдения
// rate-limit. Возвращает общее число полученных товаров. Обход возобновляем:
// курсор последней успешной страницы передается в fn и может быть
// использован для рестарта через FetchAllProductsFrom.
func (c *Client) FetchAllProducts(ctx context.Context, fn func(page *ProductPage) error) (int, error) {
	return c.FetchAllProductsFrom(ctx, "", fn)
}

// FetchAllProductsFrom как FetchAllProducts, но начинает обход с заданного курсора
func (c *Client) FetchAllProductsFrom(ctx context.Context, cursor string, fn func(page *ProductPage) error) (int, error) {
	return c.fetchAll(ctx, cursor, "", fn)
}

// FetchProductsSince проходит товары, измененные начиная с указанного
// момента; тот же контракт пагинации, фильтрация на стороне сервера.
func (c *Client) FetchProductsSince(ctx context.Context, since time.Time, cursor string, fn func(page *ProductPage) error) (int, error) {
	filter := fmt.Sprintf("updated_at:>=%s", since.UTC().Format(time.RFC3339))
	return c.fetchAll(ctx, cursor, filter, fn)
}

func (c *Client) fetchAll(ctx context.Context, cursor, filter string, fn func(page *ProductPage) error) (int, error) {
	total := 0
	for {
		page, err := c.fetchPage(ctx, cursor, maxPageSize, filter)
		if err != nil {
			return total, err
		}

		total += len(page.Products)
		if err := fn(page); err != nil {
			return total, err
		}

		if !page.HasNextPage {
			return total, nil
		}
		cursor = page.EndCursor

		select {
		case <-ctx.Done():
			return total, ctx.Err()
		default:
		}
		if c.pageDelay > 0 {
			c.sleep(c.pageDelay)
		}
	}
}

func (c *Client) fetchPage(ctx context.Context, cursor string, limit int, filter string) (*ProductPage, error) {
	if limit <= 0 || limit > maxPageSize {
		limit = maxPageSize
	}

	variables := map[string]interface{}{"first": limit}
	if cursor != "" {
		variables["after"] = cursor
	}
	if filter != "" {
		variables["query"] = filter
	}

	data, err := c.ExecuteQuery(ctx, productsQuery, variables)
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Products struct {
			Edges []struct {
				Node productNode `json:"node"`
			} `json:"edges"`
			PageInfo struct {
				HasNextPage bool   `json:"hasNextPage"`
				EndCursor   string `json:"endCursor"`
			} `json:"pageInfo"`
		} `json:"products"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("failed to decode products page: %w", err)
	}

	page := &ProductPage{
		EndCursor:   parsed.Products.PageInfo.EndCursor,
		HasNextPage: parsed.Products.PageInfo.HasNextPage,
	}
	for _, edge := range parsed.Products.Edges {
		page.Products = append(page.Products, edge.Node.toModel())
	}
	return page, nil
}

// GetProduct получает один товар по идентификатору
func (c *Client) GetProduct(ctx context.Context, id string) (*models.Product, error) {
	data, err := c.ExecuteQuery(ctx, productByIDQuery, map[string]interface{}{"id": id})
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Product *productNode `json:"product"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("failed to decode product: %w", err)
	}
	if parsed.Product == nil {
		return nil, nil // Товар не найден
	}
	return parsed.Product.toModel(), nil
}

func (n *productNode) toModel() *models.Product {
	p := &models.Product{
		ID:          n.ID,
		Title:       n.Title,
		Handle:      n.Handle,
		Vendor:      n.Vendor,
		ProductType: n.ProductType,
		Status:      n.Status,
		Tags:        n.Tags,
		CreatedAt:   parseTime(n.CreatedAt),
		UpdatedAt:   parseTime(n.UpdatedAt),
	}
	for _, edge := range n.Variants.Edges {
		p.Variants = append(p.Variants, edge.Node.toModel(n.ID))
	}
	return p
}

func (n *variantNode) toModel(productID string) models.Variant {
	v := models.Variant{
		ID:                n.ID,
		ProductID:         productID,
		Title:             n.Title,
		SKU:               n.SKU,
		Barcode:           n.Barcode,
		Price:             parseDecimal(n.Price),
		CompareAtPrice:    parseDecimal(n.CompareAtPrice),
		Taxable:           n.Taxable,
		InventoryQuantity: n.InventoryQuantity,
		InventoryItemID:   n.InventoryItem.ID,
		UpdatedAt:         parseTime(n.UpdatedAt),
	}
	if n.InventoryItem.UnitCost != nil {
		v.Cost = parseDecimal(n.InventoryItem.UnitCost.Amount)
	}
	if n.InventoryItem.Measurement != nil && n.InventoryItem.Measurement.Weight != nil {
		v.Weight = n.InventoryItem.Measurement.Weight.Value
		v.WeightUnit = n.InventoryItem.Measurement.Weight.Unit
	}
	for _, opt := range n.SelectedOptions {
		v.Options = append(v.Options, models.SelectedOption{Name: opt.Name, Value: opt.Value})
	}
	return v
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339, s)
	return t
}

func parseDecimal(s string) float64 {
	if s == "" {
		return 0
	}
	f, _ := strconv.ParseFloat(strings.TrimSpace(s), 64)
	return f
}
