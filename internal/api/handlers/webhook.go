package handlers

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"

	"github.com/athebyme/sheetsync-platform/internal/jobs"
	"github.com/athebyme/sheetsync-platform/pkg/interfaces"
	"github.com/go-chi/render"
)

// maxWebhookBody ограничивает размер тела вебхука
const maxWebhookBody = 1 << 20

// WebhookHandler принимает вебхуки изменения остатков Shopify
type WebhookHandler struct {
	processor *jobs.WebhookProcessor
	secret    string
	logger    interfaces.LoggerPort
}

// NewWebhookHandler создает новый обработчик вебхуков.
// Пустой секрет отключает проверку подписи, так запускаются локальные стенды.
func NewWebhookHandler(processor *jobs.WebhookProcessor, secret string, logger interfaces.LoggerPort) *WebhookHandler {
	return &WebhookHandler{
		processor: processor,
		secret:    secret,
		logger:    logger,
	}
}

// inventoryPayload полезная нагрузка вебхука inventory_levels/update
type inventoryPayload struct {
	InventoryItemID json.Number `json:"inventory_item_id"`
	SKU             string      `json:"sku"`
	Available       int         `json:"available"`
}

// InventoryUpdate обрабатывает вебхук изменения остатка.
// Ответ всегда быстрый: событие уходит в дебаунс-очередь, а запись
// в таблицу выполняется после закрытия окна.
func (h *WebhookHandler) InventoryUpdate(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		renderBadRequest(w, r, "Не удалось прочитать тело запроса")
		return
	}

	if h.secret != "" && !h.verifySignature(body, r.Header.Get("X-Shopify-Hmac-Sha256")) {
		h.logger.WarnWithContext(r.Context(), "вебхук с неверной подписью",
			interfaces.LogField{Key: "remote_addr", Value: r.RemoteAddr})
		render.Status(r, http.StatusUnauthorized)
		render.JSON(w, r, errorResponse{
			Error:   "invalid_signature",
			Code:    http.StatusUnauthorized,
			Message: "Подпись вебхука не прошла проверку",
		})
		return
	}

	tenantID := r.Header.Get("X-Tenant-ID")
	if tenantID == "" {
		tenantID = r.Header.Get("X-Shopify-Shop-Domain")
	}
	if tenantID == "" {
		renderBadRequest(w, r, "Не удалось определить арендатора вебхука")
		return
	}

	var payload inventoryPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		renderBadRequest(w, r, "Некорректный формат данных")
		return
	}

	event, err := jobs.ParseInventoryWebhook(jobs.InventoryEvent{
		InventoryItemID: payload.InventoryItemID.String(),
		SKU:             payload.SKU,
		Available:       payload.Available,
	})
	if err != nil {
		renderBadRequest(w, r, err.Error())
		return
	}

	h.processor.Enqueue(tenantID, event)

	render.Status(r, http.StatusOK)
	render.JSON(w, r, response{
		Success: true,
		Data: map[string]interface{}{
			"accepted": true,
		},
	})
}

// verifySignature проверяет подпись HMAC-SHA256 тела вебхука
func (h *WebhookHandler) verifySignature(body []byte, signature string) bool {
	if signature == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(h.secret))
	mac.Write(body)
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(expected), []byte(signature))
}
