package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/athebyme/sheetsync-platform/internal/domain/models"
	"github.com/athebyme/sheetsync-platform/internal/domain/services"
	"github.com/athebyme/sheetsync-platform/pkg/interfaces"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
)

// MappingHandler обработчик запросов настройки маппинга полей
type MappingHandler struct {
	syncService *services.SyncService
	logger      interfaces.LoggerPort
}

// NewMappingHandler создает новый обработчик маппингов
func NewMappingHandler(syncService *services.SyncService, logger interfaces.LoggerPort) *MappingHandler {
	return &MappingHandler{
		syncService: syncService,
		logger:      logger,
	}
}

// ListMappings обрабатывает запрос на получение маппингов арендатора
func (h *MappingHandler) ListMappings(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantFromContext(r)
	if !ok {
		renderBadRequest(w, r, "ID арендатора не указан")
		return
	}

	mappings, err := h.syncService.ListMappings(r.Context(), tenantID)
	if err != nil {
		renderError(w, r, h.logger, err, "Ошибка получения маппингов")
		return
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, response{
		Success: true,
		Data:    mappings,
	})
}

// SaveMapping обрабатывает запрос на создание или обновление маппинга
func (h *MappingHandler) SaveMapping(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantFromContext(r)
	if !ok {
		renderBadRequest(w, r, "ID арендатора не указан")
		return
	}

	var mapping models.FieldMapping
	if err := json.NewDecoder(r.Body).Decode(&mapping); err != nil {
		renderBadRequest(w, r, "Некорректный формат данных")
		return
	}

	if strings.TrimSpace(mapping.FieldName) == "" {
		renderBadRequest(w, r, "Имя поля не может быть пустым")
		return
	}
	if strings.TrimSpace(mapping.Column) == "" {
		renderBadRequest(w, r, "Заголовок колонки не может быть пустым")
		return
	}

	mapping.TenantID = tenantID

	if err := h.syncService.SaveMapping(r.Context(), &mapping); err != nil {
		renderError(w, r, h.logger, err, "Ошибка сохранения маппинга")
		return
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, response{
		Success: true,
		Data:    mapping,
	})
}

// DeleteMapping обрабатывает запрос на удаление маппинга
func (h *MappingHandler) DeleteMapping(w http.ResponseWriter, r *http.Request) {
	mappingID := chi.URLParam(r, "id")
	if mappingID == "" {
		renderBadRequest(w, r, "ID маппинга не указан")
		return
	}

	tenantID, ok := tenantFromContext(r)
	if !ok {
		renderBadRequest(w, r, "ID арендатора не указан")
		return
	}

	if err := h.syncService.DeleteMapping(r.Context(), mappingID, tenantID); err != nil {
		renderError(w, r, h.logger, err, "Ошибка удаления маппинга")
		return
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, response{
		Success: true,
		Data: map[string]interface{}{
			"id":      mappingID,
			"deleted": true,
		},
	})
}
