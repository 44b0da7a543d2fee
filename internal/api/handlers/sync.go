package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/athebyme/sheetsync-platform/internal/domain/services"
	"github.com/athebyme/sheetsync-platform/internal/jobs"
	"github.com/athebyme/sheetsync-platform/pkg/interfaces"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
)

// ImportResultSource отдает результат последнего импорта по запуску
type ImportResultSource interface {
	GetImportResult(ctx context.Context, runID, tenantID string) (*jobs.ImportResult, error)
}

// SyncHandler обработчик запросов синхронизации
type SyncHandler struct {
	syncService *services.SyncService
	imports     ImportResultSource
	logger      interfaces.LoggerPort
}

// NewSyncHandler создает новый обработчик синхронизации
func NewSyncHandler(syncService *services.SyncService, imports ImportResultSource, logger interfaces.LoggerPort) *SyncHandler {
	return &SyncHandler{
		syncService: syncService,
		imports:     imports,
		logger:      logger,
	}
}

// StartSync обрабатывает запрос на запуск синхронизации
func (h *SyncHandler) StartSync(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantFromContext(r)
	if !ok {
		renderBadRequest(w, r, "ID арендатора не указан")
		return
	}

	var req services.SyncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		renderBadRequest(w, r, "Некорректный формат данных")
		return
	}

	run, err := h.syncService.StartSync(r.Context(), tenantID, &req)
	if err != nil {
		// Синхронный запуск возвращает терминальную запись даже при провале
		if run != nil {
			status, code := statusForError(err)
			render.Status(r, status)
			render.JSON(w, r, errorResponse{
				Error:   code,
				Code:    status,
				Message: err.Error(),
			})
			return
		}
		renderError(w, r, h.logger, err, "Ошибка запуска синхронизации")
		return
	}

	status := http.StatusOK
	if req.Async {
		status = http.StatusAccepted
	}

	render.Status(r, status)
	render.JSON(w, r, response{
		Success: true,
		Data:    run,
	})
}

// GetRun обрабатывает запрос на получение запуска по ID
func (h *SyncHandler) GetRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")
	if runID == "" {
		renderBadRequest(w, r, "ID запуска не указан")
		return
	}

	tenantID, ok := tenantFromContext(r)
	if !ok {
		renderBadRequest(w, r, "ID арендатора не указан")
		return
	}

	run, err := h.syncService.GetRun(r.Context(), runID, tenantID)
	if err != nil {
		renderError(w, r, h.logger, err, "Ошибка получения запуска")
		return
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, response{
		Success: true,
		Data:    run,
	})
}

// ListRuns обрабатывает запрос на получение истории запусков
func (h *SyncHandler) ListRuns(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantFromContext(r)
	if !ok {
		renderBadRequest(w, r, "ID арендатора не указан")
		return
	}

	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil {
		limit = 0
	}
	offset, err := strconv.Atoi(r.URL.Query().Get("offset"))
	if err != nil || offset < 0 {
		offset = 0
	}

	runs, err := h.syncService.ListRuns(r.Context(), tenantID, limit, offset)
	if err != nil {
		renderError(w, r, h.logger, err, "Ошибка получения истории запусков")
		return
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, response{
		Success: true,
		Data:    runs,
		Meta: map[string]interface{}{
			"offset": offset,
			"count":  len(runs),
		},
	})
}

// GetProgress обрабатывает запрос на получение прогресса запуска
func (h *SyncHandler) GetProgress(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")
	if runID == "" {
		renderBadRequest(w, r, "ID запуска не указан")
		return
	}

	tenantID, ok := tenantFromContext(r)
	if !ok {
		renderBadRequest(w, r, "ID арендатора не указан")
		return
	}

	progress, err := h.syncService.GetProgress(r.Context(), runID, tenantID)
	if err != nil {
		renderError(w, r, h.logger, err, "Ошибка получения прогресса")
		return
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, response{
		Success: true,
		Data:    progress,
	})
}

// GetConflicts обрабатывает запрос на получение конфликтов запуска импорта
func (h *SyncHandler) GetConflicts(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")
	if runID == "" {
		renderBadRequest(w, r, "ID запуска не указан")
		return
	}

	tenantID, ok := tenantFromContext(r)
	if !ok {
		renderBadRequest(w, r, "ID арендатора не указан")
		return
	}

	conflicts, err := h.syncService.GetConflicts(r.Context(), runID, tenantID)
	if err != nil {
		renderError(w, r, h.logger, err, "Ошибка получения конфликтов")
		return
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, response{
		Success: true,
		Data:    conflicts,
	})
}

// GetImportResult обрабатывает запрос на получение результата импорта
func (h *SyncHandler) GetImportResult(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")
	if runID == "" {
		renderBadRequest(w, r, "ID запуска не указан")
		return
	}

	tenantID, ok := tenantFromContext(r)
	if !ok {
		renderBadRequest(w, r, "ID арендатора не указан")
		return
	}

	result, err := h.imports.GetImportResult(r.Context(), runID, tenantID)
	if err != nil {
		renderError(w, r, h.logger, err, "Ошибка получения результата импорта")
		return
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, response{
		Success: true,
		Data:    result,
	})
}
