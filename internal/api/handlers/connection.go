package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/athebyme/sheetsync-platform/internal/domain/services"
	"github.com/athebyme/sheetsync-platform/pkg/interfaces"
	"github.com/go-chi/render"
)

// ConnectionHandler обработчик запросов подключения таблицы
type ConnectionHandler struct {
	connections *services.ConnectionService
	logger      interfaces.LoggerPort
}

// NewConnectionHandler создает новый обработчик подключений
func NewConnectionHandler(connections *services.ConnectionService, logger interfaces.LoggerPort) *ConnectionHandler {
	return &ConnectionHandler{
		connections: connections,
		logger:      logger,
	}
}

// Authorize обрабатывает запрос на получение ссылки авторизации Google
func (h *ConnectionHandler) Authorize(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantFromContext(r)
	if !ok {
		renderBadRequest(w, r, "ID арендатора не указан")
		return
	}

	returnPath := r.URL.Query().Get("return_path")

	authURL, err := h.connections.AuthorizationURL(tenantID, returnPath)
	if err != nil {
		renderError(w, r, h.logger, err, "Ошибка формирования ссылки авторизации")
		return
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, response{
		Success: true,
		Data: map[string]interface{}{
			"authorization_url": authURL,
		},
	})
}

// Callback обрабатывает возврат из согласия Google OAuth.
// Арендатор восстанавливается из подписанного state, заголовок не нужен.
func (h *ConnectionHandler) Callback(w http.ResponseWriter, r *http.Request) {
	if errCode := r.URL.Query().Get("error"); errCode != "" {
		renderBadRequest(w, r, "Авторизация отклонена: "+errCode)
		return
	}

	state := r.URL.Query().Get("state")
	code := r.URL.Query().Get("code")
	if state == "" || code == "" {
		renderBadRequest(w, r, "Параметры state и code обязательны")
		return
	}

	claims, err := h.connections.HandleCallback(r.Context(), state, code)
	if err != nil {
		renderError(w, r, h.logger, err, "Ошибка обработки OAuth callback")
		return
	}

	if claims.ReturnPath != "" && strings.HasPrefix(claims.ReturnPath, "/") {
		http.Redirect(w, r, claims.ReturnPath, http.StatusFound)
		return
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, response{
		Success: true,
		Data: map[string]interface{}{
			"tenant_id": claims.TenantID,
			"connected": true,
		},
	})
}

// configureRequest тело запроса выбора таблицы
type configureRequest struct {
	SpreadsheetID string `json:"spreadsheet_id"`
	SheetName     string `json:"sheet_name"`
	SheetURL      string `json:"sheet_url,omitempty"`
}

// Configure обрабатывает запрос на выбор таблицы и листа
func (h *ConnectionHandler) Configure(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantFromContext(r)
	if !ok {
		renderBadRequest(w, r, "ID арендатора не указан")
		return
	}

	var req configureRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		renderBadRequest(w, r, "Некорректный формат данных")
		return
	}

	if strings.TrimSpace(req.SpreadsheetID) == "" {
		renderBadRequest(w, r, "ID таблицы не указан")
		return
	}
	if strings.TrimSpace(req.SheetName) == "" {
		renderBadRequest(w, r, "Имя листа не указано")
		return
	}

	conn, err := h.connections.Configure(r.Context(), tenantID, req.SpreadsheetID, req.SheetName, req.SheetURL)
	if err != nil {
		renderError(w, r, h.logger, err, "Ошибка настройки подключения")
		return
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, response{
		Success: true,
		Data:    conn,
	})
}

// GetConnection обрабатывает запрос на получение состояния подключения
func (h *ConnectionHandler) GetConnection(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantFromContext(r)
	if !ok {
		renderBadRequest(w, r, "ID арендатора не указан")
		return
	}

	conn, err := h.connections.GetConnection(r.Context(), tenantID)
	if err != nil {
		renderError(w, r, h.logger, err, "Ошибка получения подключения")
		return
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, response{
		Success: true,
		Data:    conn,
	})
}

// Disconnect обрабатывает запрос на отключение таблицы
func (h *ConnectionHandler) Disconnect(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantFromContext(r)
	if !ok {
		renderBadRequest(w, r, "ID арендатора не указан")
		return
	}

	if err := h.connections.Disconnect(r.Context(), tenantID); err != nil {
		renderError(w, r, h.logger, err, "Ошибка отключения таблицы")
		return
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, response{
		Success: true,
		Data: map[string]interface{}{
			"tenant_id":    tenantID,
			"disconnected": true,
		},
	})
}
