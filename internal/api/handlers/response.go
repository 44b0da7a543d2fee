package handlers

import (
	stderrors "errors"
	"net/http"

	"github.com/athebyme/sheetsync-platform/internal/syncerr"
	"github.com/athebyme/sheetsync-platform/pkg/interfaces"
	"github.com/go-chi/render"
)

// errorResponse представляет структуру ответа с ошибкой
type errorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message,omitempty"`
}

// response представляет структуру успешного ответа
type response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Meta    interface{} `json:"meta,omitempty"`
}

// statusForError сопоставляет вид ошибки с HTTP статусом
func statusForError(err error) (int, string) {
	var e *syncerr.Error
	if !stderrors.As(err, &e) {
		return http.StatusInternalServerError, "internal_error"
	}

	switch e.Kind {
	case syncerr.KindValidation, syncerr.KindRowValidation:
		return http.StatusBadRequest, "validation_error"
	case syncerr.KindNotFound:
		return http.StatusNotFound, "not_found"
	case syncerr.KindAuthFailed:
		return http.StatusUnauthorized, "auth_failed"
	case syncerr.KindRateLimited, syncerr.KindQuotaExceeded:
		return http.StatusTooManyRequests, "rate_limited"
	case syncerr.KindUpstreamAPI:
		return http.StatusBadGateway, "upstream_error"
	}
	return http.StatusInternalServerError, "internal_error"
}

// renderError логирует ошибку сервиса и возвращает ее клиенту
func renderError(w http.ResponseWriter, r *http.Request, logger interfaces.LoggerPort, err error, message string) {
	status, code := statusForError(err)

	if status >= http.StatusInternalServerError {
		logger.ErrorWithContext(r.Context(), message,
			interfaces.LogField{Key: "error", Value: err.Error()})
	} else {
		logger.WarnWithContext(r.Context(), message,
			interfaces.LogField{Key: "error", Value: err.Error()})
	}

	render.Status(r, status)
	render.JSON(w, r, errorResponse{
		Error:   code,
		Code:    status,
		Message: err.Error(),
	})
}

// renderBadRequest возвращает ошибку некорректного запроса
func renderBadRequest(w http.ResponseWriter, r *http.Request, message string) {
	render.Status(r, http.StatusBadRequest)
	render.JSON(w, r, errorResponse{
		Error:   "bad_request",
		Code:    http.StatusBadRequest,
		Message: message,
	})
}

// tenantFromContext извлекает ID арендатора из контекста запроса
func tenantFromContext(r *http.Request) (string, bool) {
	tenantID, ok := r.Context().Value("tenant_id").(string)
	return tenantID, ok && tenantID != ""
}
