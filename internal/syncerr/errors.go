package syncerr

import (
	"errors"
	"fmt"
	"time"
)

// Kind классифицирует ошибки синхронизации по способу их обработки
type Kind int

const (
	// KindValidation означает неверные входные данные (стратегия, политика конфликтов и т.п.),
	// не повторяется
	KindValidation Kind = iota

	// KindRateLimited означает, что превышен лимит запросов (HTTP 429, throttled),
	// повторяется с экспоненциальной задержкой
	KindRateLimited

	// KindQuotaExceeded означает, что исчерпана квота API (HTTP 403 с маркером квоты)
	KindQuotaExceeded

	// KindAuthFailed означает ошибку аутентификации, требуется переподключение
	KindAuthFailed

	// KindUpstreamAPI означает прочую ошибку внешнего API, повторяется линейно
	KindUpstreamAPI

	// KindRowValidation означает ошибку валидации отдельной строки импорта,
	// собирается в агрегат и не прерывает пакет
	KindRowValidation

	// KindRollback означает вторичную ошибку при компенсирующем откате,
	// только логируется, чтобы не маскировать исходную причину
	KindRollback

	// KindNotFound означает, что запрошенный ресурс не найден или принадлежит другому арендатору
	KindNotFound
)

// Error типизированная ошибка синхронизации
type Error struct {
	Kind       Kind
	Message    string
	RetryAfter time.Duration // подсказка внешнего API, 0 если не задана
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New создает типизированную ошибку
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap оборачивает существующую ошибку с указанным видом
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// Validation создает ошибку валидации входных данных
func Validation(format string, args ...interface{}) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// RateLimited создает ошибку превышения лимита запросов
func RateLimited(message string, retryAfter time.Duration) *Error {
	return &Error{Kind: KindRateLimited, Message: message, RetryAfter: retryAfter}
}

// NotFound создает ошибку отсутствия ресурса
func NotFound(format string, args ...interface{}) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

// KindOf возвращает вид ошибки; для нетипизированных ошибок KindUpstreamAPI
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUpstreamAPI
}

// Is проверяет, имеет ли ошибка указанный вид
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
