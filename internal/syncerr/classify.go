package syncerr

import (
	"errors"
	"time"
)

// Decision результат классификации ошибки для политики повторов
type Decision struct {
	Retryable bool
	Delay     time.Duration // подсказка задержки перед повтором, при 0 задержку выбирает вызывающий
}

// maxRetryDelay ограничивает задержку между повторами при rate-limit
const maxRetryDelay = 60 * time.Second

// Classify определяет, следует ли повторять операцию после ошибки.
// Транспортный слой возвращает типизированные ошибки, поэтому решение
// принимается по виду ошибки, а не по подстрокам сообщений.
func Classify(err error, attempt int, baseDelay time.Duration) Decision {
	var e *Error
	if !errors.As(err, &e) {
		// Нетипизированная ошибка транспорта считается временной
		return Decision{Retryable: true, Delay: baseDelay * time.Duration(attempt)}
	}

	switch e.Kind {
	case KindRateLimited:
		delay := e.RetryAfter
		if delay == 0 {
			delay = baseDelay * time.Duration(1<<(attempt-1))
		}
		if delay > maxRetryDelay {
			delay = maxRetryDelay
		}
		return Decision{Retryable: true, Delay: delay}

	case KindQuotaExceeded, KindUpstreamAPI:
		return Decision{Retryable: true, Delay: baseDelay * time.Duration(attempt)}

	default:
		// Валидацию, аутентификацию и not found повторять бессмысленно
		return Decision{Retryable: false}
	}
}
