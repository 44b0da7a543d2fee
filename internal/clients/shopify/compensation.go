package shopify

import (
	"context"

	"github.com/athebyme/sheetsync-platform/pkg/interfaces"
)

// CompensationEntry одно компенсирующее действие с описанием для журнала
type CompensationEntry struct {
	Description string
	Compensate  func(ctx context.Context) error
}

// CompensationLog журнал компенсирующих действий, накапливаемых по ходу
// пакетной операции. При сбое воспроизводится в обратном порядке.
// Это сага-компенсация, а не транзакционный откат: восстановление
// выполняется по принципу наилучших усилий, вторичные ошибки логируются
// и никогда не поднимаются, чтобы не маскировать исходную причину сбоя.
type CompensationLog struct {
	entries []CompensationEntry
	logger  interfaces.LoggerPort
}

// NewCompensationLog создает пустой журнал компенсаций
func NewCompensationLog(logger interfaces.LoggerPort) *CompensationLog {
	return &CompensationLog{logger: logger}
}

// Record добавляет компенсирующее действие в журнал
func (l *CompensationLog) Record(description string, compensate func(ctx context.Context) error) {
	l.entries = append(l.entries, CompensationEntry{Description: description, Compensate: compensate})
}

// Len возвращает число накопленных действий
func (l *CompensationLog) Len() int {
	return len(l.entries)
}

// Replay воспроизводит журнал в обратном порядке. Ошибки отдельных
// компенсаций логируются и не прерывают воспроизведение остальных.
func (l *CompensationLog) Replay(ctx context.Context) {
	for i := len(l.entries) - 1; i >= 0; i-- {
		entry := l.entries[i]
		if err := entry.Compensate(ctx); err != nil {
			l.logger.ErrorWithContext(ctx, "compensation action failed",
				interfaces.LogField{Key: "action", Value: entry.Description},
				interfaces.LogField{Key: "error", Value: err.Error()},
			)
		}
	}
}
