package errors

import "errors"

// Общие ошибки инфраструктурных адаптеров
var (
	// ErrCacheMiss возвращается, когда значение не найдено в кэше
	ErrCacheMiss = errors.New("cache: key not found")

	// ErrNotFound возвращается, когда запись не найдена в хранилище
	ErrNotFound = errors.New("storage: record not found")
)
