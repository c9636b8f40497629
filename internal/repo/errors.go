package repo

import "errors"

// Общие ошибки хранилищ.
var (
	// ErrNotFound — запись не найдена.
	ErrNotFound = errors.New("not found")

	// ErrInvalidState — операция невозможна в текущем состоянии записи
	// (например, claim execution, который уже не pending).
	ErrInvalidState = errors.New("invalid state")

	// ErrReferenced — структурное изменение отклонено: на запись ссылаются
	// executions или логи, удаление оставило бы их без родителя.
	ErrReferenced = errors.New("referenced by execution history")
)
