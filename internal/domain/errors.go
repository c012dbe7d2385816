package domain

import "errors"

var (
	// ErrServiceNotFound — сервис с указанным идентификатором не существует.
	ErrServiceNotFound = errors.New("сервис не найден")
	// ErrSourceNotFound — канал-источник не существует.
	ErrSourceNotFound = errors.New("канал-источник не найден")
	// ErrSpyNotFound — активная сессия юзербота не существует.
	ErrSpyNotFound = errors.New("сессия юзербота не найдена")
)
