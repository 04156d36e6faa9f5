package bot

import "fundingarb/internal/models"

// ValidTransitions определяет допустимые переходы статуса позиции
//
// Жизненный цикл линеен: OPEN -> CLOSING -> CLOSED. Возврата из
// CLOSING нет - начатый выход либо завершается, либо повторяется
// до завершения.
var ValidTransitions = map[string][]string{
	models.PositionStatusOpen:    {models.PositionStatusClosing},
	models.PositionStatusClosing: {models.PositionStatusClosed},
	models.PositionStatusClosed:  {},
}

// CanTransition проверяет допустимость перехода
func CanTransition(from, to string) bool {
	allowed, ok := ValidTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// StatusInfo возвращает описание статуса для операторского API
func StatusInfo(s string) string {
	switch s {
	case models.PositionStatusOpen:
		return "Позиция открыта, идёт сбор funding"
	case models.PositionStatusClosing:
		return "Закрытие позиции..."
	case models.PositionStatusClosed:
		return "Позиция закрыта"
	default:
		return "Неизвестный статус"
	}
}
