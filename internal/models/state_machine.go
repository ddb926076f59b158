package models

// ValidTransitions определяет допустимые переходы статуса субордера
//
// Статус движется только вперёд: PREPARE - переходный, ACCEPTED - открытый
// ордер на бирже, FILLED/REJECTED/CANCELED - терминальные.
var ValidTransitions = map[string][]string{
	StatusPrepare:  {StatusAccepted, StatusRejected},
	StatusAccepted: {StatusFilled, StatusRejected, StatusCanceled},
	StatusFilled:   {},
	StatusRejected: {},
	StatusCanceled: {},
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

// IsTerminalStatus возвращает true для терминального статуса
func IsTerminalStatus(status string) bool {
	return status == StatusFilled || status == StatusRejected || status == StatusCanceled
}
