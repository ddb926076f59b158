package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Liability - обязательство брокера перед контрактом расчётов
//
// Read-only представление, читается из блокчейна при каждом сканировании
// и не персистится.
type Liability struct {
	Asset             string          `json:"asset"`
	Timestamp         time.Time       `json:"timestamp"`
	OutstandingAmount decimal.Decimal `json:"outstanding_amount"`
}

// Overdue возвращает true если обязательство просрочено дольше grace-периода
func (l *Liability) Overdue(now time.Time, grace time.Duration) bool {
	return now.Sub(l.Timestamp) > grace
}
