package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Статусы биржевого вывода
const (
	WithdrawStatusPending  = "pending"
	WithdrawStatusOk       = "ok"
	WithdrawStatusFailed   = "failed"
	WithdrawStatusCanceled = "canceled"
)

// Withdraw - вывод средств с биржи для покрытия liability
//
// Ключ - id вывода, назначенный биржей. Опрашивается до терминального статуса.
type Withdraw struct {
	ExchangeWithdrawID string          `json:"exchange_withdraw_id" db:"exchange_withdraw_id"`
	Exchange           string          `json:"exchange" db:"exchange"`
	Currency           string          `json:"currency" db:"currency"`
	Amount             decimal.Decimal `json:"amount" db:"amount"`
	CreateTime         time.Time       `json:"create_time" db:"create_time"`
	Status             string          `json:"status" db:"status"`
}

// IsTerminalWithdrawStatus возвращает true для терминального статуса вывода
func IsTerminalWithdrawStatus(status string) bool {
	return status == WithdrawStatusOk || status == WithdrawStatusFailed || status == WithdrawStatusCanceled
}
