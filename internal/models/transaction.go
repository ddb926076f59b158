package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Статусы blockchain-транзакции
const (
	TxStatusPending = "PENDING"
	TxStatusOk      = "OK"
	TxStatusFail    = "FAIL"
)

// Методы контракта расчётов
const (
	TxMethodDeposit             = "deposit"
	TxMethodDepositAsset        = "depositAsset"
	TxMethodWithdraw            = "withdraw"
	TxMethodApprove             = "approve"
	TxMethodLockStake           = "lockStake"
	TxMethodRequestReleaseStake = "requestReleaseStake"
)

// TxTimeout - транзакция без on-chain записи дольше этого срока считается FAIL
const TxTimeout = 10 * time.Minute

// Transaction - blockchain-операция, выпущенная settlement-клиентом
//
// Ключ - хеш транзакции. Статус опрашивается до терминального (OK/FAIL).
type Transaction struct {
	TransactionHash string          `json:"transaction_hash" db:"transaction_hash"`
	Method          string          `json:"method" db:"method"`
	Asset           string          `json:"asset" db:"asset"`
	Amount          decimal.Decimal `json:"amount" db:"amount"`
	CreateTime      time.Time       `json:"create_time" db:"create_time"`
	Status          string          `json:"status" db:"status"`
}

// Expired возвращает true если транзакция висит дольше TxTimeout
func (t *Transaction) Expired(now time.Time) bool {
	return now.Sub(t.CreateTime) > TxTimeout
}
