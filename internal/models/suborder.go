package models

import (
	"database/sql"
	"time"

	"github.com/shopspring/decimal"
)

// Статусы субордера
//
// PREPARE - переходный внутренний статус: запись создана, биржа ещё не подтвердила
// ACCEPTED - на бирже открыт ордер
// FILLED, REJECTED, CANCELED - терминальные статусы
const (
	StatusPrepare  = "PREPARE"
	StatusAccepted = "ACCEPTED"
	StatusFilled   = "FILLED"
	StatusRejected = "REJECTED"
	StatusCanceled = "CANCELED"
)

// Типы субордеров
const (
	// OrderTypeSub - обычный субордер с одной ногой
	OrderTypeSub = "SUB"
	// OrderTypeSwap - двуногий субордер: продажа одного актива и покупка другого
	// через промежуточный quote-актив
	OrderTypeSwap = "SWAP"
)

// Стороны ордера
const (
	SideBuy  = "buy"
	SideSell = "sell"
)

// SubOrder представляет единицу работы, назначенную агрегатором этому брокеру
//
// ID назначается агрегатором и глобально уникален. Статус движется только вперёд
// по state machine (см. state_machine.go). FilledAmount никогда не превышает Amount.
// SWAP-субордер дополнительно несёт SellPrice/BuyPrice/CurrentDev, SUB - нет.
type SubOrder struct {
	ID              int64           `json:"id" db:"id"`
	Symbol          string          `json:"symbol" db:"symbol"`
	Side            string          `json:"side" db:"side"`
	Price           decimal.Decimal `json:"price" db:"price"`
	Amount          decimal.Decimal `json:"amount" db:"amount"`
	Exchange        string          `json:"exchange" db:"exchange"`
	ExchangeOrderID sql.NullString  `json:"exchange_order_id" db:"exchange_order_id"`
	Timestamp       time.Time       `json:"timestamp" db:"timestamp"`
	Status          string          `json:"status" db:"status"`
	FilledAmount    decimal.Decimal `json:"filled_amount" db:"filled_amount"`
	OrderType       string          `json:"order_type" db:"order_type"`

	// SentToAggregator - подтвердил ли агрегатор текущий статус.
	// false запускает повторную отправку статуса в цикле reconciliation.
	SentToAggregator bool `json:"sent_to_aggregator" db:"sent_to_aggregator"`

	// Поля SWAP-субордера (NULL для SUB)
	CurrentDev decimal.NullDecimal `json:"current_dev,omitempty" db:"current_dev"`
	SellPrice  decimal.NullDecimal `json:"sell_price,omitempty" db:"sell_price"`
	BuyPrice   decimal.NullDecimal `json:"buy_price,omitempty" db:"buy_price"`
}

// IsSwap возвращает true для двуногого субордера
func (s *SubOrder) IsSwap() bool {
	return s.OrderType == OrderTypeSwap
}

// IsTerminal возвращает true если статус терминальный
func (s *SubOrder) IsTerminal() bool {
	return IsTerminalStatus(s.Status)
}
