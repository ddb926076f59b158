package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Статусы трейда (биржевого ордера)
const (
	TradeStatusPending  = "pending"
	TradeStatusOk       = "ok"
	TradeStatusFailed   = "failed"
	TradeStatusCanceled = "canceled"
)

// Типы биржевых ордеров
const (
	TradeTypeLimit  = "limit"
	TradeTypeMarket = "market"
)

// Trade - один биржевой ордер, размещённый в рамках субордера
//
// У SUB-субордера максимум один трейд, у SWAP - нога продажи и до одной ноги
// покупки. Amount - отправленный на биржу объём, FilledAmount - фактически
// исполненный по отчёту биржи. Пара (Exchange, ExchangeOrderID) уникальна;
// ссылка OrderID неизменяема после вставки. Трейды никогда не удаляются.
type Trade struct {
	ID              int64           `json:"id" db:"id"`
	Exchange        string          `json:"exchange" db:"exchange"`
	ExchangeOrderID string          `json:"exchange_order_id" db:"exchange_order_id"`
	Symbol          string          `json:"symbol" db:"symbol"`
	SymbolAlias     string          `json:"symbol_alias" db:"symbol_alias"`
	Price           decimal.Decimal `json:"price" db:"price"`
	Amount          decimal.Decimal `json:"amount" db:"amount"`
	FilledAmount    decimal.Decimal `json:"filled_amount" db:"filled_amount"`
	Side            string          `json:"side" db:"side"`
	Type            string          `json:"type" db:"type"`
	Status          string          `json:"status" db:"status"`
	Timestamp       time.Time       `json:"timestamp" db:"timestamp"`

	// OrderID - id владеющего субордера (FK -> subOrders)
	OrderID int64 `json:"order_id" db:"order_id"`
}

// TradeUpdate - факт изменения состояния биржевого ордера, сообщаемый коннектором
//
// Коннекторы только сообщают факты наверх; единственный писатель состояния -
// оркестратор.
type TradeUpdate struct {
	Exchange        string
	ExchangeOrderID string
	Status          string
	FilledAmount    decimal.Decimal
	Price           decimal.Decimal
	Timestamp       time.Time
}
