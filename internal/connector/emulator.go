package connector

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"broker/internal/models"
)

// Emulator - in-memory вариант коннектора для интеграционных тестов и
// офлайн-работы
//
// Мгновенно принимает ордера и фабрикует полные исполнения при первом же
// CheckSubOrders. Балансы стартуют из конфигурации и ведутся в памяти.
type Emulator struct {
	name string

	mu       sync.Mutex
	balances map[string]decimal.Decimal
	orders   map[string]SubmitRequest // exchangeOrderId -> исходный запрос
	seq      int64

	withdrawSeq int64
	withdraws   map[string]string // withdrawId -> статус

	onTrade   func(models.TradeUpdate)
	onTradeMu sync.RWMutex
}

// NewEmulator создает эмулятор биржи с начальными балансами
func NewEmulator(name string, seed map[string]decimal.Decimal) *Emulator {
	balances := make(map[string]decimal.Decimal, len(seed))
	for currency, amount := range seed {
		balances[strings.ToUpper(currency)] = amount
	}
	return &Emulator{
		name:      name,
		balances:  balances,
		orders:    make(map[string]SubmitRequest),
		withdraws: make(map[string]string),
	}
}

func (e *Emulator) Name() string {
	return e.name
}

func (e *Emulator) SubmitSubOrder(_ context.Context, req SubmitRequest) (*models.Trade, error) {
	id := atomic.AddInt64(&e.seq, 1)
	exchangeOrderID := fmt.Sprintf("EMU-%d", id)

	e.mu.Lock()
	e.orders[exchangeOrderID] = req
	e.mu.Unlock()

	return &models.Trade{
		Exchange:        e.name,
		ExchangeOrderID: exchangeOrderID,
		Symbol:          req.Symbol,
		SymbolAlias:     req.SymbolAlias,
		Price:           req.Price,
		Amount:          req.Amount,
		Side:            req.Side,
		Type:            req.Type,
		Status:          models.TradeStatusPending,
		Timestamp:       time.Now(),
		OrderID:         req.SubOrderID,
	}, nil
}

func (e *Emulator) CancelSubOrder(_ context.Context, trade *models.Trade) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.orders[trade.ExchangeOrderID]; !ok {
		return false, nil
	}
	delete(e.orders, trade.ExchangeOrderID)
	return true, nil
}

func (e *Emulator) GetBalances(_ context.Context) (map[string]decimal.Decimal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make(map[string]decimal.Decimal, len(e.balances))
	for currency, amount := range e.balances {
		out[currency] = amount
	}
	return out, nil
}

// CheckSubOrders фабрикует мгновенное полное исполнение каждого открытого
// ордера и двигает балансы
func (e *Emulator) CheckSubOrders(_ context.Context, trades []*models.Trade) {
	for _, trade := range trades {
		e.mu.Lock()
		req, ok := e.orders[trade.ExchangeOrderID]
		if !ok {
			e.mu.Unlock()
			continue
		}
		delete(e.orders, trade.ExchangeOrderID)
		e.applyFill(req)
		e.mu.Unlock()

		e.emit(models.TradeUpdate{
			Exchange:        e.name,
			ExchangeOrderID: trade.ExchangeOrderID,
			Status:          models.TradeStatusOk,
			FilledAmount:    req.Amount,
			Price:           req.Price,
			Timestamp:       time.Now(),
		})
	}
}

// applyFill двигает балансы по исполнению; вызывается под mu
func (e *Emulator) applyFill(req SubmitRequest) {
	base, quote, ok := splitSymbol(req.Symbol)
	if !ok {
		return
	}

	cost := req.Amount.Mul(req.Price)
	if req.Side == models.SideSell {
		e.balances[base] = e.currency(base).Sub(req.Amount)
		e.balances[quote] = e.currency(quote).Add(cost)
	} else {
		e.balances[base] = e.currency(base).Add(req.Amount)
		e.balances[quote] = e.currency(quote).Sub(cost)
	}
}

func (e *Emulator) currency(c string) decimal.Decimal {
	if v, ok := e.balances[c]; ok {
		return v
	}
	return decimal.Zero
}

func (e *Emulator) Withdraw(_ context.Context, currency string, amount decimal.Decimal, _ string) (string, error) {
	currency = strings.ToUpper(currency)

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.currency(currency).LessThan(amount) {
		return "", &ConnectorError{Exchange: e.name, Code: "insufficient", Message: "insufficient balance for withdraw"}
	}

	e.balances[currency] = e.currency(currency).Sub(amount)

	id := fmt.Sprintf("EMU-WD-%d", atomic.AddInt64(&e.withdrawSeq, 1))
	e.withdraws[id] = models.WithdrawStatusOk
	return id, nil
}

func (e *Emulator) WithdrawStatus(_ context.Context, withdrawID string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	status, ok := e.withdraws[withdrawID]
	if !ok {
		return "", &ConnectorError{Exchange: e.name, Code: "not_found", Message: "unknown withdraw id"}
	}
	return status, nil
}

func (e *Emulator) WithdrawLimit(_ context.Context, _ string) (*WithdrawLimit, error) {
	return &WithdrawLimit{
		Min: decimal.RequireFromString("0.1"),
		Fee: decimal.RequireFromString("0.01"),
	}, nil
}

func (e *Emulator) SetOnTradeListener(cb func(models.TradeUpdate)) {
	e.onTradeMu.Lock()
	e.onTrade = cb
	e.onTradeMu.Unlock()
}

func (e *Emulator) emit(update models.TradeUpdate) {
	e.onTradeMu.RLock()
	cb := e.onTrade
	e.onTradeMu.RUnlock()

	if cb != nil {
		cb(update)
	}
}

func (e *Emulator) Destroy() {}

// splitSymbol разбирает канонический символ "ORN-USDT" на base/quote
func splitSymbol(symbol string) (base, quote string, ok bool) {
	parts := strings.SplitN(symbol, "-", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return strings.ToUpper(parts[0]), strings.ToUpper(parts[1]), true
}
