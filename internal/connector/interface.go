// Package connector предоставляет унифицированный интерфейс для работы с биржами.
package connector

import (
	"context"

	"github.com/shopspring/decimal"

	"broker/internal/models"
)

// Connector определяет единый набор операций над биржей
//
// Два варианта реализации: живой REST-адаптер и in-memory эмулятор для
// непродакшн запусков. Коннекторы только сообщают факты наверх через
// onTrade callback; состоянием владеет оркестратор.
type Connector interface {
	// Name возвращает id биржи
	Name() string

	// SubmitSubOrder размещает биржевой ордер для субордера.
	// Где API биржи поддерживает client order id, ордер помечается id субордера
	// для корреляции. Любая ошибка трактуется оркестратором как rejection,
	// автоматических повторов на этом уровне нет.
	SubmitSubOrder(ctx context.Context, req SubmitRequest) (*models.Trade, error)

	// CancelSubOrder отменяет биржевой ордер (best-effort).
	// false означает "считать не отменённым".
	CancelSubOrder(ctx context.Context, trade *models.Trade) (bool, error)

	// GetBalances возвращает снимок балансов валюта->количество.
	// Отсутствующая валюта трактуется выше как ноль.
	GetBalances(ctx context.Context) (map[string]decimal.Decimal, error)

	// CheckSubOrders опрашивает статусы переданных ордеров на бирже.
	// Результаты идут только через onTrade callback.
	CheckSubOrders(ctx context.Context, trades []*models.Trade)

	// Withdraw инициирует вывод средств, возвращает id вывода на бирже
	Withdraw(ctx context.Context, currency string, amount decimal.Decimal, address string) (string, error)

	// WithdrawStatus возвращает статус вывода
	WithdrawStatus(ctx context.Context, withdrawID string) (string, error)

	// WithdrawLimit возвращает комиссию и минимум вывода для валюты,
	// nil если вывод валюты недоступен
	WithdrawLimit(ctx context.Context, currency string) (*WithdrawLimit, error)

	// SetOnTradeListener устанавливает callback для наблюдаемых исполнений
	SetOnTradeListener(cb func(models.TradeUpdate))

	// Destroy освобождает ресурсы коннектора
	Destroy()
}

// SubmitRequest - параметры размещения биржевого ордера
type SubmitRequest struct {
	SubOrderID  int64
	Symbol      string // канонический символ (ORN-USDT)
	SymbolAlias string // символ в нотации биржи (ORN/USDT)
	Side        string
	Amount      decimal.Decimal
	Price       decimal.Decimal
	Type        string // limit | market

	// IOC - immediate-or-cancel, используется для counter-leg свопа
	IOC bool
}

// WithdrawLimit - ограничения вывода валюты на бирже
type WithdrawLimit struct {
	Min decimal.Decimal
	Fee decimal.Decimal
}

// ConnectorError представляет ошибку от биржи
type ConnectorError struct {
	Exchange string
	Code     string
	Message  string
	Original error
}

func (e *ConnectorError) Error() string {
	return e.Exchange + ": " + e.Message
}

// Unwrap возвращает оригинальную ошибку для поддержки errors.Is() и errors.As()
func (e *ConnectorError) Unwrap() error {
	return e.Original
}
