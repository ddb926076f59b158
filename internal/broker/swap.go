package broker

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"broker/internal/blockchain"
	"broker/internal/connector"
	"broker/internal/models"
)

// OnTrade вызывается коннектором при изменении состояния биржевого ордера.
// Все изменения сначала пишутся в БД и только потом уходят наружу.
func (b *Broker) OnTrade(update models.TradeUpdate) {
	trade, err := b.stores.Trades.GetByExchangeOrderID(update.Exchange, update.ExchangeOrderID)
	if err != nil {
		b.log.Warn("trade update for unknown order",
			zap.String("exchange", update.Exchange),
			zap.String("exchange_order_id", update.ExchangeOrderID),
			zap.Error(err))
		return
	}
	if trade.Status != models.TradeStatusPending {
		b.log.Debug("duplicate trade update ignored",
			zap.String("exchange_order_id", update.ExchangeOrderID),
			zap.String("status", trade.Status))
		return
	}

	so, err := b.stores.SubOrders.GetByID(trade.OrderID)
	if err != nil {
		b.log.Error("suborder lookup failed for trade",
			zap.Int64("suborder_id", trade.OrderID),
			zap.Error(err))
		return
	}

	switch update.Status {
	case models.TradeStatusOk:
		if so.IsSwap() {
			b.onSwapFill(so, trade, update)
		} else {
			b.onSubFill(so, trade, update)
		}
	case models.TradeStatusCanceled:
		b.onTradeCanceled(so, trade)
	case models.TradeStatusFailed:
		b.onTradeFailed(so, trade)
	default:
		b.log.Debug("unexpected trade status ignored",
			zap.String("exchange_order_id", update.ExchangeOrderID),
			zap.String("status", update.Status))
	}
}

// onSubFill - исполнение единственной ноги плоского субордера.
// Частичные исполнения протоколом не поддерживаются: несовпадение
// количества - жёсткая ошибка, субордер остаётся как есть до вмешательства
// оператора.
func (b *Broker) onSubFill(so *models.SubOrder, trade *models.Trade, update models.TradeUpdate) {
	if !update.FilledAmount.Equal(so.Amount) {
		InvariantViolations.WithLabelValues("partial_fill").Inc()
		b.log.Error("partial fill on plain suborder",
			zap.Int64("suborder_id", so.ID),
			zap.String("requested", so.Amount.String()),
			zap.String("filled", update.FilledAmount.String()),
			zap.Error(ErrPartialFill))
		return
	}

	b.finalize(so, trade, models.StatusFilled, update.FilledAmount, models.TradeStatusOk, tradePrice(trade, update.Price), update.FilledAmount)
}

// onSwapFill - исполнение одной из ног свопа
func (b *Broker) onSwapFill(so *models.SubOrder, trade *models.Trade, update models.TradeUpdate) {
	sell, buy, err := resolveSwapLegs(so.Symbol)
	if err != nil {
		b.log.Error("swap legs unresolvable", zap.Int64("suborder_id", so.ID), zap.Error(err))
		return
	}

	price := tradePrice(trade, update.Price)

	switch {
	case matchesLeg(trade, sell):
		if buy == nil {
			// Единственная нога: актив продан сразу за котируемый
			b.finalize(so, trade, models.StatusFilled, so.Amount, models.TradeStatusOk, price, update.FilledAmount)
			return
		}
		if err := b.stores.Trades.UpdateStatus(trade.ID, models.TradeStatusOk, price, update.FilledAmount); err != nil {
			b.log.Error("persist sell leg failed", zap.Int64("suborder_id", so.ID), zap.Error(err))
			return
		}
		b.submitBuyLeg(so, buy, update.FilledAmount, price)

	case matchesLeg(trade, buy):
		switch {
		case !update.FilledAmount.IsPositive():
			b.onTradeCanceled(so, trade)
		case update.FilledAmount.LessThan(trade.Amount):
			b.strandPartialBuy(so, trade, update.FilledAmount, price)
		default:
			b.finalize(so, trade, models.StatusFilled, so.Amount, models.TradeStatusOk, price, update.FilledAmount)
		}

	default:
		b.log.Warn("trade does not match swap legs",
			zap.Int64("suborder_id", so.ID),
			zap.String("symbol", trade.Symbol),
			zap.String("side", trade.Side))
	}
}

// submitBuyLeg отправляет встречную ногу свопа.
// Размер ноги выводится из фактически исполненного объёма продажи;
// ценовая граница - buyPrice, сдвинутый на текущее отклонение. IOC: либо
// исполняется по границе сразу, либо отменяется биржей.
func (b *Broker) submitBuyLeg(so *models.SubOrder, leg *swapLeg, sellExecuted, sellPrice decimal.Decimal) {
	limit, err := b.buyLimitPrice(so)
	if err != nil {
		b.counterLegFailure(so, err)
		return
	}

	proceeds := sellExecuted.Mul(sellPrice)
	amount := proceeds.Div(limit).Truncate(blockchain.Decimals)
	if !amount.IsPositive() {
		b.counterLegFailure(so, fmt.Errorf("derived counter-leg amount %s is not positive", amount))
		return
	}

	conn, ok := b.registry.Get(so.Exchange)
	if !ok {
		b.counterLegFailure(so, ErrUnknownExchange)
		return
	}

	ctx, cancel := b.callCtx(context.Background())
	defer cancel()

	trade, err := conn.SubmitSubOrder(ctx, connector.SubmitRequest{
		SubOrderID:  so.ID,
		Symbol:      leg.Symbol,
		SymbolAlias: leg.Symbol,
		Side:        leg.Side,
		Amount:      amount,
		Price:       limit,
		Type:        models.TradeTypeLimit,
		IOC:         true,
	})
	if err != nil || trade == nil {
		b.counterLegFailure(so, err)
		return
	}

	if err := b.stores.Trades.Create(trade); err != nil {
		b.log.Error("persist counter-leg failed",
			zap.Int64("suborder_id", so.ID),
			zap.String("exchange_order_id", trade.ExchangeOrderID),
			zap.Error(err))
	}
	b.log.Info("counter-leg submitted",
		zap.Int64("suborder_id", so.ID),
		zap.String("symbol", leg.Symbol),
		zap.String("amount", amount.String()),
		zap.String("price", limit.String()))
}

// strandPartialBuy - IOC-покупка исполнилась не целиком: недоисполненный
// остаток биржа отменила, и часть выручки застряла в котируемом активе.
// Субордер закрывается CANCELED с фактически сконвертированной долей;
// остатком занимается оператор.
func (b *Broker) strandPartialBuy(so *models.SubOrder, trade *models.Trade, executed, price decimal.Decimal) {
	InvariantViolations.WithLabelValues("swap_stranded").Inc()
	b.log.Error("counter-leg executed partially, remainder stranded in quote asset",
		zap.Int64("suborder_id", so.ID),
		zap.String("submitted", trade.Amount.String()),
		zap.String("executed", executed.String()))

	converted := so.Amount.Mul(executed).Div(trade.Amount).Truncate(blockchain.Decimals)
	b.finalize(so, trade, models.StatusCanceled, converted, models.TradeStatusOk, price, executed)
}

// counterLegFailure - встречная нога не отправилась после исполненной
// продажи. Средства остались в котируемом активе; автоматического
// восстановления нет.
func (b *Broker) counterLegFailure(so *models.SubOrder, cause error) {
	InvariantViolations.WithLabelValues("counter_leg").Inc()
	b.log.Error("counter-leg submit failed, proceeds stranded in quote asset",
		zap.Int64("suborder_id", so.ID),
		zap.Error(cause))
	if err := b.stores.SubOrders.UpdateStatus(so.ID, models.StatusRejected, decimal.Zero); err != nil {
		b.log.Error("mark rejected failed", zap.Int64("suborder_id", so.ID), zap.Error(err))
		return
	}
	so.Status = models.StatusRejected
	b.notify(so)
	b.pushStatus(so.ID)
}

// onTradeCanceled - биржа отменила ордер (включая нулевое исполнение IOC)
func (b *Broker) onTradeCanceled(so *models.SubOrder, trade *models.Trade) {
	if models.IsTerminalStatus(so.Status) {
		if err := b.stores.Trades.UpdateStatus(trade.ID, models.TradeStatusCanceled, trade.Price, decimal.Zero); err != nil {
			b.log.Error("persist canceled trade failed", zap.Int64("trade_id", trade.ID), zap.Error(err))
		}
		return
	}

	if so.IsSwap() && b.hasExecutedLeg(so) {
		// Продажа прошла, а встречная нога отменилась: своп застрял
		// посередине, средства в котируемом активе
		InvariantViolations.WithLabelValues("swap_stranded").Inc()
		b.log.Error("swap counter-leg canceled after executed sell leg",
			zap.Int64("suborder_id", so.ID))
	}

	b.finalize(so, trade, models.StatusCanceled, decimal.Zero, models.TradeStatusCanceled, trade.Price, decimal.Zero)
}

// onTradeFailed - биржа сообщила об ошибке ордера
func (b *Broker) onTradeFailed(so *models.SubOrder, trade *models.Trade) {
	if models.IsTerminalStatus(so.Status) {
		if err := b.stores.Trades.UpdateStatus(trade.ID, models.TradeStatusFailed, trade.Price, decimal.Zero); err != nil {
			b.log.Error("persist failed trade failed", zap.Int64("trade_id", trade.ID), zap.Error(err))
		}
		return
	}
	b.finalize(so, trade, models.StatusRejected, decimal.Zero, models.TradeStatusFailed, trade.Price, decimal.Zero)
}

// finalize атомарно переводит субордер и трейд в терминальные статусы
// и уведомляет агрегатор с дашбордом
func (b *Broker) finalize(so *models.SubOrder, trade *models.Trade, status string, filled decimal.Decimal, tradeStatus string, price, tradeFilled decimal.Decimal) {
	if !models.CanTransition(so.Status, status) {
		b.log.Warn("illegal status transition ignored",
			zap.Int64("suborder_id", so.ID),
			zap.String("from", so.Status),
			zap.String("to", status))
		return
	}

	if err := b.stores.SubOrders.UpdateWithTrade(so.ID, status, filled, trade.ID, tradeStatus, price, tradeFilled); err != nil {
		b.log.Error("finalize failed",
			zap.Int64("suborder_id", so.ID),
			zap.String("status", status),
			zap.Error(err))
		return
	}

	so.Status = status
	so.FilledAmount = filled
	SubOrdersTotal.WithLabelValues(so.Exchange, status).Inc()
	b.log.Info("suborder finalized",
		zap.Int64("suborder_id", so.ID),
		zap.String("status", status),
		zap.String("filled", filled.String()))

	b.notify(so)
	b.pushStatus(so.ID)
}

// firstLegRequest собирает запрос первой биржевой ноги субордера
func (b *Broker) firstLegRequest(so *models.SubOrder) (*connector.SubmitRequest, error) {
	if !so.IsSwap() {
		return &connector.SubmitRequest{
			SubOrderID:  so.ID,
			Symbol:      so.Symbol,
			SymbolAlias: so.Symbol,
			Side:        so.Side,
			Amount:      so.Amount,
			Price:       so.Price,
			Type:        models.TradeTypeLimit,
		}, nil
	}

	sell, buy, err := resolveSwapLegs(so.Symbol)
	if err != nil {
		return nil, err
	}

	if sell != nil {
		price := so.Price
		if so.SellPrice.Valid {
			price = so.SellPrice.Decimal
		}
		return &connector.SubmitRequest{
			SubOrderID:  so.ID,
			Symbol:      sell.Symbol,
			SymbolAlias: sell.Symbol,
			Side:        sell.Side,
			Amount:      so.Amount,
			Price:       price,
			Type:        models.TradeTypeLimit,
		}, nil
	}

	// Исходный актив и есть котируемый: своп сводится к одной покупке
	limit, err := b.buyLimitPrice(so)
	if err != nil {
		return nil, err
	}
	amount := so.Amount.Div(limit).Truncate(blockchain.Decimals)
	if !amount.IsPositive() {
		return nil, fmt.Errorf("derived buy amount %s is not positive", amount)
	}
	return &connector.SubmitRequest{
		SubOrderID:  so.ID,
		Symbol:      buy.Symbol,
		SymbolAlias: buy.Symbol,
		Side:        buy.Side,
		Amount:      amount,
		Price:       limit,
		Type:        models.TradeTypeLimit,
		IOC:         true,
	}, nil
}

// buyLimitPrice - ценовая граница встречной покупки: buyPrice, сдвинутый
// на текущее отклонение. Отклонение - тот запас, который сделал своп
// прибыльным; его и разрешено потратить на проскальзывание.
func (b *Broker) buyLimitPrice(so *models.SubOrder) (decimal.Decimal, error) {
	if !so.BuyPrice.Valid || !so.BuyPrice.Decimal.IsPositive() {
		return decimal.Zero, fmt.Errorf("swap %d has no usable buy price", so.ID)
	}
	limit := so.BuyPrice.Decimal
	if so.CurrentDev.Valid {
		limit = limit.Mul(decimal.NewFromInt(1).Add(so.CurrentDev.Decimal))
	}
	if !limit.IsPositive() {
		return decimal.Zero, fmt.Errorf("swap %d: adjusted buy price %s is not positive", so.ID, limit)
	}
	return limit, nil
}

// hasExecutedLeg - есть ли у субордера хоть одна исполненная нога
func (b *Broker) hasExecutedLeg(so *models.SubOrder) bool {
	trades, err := b.stores.Trades.GetByOrderID(so.ID)
	if err != nil {
		return false
	}
	for _, t := range trades {
		if t.Status == models.TradeStatusOk {
			return true
		}
	}
	return false
}

// executedPrice - фактическая цена исполнения для подписанного ордера
// расчётов. Для свопа выводится из отношения исполненных объёмов ног,
// округляется вниз (в безопасную для брокера сторону) и никогда не
// опускается ниже запрошенной цены.
func (b *Broker) executedPrice(so *models.SubOrder) decimal.Decimal {
	if !so.IsSwap() {
		price := so.Price
		if t := b.executedTrade(so); t != nil && t.Price.IsPositive() {
			price = t.Price
		}
		if price.LessThan(so.Price) {
			return so.Price
		}
		return price
	}
	return b.swapExecutedPrice(so)
}

func (b *Broker) executedTrade(so *models.SubOrder) *models.Trade {
	trades, err := b.stores.Trades.GetByOrderID(so.ID)
	if err != nil {
		return nil
	}
	for _, t := range trades {
		if t.Status == models.TradeStatusOk {
			return t
		}
	}
	return nil
}

func (b *Broker) swapExecutedPrice(so *models.SubOrder) decimal.Decimal {
	price := so.Price

	sell, buy, err := resolveSwapLegs(so.Symbol)
	if err != nil {
		return price
	}
	trades, err := b.stores.Trades.GetByOrderID(so.ID)
	if err != nil {
		return price
	}

	var sellAmount, sellPrice, buyAmount, buyPrice decimal.Decimal
	for _, t := range trades {
		if t.Status != models.TradeStatusOk {
			continue
		}
		// Старые записи без исполненного объёма считаются исполненными целиком
		executed := t.FilledAmount
		if !executed.IsPositive() {
			executed = t.Amount
		}
		switch {
		case matchesLeg(t, sell):
			sellAmount, sellPrice = executed, t.Price
		case matchesLeg(t, buy):
			buyAmount, buyPrice = executed, t.Price
		}
	}

	switch {
	case sell != nil && buy != nil && sellAmount.IsPositive() && buyAmount.IsPositive():
		price = buyAmount.Div(sellAmount).Truncate(blockchain.Decimals)
	case sell != nil && buy == nil && sellPrice.IsPositive():
		price = sellPrice
	case sell == nil && buy != nil && buyPrice.IsPositive():
		price = decimal.NewFromInt(1).Div(buyPrice).Truncate(blockchain.Decimals)
	}

	if price.LessThan(so.Price) {
		return so.Price
	}
	return price
}

func matchesLeg(t *models.Trade, leg *swapLeg) bool {
	return leg != nil && t.Symbol == leg.Symbol && t.Side == leg.Side
}

func tradePrice(trade *models.Trade, reported decimal.Decimal) decimal.Decimal {
	if reported.IsPositive() {
		return reported
	}
	return trade.Price
}
