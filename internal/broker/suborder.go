package broker

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"broker/internal/aggregator"
	"broker/internal/models"
	"broker/internal/repository"
)

// OnSubOrder обрабатывает create-запрос агрегатора.
// Ответ nil означает "ничего не отправлять" (фильтр свопов, внутренняя ошибка).
func (b *Broker) OnSubOrder(req aggregator.SubOrderRequest) *aggregator.SubOrderStatusMessage {
	// Своп с отрицательным отклонением ещё не прибылен: молча отбрасываем.
	// Это штатный фильтр, не ошибка.
	if isSwapRequest(req) && req.CurrentDev.Valid && req.CurrentDev.Decimal.IsNegative() {
		SwapsDropped.Inc()
		b.log.Debug("swap dropped: negative deviation",
			zap.Int64("suborder_id", req.ID),
			zap.String("current_dev", req.CurrentDev.Decimal.String()))
		return nil
	}
	return b.CreateSubOrder(req)
}

// OnCancelSubOrder обрабатывает запрос отмены
func (b *Broker) OnCancelSubOrder(id int64) *aggregator.SubOrderStatusMessage {
	return b.CancelSubOrder(id)
}

// OnCheckSubOrder обрабатывает запрос статуса
func (b *Broker) OnCheckSubOrder(id int64) *aggregator.SubOrderStatusMessage {
	return b.CheckSubOrder(id)
}

// OnStatusAccepted обрабатывает подтверждение доставленного статуса
func (b *Broker) OnStatusAccepted(msg aggregator.StatusAcceptedMessage) {
	so, err := b.stores.SubOrders.GetByID(msg.ID)
	if err != nil {
		b.log.Warn("status ack for unknown suborder", zap.Int64("suborder_id", msg.ID), zap.Error(err))
		return
	}

	// Агрегатор авторитетен для отклонения: форсируем REJECTED даже если
	// локально субордер в другом состоянии
	if msg.Status == models.StatusRejected && so.Status != models.StatusRejected {
		if err := b.stores.SubOrders.UpdateStatus(so.ID, models.StatusRejected, so.FilledAmount); err != nil {
			b.log.Error("force reject failed", zap.Int64("suborder_id", so.ID), zap.Error(err))
			return
		}
		if err := b.stores.SubOrders.MarkSent(so.ID, true); err != nil {
			b.log.Error("mark sent failed", zap.Int64("suborder_id", so.ID), zap.Error(err))
		}
		so.Status = models.StatusRejected
		b.log.Info("suborder force-rejected by aggregator", zap.Int64("suborder_id", so.ID))
		b.notify(so)
		return
	}

	// Подтверждение гасит повторную отправку только когда локальный статус
	// терминален и совпадает с подтверждённым
	if models.IsTerminalStatus(so.Status) && so.Status == msg.Status {
		if err := b.stores.SubOrders.MarkSent(so.ID, true); err != nil {
			b.log.Error("mark sent failed", zap.Int64("suborder_id", so.ID), zap.Error(err))
		}
	}
}

// CreateSubOrder - идемпотентное создание субордера.
// Повторный запрос с тем же id возвращает текущий вычисленный статус,
// не отправляя на биржу второй ордер.
func (b *Broker) CreateSubOrder(req aggregator.SubOrderRequest) *aggregator.SubOrderStatusMessage {
	existing, err := b.stores.SubOrders.GetByID(req.ID)
	if err == nil {
		return b.checkMessage(existing)
	}
	if !errors.Is(err, repository.ErrSubOrderNotFound) {
		b.log.Error("suborder lookup failed", zap.Int64("suborder_id", req.ID), zap.Error(err))
		return nil
	}

	so := newSubOrder(req)

	// Своп с нулевым балансом исходного актива отклоняется сразу,
	// без похода на биржу
	if so.IsSwap() {
		source := swapSourceAsset(so.Symbol)
		if !b.sourceBalance(so.Exchange, source).IsPositive() {
			so.Status = models.StatusRejected
			if err := b.stores.SubOrders.Create(so); err != nil {
				b.log.Error("persist rejected swap failed", zap.Int64("suborder_id", so.ID), zap.Error(err))
				return nil
			}
			SubOrdersTotal.WithLabelValues(so.Exchange, models.StatusRejected).Inc()
			b.log.Info("swap rejected: zero source balance",
				zap.Int64("suborder_id", so.ID),
				zap.String("asset", source),
				zap.String("exchange", so.Exchange))
			b.notify(so)
			return b.checkMessage(so)
		}
	}

	// Сначала PREPARE в БД, потом биржа: после рестарта запись либо
	// дойдёт до REJECTED, либо будет подхвачена циклом проверки
	if err := b.stores.SubOrders.Create(so); err != nil {
		b.log.Error("persist suborder failed", zap.Int64("suborder_id", so.ID), zap.Error(err))
		return nil
	}

	b.submitFirstLeg(so)
	b.notify(so)
	return b.checkMessageByID(so.ID)
}

// sourceBalance - баланс актива на бирже для проверки свопа. В окне между
// подключением биржи и первым балансовым тиком кэш пуст: тогда биржа
// опрашивается напрямую, а ответ заодно наполняет кэш.
func (b *Broker) sourceBalance(exchange, asset string) decimal.Decimal {
	if b.balances.HasExchange(exchange) {
		return b.balances.Get(exchange, asset)
	}

	conn, ok := b.registry.Get(exchange)
	if !ok {
		return decimal.Zero
	}

	ctx, cancel := b.callCtx(context.Background())
	defer cancel()

	balances, err := conn.GetBalances(ctx)
	if err != nil {
		ConnectorErrors.WithLabelValues(exchange, "balances").Inc()
		b.log.Warn("balance lookup failed",
			zap.String("exchange", exchange),
			zap.Error(err))
		return decimal.Zero
	}

	b.balances.Update(exchange, balances)
	return b.balances.Get(exchange, asset)
}

// submitFirstLeg отправляет первую (или единственную) биржевую ногу субордера
func (b *Broker) submitFirstLeg(so *models.SubOrder) {
	submit, err := b.firstLegRequest(so)
	if err != nil {
		b.rejectSubOrder(so, err)
		return
	}

	conn, ok := b.registry.Get(so.Exchange)
	if !ok {
		b.rejectSubOrder(so, ErrUnknownExchange)
		return
	}

	ctx, cancel := b.callCtx(context.Background())
	defer cancel()

	trade, err := conn.SubmitSubOrder(ctx, *submit)
	if err != nil || trade == nil {
		b.rejectSubOrder(so, err)
		return
	}

	if err := b.stores.Trades.Create(trade); err != nil {
		// Биржевой ордер уже размещён, а трейд не записан: его никто не
		// будет опрашивать. Требуется вмешательство оператора.
		b.log.Error("persist trade failed after submit",
			zap.Int64("suborder_id", so.ID),
			zap.String("exchange_order_id", trade.ExchangeOrderID),
			zap.Error(err))
	}
	if err := b.stores.SubOrders.SetExchangeOrderID(so.ID, trade.ExchangeOrderID); err != nil {
		b.log.Error("set exchange order id failed", zap.Int64("suborder_id", so.ID), zap.Error(err))
	}
	if err := b.stores.SubOrders.UpdateStatus(so.ID, models.StatusAccepted, decimal.Zero); err != nil {
		b.log.Error("mark accepted failed", zap.Int64("suborder_id", so.ID), zap.Error(err))
		return
	}
	so.Status = models.StatusAccepted
	SubOrdersTotal.WithLabelValues(so.Exchange, models.StatusAccepted).Inc()
	b.log.Info("suborder accepted",
		zap.Int64("suborder_id", so.ID),
		zap.String("exchange", so.Exchange),
		zap.String("exchange_order_id", trade.ExchangeOrderID))
}

// rejectSubOrder помечает субордер отклонённым после неудачной отправки
func (b *Broker) rejectSubOrder(so *models.SubOrder, cause error) {
	if err := b.stores.SubOrders.UpdateStatus(so.ID, models.StatusRejected, decimal.Zero); err != nil {
		b.log.Error("mark rejected failed", zap.Int64("suborder_id", so.ID), zap.Error(err))
		return
	}
	so.Status = models.StatusRejected
	SubOrdersTotal.WithLabelValues(so.Exchange, models.StatusRejected).Inc()
	b.log.Warn("suborder rejected",
		zap.Int64("suborder_id", so.ID),
		zap.String("exchange", so.Exchange),
		zap.Error(cause))
}

// CheckSubOrder вычисляет внешне видимый статус субордера.
// Неизвестный id - не ошибка: агрегатор получает {status: null, filledAmount: "0"}
// и пересинхронизируется сам.
func (b *Broker) CheckSubOrder(id int64) *aggregator.SubOrderStatusMessage {
	return b.checkMessageByID(id)
}

func (b *Broker) checkMessageByID(id int64) *aggregator.SubOrderStatusMessage {
	so, err := b.stores.SubOrders.GetByID(id)
	if err != nil {
		if errors.Is(err, repository.ErrSubOrderNotFound) {
			return aggregator.NewUnknownStatus(id)
		}
		b.log.Error("suborder lookup failed", zap.Int64("suborder_id", id), zap.Error(err))
		return nil
	}
	return b.checkMessage(so)
}

// checkMessage собирает отчёт о статусе.
// PREPARE снаружи виден как ACCEPTED: отправка на биржу считается в полёте.
// К FILLED прикладывается подписанный ордер расчётов.
func (b *Broker) checkMessage(so *models.SubOrder) *aggregator.SubOrderStatusMessage {
	visible := so.Status
	if visible == models.StatusPrepare {
		visible = models.StatusAccepted
	}

	msg := aggregator.NewStatus(so.ID, visible, so.FilledAmount)

	if so.Status == models.StatusFilled {
		price := b.executedPrice(so)

		ctx, cancel := b.callCtx(context.Background())
		defer cancel()

		order, err := b.chain.BuildSignedOrder(ctx, so.Symbol, so.Side, price, so.FilledAmount)
		if err != nil {
			// Статус всё равно уходит: подпись доедет со следующей
			// повторной отправкой
			b.log.Error("sign settlement order failed", zap.Int64("suborder_id", so.ID), zap.Error(err))
		} else {
			msg.Order = order
		}
	}

	return msg
}

// CancelSubOrder - отмена субордера.
// PREPARE: отмена ордера, который ещё отправляется, не поддерживается - nil.
// ACCEPTED: отмена уходит коннектору, результат придёт асинхронно через
// цикл проверки. Терминальный статус: идемпотентный no-op, возвращаем текущий.
func (b *Broker) CancelSubOrder(id int64) *aggregator.SubOrderStatusMessage {
	so, err := b.stores.SubOrders.GetByID(id)
	if err != nil {
		if errors.Is(err, repository.ErrSubOrderNotFound) {
			return aggregator.NewUnknownStatus(id)
		}
		b.log.Error("suborder lookup failed", zap.Int64("suborder_id", id), zap.Error(err))
		return nil
	}

	switch so.Status {
	case models.StatusPrepare:
		return nil

	case models.StatusAccepted:
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.cancelOnExchange(so)
		}()
		return nil

	default:
		b.log.Info("cancel of terminal suborder ignored",
			zap.Int64("suborder_id", so.ID),
			zap.String("status", so.Status))
		return b.checkMessage(so)
	}
}

// cancelOnExchange отправляет отмену открытого трейда коннектору
func (b *Broker) cancelOnExchange(so *models.SubOrder) {
	trades, err := b.stores.Trades.GetByOrderID(so.ID)
	if err != nil {
		b.log.Error("trades lookup failed", zap.Int64("suborder_id", so.ID), zap.Error(err))
		return
	}

	conn, ok := b.registry.Get(so.Exchange)
	if !ok {
		b.log.Warn("cancel: exchange not connected", zap.String("exchange", so.Exchange))
		return
	}

	for _, trade := range trades {
		if trade.Status != models.TradeStatusPending {
			continue
		}
		ctx, cancel := b.callCtx(context.Background())
		canceled, err := conn.CancelSubOrder(ctx, trade)
		cancel()
		if err != nil {
			ConnectorErrors.WithLabelValues(so.Exchange, "cancel").Inc()
			b.log.Warn("cancel failed",
				zap.Int64("suborder_id", so.ID),
				zap.String("exchange_order_id", trade.ExchangeOrderID),
				zap.Error(err))
			continue
		}
		b.log.Info("cancel forwarded",
			zap.Int64("suborder_id", so.ID),
			zap.String("exchange_order_id", trade.ExchangeOrderID),
			zap.Bool("canceled", canceled))
	}
}

// pushStatus отправляет свежий статус агрегатору, не дожидаясь resend-цикла
func (b *Broker) pushStatus(id int64) {
	agg := b.aggregator()
	if agg == nil || !agg.IsRegistered() {
		return
	}
	msg := b.checkMessageByID(id)
	if msg == nil {
		return
	}
	if err := agg.SendStatus(msg); err != nil {
		b.log.Warn("push status failed", zap.Int64("suborder_id", id), zap.Error(err))
	}
}

func isSwapRequest(req aggregator.SubOrderRequest) bool {
	return strings.EqualFold(req.OrderType, models.OrderTypeSwap) || req.SellPrice.Valid
}

// newSubOrder собирает модель из протокольного запроса
func newSubOrder(req aggregator.SubOrderRequest) *models.SubOrder {
	orderType := models.OrderTypeSub
	if isSwapRequest(req) {
		orderType = models.OrderTypeSwap
	}

	return &models.SubOrder{
		ID:           req.ID,
		Symbol:       strings.ToUpper(req.Symbol),
		Side:         strings.ToLower(req.Side),
		Price:        req.Price,
		Amount:       req.Amount,
		Exchange:     req.Exchange,
		Timestamp:    time.Now(),
		Status:       models.StatusPrepare,
		FilledAmount: decimal.Zero,
		OrderType:    orderType,
		CurrentDev:   req.CurrentDev,
		SellPrice:    req.SellPrice,
		BuyPrice:     req.BuyPrice,
	}
}
