package broker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"broker/internal/aggregator"
	"broker/internal/blockchain"
	"broker/internal/models"
)

// statusTick - повторная отправка неподтверждённых статусов и проверка
// открытых биржевых ордеров
func (b *Broker) statusTick(ctx context.Context) {
	b.resendStatuses()
	b.checkPendingTrades(ctx)
}

func (b *Broker) resendStatuses() {
	agg := b.aggregator()
	if agg == nil || !agg.IsRegistered() {
		return
	}

	unacked, err := b.stores.SubOrders.GetUnacknowledged()
	if err != nil {
		b.log.Error("load unacknowledged suborders failed", zap.Error(err))
		return
	}

	for _, so := range unacked {
		msg := b.checkMessage(so)
		if msg == nil {
			continue
		}
		// Неудача одного статуса не мешает остальным: каждый доедет
		// со своей повторной отправкой
		if err := agg.SendStatus(msg); err != nil {
			b.log.Warn("resend status failed", zap.Int64("suborder_id", so.ID), zap.Error(err))
			continue
		}
		StatusResends.Inc()
	}
}

func (b *Broker) checkPendingTrades(ctx context.Context) {
	pending, err := b.stores.Trades.GetPending()
	if err != nil {
		b.log.Error("load pending trades failed", zap.Error(err))
		return
	}
	if len(pending) == 0 {
		return
	}

	byExchange := make(map[string][]*models.Trade)
	for _, t := range pending {
		byExchange[t.Exchange] = append(byExchange[t.Exchange], t)
	}

	// Результаты приходят через onTrade-callback коннекторов
	b.registry.FanOutCheck(ctx, byExchange)
}

// balanceTick - опрос балансов всех бирж и push изменений агрегатору
func (b *Broker) balanceTick(ctx context.Context) {
	results := b.registry.FanOutBalances(ctx)

	for exchange, res := range results {
		if res.Err != nil {
			ConnectorErrors.WithLabelValues(exchange, "balances").Inc()
			b.log.Warn("balance poll failed", zap.String("exchange", exchange), zap.Error(res.Err))
			continue
		}
		b.balances.Update(exchange, res.Balances)
		for currency, amount := range res.Balances {
			f, _ := amount.Float64()
			ExchangeBalanceGauge.WithLabelValues(exchange, currency).Set(f)
		}
	}

	snapshot, changed := b.balances.SnapshotIfChanged()
	if !changed {
		return
	}

	agg := b.aggregator()
	if agg == nil || !agg.IsRegistered() {
		return
	}
	if err := agg.SendBalances(aggregator.NewBalances(snapshot)); err != nil {
		b.log.Warn("push balances failed", zap.Error(err))
		return
	}
	b.balances.MarkSent(snapshot)
	BalancePushes.Inc()
}

// withdrawTick - опрос статусов открытых биржевых выводов
func (b *Broker) withdrawTick(ctx context.Context) {
	pending, err := b.stores.Withdraws.GetPending()
	if err != nil {
		b.log.Error("load pending withdraws failed", zap.Error(err))
		return
	}
	PendingWithdraws.Set(float64(len(pending)))

	for _, w := range pending {
		conn, ok := b.registry.Get(w.Exchange)
		if !ok {
			b.log.Warn("withdraw poll: exchange not connected",
				zap.String("exchange", w.Exchange),
				zap.String("withdraw_id", w.ExchangeWithdrawID))
			continue
		}

		cctx, cancel := b.callCtx(ctx)
		status, err := conn.WithdrawStatus(cctx, w.ExchangeWithdrawID)
		cancel()
		if err != nil {
			ConnectorErrors.WithLabelValues(w.Exchange, "withdraw_status").Inc()
			b.log.Warn("withdraw status poll failed",
				zap.String("withdraw_id", w.ExchangeWithdrawID),
				zap.Error(err))
			continue
		}

		if !models.IsTerminalWithdrawStatus(status) {
			continue
		}
		if err := b.stores.Withdraws.UpdateStatus(w.ExchangeWithdrawID, status); err != nil {
			b.log.Error("persist withdraw status failed",
				zap.String("withdraw_id", w.ExchangeWithdrawID),
				zap.Error(err))
			continue
		}
		b.log.Info("withdraw finished",
			zap.String("withdraw_id", w.ExchangeWithdrawID),
			zap.String("exchange", w.Exchange),
			zap.String("status", status))
	}
}

// transactionTick - опрос blockchain-транзакций.
// Транзакция без on-chain записи дольше таймаута принудительно помечается
// FAIL: следующий liability-скан попробует покрыть обязательство заново.
func (b *Broker) transactionTick(ctx context.Context) {
	pending, err := b.stores.Transactions.GetPending()
	if err != nil {
		b.log.Error("load pending transactions failed", zap.Error(err))
		return
	}
	PendingTransactions.Set(float64(len(pending)))

	now := time.Now()
	for _, tx := range pending {
		status, err := b.chain.GetTransactionStatus(ctx, tx.TransactionHash)
		if errors.Is(err, blockchain.ErrTxNotFound) {
			// Списывать по таймауту можно только транзакцию без on-chain
			// записи. Видимый gateway'ем PENDING ещё может смайниться:
			// пометить его FAIL - это продолжить liability-скан и покрыть
			// то же обязательство второй раз.
			if !tx.Expired(now) {
				continue
			}
			if err := b.stores.Transactions.UpdateStatus(tx.TransactionHash, models.TxStatusFail); err != nil {
				b.log.Error("force-fail transaction failed",
					zap.String("tx_hash", tx.TransactionHash),
					zap.Error(err))
				continue
			}
			b.log.Warn("transaction timed out with no on-chain record, marked failed",
				zap.String("tx_hash", tx.TransactionHash),
				zap.String("method", tx.Method))
			continue
		}
		if err != nil {
			b.log.Debug("transaction status unavailable",
				zap.String("tx_hash", tx.TransactionHash),
				zap.Error(err))
			continue
		}

		if status != models.TxStatusOk && status != models.TxStatusFail {
			continue
		}
		if err := b.stores.Transactions.UpdateStatus(tx.TransactionHash, status); err != nil {
			b.log.Error("persist transaction status failed",
				zap.String("tx_hash", tx.TransactionHash),
				zap.Error(err))
			continue
		}
		b.log.Info("transaction finished",
			zap.String("tx_hash", tx.TransactionHash),
			zap.String("method", tx.Method),
			zap.String("status", status))
	}
}
