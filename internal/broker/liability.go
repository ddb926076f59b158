package broker

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"broker/internal/models"
)

// liabilityTick - сканирование on-chain обязательств и их автоматическое
// покрытие.
//
// Пока хоть одна транзакция или вывод в полёте, скан пропускается целиком:
// иначе одно обязательство можно покрыть дважды. По той же причине за один
// скан выполняется не больше одного денежного действия.
func (b *Broker) liabilityTick(ctx context.Context) {
	txPending, err := b.stores.Transactions.CountPending()
	if err != nil {
		b.log.Error("count pending transactions failed", zap.Error(err))
		return
	}
	wdPending, err := b.stores.Withdraws.CountPending()
	if err != nil {
		b.log.Error("count pending withdraws failed", zap.Error(err))
		return
	}
	if txPending > 0 || wdPending > 0 {
		LiabilityRemediations.WithLabelValues("skipped_inflight").Inc()
		b.log.Debug("liability scan skipped: transfers in flight",
			zap.Int("pending_transactions", txPending),
			zap.Int("pending_withdraws", wdPending))
		return
	}

	liabilities, err := b.chain.GetLiabilities(ctx)
	if err != nil {
		b.log.Error("load liabilities failed", zap.Error(err))
		return
	}

	now := time.Now()
	for _, l := range liabilities {
		if !l.OutstandingAmount.IsPositive() {
			continue
		}
		if !l.Overdue(now, b.cfg.Broker.LiabilityGracePeriod) {
			continue
		}
		if b.remediate(ctx, l) {
			return
		}
	}
}

// remediate покрывает одно просроченное обязательство: депозит с кошелька,
// если хватает, иначе вывод недостачи с первой подходящей биржи.
// true = денежное действие выполнено.
func (b *Broker) remediate(ctx context.Context, l models.Liability) bool {
	wallet, err := b.chain.GetWalletBalance(ctx, l.Asset)
	if err != nil {
		b.log.Error("wallet balance read failed", zap.String("asset", l.Asset), zap.Error(err))
		return false
	}

	// Для газового актива часть баланса резервируется на оплату газа
	available := wallet
	if l.Asset == b.cfg.Blockchain.GasAsset {
		available = available.Sub(b.cfg.Blockchain.GasBuffer)
	}
	if available.IsNegative() {
		available = decimal.Zero
	}

	if available.GreaterThanOrEqual(l.OutstandingAmount) {
		return b.depositLiability(ctx, l)
	}

	remaining := l.OutstandingAmount.Sub(available)
	return b.withdrawShortfall(ctx, l, remaining)
}

// depositLiability вносит обязательство с кошелька на контракт
func (b *Broker) depositLiability(ctx context.Context, l models.Liability) bool {
	var (
		hash   string
		method string
		err    error
	)
	if l.Asset == b.cfg.Blockchain.GasAsset {
		method = models.TxMethodDeposit
		hash, err = b.chain.Deposit(ctx, l.OutstandingAmount)
	} else {
		method = models.TxMethodDepositAsset
		hash, err = b.chain.DepositAsset(ctx, l.Asset, l.OutstandingAmount)
	}
	if err != nil {
		b.log.Error("liability deposit failed",
			zap.String("asset", l.Asset),
			zap.String("amount", l.OutstandingAmount.String()),
			zap.Error(err))
		return false
	}

	if err := b.stores.Transactions.Create(&models.Transaction{
		TransactionHash: hash,
		Method:          method,
		Asset:           l.Asset,
		Amount:          l.OutstandingAmount,
		CreateTime:      time.Now(),
		Status:          models.TxStatusPending,
	}); err != nil {
		b.log.Error("persist liability deposit failed", zap.String("tx_hash", hash), zap.Error(err))
	}

	LiabilityRemediations.WithLabelValues("deposit").Inc()
	b.log.Info("liability covered by wallet deposit",
		zap.String("asset", l.Asset),
		zap.String("amount", l.OutstandingAmount.String()),
		zap.String("tx_hash", hash))
	return true
}

// withdrawShortfall выводит недостачу с первой биржи, у которой хватает
// баланса и действует лимит вывода. Сумма: max(недостача + комиссия, минимум).
func (b *Broker) withdrawShortfall(ctx context.Context, l models.Liability, remaining decimal.Decimal) bool {
	for _, exchange := range b.registry.Exchanges() {
		conn, ok := b.registry.Get(exchange)
		if !ok {
			continue
		}

		cctx, cancel := b.callCtx(ctx)
		limit, err := conn.WithdrawLimit(cctx, l.Asset)
		cancel()
		if err != nil {
			ConnectorErrors.WithLabelValues(exchange, "withdraw_limit").Inc()
			b.log.Warn("withdraw limit unavailable",
				zap.String("exchange", exchange),
				zap.String("asset", l.Asset),
				zap.Error(err))
			continue
		}
		if limit == nil {
			// Вывод актива на этой бирже закрыт
			continue
		}

		amount := decimal.Max(remaining.Add(limit.Fee), limit.Min)
		if b.balances.Get(exchange, l.Asset).LessThan(amount) {
			continue
		}

		cctx, cancel = b.callCtx(ctx)
		withdrawID, err := conn.Withdraw(cctx, l.Asset, amount, b.chain.Address())
		cancel()
		if err != nil {
			ConnectorErrors.WithLabelValues(exchange, "withdraw").Inc()
			b.log.Error("liability withdraw failed",
				zap.String("exchange", exchange),
				zap.String("asset", l.Asset),
				zap.Error(err))
			continue
		}

		if err := b.stores.Withdraws.Create(&models.Withdraw{
			ExchangeWithdrawID: withdrawID,
			Exchange:           exchange,
			Currency:           l.Asset,
			Amount:             amount,
			CreateTime:         time.Now(),
			Status:             models.WithdrawStatusPending,
		}); err != nil {
			b.log.Error("persist liability withdraw failed",
				zap.String("withdraw_id", withdrawID),
				zap.Error(err))
		}

		LiabilityRemediations.WithLabelValues("withdraw").Inc()
		b.log.Info("liability shortfall withdrawn from exchange",
			zap.String("exchange", exchange),
			zap.String("asset", l.Asset),
			zap.String("amount", amount.String()),
			zap.String("withdraw_id", withdrawID))
		return true
	}

	LiabilityRemediations.WithLabelValues("unfunded").Inc()
	b.log.Warn("liability cannot be covered automatically, manual intervention required",
		zap.String("asset", l.Asset),
		zap.String("outstanding", l.OutstandingAmount.String()))
	return false
}
