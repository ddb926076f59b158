package broker

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"broker/internal/connector"
	"broker/internal/models"
)

// ============================================================
// Операторский фасад: тонкие обёртки для терминала оператора.
// Бизнес-логики здесь нет - только вызов и запись транзакции.
// ============================================================

// Deposit вносит актив на контракт расчётов
func (b *Broker) Deposit(ctx context.Context, asset string, amount decimal.Decimal) (string, error) {
	if asset == "" || asset == b.cfg.Blockchain.GasAsset {
		hash, err := b.chain.Deposit(ctx, amount)
		if err != nil {
			return "", err
		}
		b.recordTransaction(hash, models.TxMethodDeposit, b.cfg.Blockchain.GasAsset, amount)
		return hash, nil
	}

	hash, err := b.chain.DepositAsset(ctx, asset, amount)
	if err != nil {
		return "", err
	}
	b.recordTransaction(hash, models.TxMethodDepositAsset, asset, amount)
	return hash, nil
}

// WithdrawFromContract выводит актив с контракта на кошелёк
func (b *Broker) WithdrawFromContract(ctx context.Context, asset string, amount decimal.Decimal) (string, error) {
	hash, err := b.chain.Withdraw(ctx, asset, amount)
	if err != nil {
		return "", err
	}
	b.recordTransaction(hash, models.TxMethodWithdraw, asset, amount)
	return hash, nil
}

// Approve разрешает контракту списывать актив
func (b *Broker) Approve(ctx context.Context, asset string, amount decimal.Decimal) (string, error) {
	hash, err := b.chain.Approve(ctx, asset, amount)
	if err != nil {
		return "", err
	}
	b.recordTransaction(hash, models.TxMethodApprove, asset, amount)
	return hash, nil
}

// LockStake блокирует стейк брокера
func (b *Broker) LockStake(ctx context.Context, amount decimal.Decimal) (string, error) {
	hash, err := b.chain.LockStake(ctx, amount)
	if err != nil {
		return "", err
	}
	b.recordTransaction(hash, models.TxMethodLockStake, "", amount)
	return hash, nil
}

// RequestReleaseStake запрашивает разблокировку стейка
func (b *Broker) RequestReleaseStake(ctx context.Context) (string, error) {
	hash, err := b.chain.RequestReleaseStake(ctx)
	if err != nil {
		return "", err
	}
	b.recordTransaction(hash, models.TxMethodRequestReleaseStake, "", decimal.Zero)
	return hash, nil
}

func (b *Broker) recordTransaction(hash, method, asset string, amount decimal.Decimal) {
	if err := b.stores.Transactions.Create(&models.Transaction{
		TransactionHash: hash,
		Method:          method,
		Asset:           asset,
		Amount:          amount,
		CreateTime:      time.Now(),
		Status:          models.TxStatusPending,
	}); err != nil {
		b.log.Error("persist transaction failed",
			zap.String("tx_hash", hash),
			zap.String("method", method),
			zap.Error(err))
	}
}

// ListExchanges возвращает имена подключённых бирж
func (b *Broker) ListExchanges() []string {
	return b.registry.Exchanges()
}

// ConnectExchange подключает живую биржу по API-ключам
func (b *Broker) ConnectExchange(name, baseURL, apiKey, secretKey string) {
	c := connector.NewLive(name, baseURL, apiKey, secretKey)
	c.SetOnTradeListener(b.OnTrade)
	b.registry.Add(c)
	b.log.Info("exchange connected", zap.String("exchange", name))
}

// ConnectEmulator подключает эмулятор биржи со стартовыми балансами из
// конфигурации
func (b *Broker) ConnectEmulator(name string) {
	c := connector.NewEmulator(name, b.cfg.Broker.EmulatorBalances)
	c.SetOnTradeListener(b.OnTrade)
	b.registry.Add(c)
	b.balances.Update(name, b.cfg.Broker.EmulatorBalances)
	b.log.Info("exchange emulator connected", zap.String("exchange", name))
}

// DisconnectExchange отключает биржу и выбрасывает её балансы из кэша
func (b *Broker) DisconnectExchange(name string) {
	b.registry.Remove(name)
	b.balances.Remove(name)
	b.log.Info("exchange disconnected", zap.String("exchange", name))
}
