package broker

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"broker/internal/connector"
	"broker/internal/models"
)

func overdueLiability(asset string, amount string) models.Liability {
	return models.Liability{
		Asset:             asset,
		Timestamp:         time.Now().Add(-2 * time.Hour),
		OutstandingAmount: d(amount),
	}
}

func TestLiabilityScan_SkippedWhileTransferInFlight(t *testing.T) {
	env := newTestEnv()
	env.chain.liabilities = []models.Liability{overdueLiability("USDT", "100")}
	env.chain.walletBalances["USDT"] = d("1000")

	env.txs.Create(&models.Transaction{
		TransactionHash: "0xinflight",
		Method:          models.TxMethodDeposit,
		CreateTime:      time.Now(),
		Status:          models.TxStatusPending,
	})

	env.broker.liabilityTick(context.Background())

	if calls := env.chain.moneyCalls(); len(calls) != 0 {
		t.Errorf("scan with in-flight transaction made %d money calls, want 0", len(calls))
	}
}

func TestLiabilityScan_SkippedWhileWithdrawInFlight(t *testing.T) {
	env := newTestEnv()
	env.chain.liabilities = []models.Liability{overdueLiability("USDT", "100")}
	env.chain.walletBalances["USDT"] = d("1000")

	env.withdraws.Create(&models.Withdraw{
		ExchangeWithdrawID: "WD-inflight",
		Exchange:           "bitmax",
		Currency:           "USDT",
		Amount:             d("50"),
		CreateTime:         time.Now(),
		Status:             models.WithdrawStatusPending,
	})

	env.broker.liabilityTick(context.Background())

	if calls := env.chain.moneyCalls(); len(calls) != 0 {
		t.Errorf("scan with in-flight withdraw made %d money calls, want 0", len(calls))
	}
}

func TestLiabilityScan_GracePeriodRespected(t *testing.T) {
	env := newTestEnv()
	env.chain.walletBalances["USDT"] = d("1000")
	env.chain.liabilities = []models.Liability{{
		Asset:             "USDT",
		Timestamp:         time.Now().Add(-30 * time.Minute),
		OutstandingAmount: d("100"),
	}}

	env.broker.liabilityTick(context.Background())

	if calls := env.chain.moneyCalls(); len(calls) != 0 {
		t.Errorf("liability within grace period remediated: %d calls", len(calls))
	}
}

func TestLiabilityScan_DepositAssetFromWallet(t *testing.T) {
	env := newTestEnv()
	env.chain.liabilities = []models.Liability{overdueLiability("USDT", "100")}
	env.chain.walletBalances["USDT"] = d("150")

	env.broker.liabilityTick(context.Background())

	calls := env.chain.moneyCalls()
	if len(calls) != 1 {
		t.Fatalf("money calls = %d, want 1", len(calls))
	}
	if calls[0].method != models.TxMethodDepositAsset || calls[0].asset != "USDT" || !calls[0].amount.Equal(d("100")) {
		t.Errorf("unexpected call: %+v", calls[0])
	}

	// Транзакция записана и будет опрошена до терминального статуса
	pending, _ := env.txs.GetPending()
	if len(pending) != 1 {
		t.Fatalf("pending transactions = %d, want 1", len(pending))
	}
	if pending[0].Method != models.TxMethodDepositAsset || !pending[0].Amount.Equal(d("100")) {
		t.Errorf("unexpected transaction: %+v", pending[0])
	}
}

func TestLiabilityScan_GasAssetKeepsBuffer(t *testing.T) {
	env := newTestEnv()
	env.chain.liabilities = []models.Liability{overdueLiability("ETH", "1")}

	// 1.04 ETH на кошельке, но 0.05 зарезервировано под газ:
	// доступно 0.99, депозита не хватает - недостача 0.01 уходит выводом с биржи
	env.chain.walletBalances["ETH"] = d("1.04")
	env.conn.withdrawLimit = &connector.WithdrawLimit{Min: d("0.005"), Fee: d("0.001")}
	env.broker.balances.Update("bitmax", map[string]decimal.Decimal{"ETH": d("10")})

	env.broker.liabilityTick(context.Background())

	if calls := env.chain.moneyCalls(); len(calls) != 0 {
		t.Fatalf("deposit made despite gas buffer: %+v", calls)
	}

	env.conn.mu.Lock()
	withdrawCalls := append([]chainCall(nil), env.conn.withdrawCalls...)
	env.conn.mu.Unlock()
	if len(withdrawCalls) != 1 {
		t.Fatalf("withdraw calls = %d, want 1", len(withdrawCalls))
	}
	// max(недостача 0.01 + комиссия 0.001, минимум 0.005) = 0.011
	if withdrawCalls[0].asset != "ETH" || !withdrawCalls[0].amount.Equal(d("0.011")) {
		t.Errorf("unexpected withdraw: %+v", withdrawCalls[0])
	}
}

func TestLiabilityScan_GasAssetDepositWithBuffer(t *testing.T) {
	env := newTestEnv()
	env.chain.liabilities = []models.Liability{overdueLiability("ETH", "1")}
	env.chain.walletBalances["ETH"] = d("1.06")

	env.broker.liabilityTick(context.Background())

	calls := env.chain.moneyCalls()
	if len(calls) != 1 {
		t.Fatalf("money calls = %d, want 1", len(calls))
	}
	// Газовый актив вносится нативным депозитом, сумма - само обязательство
	if calls[0].method != models.TxMethodDeposit || !calls[0].amount.Equal(d("1")) {
		t.Errorf("unexpected call: %+v", calls[0])
	}
}

func TestLiabilityScan_WithdrawRespectsMinimum(t *testing.T) {
	env := newTestEnv()
	env.chain.liabilities = []models.Liability{overdueLiability("USDT", "1")}
	env.conn.withdrawLimit = &connector.WithdrawLimit{Min: d("10"), Fee: d("0.5")}
	env.broker.balances.Update("bitmax", map[string]decimal.Decimal{"USDT": d("100")})

	env.broker.liabilityTick(context.Background())

	env.conn.mu.Lock()
	withdrawCalls := append([]chainCall(nil), env.conn.withdrawCalls...)
	env.conn.mu.Unlock()
	if len(withdrawCalls) != 1 {
		t.Fatalf("withdraw calls = %d, want 1", len(withdrawCalls))
	}
	// 1 + 0.5 < минимума 10: выводится минимум
	if !withdrawCalls[0].amount.Equal(d("10")) {
		t.Errorf("withdraw amount = %s, want 10", withdrawCalls[0].amount)
	}

	pending, _ := env.withdraws.GetPending()
	if len(pending) != 1 || pending[0].Exchange != "bitmax" || pending[0].Currency != "USDT" {
		t.Errorf("withdraw not persisted: %+v", pending)
	}
}

func TestLiabilityScan_OneActionPerScan(t *testing.T) {
	env := newTestEnv()
	env.chain.liabilities = []models.Liability{
		overdueLiability("USDT", "100"),
		overdueLiability("USDC", "200"),
	}
	env.chain.walletBalances["USDT"] = d("1000")
	env.chain.walletBalances["USDC"] = d("1000")

	env.broker.liabilityTick(context.Background())

	if calls := env.chain.moneyCalls(); len(calls) != 1 {
		t.Errorf("money calls = %d, want 1 (one action per scan)", len(calls))
	}
}

func TestLiabilityScan_UnfundedLeavesNoTransfers(t *testing.T) {
	env := newTestEnv()
	env.chain.liabilities = []models.Liability{overdueLiability("USDT", "100")}
	env.conn.withdrawLimit = &connector.WithdrawLimit{Min: d("1"), Fee: d("0.1")}
	// Ни кошелёк, ни биржа покрыть не могут

	env.broker.liabilityTick(context.Background())

	if calls := env.chain.moneyCalls(); len(calls) != 0 {
		t.Errorf("unexpected money calls: %+v", calls)
	}
	env.conn.mu.Lock()
	withdrawCalls := len(env.conn.withdrawCalls)
	env.conn.mu.Unlock()
	if withdrawCalls != 0 {
		t.Errorf("unexpected withdraw calls: %d", withdrawCalls)
	}
}

func TestLiabilityScan_WithdrawDisabledSkipsExchange(t *testing.T) {
	env := newTestEnv()
	env.chain.liabilities = []models.Liability{overdueLiability("USDT", "100")}
	// nil-лимит означает, что вывод актива на бирже закрыт
	env.conn.withdrawLimit = nil
	env.broker.balances.Update("bitmax", map[string]decimal.Decimal{"USDT": d("1000")})

	env.broker.liabilityTick(context.Background())

	env.conn.mu.Lock()
	withdrawCalls := len(env.conn.withdrawCalls)
	env.conn.mu.Unlock()
	if withdrawCalls != 0 {
		t.Errorf("withdraw attempted on exchange with disabled withdrawals")
	}
}
