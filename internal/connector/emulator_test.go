package connector

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"broker/internal/models"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newTestEmulator() *Emulator {
	return NewEmulator("emu", map[string]decimal.Decimal{
		"ORN":  d("1000"),
		"USDT": d("500"),
	})
}

func TestEmulatorSubmitSubOrder(t *testing.T) {
	e := newTestEmulator()

	trade, err := e.SubmitSubOrder(context.Background(), SubmitRequest{
		SubOrderID: 1,
		Symbol:     "ORN-USDT",
		Side:       models.SideSell,
		Amount:     d("10"),
		Price:      d("5"),
		Type:       models.TradeTypeLimit,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if trade.ExchangeOrderID == "" || trade.Status != models.TradeStatusPending {
		t.Errorf("unexpected trade: %+v", trade)
	}
	if trade.OrderID != 1 || trade.Exchange != "emu" {
		t.Errorf("trade owner fields: %+v", trade)
	}
}

func TestEmulatorCheckSubOrdersFillsAndMovesBalances(t *testing.T) {
	e := newTestEmulator()

	var updates []models.TradeUpdate
	e.SetOnTradeListener(func(u models.TradeUpdate) { updates = append(updates, u) })

	trade, _ := e.SubmitSubOrder(context.Background(), SubmitRequest{
		SubOrderID: 1,
		Symbol:     "ORN-USDT",
		Side:       models.SideSell,
		Amount:     d("10"),
		Price:      d("5"),
		Type:       models.TradeTypeLimit,
	})

	e.CheckSubOrders(context.Background(), []*models.Trade{trade})

	if len(updates) != 1 {
		t.Fatalf("got %d updates, want 1", len(updates))
	}
	u := updates[0]
	if u.Status != models.TradeStatusOk || !u.FilledAmount.Equal(d("10")) || !u.Price.Equal(d("5")) {
		t.Errorf("unexpected update: %+v", u)
	}

	// Продажа 10 ORN по 5: ORN 1000→990, USDT 500→550
	balances, _ := e.GetBalances(context.Background())
	if !balances["ORN"].Equal(d("990")) {
		t.Errorf("ORN = %s, want 990", balances["ORN"])
	}
	if !balances["USDT"].Equal(d("550")) {
		t.Errorf("USDT = %s, want 550", balances["USDT"])
	}

	// Повторная проверка уже исполненного ордера ничего не фабрикует
	e.CheckSubOrders(context.Background(), []*models.Trade{trade})
	if len(updates) != 1 {
		t.Errorf("duplicate check produced %d updates", len(updates))
	}
}

func TestEmulatorBuyMovesBalances(t *testing.T) {
	e := newTestEmulator()
	e.SetOnTradeListener(func(models.TradeUpdate) {})

	trade, _ := e.SubmitSubOrder(context.Background(), SubmitRequest{
		SubOrderID: 2,
		Symbol:     "ORN-USDT",
		Side:       models.SideBuy,
		Amount:     d("20"),
		Price:      d("4"),
		Type:       models.TradeTypeLimit,
	})
	e.CheckSubOrders(context.Background(), []*models.Trade{trade})

	balances, _ := e.GetBalances(context.Background())
	if !balances["ORN"].Equal(d("1020")) {
		t.Errorf("ORN = %s, want 1020", balances["ORN"])
	}
	if !balances["USDT"].Equal(d("420")) {
		t.Errorf("USDT = %s, want 420", balances["USDT"])
	}
}

func TestEmulatorCancelSubOrder(t *testing.T) {
	e := newTestEmulator()

	trade, _ := e.SubmitSubOrder(context.Background(), SubmitRequest{
		SubOrderID: 1,
		Symbol:     "ORN-USDT",
		Side:       models.SideSell,
		Amount:     d("10"),
		Price:      d("5"),
	})

	canceled, err := e.CancelSubOrder(context.Background(), trade)
	if err != nil || !canceled {
		t.Fatalf("cancel = (%v, %v), want (true, nil)", canceled, err)
	}

	// Отменённый ордер не исполняется
	var updates int
	e.SetOnTradeListener(func(models.TradeUpdate) { updates++ })
	e.CheckSubOrders(context.Background(), []*models.Trade{trade})
	if updates != 0 {
		t.Errorf("canceled order produced %d updates", updates)
	}

	// Повторная отмена - false без ошибки
	canceled, err = e.CancelSubOrder(context.Background(), trade)
	if err != nil || canceled {
		t.Errorf("repeated cancel = (%v, %v), want (false, nil)", canceled, err)
	}
}

func TestEmulatorWithdraw(t *testing.T) {
	e := newTestEmulator()

	id, err := e.Withdraw(context.Background(), "usdt", d("100"), "0xdest")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	status, err := e.WithdrawStatus(context.Background(), id)
	if err != nil || status != models.WithdrawStatusOk {
		t.Errorf("status = (%s, %v), want ok", status, err)
	}

	balances, _ := e.GetBalances(context.Background())
	if !balances["USDT"].Equal(d("400")) {
		t.Errorf("USDT = %s, want 400", balances["USDT"])
	}
}

func TestEmulatorWithdrawInsufficientBalance(t *testing.T) {
	e := newTestEmulator()

	_, err := e.Withdraw(context.Background(), "USDT", d("10000"), "0xdest")
	if err == nil {
		t.Fatal("expected error")
	}

	var connErr *ConnectorError
	if !errors.As(err, &connErr) || connErr.Code != "insufficient" {
		t.Errorf("error = %v, want ConnectorError insufficient", err)
	}

	// Баланс не тронут
	balances, _ := e.GetBalances(context.Background())
	if !balances["USDT"].Equal(d("500")) {
		t.Errorf("USDT = %s, want 500", balances["USDT"])
	}
}

func TestEmulatorWithdrawStatusUnknown(t *testing.T) {
	e := newTestEmulator()
	if _, err := e.WithdrawStatus(context.Background(), "EMU-WD-404"); err == nil {
		t.Error("expected error for unknown withdraw id")
	}
}

func TestSplitSymbol(t *testing.T) {
	tests := []struct {
		symbol string
		base   string
		quote  string
		ok     bool
	}{
		{"ORN-USDT", "ORN", "USDT", true},
		{"orn-usdt", "ORN", "USDT", true},
		{"ORN", "", "", false},
		{"-USDT", "", "", false},
		{"ORN-", "", "", false},
		{"", "", "", false},
	}
	for _, tt := range tests {
		base, quote, ok := splitSymbol(tt.symbol)
		if base != tt.base || quote != tt.quote || ok != tt.ok {
			t.Errorf("splitSymbol(%q) = (%s, %s, %v), want (%s, %s, %v)",
				tt.symbol, base, quote, ok, tt.base, tt.quote, tt.ok)
		}
	}
}
