package broker

import (
	"testing"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestBalancesCacheGet(t *testing.T) {
	c := newBalancesCache()
	c.Update("bitmax", map[string]decimal.Decimal{"USDT": d("100.5"), "ORN": d("7")})

	if got := c.Get("bitmax", "USDT"); !got.Equal(d("100.5")) {
		t.Errorf("Get(bitmax, USDT) = %s, want 100.5", got)
	}

	// Неизвестная валюта и неизвестная биржа - ноль
	if got := c.Get("bitmax", "BTC"); !got.IsZero() {
		t.Errorf("Get(bitmax, BTC) = %s, want 0", got)
	}
	if got := c.Get("kucoin", "USDT"); !got.IsZero() {
		t.Errorf("Get(kucoin, USDT) = %s, want 0", got)
	}
}

func TestBalancesCacheSnapshotIfChanged(t *testing.T) {
	c := newBalancesCache()
	c.Update("bitmax", map[string]decimal.Decimal{"USDT": d("100")})

	snapshot, changed := c.SnapshotIfChanged()
	if !changed {
		t.Fatal("first snapshot should be reported as changed")
	}
	c.MarkSent(snapshot)

	// Ничего не поменялось - push не нужен
	if _, changed := c.SnapshotIfChanged(); changed {
		t.Error("unchanged cache reported as changed")
	}

	// Эквивалентное значение в другом представлении - тоже не изменение
	c.Update("bitmax", map[string]decimal.Decimal{"USDT": d("100.00")})
	if _, changed := c.SnapshotIfChanged(); changed {
		t.Error("numerically equal balance reported as changed")
	}

	c.Update("bitmax", map[string]decimal.Decimal{"USDT": d("99")})
	if _, changed := c.SnapshotIfChanged(); !changed {
		t.Error("changed balance not reported")
	}
}

func TestBalancesCacheMarkSentNilForcesPush(t *testing.T) {
	c := newBalancesCache()
	c.Update("bitmax", map[string]decimal.Decimal{"USDT": d("100")})

	snapshot, _ := c.SnapshotIfChanged()
	c.MarkSent(snapshot)

	// Сброс последнего снимка (повторная регистрация у агрегатора)
	// заставляет следующий тик отправить полный снимок
	c.MarkSent(nil)
	if _, changed := c.SnapshotIfChanged(); !changed {
		t.Error("cache after MarkSent(nil) should report changed")
	}
}

func TestBalancesCacheRemove(t *testing.T) {
	c := newBalancesCache()
	c.Update("bitmax", map[string]decimal.Decimal{"USDT": d("100")})
	c.Remove("bitmax")

	if got := c.Get("bitmax", "USDT"); !got.IsZero() {
		t.Errorf("Get after Remove = %s, want 0", got)
	}
	if len(c.Snapshot()) != 0 {
		t.Error("snapshot after Remove should be empty")
	}
}

func TestBalancesCacheSnapshotIsolation(t *testing.T) {
	c := newBalancesCache()
	c.Update("bitmax", map[string]decimal.Decimal{"USDT": d("100")})

	snapshot := c.Snapshot()
	snapshot["bitmax"]["USDT"] = d("1")

	if got := c.Get("bitmax", "USDT"); !got.Equal(d("100")) {
		t.Error("mutating a snapshot must not affect the cache")
	}
}
