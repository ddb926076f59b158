package broker

import (
	"sync"

	"github.com/shopspring/decimal"
)

// balancesCache - последние известные балансы бирж.
//
// Кэш принадлежит оркестратору и обновляется целиком после каждого прохода
// балансового цикла. Отдельно хранится последний отправленный агрегатору
// снимок: push уходит только при изменении.
type balancesCache struct {
	mu       sync.RWMutex
	current  map[string]map[string]decimal.Decimal
	lastSent map[string]map[string]decimal.Decimal
}

func newBalancesCache() *balancesCache {
	return &balancesCache{
		current: make(map[string]map[string]decimal.Decimal),
	}
}

// Update заменяет балансы одной биржи
func (c *balancesCache) Update(exchange string, balances map[string]decimal.Decimal) {
	copied := make(map[string]decimal.Decimal, len(balances))
	for currency, amount := range balances {
		copied[currency] = amount
	}

	c.mu.Lock()
	c.current[exchange] = copied
	c.mu.Unlock()
}

// Remove выбрасывает балансы отключённой биржи
func (c *balancesCache) Remove(exchange string) {
	c.mu.Lock()
	delete(c.current, exchange)
	c.mu.Unlock()
}

// Get возвращает баланс валюты на бирже; неизвестное - ноль
func (c *balancesCache) Get(exchange, currency string) decimal.Decimal {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if row, ok := c.current[exchange]; ok {
		if amount, ok := row[currency]; ok {
			return amount
		}
	}
	return decimal.Zero
}

// HasExchange - опрашивались ли уже балансы этой биржи
func (c *balancesCache) HasExchange(exchange string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.current[exchange]
	return ok
}

// Snapshot возвращает глубокую копию текущих балансов
func (c *balancesCache) Snapshot() map[string]map[string]decimal.Decimal {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return copySnapshot(c.current)
}

// SnapshotIfChanged возвращает снимок если он отличается от последнего
// отправленного
func (c *balancesCache) SnapshotIfChanged() (map[string]map[string]decimal.Decimal, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if snapshotsEqual(c.current, c.lastSent) {
		return nil, false
	}
	return copySnapshot(c.current), true
}

// MarkSent фиксирует успешно отправленный снимок
func (c *balancesCache) MarkSent(snapshot map[string]map[string]decimal.Decimal) {
	c.mu.Lock()
	c.lastSent = snapshot
	c.mu.Unlock()
}

func copySnapshot(src map[string]map[string]decimal.Decimal) map[string]map[string]decimal.Decimal {
	out := make(map[string]map[string]decimal.Decimal, len(src))
	for exchange, row := range src {
		copied := make(map[string]decimal.Decimal, len(row))
		for currency, amount := range row {
			copied[currency] = amount
		}
		out[exchange] = copied
	}
	return out
}

func snapshotsEqual(a, b map[string]map[string]decimal.Decimal) bool {
	if len(a) != len(b) {
		return false
	}
	for exchange, rowA := range a {
		rowB, ok := b[exchange]
		if !ok || len(rowA) != len(rowB) {
			return false
		}
		for currency, amountA := range rowA {
			amountB, ok := rowB[currency]
			if !ok || !amountA.Equal(amountB) {
				return false
			}
		}
	}
	return true
}
