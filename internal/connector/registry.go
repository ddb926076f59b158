package connector

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"broker/internal/models"
)

// Registry держит по одному коннектору на биржу
//
// Любой групповой вызов изолирован по биржам: исключение одной биржи не
// мешает результатам остальных. Fan-out возвращает map биржа->результат-или-
// ошибка вместо общего отказа. Каждый вызов ограничен callTimeout, чтобы
// зависшая биржа не останавливала весь проход.
type Registry struct {
	mu          sync.RWMutex
	connectors  map[string]Connector
	callTimeout time.Duration
}

// NewRegistry создает реестр коннекторов
func NewRegistry(callTimeout time.Duration) *Registry {
	return &Registry{
		connectors:  make(map[string]Connector),
		callTimeout: callTimeout,
	}
}

// Add регистрирует коннектор биржи
func (r *Registry) Add(c Connector) {
	r.mu.Lock()
	r.connectors[c.Name()] = c
	r.mu.Unlock()
}

// Remove удаляет коннектор и освобождает его ресурсы
func (r *Registry) Remove(exchange string) {
	r.mu.Lock()
	c, ok := r.connectors[exchange]
	if ok {
		delete(r.connectors, exchange)
	}
	r.mu.Unlock()

	if ok {
		c.Destroy()
	}
}

// Get возвращает коннектор биржи
func (r *Registry) Get(exchange string) (Connector, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.connectors[exchange]
	return c, ok
}

// Exchanges возвращает список подключенных бирж
func (r *Registry) Exchanges() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.connectors))
	for name := range r.connectors {
		out = append(out, name)
	}
	return out
}

// snapshot копирует map коннекторов под коротким RLock
func (r *Registry) snapshot() map[string]Connector {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]Connector, len(r.connectors))
	for name, c := range r.connectors {
		out[name] = c
	}
	return out
}

// BalancesResult - результат опроса балансов одной биржи
type BalancesResult struct {
	Balances map[string]decimal.Decimal
	Err      error
}

// FanOutBalances параллельно опрашивает балансы всех бирж
func (r *Registry) FanOutBalances(ctx context.Context) map[string]BalancesResult {
	connectors := r.snapshot()

	results := make(map[string]BalancesResult, len(connectors))
	var resultsMu sync.Mutex
	var wg sync.WaitGroup

	for name, c := range connectors {
		wg.Add(1)
		go func(name string, c Connector) {
			defer wg.Done()

			callCtx, cancel := context.WithTimeout(ctx, r.callTimeout)
			defer cancel()

			balances, err := c.GetBalances(callCtx)

			resultsMu.Lock()
			results[name] = BalancesResult{Balances: balances, Err: err}
			resultsMu.Unlock()
		}(name, c)
	}
	wg.Wait()

	return results
}

// FanOutCheck параллельно просит биржи проверить свои неразрешённые трейды.
// Результаты приходят через onTrade callback каждого коннектора.
func (r *Registry) FanOutCheck(ctx context.Context, byExchange map[string][]*models.Trade) {
	connectors := r.snapshot()

	var wg sync.WaitGroup
	for name, trades := range byExchange {
		c, ok := connectors[name]
		if !ok || len(trades) == 0 {
			continue
		}

		wg.Add(1)
		go func(c Connector, trades []*models.Trade) {
			defer wg.Done()

			callCtx, cancel := context.WithTimeout(ctx, r.callTimeout)
			defer cancel()

			c.CheckSubOrders(callCtx, trades)
		}(c, trades)
	}
	wg.Wait()
}

// DestroyAll освобождает все коннекторы (graceful shutdown)
func (r *Registry) DestroyAll() {
	r.mu.Lock()
	connectors := r.connectors
	r.connectors = make(map[string]Connector)
	r.mu.Unlock()

	for _, c := range connectors {
		c.Destroy()
	}
}
