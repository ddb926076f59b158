package broker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"broker/internal/aggregator"
	"broker/internal/blockchain"
	"broker/internal/config"
	"broker/internal/connector"
	"broker/internal/models"
)

// Ошибки оркестратора
var (
	// ErrPartialFill - частичное исполнение SUB-субордера. Протокол не
	// определяет обработку частичных исполнений: это жёсткая ошибка для
	// оператора, не авто-восстанавливаемая.
	ErrPartialFill = errors.New("partial fill on a plain suborder")

	ErrUnknownExchange = errors.New("exchange is not connected")
)

// SubOrderStore - персистентность субордеров
type SubOrderStore interface {
	Create(so *models.SubOrder) error
	GetByID(id int64) (*models.SubOrder, error)
	GetByExchangeOrderID(exchange, exchangeOrderID string) (*models.SubOrder, error)
	GetAll() ([]*models.SubOrder, error)
	GetOpen() ([]*models.SubOrder, error)
	GetUnacknowledged() ([]*models.SubOrder, error)
	UpdateStatus(id int64, status string, filledAmount decimal.Decimal) error
	SetExchangeOrderID(id int64, exchangeOrderID string) error
	MarkSent(id int64, sent bool) error
	UpdateWithTrade(id int64, status string, filledAmount decimal.Decimal, tradeID int64, tradeStatus string, tradePrice, tradeFilled decimal.Decimal) error
}

// TradeStore - персистентность биржевых трейдов
type TradeStore interface {
	Create(t *models.Trade) error
	GetByExchangeOrderID(exchange, exchangeOrderID string) (*models.Trade, error)
	GetByOrderID(orderID int64) ([]*models.Trade, error)
	GetPending() ([]*models.Trade, error)
	UpdateStatus(id int64, status string, price, filledAmount decimal.Decimal) error
}

// TransactionStore - персистентность blockchain-транзакций
type TransactionStore interface {
	Create(t *models.Transaction) error
	GetPending() ([]*models.Transaction, error)
	CountPending() (int, error)
	UpdateStatus(hash, status string) error
}

// WithdrawStore - персистентность биржевых выводов
type WithdrawStore interface {
	Create(w *models.Withdraw) error
	GetPending() ([]*models.Withdraw, error)
	CountPending() (int, error)
	UpdateStatus(id, status string) error
}

// Chain - операции клиента блокчейна расчётов
type Chain interface {
	Address() string
	BuildSignedOrder(ctx context.Context, symbol, side string, price, amount decimal.Decimal) (*blockchain.SignedOrder, error)
	Deposit(ctx context.Context, amount decimal.Decimal) (string, error)
	DepositAsset(ctx context.Context, asset string, amount decimal.Decimal) (string, error)
	Withdraw(ctx context.Context, asset string, amount decimal.Decimal) (string, error)
	Approve(ctx context.Context, asset string, amount decimal.Decimal) (string, error)
	LockStake(ctx context.Context, amount decimal.Decimal) (string, error)
	RequestReleaseStake(ctx context.Context) (string, error)
	GetTransactionStatus(ctx context.Context, hash string) (string, error)
	GetLiabilities(ctx context.Context) ([]models.Liability, error)
	GetWalletBalance(ctx context.Context, asset string) (decimal.Decimal, error)
}

// AggregatorLink - исходящая сторона соединения с агрегатором
type AggregatorLink interface {
	IsRegistered() bool
	SendStatus(msg *aggregator.SubOrderStatusMessage) error
	SendBalances(msg *aggregator.BalancesMessage) error
}

// Notifier - fire-and-forget уведомления дашборда об изменениях субордеров
type Notifier interface {
	NotifySubOrder(so *models.SubOrder)
}

// Stores - набор репозиториев оркестратора
type Stores struct {
	SubOrders    SubOrderStore
	Trades       TradeStore
	Transactions TransactionStore
	Withdraws    WithdrawStore
}

// Broker - оркестратор: state machine субордеров и циклы сверки.
//
// Единственный владелец изменяемого состояния. Коннекторы и клиенты
// протокола/блокчейна только сообщают факты наверх; все записи в БД
// делает оркестратор.
type Broker struct {
	cfg    *config.Config
	log    *zap.Logger
	stores Stores

	registry *connector.Registry
	chain    Chain

	aggMu sync.RWMutex
	agg   AggregatorLink

	notifierMu sync.RWMutex
	notifier   Notifier

	balances *balancesCache

	// Флаги занятости циклов: итерация пропускается, если предыдущая
	// ещё не завершилась
	statusBusy    int32
	balanceBusy   int32
	withdrawBusy  int32
	txBusy        int32
	liabilityBusy int32

	closeChan chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New создает оркестратор
func New(cfg *config.Config, stores Stores, registry *connector.Registry, chain Chain, log *zap.Logger) *Broker {
	return &Broker{
		cfg:       cfg,
		log:       log.Named("broker"),
		stores:    stores,
		registry:  registry,
		chain:     chain,
		balances:  newBalancesCache(),
		closeChan: make(chan struct{}),
	}
}

// SetAggregator подключает исходящую сторону соединения с агрегатором
func (b *Broker) SetAggregator(link AggregatorLink) {
	b.aggMu.Lock()
	b.agg = link
	b.aggMu.Unlock()
}

func (b *Broker) aggregator() AggregatorLink {
	b.aggMu.RLock()
	defer b.aggMu.RUnlock()
	return b.agg
}

// SetNotifier подключает уведомления дашборда
func (b *Broker) SetNotifier(n Notifier) {
	b.notifierMu.Lock()
	b.notifier = n
	b.notifierMu.Unlock()
}

func (b *Broker) notify(so *models.SubOrder) {
	b.notifierMu.RLock()
	n := b.notifier
	b.notifierMu.RUnlock()
	if n != nil {
		n.NotifySubOrder(so)
	}
}

// Balances возвращает снимок последних известных балансов бирж
func (b *Broker) Balances() map[string]map[string]decimal.Decimal {
	return b.balances.Snapshot()
}

// OnRegistered вызывается после успешной регистрации у агрегатора.
// Сбрасывает последний отправленный снимок балансов: новое соединение
// ничего о нас не знает, первый же балансовый тик отправит полный снимок.
func (b *Broker) OnRegistered() {
	b.balances.MarkSent(nil)
}

// Start запускает циклы сверки
func (b *Broker) Start() {
	b.startLoop("status_resend", b.cfg.Broker.StatusResendInterval, &b.statusBusy, b.statusTick)
	b.startLoop("balances", b.cfg.Broker.BalancePollInterval, &b.balanceBusy, b.balanceTick)
	b.startLoop("withdraws", b.cfg.Broker.WithdrawPollInterval, &b.withdrawBusy, b.withdrawTick)
	b.startLoop("transactions", b.cfg.Broker.TxPollInterval, &b.txBusy, b.transactionTick)
	b.startLoop("liabilities", b.cfg.Broker.LiabilityScanInterval, &b.liabilityBusy, b.liabilityTick)

	b.log.Info("reconciliation loops started")
}

// Stop останавливает циклы и дожидается завершения текущих итераций
func (b *Broker) Stop() {
	b.closeOnce.Do(func() {
		close(b.closeChan)
	})
	b.wg.Wait()
}

// startLoop - повторяющаяся задача с защитой от наложения итераций.
// Если итерация не уложилась в период (медленная биржа, сеть), следующий
// тик пропускается, а не ставится в очередь.
func (b *Broker) startLoop(name string, interval time.Duration, busy *int32, tick func(ctx context.Context)) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-b.closeChan:
				return
			case <-ticker.C:
				if !atomic.CompareAndSwapInt32(busy, 0, 1) {
					LoopSkips.WithLabelValues(name).Inc()
					continue
				}
				b.runTick(name, busy, tick)
			}
		}
	}()
}

// runTick выполняет одну итерацию цикла. Паника итерации гасится:
// одна ошибка не должна останавливать будущие тики.
func (b *Broker) runTick(name string, busy *int32, tick func(ctx context.Context)) {
	defer atomic.StoreInt32(busy, 0)
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("loop tick panic", zap.String("loop", name), zap.Any("panic", r))
		}
	}()

	start := time.Now()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tick(ctx)

	LoopTicks.WithLabelValues(name).Inc()
	LoopDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
}

// callCtx - контекст одного вызова коннектора
func (b *Broker) callCtx(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, b.cfg.Broker.CallTimeout)
}
