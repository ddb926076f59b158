package broker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"broker/internal/aggregator"
	"broker/internal/blockchain"
	"broker/internal/config"
	"broker/internal/connector"
	"broker/internal/models"
	"broker/internal/repository"
)

// ============================================================
// In-memory фейки хранилищ и внешних систем
// ============================================================

type fakeStores struct {
	subOrders *fakeSubOrderStore
	trades    *fakeTradeStore
}

type fakeSubOrderStore struct {
	mu     sync.Mutex
	orders map[int64]*models.SubOrder
	trades *fakeTradeStore
}

func newFakeStores() *fakeStores {
	trades := &fakeTradeStore{trades: make(map[int64]*models.Trade)}
	return &fakeStores{
		subOrders: &fakeSubOrderStore{orders: make(map[int64]*models.SubOrder), trades: trades},
		trades:    trades,
	}
}

func (s *fakeSubOrderStore) Create(so *models.SubOrder) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[so.ID]; ok {
		return fmt.Errorf("duplicate suborder %d", so.ID)
	}
	cp := *so
	s.orders[so.ID] = &cp
	return nil
}

func (s *fakeSubOrderStore) GetByID(id int64) (*models.SubOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	so, ok := s.orders[id]
	if !ok {
		return nil, repository.ErrSubOrderNotFound
	}
	cp := *so
	return &cp, nil
}

func (s *fakeSubOrderStore) GetByExchangeOrderID(exchange, exchangeOrderID string) (*models.SubOrder, error) {
	trade, err := s.trades.GetByExchangeOrderID(exchange, exchangeOrderID)
	if err != nil {
		return nil, repository.ErrSubOrderNotFound
	}
	return s.GetByID(trade.OrderID)
}

func (s *fakeSubOrderStore) GetAll() ([]*models.SubOrder, error) {
	return s.filter(func(*models.SubOrder) bool { return true }), nil
}

func (s *fakeSubOrderStore) GetOpen() ([]*models.SubOrder, error) {
	return s.filter(func(so *models.SubOrder) bool { return !so.IsTerminal() }), nil
}

func (s *fakeSubOrderStore) GetUnacknowledged() ([]*models.SubOrder, error) {
	return s.filter(func(so *models.SubOrder) bool { return !so.SentToAggregator }), nil
}

func (s *fakeSubOrderStore) filter(keep func(*models.SubOrder) bool) []*models.SubOrder {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.SubOrder
	for _, so := range s.orders {
		if keep(so) {
			cp := *so
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *fakeSubOrderStore) UpdateStatus(id int64, status string, filledAmount decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	so, ok := s.orders[id]
	if !ok {
		return repository.ErrSubOrderNotFound
	}
	so.Status = status
	so.FilledAmount = filledAmount
	so.SentToAggregator = false
	return nil
}

func (s *fakeSubOrderStore) SetExchangeOrderID(id int64, exchangeOrderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	so, ok := s.orders[id]
	if !ok {
		return repository.ErrSubOrderNotFound
	}
	so.ExchangeOrderID.String = exchangeOrderID
	so.ExchangeOrderID.Valid = true
	return nil
}

func (s *fakeSubOrderStore) MarkSent(id int64, sent bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	so, ok := s.orders[id]
	if !ok {
		return repository.ErrSubOrderNotFound
	}
	so.SentToAggregator = sent
	return nil
}

func (s *fakeSubOrderStore) UpdateWithTrade(id int64, status string, filledAmount decimal.Decimal, tradeID int64, tradeStatus string, tradePrice, tradeFilled decimal.Decimal) error {
	if err := s.UpdateStatus(id, status, filledAmount); err != nil {
		return err
	}
	return s.trades.UpdateStatus(tradeID, tradeStatus, tradePrice, tradeFilled)
}

type fakeTradeStore struct {
	mu     sync.Mutex
	nextID int64
	trades map[int64]*models.Trade
}

func (s *fakeTradeStore) Create(t *models.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	t.ID = s.nextID
	cp := *t
	s.trades[t.ID] = &cp
	return nil
}

func (s *fakeTradeStore) GetByExchangeOrderID(exchange, exchangeOrderID string) (*models.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.trades {
		if t.Exchange == exchange && t.ExchangeOrderID == exchangeOrderID {
			cp := *t
			return &cp, nil
		}
	}
	return nil, repository.ErrTradeNotFound
}

func (s *fakeTradeStore) GetByOrderID(orderID int64) ([]*models.Trade, error) {
	return s.filter(func(t *models.Trade) bool { return t.OrderID == orderID }), nil
}

func (s *fakeTradeStore) GetPending() ([]*models.Trade, error) {
	return s.filter(func(t *models.Trade) bool { return t.Status == models.TradeStatusPending }), nil
}

func (s *fakeTradeStore) filter(keep func(*models.Trade) bool) []*models.Trade {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.Trade
	for _, t := range s.trades {
		if keep(t) {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *fakeTradeStore) UpdateStatus(id int64, status string, price, filledAmount decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.trades[id]
	if !ok {
		return repository.ErrTradeNotFound
	}
	t.Status = status
	t.Price = price
	t.FilledAmount = filledAmount
	return nil
}

type fakeTransactionStore struct {
	mu  sync.Mutex
	txs map[string]*models.Transaction
}

func newFakeTransactionStore() *fakeTransactionStore {
	return &fakeTransactionStore{txs: make(map[string]*models.Transaction)}
}

func (s *fakeTransactionStore) Create(t *models.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.txs[t.TransactionHash] = &cp
	return nil
}

func (s *fakeTransactionStore) GetPending() ([]*models.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Transaction
	for _, t := range s.txs {
		if t.Status == models.TxStatusPending {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *fakeTransactionStore) CountPending() (int, error) {
	pending, _ := s.GetPending()
	return len(pending), nil
}

func (s *fakeTransactionStore) UpdateStatus(hash, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.txs[hash]
	if !ok {
		return fmt.Errorf("unknown transaction %s", hash)
	}
	t.Status = status
	return nil
}

type fakeWithdrawStore struct {
	mu        sync.Mutex
	withdraws map[string]*models.Withdraw
}

func newFakeWithdrawStore() *fakeWithdrawStore {
	return &fakeWithdrawStore{withdraws: make(map[string]*models.Withdraw)}
}

func (s *fakeWithdrawStore) Create(w *models.Withdraw) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *w
	s.withdraws[w.ExchangeWithdrawID] = &cp
	return nil
}

func (s *fakeWithdrawStore) GetPending() ([]*models.Withdraw, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Withdraw
	for _, w := range s.withdraws {
		if w.Status == models.WithdrawStatusPending {
			cp := *w
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *fakeWithdrawStore) CountPending() (int, error) {
	pending, _ := s.GetPending()
	return len(pending), nil
}

func (s *fakeWithdrawStore) UpdateStatus(id, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.withdraws[id]
	if !ok {
		return fmt.Errorf("unknown withdraw %s", id)
	}
	w.Status = status
	return nil
}

// chainCall - одна денежная операция, записанная фейковым клиентом блокчейна
type chainCall struct {
	method string
	asset  string
	amount decimal.Decimal
	price  decimal.Decimal
}

type fakeChain struct {
	mu sync.Mutex

	walletBalances map[string]decimal.Decimal
	liabilities    []models.Liability
	txStatuses     map[string]string

	calls   []chainCall
	hashSeq int

	signErr error
	signed  []chainCall
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		walletBalances: make(map[string]decimal.Decimal),
		txStatuses:     make(map[string]string),
	}
}

func (c *fakeChain) Address() string { return "0x00000000000000000000000000000000000000aa" }

func (c *fakeChain) BuildSignedOrder(_ context.Context, symbol, side string, price, amount decimal.Decimal) (*blockchain.SignedOrder, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.signErr != nil {
		return nil, c.signErr
	}
	c.signed = append(c.signed, chainCall{method: side, asset: symbol, amount: amount, price: price})
	return &blockchain.SignedOrder{}, nil
}

func (c *fakeChain) record(method, asset string, amount decimal.Decimal) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hashSeq++
	c.calls = append(c.calls, chainCall{method: method, asset: asset, amount: amount})
	return fmt.Sprintf("0xhash%d", c.hashSeq), nil
}

func (c *fakeChain) Deposit(_ context.Context, amount decimal.Decimal) (string, error) {
	return c.record(models.TxMethodDeposit, "", amount)
}

func (c *fakeChain) DepositAsset(_ context.Context, asset string, amount decimal.Decimal) (string, error) {
	return c.record(models.TxMethodDepositAsset, asset, amount)
}

func (c *fakeChain) Withdraw(_ context.Context, asset string, amount decimal.Decimal) (string, error) {
	return c.record(models.TxMethodWithdraw, asset, amount)
}

func (c *fakeChain) Approve(_ context.Context, asset string, amount decimal.Decimal) (string, error) {
	return c.record(models.TxMethodApprove, asset, amount)
}

func (c *fakeChain) LockStake(_ context.Context, amount decimal.Decimal) (string, error) {
	return c.record(models.TxMethodLockStake, "", amount)
}

func (c *fakeChain) RequestReleaseStake(_ context.Context) (string, error) {
	return c.record(models.TxMethodRequestReleaseStake, "", decimal.Zero)
}

func (c *fakeChain) GetTransactionStatus(_ context.Context, hash string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if status, ok := c.txStatuses[hash]; ok {
		return status, nil
	}
	// Неизвестный хеш - как у gateway: записи в сети нет
	return "", blockchain.ErrTxNotFound
}

func (c *fakeChain) GetLiabilities(_ context.Context) ([]models.Liability, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.Liability(nil), c.liabilities...), nil
}

func (c *fakeChain) GetWalletBalance(_ context.Context, asset string) (decimal.Decimal, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.walletBalances[asset]; ok {
		return v, nil
	}
	return decimal.Zero, nil
}

func (c *fakeChain) moneyCalls() []chainCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]chainCall(nil), c.calls...)
}

type fakeAgg struct {
	mu         sync.Mutex
	registered bool
	sendErr    error
	statusErrs map[int64]error
	statuses   []*aggregator.SubOrderStatusMessage
	balances   []*aggregator.BalancesMessage
}

func (a *fakeAgg) IsRegistered() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.registered
}

func (a *fakeAgg) SendStatus(msg *aggregator.SubOrderStatusMessage) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sendErr != nil {
		return a.sendErr
	}
	if err, ok := a.statusErrs[msg.ID]; ok {
		return err
	}
	a.statuses = append(a.statuses, msg)
	return nil
}

func (a *fakeAgg) SendBalances(msg *aggregator.BalancesMessage) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sendErr != nil {
		return a.sendErr
	}
	a.balances = append(a.balances, msg)
	return nil
}

func (a *fakeAgg) sentStatuses() []*aggregator.SubOrderStatusMessage {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*aggregator.SubOrderStatusMessage(nil), a.statuses...)
}

type fakeConnector struct {
	name string

	mu        sync.Mutex
	seq       int
	submits   []connector.SubmitRequest
	submitErr error

	cancels chan *models.Trade
	// Открытый канал блокирует CancelSubOrder до его закрытия
	cancelBlock chan struct{}

	balances    map[string]decimal.Decimal
	balancesErr error

	withdrawLimit    *connector.WithdrawLimit
	withdrawLimitErr error
	withdrawErr      error
	withdrawCalls    []chainCall
	withdrawStatuses map[string]string

	onTrade func(models.TradeUpdate)
}

func newFakeConnector(name string) *fakeConnector {
	return &fakeConnector{
		name:             name,
		cancels:          make(chan *models.Trade, 8),
		balances:         make(map[string]decimal.Decimal),
		withdrawStatuses: make(map[string]string),
	}
}

func (f *fakeConnector) Name() string { return f.name }

func (f *fakeConnector) SubmitSubOrder(_ context.Context, req connector.SubmitRequest) (*models.Trade, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	f.seq++
	f.submits = append(f.submits, req)
	return &models.Trade{
		Exchange:        f.name,
		ExchangeOrderID: fmt.Sprintf("EX-%d", f.seq),
		Symbol:          req.Symbol,
		SymbolAlias:     req.SymbolAlias,
		Price:           req.Price,
		Amount:          req.Amount,
		Side:            req.Side,
		Type:            req.Type,
		Status:          models.TradeStatusPending,
		Timestamp:       time.Now(),
		OrderID:         req.SubOrderID,
	}, nil
}

func (f *fakeConnector) CancelSubOrder(_ context.Context, trade *models.Trade) (bool, error) {
	f.cancels <- trade
	if f.cancelBlock != nil {
		<-f.cancelBlock
	}
	return true, nil
}

func (f *fakeConnector) GetBalances(_ context.Context) (map[string]decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.balancesErr != nil {
		return nil, f.balancesErr
	}
	out := make(map[string]decimal.Decimal, len(f.balances))
	for k, v := range f.balances {
		out[k] = v
	}
	return out, nil
}

func (f *fakeConnector) CheckSubOrders(_ context.Context, _ []*models.Trade) {}

func (f *fakeConnector) Withdraw(_ context.Context, currency string, amount decimal.Decimal, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.withdrawErr != nil {
		return "", f.withdrawErr
	}
	f.withdrawCalls = append(f.withdrawCalls, chainCall{method: "withdraw", asset: currency, amount: amount})
	id := fmt.Sprintf("WD-%d", len(f.withdrawCalls))
	f.withdrawStatuses[id] = models.WithdrawStatusPending
	return id, nil
}

func (f *fakeConnector) WithdrawStatus(_ context.Context, withdrawID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	status, ok := f.withdrawStatuses[withdrawID]
	if !ok {
		return "", fmt.Errorf("unknown withdraw %s", withdrawID)
	}
	return status, nil
}

func (f *fakeConnector) WithdrawLimit(_ context.Context, _ string) (*connector.WithdrawLimit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.withdrawLimitErr != nil {
		return nil, f.withdrawLimitErr
	}
	return f.withdrawLimit, nil
}

func (f *fakeConnector) SetOnTradeListener(cb func(models.TradeUpdate)) {
	f.mu.Lock()
	f.onTrade = cb
	f.mu.Unlock()
}

func (f *fakeConnector) Destroy() {}

func (f *fakeConnector) submitted() []connector.SubmitRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]connector.SubmitRequest(nil), f.submits...)
}

// ============================================================
// Сборка тестового оркестратора
// ============================================================

type testEnv struct {
	broker    *Broker
	subOrders *fakeSubOrderStore
	trades    *fakeTradeStore
	txs       *fakeTransactionStore
	withdraws *fakeWithdrawStore
	chain     *fakeChain
	conn      *fakeConnector
	agg       *fakeAgg
}

func testConfig() *config.Config {
	return &config.Config{
		Blockchain: config.BlockchainConfig{
			GasAsset:  "ETH",
			GasBuffer: decimal.RequireFromString("0.05"),
		},
		Broker: config.BrokerConfig{
			CallTimeout:          time.Second,
			LiabilityGracePeriod: time.Hour,
		},
	}
}

func newTestEnv() *testEnv {
	stores := newFakeStores()
	txs := newFakeTransactionStore()
	withdraws := newFakeWithdrawStore()
	chain := newFakeChain()
	agg := &fakeAgg{registered: true}

	conn := newFakeConnector("bitmax")
	registry := connector.NewRegistry(time.Second)
	registry.Add(conn)

	b := New(testConfig(), Stores{
		SubOrders:    stores.subOrders,
		Trades:       stores.trades,
		Transactions: txs,
		Withdraws:    withdraws,
	}, registry, chain, zap.NewNop())
	b.SetAggregator(agg)

	return &testEnv{
		broker:    b,
		subOrders: stores.subOrders,
		trades:    stores.trades,
		txs:       txs,
		withdraws: withdraws,
		chain:     chain,
		conn:      conn,
		agg:       agg,
	}
}

// subRequest - обычный SUB-субордер: продать 10 ORN по 5 USDT на bitmax
func subRequest(id int64) aggregator.SubOrderRequest {
	return aggregator.SubOrderRequest{
		ID:        id,
		Symbol:    "ORN-USDT",
		Side:      models.SideSell,
		Price:     d("5"),
		Amount:    d("10"),
		Exchange:  "bitmax",
		OrderType: models.OrderTypeSub,
	}
}

func swapRequest(id int64, symbol string) aggregator.SubOrderRequest {
	return aggregator.SubOrderRequest{
		ID:         id,
		Symbol:     symbol,
		Side:       models.SideSell,
		Price:      d("0.0002"),
		Amount:     d("100"),
		Exchange:   "bitmax",
		OrderType:  models.OrderTypeSwap,
		CurrentDev: decimal.NewNullDecimal(d("0.01")),
		SellPrice:  decimal.NewNullDecimal(d("0.5")),
		BuyPrice:   decimal.NewNullDecimal(d("2000")),
	}
}
