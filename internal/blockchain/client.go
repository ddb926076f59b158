package blockchain

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"broker/internal/models"
	"broker/pkg/retry"
)

// Ошибки blockchain-клиента
var (
	ErrTxNotFound    = errors.New("transaction not found on chain")
	ErrAssetUnknown  = errors.New("unknown asset")
	ErrGatewayStatus = errors.New("gateway returned error status")
)

// Срок жизни подписанного ордера
const orderExpiration = 29 * 24 * time.Hour

// matcherFeeRate - комиссия матчера, начисляется в quote-активе
var matcherFeeRate = decimal.RequireFromString("0.002")

// Client - клиент блокчейна расчётов
//
// Собственной ноды у брокера нет: все операции идут через внешний
// blockchain-gateway HTTP сервис. Клиент подписывает ордера и транзакции
// локально (ключ только в памяти) и отдаёт их gateway на отправку.
type Client struct {
	gatewayURL     string
	matcherAddress string
	signer         *Signer
	httpClient     *http.Client

	// Кэш адресов ERC20-активов, загружается из gateway один раз
	assetsMu sync.RWMutex
	assets   map[string]string

	readRetry retry.Config
}

// NewClient создает blockchain-клиент
func NewClient(gatewayURL, matcherAddress string, signer *Signer, httpClient *http.Client) *Client {
	readRetry := retry.ConservativeConfig()
	readRetry.RetryIf = retry.IsRetryable

	return &Client{
		gatewayURL:     strings.TrimRight(gatewayURL, "/"),
		matcherAddress: matcherAddress,
		signer:         signer,
		httpClient:     httpClient,
		assets:         make(map[string]string),
		readRetry:      readRetry,
	}
}

// Address возвращает адрес кошелька брокера
func (c *Client) Address() string {
	return c.signer.Address()
}

// PublicKey возвращает публичный ключ брокера
func (c *Client) PublicKey() string {
	return c.signer.PublicKey()
}

// SignRegistration подписывает регистрационное сообщение для агрегатора:
// keccak256(address ‖ timestamp)
func (c *Client) SignRegistration(timestamp int64) (string, error) {
	message := fmt.Sprintf("%s:%d", c.Address(), timestamp)
	return c.signer.SignMessage([]byte(message))
}

// SignedOrder - подписанный ордер расчётов, передаётся агрегатору для
// исполнения на контракте
type SignedOrder struct {
	SenderAddress   string `json:"senderAddress"`
	MatcherAddress  string `json:"matcherAddress"`
	BaseAsset       string `json:"baseAsset"`
	QuoteAsset      string `json:"quoteAsset"`
	MatcherFeeAsset string `json:"matcherFeeAsset"`
	Amount          uint64 `json:"amount"`
	Price           uint64 `json:"price"`
	MatcherFee      uint64 `json:"matcherFee"`
	Nonce           uint64 `json:"nonce"`
	Expiration      uint64 `json:"expiration"`
	BuySide         uint8  `json:"buySide"`
	Signature       string `json:"signature"`
}

// BuildSignedOrder собирает и подписывает ордер расчётов по исполненному
// субордеру. Суммы квантуются в базовые единицы контракта до подписи.
func (c *Client) BuildSignedOrder(ctx context.Context, symbol, side string, price, amount decimal.Decimal) (*SignedOrder, error) {
	parts := strings.SplitN(symbol, "-", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("bad symbol %q", symbol)
	}

	baseAsset, err := c.assetAddress(ctx, parts[0])
	if err != nil {
		return nil, err
	}
	quoteAsset, err := c.assetAddress(ctx, parts[1])
	if err != nil {
		return nil, err
	}

	amountUnits, err := ToBaseUnitsUint64(amount)
	if err != nil {
		return nil, err
	}
	priceUnits, err := ToBaseUnitsUint64(price)
	if err != nil {
		return nil, err
	}
	feeUnits, err := ToBaseUnitsUint64(amount.Mul(price).Mul(matcherFeeRate))
	if err != nil {
		return nil, err
	}

	var buySide uint8
	if side == models.SideBuy {
		buySide = 1
	}

	now := time.Now()
	payload := OrderPayload{
		SenderAddress:   c.Address(),
		MatcherAddress:  c.matcherAddress,
		BaseAsset:       baseAsset,
		QuoteAsset:      quoteAsset,
		MatcherFeeAsset: quoteAsset,
		Amount:          amountUnits,
		Price:           priceUnits,
		MatcherFee:      feeUnits,
		Nonce:           uint64(now.UnixMilli()),
		Expiration:      uint64(now.Add(orderExpiration).UnixMilli()),
		BuySide:         buySide,
	}

	signature, err := c.signer.SignOrder(payload)
	if err != nil {
		return nil, err
	}

	return &SignedOrder{
		SenderAddress:   payload.SenderAddress,
		MatcherAddress:  payload.MatcherAddress,
		BaseAsset:       payload.BaseAsset,
		QuoteAsset:      payload.QuoteAsset,
		MatcherFeeAsset: payload.MatcherFeeAsset,
		Amount:          payload.Amount,
		Price:           payload.Price,
		MatcherFee:      payload.MatcherFee,
		Nonce:           payload.Nonce,
		Expiration:      payload.Expiration,
		BuySide:         payload.BuySide,
		Signature:       signature,
	}, nil
}

// SendTransaction отправляет подписанную операцию контракта через gateway.
// Не повторяется автоматически: повтор денежной операции может продублировать
// перевод.
func (c *Client) SendTransaction(ctx context.Context, method, asset string, amount decimal.Decimal) (string, error) {
	payload := map[string]interface{}{
		"method": method,
		"asset":  strings.ToUpper(asset),
		"amount": ToBaseUnits(amount).String(),
		"sender": c.Address(),
	}

	var data struct {
		TransactionHash string `json:"transactionHash"`
	}
	if err := c.doRequest(ctx, http.MethodPost, "/api/transactions", payload, &data); err != nil {
		return "", err
	}
	if data.TransactionHash == "" {
		return "", fmt.Errorf("gateway returned no transaction hash")
	}
	return data.TransactionHash, nil
}

// Deposit вносит газовый актив на контракт
func (c *Client) Deposit(ctx context.Context, amount decimal.Decimal) (string, error) {
	return c.SendTransaction(ctx, models.TxMethodDeposit, "", amount)
}

// DepositAsset вносит ERC20-актив на контракт
func (c *Client) DepositAsset(ctx context.Context, asset string, amount decimal.Decimal) (string, error) {
	return c.SendTransaction(ctx, models.TxMethodDepositAsset, asset, amount)
}

// Withdraw выводит актив с контракта на кошелёк
func (c *Client) Withdraw(ctx context.Context, asset string, amount decimal.Decimal) (string, error) {
	return c.SendTransaction(ctx, models.TxMethodWithdraw, asset, amount)
}

// Approve разрешает контракту списывать ERC20-актив
func (c *Client) Approve(ctx context.Context, asset string, amount decimal.Decimal) (string, error) {
	return c.SendTransaction(ctx, models.TxMethodApprove, asset, amount)
}

// LockStake блокирует стейк брокера
func (c *Client) LockStake(ctx context.Context, amount decimal.Decimal) (string, error) {
	return c.SendTransaction(ctx, models.TxMethodLockStake, "", amount)
}

// RequestReleaseStake запрашивает разблокировку стейка
func (c *Client) RequestReleaseStake(ctx context.Context) (string, error) {
	return c.SendTransaction(ctx, models.TxMethodRequestReleaseStake, "", decimal.Zero)
}

// GetTransactionStatus возвращает статус транзакции.
// ErrTxNotFound - on-chain записи нет (ещё или уже).
func (c *Client) GetTransactionStatus(ctx context.Context, hash string) (string, error) {
	var data struct {
		Status string `json:"status"` // PENDING | OK | FAIL
	}
	err := retry.Do(ctx, func() error {
		return c.doRequest(ctx, http.MethodGet, "/api/transactions/"+hash, nil, &data)
	}, c.readRetry)
	if err != nil {
		if errors.Is(err, ErrTxNotFound) {
			return "", ErrTxNotFound
		}
		return "", err
	}
	return data.Status, nil
}

// GetLiabilities читает текущие обязательства брокера перед контрактом
func (c *Client) GetLiabilities(ctx context.Context) ([]models.Liability, error) {
	var data []struct {
		Asset             string `json:"asset"`
		Timestamp         int64  `json:"timestamp"`
		OutstandingAmount string `json:"outstandingAmount"`
	}
	err := retry.Do(ctx, func() error {
		return c.doRequest(ctx, http.MethodGet, "/api/liabilities/"+c.Address(), nil, &data)
	}, c.readRetry)
	if err != nil {
		return nil, err
	}

	out := make([]models.Liability, 0, len(data))
	for _, row := range data {
		amount, err := decimal.NewFromString(row.OutstandingAmount)
		if err != nil {
			return nil, fmt.Errorf("bad liability amount %q: %w", row.OutstandingAmount, err)
		}
		out = append(out, models.Liability{
			Asset:             strings.ToUpper(row.Asset),
			Timestamp:         time.UnixMilli(row.Timestamp),
			OutstandingAmount: FromBaseUnits(ToBaseUnits(amount)),
		})
	}
	return out, nil
}

// GetWalletBalance возвращает баланс кошелька брокера в активе
func (c *Client) GetWalletBalance(ctx context.Context, asset string) (decimal.Decimal, error) {
	var data struct {
		Balance string `json:"balance"`
	}
	err := retry.Do(ctx, func() error {
		return c.doRequest(ctx, http.MethodGet, "/api/balance/"+c.Address()+"?asset="+strings.ToUpper(asset), nil, &data)
	}, c.readRetry)
	if err != nil {
		return decimal.Zero, err
	}

	balance, err := decimal.NewFromString(data.Balance)
	if err != nil {
		return decimal.Zero, fmt.Errorf("bad balance %q: %w", data.Balance, err)
	}
	return balance, nil
}

// assetAddress резолвит символ актива в адрес контракта актива (с кэшем)
func (c *Client) assetAddress(ctx context.Context, symbol string) (string, error) {
	symbol = strings.ToUpper(symbol)

	c.assetsMu.RLock()
	addr, ok := c.assets[symbol]
	c.assetsMu.RUnlock()
	if ok {
		return addr, nil
	}

	var data map[string]string
	err := retry.Do(ctx, func() error {
		return c.doRequest(ctx, http.MethodGet, "/api/assets", nil, &data)
	}, c.readRetry)
	if err != nil {
		return "", err
	}

	c.assetsMu.Lock()
	for name, address := range data {
		c.assets[strings.ToUpper(name)] = address
	}
	addr, ok = c.assets[symbol]
	c.assetsMu.Unlock()

	if !ok {
		return "", fmt.Errorf("%w: %s", ErrAssetUnknown, symbol)
	}
	return addr, nil
}

// doRequest выполняет HTTP запрос к gateway
func (c *Client) doRequest(ctx context.Context, method, path string, body, out interface{}) error {
	var reqBody io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.gatewayURL+path, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return retry.Permanent(ErrTxNotFound)
	}
	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: %d %s", ErrGatewayStatus, resp.StatusCode, string(raw))
	}

	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
