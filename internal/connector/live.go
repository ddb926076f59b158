package connector

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"broker/internal/models"
)

// Live - адаптер живой биржи поверх её REST API
//
// Все адаптеры ходят через общий pooled HTTP клиент. Подпись запросов -
// HMAC-SHA256 от "timestamp+path", в заголовках ключ/подпись/время.
type Live struct {
	name    string
	baseURL string

	apiKey    string
	secretKey string

	httpClient *http.Client

	// onTrade выставляется один раз при старте, до первых CheckSubOrders
	onTrade func(models.TradeUpdate)
}

// NewLive создает адаптер живой биржи
func NewLive(name, baseURL, apiKey, secretKey string) *Live {
	return &Live{
		name:       name,
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		secretKey:  secretKey,
		httpClient: GetGlobalHTTPClient(),
	}
}

func (l *Live) Name() string {
	return l.name
}

// sign создает подпись запроса
func (l *Live) sign(timestamp, path string) string {
	h := hmac.New(sha256.New, []byte(l.secretKey))
	h.Write([]byte(timestamp + "+" + path))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// doRequest выполняет HTTP запрос к API биржи
func (l *Live) doRequest(ctx context.Context, method, path string, query url.Values, body interface{}, out interface{}) error {
	reqURL := l.baseURL + path
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)
	req.Header.Set("x-auth-key", l.apiKey)
	req.Header.Set("x-auth-timestamp", timestamp)
	req.Header.Set("x-auth-signature", l.sign(timestamp, path))

	resp, err := l.httpClient.Do(req)
	if err != nil {
		return &ConnectorError{Exchange: l.name, Code: "network", Message: err.Error(), Original: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return &ConnectorError{Exchange: l.name, Code: "read", Message: err.Error(), Original: err}
	}

	// Единый конверт ответа
	var envelope struct {
		Code    int             `json:"code"`
		Message string          `json:"message"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return &ConnectorError{Exchange: l.name, Code: "decode", Message: err.Error(), Original: err}
	}

	if resp.StatusCode >= 400 || envelope.Code != 0 {
		return &ConnectorError{
			Exchange: l.name,
			Code:     strconv.Itoa(envelope.Code),
			Message:  envelope.Message,
		}
	}

	if out != nil && len(envelope.Data) > 0 {
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return &ConnectorError{Exchange: l.name, Code: "decode", Message: err.Error(), Original: err}
		}
	}

	return nil
}

func (l *Live) SubmitSubOrder(ctx context.Context, req SubmitRequest) (*models.Trade, error) {
	orderType := req.Type
	timeInForce := "GTC"
	if req.IOC {
		timeInForce = "IOC"
	}

	payload := map[string]string{
		"symbol": req.SymbolAlias,
		"side":   req.Side,
		"type":   orderType,
		"qty":    req.Amount.String(),
		// корреляция биржевого ордера с субордером
		"clientOrderId": fmt.Sprintf("suborder-%d", req.SubOrderID),
		"timeInForce":   timeInForce,
	}
	if orderType == models.TradeTypeLimit {
		payload["price"] = req.Price.String()
	}

	var data struct {
		OrderID string `json:"orderId"`
	}
	if err := l.doRequest(ctx, http.MethodPost, "/v1/order", nil, payload, &data); err != nil {
		return nil, err
	}
	if data.OrderID == "" {
		return nil, &ConnectorError{Exchange: l.name, Code: "empty", Message: "exchange returned no order id"}
	}

	return &models.Trade{
		Exchange:        l.name,
		ExchangeOrderID: data.OrderID,
		Symbol:          req.Symbol,
		SymbolAlias:     req.SymbolAlias,
		Price:           req.Price,
		Amount:          req.Amount,
		Side:            req.Side,
		Type:            orderType,
		Status:          models.TradeStatusPending,
		Timestamp:       time.Now(),
		OrderID:         req.SubOrderID,
	}, nil
}

func (l *Live) CancelSubOrder(ctx context.Context, trade *models.Trade) (bool, error) {
	query := url.Values{}
	query.Set("symbol", trade.SymbolAlias)
	query.Set("orderId", trade.ExchangeOrderID)

	if err := l.doRequest(ctx, http.MethodDelete, "/v1/order", query, nil, nil); err != nil {
		log.Printf("[%s] cancel order %s: %v", l.name, trade.ExchangeOrderID, err)
		return false, nil
	}
	return true, nil
}

func (l *Live) GetBalances(ctx context.Context) (map[string]decimal.Decimal, error) {
	var data []struct {
		Currency  string `json:"currency"`
		Available string `json:"available"`
	}
	if err := l.doRequest(ctx, http.MethodGet, "/v1/balances", nil, nil, &data); err != nil {
		return nil, err
	}

	out := make(map[string]decimal.Decimal, len(data))
	for _, row := range data {
		amount, err := decimal.NewFromString(row.Available)
		if err != nil {
			continue
		}
		out[strings.ToUpper(row.Currency)] = amount
	}
	return out, nil
}

// CheckSubOrders опрашивает статусы переданных ордеров и эмитит onTrade
// для наблюдаемых исполнений/отмен. Ошибка одного ордера не прерывает
// проверку остальных.
func (l *Live) CheckSubOrders(ctx context.Context, trades []*models.Trade) {
	for _, trade := range trades {
		query := url.Values{}
		query.Set("symbol", trade.SymbolAlias)
		query.Set("orderId", trade.ExchangeOrderID)

		var data struct {
			Status    string `json:"status"` // open | filled | canceled
			FilledQty string `json:"filledQty"`
			AvgPrice  string `json:"avgPrice"`
		}
		if err := l.doRequest(ctx, http.MethodGet, "/v1/order/status", query, nil, &data); err != nil {
			log.Printf("[%s] check order %s: %v", l.name, trade.ExchangeOrderID, err)
			continue
		}

		var status string
		switch data.Status {
		case "filled":
			status = models.TradeStatusOk
		case "canceled":
			status = models.TradeStatusCanceled
		default:
			continue // ещё открыт
		}

		filled, err := decimal.NewFromString(data.FilledQty)
		if err != nil {
			filled = decimal.Zero
		}
		price, err := decimal.NewFromString(data.AvgPrice)
		if err != nil || price.IsZero() {
			price = trade.Price
		}

		if l.onTrade != nil {
			l.onTrade(models.TradeUpdate{
				Exchange:        l.name,
				ExchangeOrderID: trade.ExchangeOrderID,
				Status:          status,
				FilledAmount:    filled,
				Price:           price,
				Timestamp:       time.Now(),
			})
		}
	}
}

func (l *Live) Withdraw(ctx context.Context, currency string, amount decimal.Decimal, address string) (string, error) {
	payload := map[string]string{
		"currency": strings.ToUpper(currency),
		"amount":   amount.String(),
		"address":  address,
	}

	var data struct {
		WithdrawID string `json:"withdrawId"`
	}
	if err := l.doRequest(ctx, http.MethodPost, "/v1/withdraw", nil, payload, &data); err != nil {
		return "", err
	}
	if data.WithdrawID == "" {
		return "", &ConnectorError{Exchange: l.name, Code: "empty", Message: "exchange returned no withdraw id"}
	}
	return data.WithdrawID, nil
}

func (l *Live) WithdrawStatus(ctx context.Context, withdrawID string) (string, error) {
	query := url.Values{}
	query.Set("withdrawId", withdrawID)

	var data struct {
		Status string `json:"status"` // pending | ok | failed | canceled
	}
	if err := l.doRequest(ctx, http.MethodGet, "/v1/withdraw/status", query, nil, &data); err != nil {
		return "", err
	}
	return data.Status, nil
}

func (l *Live) WithdrawLimit(ctx context.Context, currency string) (*WithdrawLimit, error) {
	query := url.Values{}
	query.Set("currency", strings.ToUpper(currency))

	var data struct {
		Enabled bool   `json:"enabled"`
		Min     string `json:"min"`
		Fee     string `json:"fee"`
	}
	if err := l.doRequest(ctx, http.MethodGet, "/v1/withdraw/limit", query, nil, &data); err != nil {
		return nil, err
	}
	if !data.Enabled {
		return nil, nil
	}

	min, err := decimal.NewFromString(data.Min)
	if err != nil {
		return nil, &ConnectorError{Exchange: l.name, Code: "decode", Message: "bad withdraw minimum: " + data.Min}
	}
	fee, err := decimal.NewFromString(data.Fee)
	if err != nil {
		return nil, &ConnectorError{Exchange: l.name, Code: "decode", Message: "bad withdraw fee: " + data.Fee}
	}

	return &WithdrawLimit{Min: min, Fee: fee}, nil
}

func (l *Live) SetOnTradeListener(cb func(models.TradeUpdate)) {
	l.onTrade = cb
}

func (l *Live) Destroy() {}
