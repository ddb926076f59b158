package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"broker/internal/models"
	"broker/internal/repository"
)

// MaxRequestBodySize ограничение размера тела запроса (1 MB)
const MaxRequestBodySize = 1 << 20

// ErrorResponse стандартный формат ответа об ошибке для всех API endpoints
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// subOrderView - представление субордера для дашборда.
// Денежные поля сериализуются строками, чтобы не терять точность в JS.
type subOrderView struct {
	ID              int64     `json:"id"`
	Symbol          string    `json:"symbol"`
	Side            string    `json:"side"`
	Price           string    `json:"price"`
	Amount          string    `json:"amount"`
	Exchange        string    `json:"exchange"`
	ExchangeOrderID string    `json:"exchange_order_id,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
	Status          string    `json:"status"`
	FilledAmount    string    `json:"filled_amount"`
	OrderType       string    `json:"order_type"`
}

func toSubOrderView(so *models.SubOrder) *subOrderView {
	v := &subOrderView{
		ID:           so.ID,
		Symbol:       so.Symbol,
		Side:         so.Side,
		Price:        so.Price.String(),
		Amount:       so.Amount.String(),
		Exchange:     so.Exchange,
		Timestamp:    so.Timestamp,
		Status:       so.Status,
		FilledAmount: so.FilledAmount.String(),
		OrderType:    so.OrderType,
	}
	if so.ExchangeOrderID.Valid {
		v.ExchangeOrderID = so.ExchangeOrderID.String
	}
	return v
}

// SubOrderSource - чтение субордеров для дашборда
type SubOrderSource interface {
	GetAll() ([]*models.SubOrder, error)
	GetOpen() ([]*models.SubOrder, error)
	GetByExchangeOrderID(exchange, exchangeOrderID string) (*models.SubOrder, error)
}

// Operator - операторские действия оркестратора: управление биржами
// и ручные операции с контрактом расчётов
type Operator interface {
	Balances() map[string]map[string]decimal.Decimal
	ListExchanges() []string
	ConnectExchange(name, baseURL, apiKey, secretKey string)
	ConnectEmulator(name string)
	DisconnectExchange(name string)

	Deposit(ctx context.Context, asset string, amount decimal.Decimal) (string, error)
	WithdrawFromContract(ctx context.Context, asset string, amount decimal.Decimal) (string, error)
	Approve(ctx context.Context, asset string, amount decimal.Decimal) (string, error)
	LockStake(ctx context.Context, amount decimal.Decimal) (string, error)
	RequestReleaseStake(ctx context.Context) (string, error)
}

// Handler обслуживает REST endpoints терминала оператора
type Handler struct {
	subOrders SubOrderSource
	operator  Operator
}

// NewHandler создает новый Handler
func NewHandler(subOrders SubOrderSource, operator Operator) *Handler {
	return &Handler{
		subOrders: subOrders,
		operator:  operator,
	}
}

// GetSubOrders возвращает все субордера
// GET /api/v1/suborders
func (h *Handler) GetSubOrders(w http.ResponseWriter, r *http.Request) {
	subOrders, err := h.subOrders.GetAll()
	if err != nil {
		h.respondWithError(w, http.StatusInternalServerError, "Failed to load suborders", err.Error())
		return
	}
	h.respondWithJSON(w, http.StatusOK, toViews(subOrders))
}

// GetOpenSubOrders возвращает нетерминальные субордера
// GET /api/v1/suborders/open
func (h *Handler) GetOpenSubOrders(w http.ResponseWriter, r *http.Request) {
	subOrders, err := h.subOrders.GetOpen()
	if err != nil {
		h.respondWithError(w, http.StatusInternalServerError, "Failed to load suborders", err.Error())
		return
	}
	h.respondWithJSON(w, http.StatusOK, toViews(subOrders))
}

// GetSubOrderByExchangeOrder возвращает субордер, владеющий биржевым ордером
// GET /api/v1/suborders/{exchange}/{orderId}
func (h *Handler) GetSubOrderByExchangeOrder(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	exchange := strings.ToLower(vars["exchange"])
	orderID := vars["orderId"]

	so, err := h.subOrders.GetByExchangeOrderID(exchange, orderID)
	if err != nil {
		if errors.Is(err, repository.ErrSubOrderNotFound) {
			h.respondWithError(w, http.StatusNotFound, "Suborder not found", "")
			return
		}
		h.respondWithError(w, http.StatusInternalServerError, "Failed to load suborder", err.Error())
		return
	}
	h.respondWithJSON(w, http.StatusOK, toSubOrderView(so))
}

// GetBalances возвращает кэш балансов всех подключённых бирж
// GET /api/v1/balances
//
// Ответ:
//
//	{
//	  "bitmax": {"USDT": "150.5", "ORN": "1000"},
//	  ...
//	}
func (h *Handler) GetBalances(w http.ResponseWriter, r *http.Request) {
	snapshot := h.operator.Balances()

	response := make(map[string]map[string]string, len(snapshot))
	for exchange, balances := range snapshot {
		response[exchange] = make(map[string]string, len(balances))
		for currency, amount := range balances {
			response[exchange][currency] = amount.String()
		}
	}
	h.respondWithJSON(w, http.StatusOK, response)
}

// GetExchanges возвращает имена подключённых бирж
// GET /api/v1/exchanges
func (h *Handler) GetExchanges(w http.ResponseWriter, r *http.Request) {
	h.respondWithJSON(w, http.StatusOK, h.operator.ListExchanges())
}

// ConnectExchangeRequest - тело запроса подключения биржи
type ConnectExchangeRequest struct {
	BaseURL   string `json:"base_url"`
	APIKey    string `json:"api_key"`
	SecretKey string `json:"secret_key"`
	// Emulator = true подключает эмулятор вместо живой биржи,
	// ключи при этом не нужны
	Emulator bool `json:"emulator,omitempty"`
}

// ConnectExchange подключает биржу или её эмулятор
// POST /api/v1/exchanges/{name}/connect
func (h *Handler) ConnectExchange(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	name := strings.ToLower(vars["name"])

	r.Body = http.MaxBytesReader(w, r.Body, MaxRequestBodySize)
	var req ConnectExchangeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}

	if req.Emulator {
		h.operator.ConnectEmulator(name)
		h.respondWithJSON(w, http.StatusOK, map[string]interface{}{
			"name":      name,
			"connected": true,
			"emulator":  true,
		})
		return
	}

	if req.APIKey == "" {
		h.respondWithError(w, http.StatusBadRequest, "API key is required", "")
		return
	}
	if req.SecretKey == "" {
		h.respondWithError(w, http.StatusBadRequest, "Secret key is required", "")
		return
	}

	h.operator.ConnectExchange(name, req.BaseURL, req.APIKey, req.SecretKey)
	h.respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"name":      name,
		"connected": true,
	})
}

// DisconnectExchange отключает биржу
// DELETE /api/v1/exchanges/{name}/connect
func (h *Handler) DisconnectExchange(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	name := strings.ToLower(vars["name"])

	h.operator.DisconnectExchange(name)
	h.respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"name":      name,
		"connected": false,
	})
}

// ContractRequest - тело запроса ручной операции с контрактом
type ContractRequest struct {
	Asset  string          `json:"asset,omitempty"`
	Amount decimal.Decimal `json:"amount"`
}

// TransactionResponse - ответ с хэшем отправленной транзакции
type TransactionResponse struct {
	TransactionHash string `json:"transaction_hash"`
}

// Deposit вносит актив на контракт расчётов
// POST /api/v1/contract/deposit
func (h *Handler) Deposit(w http.ResponseWriter, r *http.Request) {
	h.contractOp(w, r, true, func(ctx context.Context, req ContractRequest) (string, error) {
		return h.operator.Deposit(ctx, req.Asset, req.Amount)
	})
}

// Withdraw выводит актив с контракта на кошелёк
// POST /api/v1/contract/withdraw
func (h *Handler) Withdraw(w http.ResponseWriter, r *http.Request) {
	h.contractOp(w, r, true, func(ctx context.Context, req ContractRequest) (string, error) {
		return h.operator.WithdrawFromContract(ctx, req.Asset, req.Amount)
	})
}

// Approve разрешает контракту списывать актив
// POST /api/v1/contract/approve
func (h *Handler) Approve(w http.ResponseWriter, r *http.Request) {
	h.contractOp(w, r, true, func(ctx context.Context, req ContractRequest) (string, error) {
		return h.operator.Approve(ctx, req.Asset, req.Amount)
	})
}

// LockStake блокирует стейк брокера
// POST /api/v1/contract/stake/lock
func (h *Handler) LockStake(w http.ResponseWriter, r *http.Request) {
	h.contractOp(w, r, true, func(ctx context.Context, req ContractRequest) (string, error) {
		return h.operator.LockStake(ctx, req.Amount)
	})
}

// RequestReleaseStake запрашивает разблокировку стейка
// POST /api/v1/contract/stake/release
func (h *Handler) RequestReleaseStake(w http.ResponseWriter, r *http.Request) {
	h.contractOp(w, r, false, func(ctx context.Context, req ContractRequest) (string, error) {
		return h.operator.RequestReleaseStake(ctx)
	})
}

// contractOp - общий каркас ручной операции: декодировать тело, проверить
// сумму, выполнить и вернуть хэш
func (h *Handler) contractOp(w http.ResponseWriter, r *http.Request, needAmount bool, op func(context.Context, ContractRequest) (string, error)) {
	r.Body = http.MaxBytesReader(w, r.Body, MaxRequestBodySize)
	var req ContractRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		h.respondWithError(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}

	if needAmount && !req.Amount.IsPositive() {
		h.respondWithError(w, http.StatusBadRequest, "Amount must be positive", "")
		return
	}

	hash, err := op(r.Context(), req)
	if err != nil {
		h.respondWithError(w, http.StatusBadGateway, "Contract operation failed", err.Error())
		return
	}
	h.respondWithJSON(w, http.StatusOK, TransactionResponse{TransactionHash: hash})
}

func toViews(subOrders []*models.SubOrder) []*subOrderView {
	views := make([]*subOrderView, 0, len(subOrders))
	for _, so := range subOrders {
		views = append(views, toSubOrderView(so))
	}
	return views
}

// respondWithJSON отправляет JSON ответ
func (h *Handler) respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"Failed to marshal response"}`))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(response)
}

// respondWithError отправляет JSON ответ с ошибкой
func (h *Handler) respondWithError(w http.ResponseWriter, code int, message, details string) {
	h.respondWithJSON(w, code, ErrorResponse{
		Error:   message,
		Details: details,
	})
}
