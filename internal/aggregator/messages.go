package aggregator

import (
	"github.com/shopspring/decimal"

	"broker/internal/blockchain"
)

// Типы сообщений протокола агрегатора.
// Все сообщения - JSON с обязательным полем "type".
const (
	// исходящие
	MsgRegister       = "register"
	MsgSubOrderStatus = "suborder_status"
	MsgBalances       = "balances"

	// входящие
	MsgRegisterAccepted       = "register_accepted"
	MsgSubOrder               = "suborder"
	MsgCancelSubOrder         = "cancel_suborder"
	MsgCheckSubOrder          = "check_suborder"
	MsgSubOrderStatusAccepted = "suborder_status_accepted"
)

// Текст close-сообщения, после которого агрегатор ждёт повторную регистрацию
const ServerDisconnectReason = "server disconnect"

// Envelope - общая обёртка для определения типа входящего сообщения
type Envelope struct {
	Type string `json:"type"`
}

// RegisterMessage - регистрация брокера после подключения.
// Подпись: keccak256("<address>:<timestamp>") ключом брокера.
type RegisterMessage struct {
	Type      string `json:"type"`
	Address   string `json:"address"`
	PublicKey string `json:"publicKey"`
	Timestamp int64  `json:"timestamp"`
	Signature string `json:"signature"`
}

// SubOrderRequest - новый субордер от агрегатора.
// Для свопов (orderType=SWAP) дополнительно приходят currentDev/sellPrice/buyPrice.
type SubOrderRequest struct {
	ID         int64               `json:"id"`
	Symbol     string              `json:"symbol"`
	Side       string              `json:"side"`
	Price      decimal.Decimal     `json:"price"`
	Amount     decimal.Decimal     `json:"amount"`
	Exchange   string              `json:"exchange"`
	OrderType  string              `json:"orderType"`
	CurrentDev decimal.NullDecimal `json:"currentDev"`
	SellPrice  decimal.NullDecimal `json:"sellPrice"`
	BuyPrice   decimal.NullDecimal `json:"buyPrice"`
}

// CancelSubOrderRequest - запрос отмены субордера
type CancelSubOrderRequest struct {
	ID int64 `json:"id"`
}

// CheckSubOrderRequest - запрос текущего статуса субордера
type CheckSubOrderRequest struct {
	ID int64 `json:"id"`
}

// StatusAcceptedMessage - подтверждение агрегатором доставленного статуса.
// Статус в подтверждении авторитетен: форсированный REJECTED перекрывает
// локальное состояние.
type StatusAcceptedMessage struct {
	ID     int64  `json:"id"`
	Status string `json:"status"`
}

// SubOrderStatusMessage - отчёт о состоянии субордера.
// Для неизвестного id отправляется {status: null, filledAmount: "0"}.
// Для FILLED прикладывается подписанный ордер расчётов.
type SubOrderStatusMessage struct {
	Type         string                  `json:"type"`
	ID           int64                   `json:"id"`
	Status       *string                 `json:"status"`
	FilledAmount string                  `json:"filledAmount"`
	Order        *blockchain.SignedOrder `json:"order,omitempty"`
}

// NewStatus собирает отчёт о статусе субордера
func NewStatus(id int64, status string, filledAmount decimal.Decimal) *SubOrderStatusMessage {
	return &SubOrderStatusMessage{
		Type:         MsgSubOrderStatus,
		ID:           id,
		Status:       &status,
		FilledAmount: filledAmount.String(),
	}
}

// NewUnknownStatus - ответ на запрос по неизвестному субордеру
func NewUnknownStatus(id int64) *SubOrderStatusMessage {
	return &SubOrderStatusMessage{
		Type:         MsgSubOrderStatus,
		ID:           id,
		Status:       nil,
		FilledAmount: "0",
	}
}

// BalancesMessage - push балансов по биржам.
// Суммы сериализуются строками чтобы не терять точность.
type BalancesMessage struct {
	Type     string                       `json:"type"`
	Balances map[string]map[string]string `json:"balances"`
}

// NewBalances собирает push балансов из снимка кэша
func NewBalances(snapshot map[string]map[string]decimal.Decimal) *BalancesMessage {
	balances := make(map[string]map[string]string, len(snapshot))
	for exchange, currencies := range snapshot {
		row := make(map[string]string, len(currencies))
		for currency, amount := range currencies {
			row[currency] = amount.String()
		}
		balances[exchange] = row
	}
	return &BalancesMessage{Type: MsgBalances, Balances: balances}
}
