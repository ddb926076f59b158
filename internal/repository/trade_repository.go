package repository

import (
	"database/sql"
	"errors"

	"github.com/shopspring/decimal"

	"broker/internal/models"
)

// Ошибки репозитория трейдов
var (
	ErrTradeNotFound = errors.New("trade not found")
)

const tradeColumns = `id, exchange, exchange_order_id, symbol, symbol_alias, price, amount, filled_amount, side, type, status, timestamp, order_id`

// TradeRepository - работа с таблицей trades
type TradeRepository struct {
	db *sql.DB
}

// NewTradeRepository создает новый экземпляр репозитория
func NewTradeRepository(db *sql.DB) *TradeRepository {
	return &TradeRepository{db: db}
}

// Create вставляет трейд и возвращает сгенерированный id
func (r *TradeRepository) Create(t *models.Trade) error {
	query := `
		INSERT INTO trades (exchange, exchange_order_id, symbol, symbol_alias, price, amount, filled_amount, side, type, status, timestamp, order_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id`

	return r.db.QueryRow(
		query,
		t.Exchange,
		t.ExchangeOrderID,
		t.Symbol,
		t.SymbolAlias,
		t.Price,
		t.Amount,
		t.FilledAmount,
		t.Side,
		t.Type,
		t.Status,
		t.Timestamp,
		t.OrderID,
	).Scan(&t.ID)
}

func scanTrade(row interface{ Scan(...interface{}) error }) (*models.Trade, error) {
	t := &models.Trade{}
	err := row.Scan(
		&t.ID,
		&t.Exchange,
		&t.ExchangeOrderID,
		&t.Symbol,
		&t.SymbolAlias,
		&t.Price,
		&t.Amount,
		&t.FilledAmount,
		&t.Side,
		&t.Type,
		&t.Status,
		&t.Timestamp,
		&t.OrderID,
	)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// GetByExchangeOrderID возвращает трейд по уникальной паре (exchange, exchange_order_id)
func (r *TradeRepository) GetByExchangeOrderID(exchange, exchangeOrderID string) (*models.Trade, error) {
	query := `SELECT ` + tradeColumns + ` FROM trades WHERE exchange = $1 AND exchange_order_id = $2`

	t, err := scanTrade(r.db.QueryRow(query, exchange, exchangeOrderID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTradeNotFound
		}
		return nil, err
	}
	return t, nil
}

// GetByOrderID возвращает трейды субордера в порядке создания
func (r *TradeRepository) GetByOrderID(orderID int64) ([]*models.Trade, error) {
	query := `SELECT ` + tradeColumns + ` FROM trades WHERE order_id = $1 ORDER BY id`
	return r.queryMany(query, orderID)
}

// GetPending возвращает все неразрешённые трейды
func (r *TradeRepository) GetPending() ([]*models.Trade, error) {
	query := `SELECT ` + tradeColumns + ` FROM trades WHERE status = $1 ORDER BY id`
	return r.queryMany(query, models.TradeStatusPending)
}

func (r *TradeRepository) queryMany(query string, args ...interface{}) ([]*models.Trade, error) {
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return out, nil
}

// UpdateStatus обновляет статус, цену и исполненный объём трейда
func (r *TradeRepository) UpdateStatus(id int64, status string, price, filledAmount decimal.Decimal) error {
	query := `UPDATE trades SET status = $1, price = $2, filled_amount = $3 WHERE id = $4`

	result, err := r.db.Exec(query, status, price, filledAmount, id)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return ErrTradeNotFound
	}
	return nil
}
