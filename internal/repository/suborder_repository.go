package repository

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"broker/internal/models"
)

// Ошибки репозитория субордеров
var (
	ErrSubOrderNotFound = errors.New("suborder not found")
)

const subOrderColumns = `id, symbol, side, price, amount, exchange, exchange_order_id, timestamp, status, filled_amount, order_type, sent_to_aggregator, current_dev, sell_price, buy_price`

// SubOrderRepository - работа с таблицей sub_orders
type SubOrderRepository struct {
	db *sql.DB
}

// NewSubOrderRepository создает новый экземпляр репозитория
func NewSubOrderRepository(db *sql.DB) *SubOrderRepository {
	return &SubOrderRepository{db: db}
}

// Create создает запись субордера (id назначен агрегатором, не генерируется)
func (r *SubOrderRepository) Create(so *models.SubOrder) error {
	query := `
		INSERT INTO sub_orders (id, symbol, side, price, amount, exchange, exchange_order_id, timestamp, status, filled_amount, order_type, sent_to_aggregator, current_dev, sell_price, buy_price)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`

	_, err := r.db.Exec(
		query,
		so.ID,
		so.Symbol,
		so.Side,
		so.Price,
		so.Amount,
		so.Exchange,
		so.ExchangeOrderID,
		so.Timestamp,
		so.Status,
		so.FilledAmount,
		so.OrderType,
		so.SentToAggregator,
		so.CurrentDev,
		so.SellPrice,
		so.BuyPrice,
	)
	return err
}

func scanSubOrder(row interface{ Scan(...interface{}) error }) (*models.SubOrder, error) {
	so := &models.SubOrder{}
	err := row.Scan(
		&so.ID,
		&so.Symbol,
		&so.Side,
		&so.Price,
		&so.Amount,
		&so.Exchange,
		&so.ExchangeOrderID,
		&so.Timestamp,
		&so.Status,
		&so.FilledAmount,
		&so.OrderType,
		&so.SentToAggregator,
		&so.CurrentDev,
		&so.SellPrice,
		&so.BuyPrice,
	)
	if err != nil {
		return nil, err
	}
	return so, nil
}

// GetByID возвращает субордер по ID
func (r *SubOrderRepository) GetByID(id int64) (*models.SubOrder, error) {
	query := `SELECT ` + subOrderColumns + ` FROM sub_orders WHERE id = $1`

	so, err := scanSubOrder(r.db.QueryRow(query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSubOrderNotFound
		}
		return nil, err
	}
	return so, nil
}

// GetByExchangeOrderID возвращает субордер, владеющий биржевым ордером
func (r *SubOrderRepository) GetByExchangeOrderID(exchange, exchangeOrderID string) (*models.SubOrder, error) {
	query := `
		SELECT ` + subOrderColumns + `
		FROM sub_orders
		WHERE id = (SELECT order_id FROM trades WHERE exchange = $1 AND exchange_order_id = $2)`

	so, err := scanSubOrder(r.db.QueryRow(query, exchange, exchangeOrderID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSubOrderNotFound
		}
		return nil, err
	}
	return so, nil
}

// GetAll возвращает все субордера, отсортированные по времени
func (r *SubOrderRepository) GetAll() ([]*models.SubOrder, error) {
	query := `SELECT ` + subOrderColumns + ` FROM sub_orders ORDER BY timestamp DESC`
	return r.queryMany(query)
}

// GetOpen возвращает нетерминальные субордера (PREPARE, ACCEPTED)
func (r *SubOrderRepository) GetOpen() ([]*models.SubOrder, error) {
	query := `
		SELECT ` + subOrderColumns + `
		FROM sub_orders
		WHERE status = $1 OR status = $2
		ORDER BY timestamp DESC`
	return r.queryMany(query, models.StatusPrepare, models.StatusAccepted)
}

// GetUnacknowledged возвращает субордера, чей статус агрегатор ещё не подтвердил
func (r *SubOrderRepository) GetUnacknowledged() ([]*models.SubOrder, error) {
	query := `
		SELECT ` + subOrderColumns + `
		FROM sub_orders
		WHERE sent_to_aggregator = FALSE
		ORDER BY timestamp`
	return r.queryMany(query)
}

func (r *SubOrderRepository) queryMany(query string, args ...interface{}) ([]*models.SubOrder, error) {
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.SubOrder
	for rows.Next() {
		so, err := scanSubOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, so)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return out, nil
}

// UpdateStatus обновляет статус и исполненное количество субордера
//
// Смена статуса сбрасывает sent_to_aggregator: новый статус нужно доставить
// агрегатору заново.
func (r *SubOrderRepository) UpdateStatus(id int64, status string, filledAmount decimal.Decimal) error {
	query := `
		UPDATE sub_orders
		SET status = $1, filled_amount = $2, sent_to_aggregator = FALSE
		WHERE id = $3`

	result, err := r.db.Exec(query, status, filledAmount, id)
	if err != nil {
		return err
	}
	return checkAffected(result)
}

// SetExchangeOrderID проставляет id биржевого ордера после сабмита
func (r *SubOrderRepository) SetExchangeOrderID(id int64, exchangeOrderID string) error {
	query := `UPDATE sub_orders SET exchange_order_id = $1 WHERE id = $2`

	result, err := r.db.Exec(query, exchangeOrderID, id)
	if err != nil {
		return err
	}
	return checkAffected(result)
}

// MarkSent выставляет флаг подтверждения статуса агрегатором
func (r *SubOrderRepository) MarkSent(id int64, sent bool) error {
	query := `UPDATE sub_orders SET sent_to_aggregator = $1 WHERE id = $2`

	result, err := r.db.Exec(query, sent, id)
	if err != nil {
		return err
	}
	return checkAffected(result)
}

// UpdateWithTrade атомарно обновляет субордер и его трейд
//
// Запись, затрагивающая несколько строк, обязана идти в одной транзакции
// с откатом при любой ошибке.
func (r *SubOrderRepository) UpdateWithTrade(id int64, status string, filledAmount decimal.Decimal, tradeID int64, tradeStatus string, tradePrice, tradeFilled decimal.Decimal) error {
	tx, err := r.db.Begin()
	if err != nil {
		return err
	}

	if _, err := tx.Exec(
		`UPDATE sub_orders SET status = $1, filled_amount = $2, sent_to_aggregator = FALSE WHERE id = $3`,
		status, filledAmount, id,
	); err != nil {
		tx.Rollback()
		return fmt.Errorf("update suborder %d: %w", id, err)
	}

	if _, err := tx.Exec(
		`UPDATE trades SET status = $1, price = $2, filled_amount = $3 WHERE id = $4`,
		tradeStatus, tradePrice, tradeFilled, tradeID,
	); err != nil {
		tx.Rollback()
		return fmt.Errorf("update trade %d: %w", tradeID, err)
	}

	return tx.Commit()
}

func checkAffected(result sql.Result) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return ErrSubOrderNotFound
	}
	return nil
}
