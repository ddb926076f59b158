package repository

import (
	"database/sql"
	"errors"

	"broker/internal/models"
)

// Ошибки репозитория выводов
var (
	ErrWithdrawNotFound = errors.New("withdraw not found")
)

// WithdrawRepository - работа с таблицей withdraws
type WithdrawRepository struct {
	db *sql.DB
}

// NewWithdrawRepository создает новый экземпляр репозитория
func NewWithdrawRepository(db *sql.DB) *WithdrawRepository {
	return &WithdrawRepository{db: db}
}

// Create создает запись биржевого вывода
func (r *WithdrawRepository) Create(w *models.Withdraw) error {
	query := `
		INSERT INTO withdraws (exchange_withdraw_id, exchange, currency, amount, create_time, status)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := r.db.Exec(query, w.ExchangeWithdrawID, w.Exchange, w.Currency, w.Amount, w.CreateTime, w.Status)
	return err
}

// GetPending возвращает незавершённые выводы
func (r *WithdrawRepository) GetPending() ([]*models.Withdraw, error) {
	query := `
		SELECT exchange_withdraw_id, exchange, currency, amount, create_time, status
		FROM withdraws
		WHERE status = $1
		ORDER BY create_time`

	rows, err := r.db.Query(query, models.WithdrawStatusPending)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Withdraw
	for rows.Next() {
		w := &models.Withdraw{}
		if err := rows.Scan(&w.ExchangeWithdrawID, &w.Exchange, &w.Currency, &w.Amount, &w.CreateTime, &w.Status); err != nil {
			return nil, err
		}
		out = append(out, w)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return out, nil
}

// CountPending возвращает количество выводов в полёте
func (r *WithdrawRepository) CountPending() (int, error) {
	var count int
	err := r.db.QueryRow(`SELECT COUNT(*) FROM withdraws WHERE status = $1`, models.WithdrawStatusPending).Scan(&count)
	if err != nil {
		return 0, err
	}
	return count, nil
}

// UpdateStatus обновляет статус вывода
func (r *WithdrawRepository) UpdateStatus(id, status string) error {
	result, err := r.db.Exec(`UPDATE withdraws SET status = $1 WHERE exchange_withdraw_id = $2`, status, id)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return ErrWithdrawNotFound
	}
	return nil
}
