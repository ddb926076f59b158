package repository

import (
	"database/sql"
	"errors"

	"broker/internal/models"
)

// Ошибки репозитория транзакций
var (
	ErrTransactionNotFound = errors.New("transaction not found")
)

// TransactionRepository - работа с таблицей transactions
type TransactionRepository struct {
	db *sql.DB
}

// NewTransactionRepository создает новый экземпляр репозитория
func NewTransactionRepository(db *sql.DB) *TransactionRepository {
	return &TransactionRepository{db: db}
}

// Create создает запись blockchain-транзакции
func (r *TransactionRepository) Create(t *models.Transaction) error {
	query := `
		INSERT INTO transactions (transaction_hash, method, asset, amount, create_time, status)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := r.db.Exec(query, t.TransactionHash, t.Method, t.Asset, t.Amount, t.CreateTime, t.Status)
	return err
}

// GetPending возвращает транзакции в статусе PENDING
func (r *TransactionRepository) GetPending() ([]*models.Transaction, error) {
	query := `
		SELECT transaction_hash, method, asset, amount, create_time, status
		FROM transactions
		WHERE status = $1
		ORDER BY create_time`

	rows, err := r.db.Query(query, models.TxStatusPending)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Transaction
	for rows.Next() {
		t := &models.Transaction{}
		if err := rows.Scan(&t.TransactionHash, &t.Method, &t.Asset, &t.Amount, &t.CreateTime, &t.Status); err != nil {
			return nil, err
		}
		out = append(out, t)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return out, nil
}

// CountPending возвращает количество транзакций в полёте
func (r *TransactionRepository) CountPending() (int, error) {
	var count int
	err := r.db.QueryRow(`SELECT COUNT(*) FROM transactions WHERE status = $1`, models.TxStatusPending).Scan(&count)
	if err != nil {
		return 0, err
	}
	return count, nil
}

// UpdateStatus обновляет статус транзакции
func (r *TransactionRepository) UpdateStatus(hash, status string) error {
	result, err := r.db.Exec(`UPDATE transactions SET status = $1 WHERE transaction_hash = $2`, status, hash)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return ErrTransactionNotFound
	}
	return nil
}
