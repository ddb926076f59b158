package repository

import "database/sql"

// schema - DDL хранилища брокера
//
// sub_orders - единственный источник правды при рестарте.
// Пара (exchange, exchange_order_id) в trades уникальна: один биржевой ордер
// не может принадлежать двум субордерам.
const schema = `
CREATE TABLE IF NOT EXISTS sub_orders (
	id                 BIGINT PRIMARY KEY,
	symbol             TEXT NOT NULL,
	side               TEXT NOT NULL,
	price              NUMERIC NOT NULL,
	amount             NUMERIC NOT NULL,
	exchange           TEXT NOT NULL,
	exchange_order_id  TEXT,
	timestamp          TIMESTAMPTZ NOT NULL,
	status             TEXT NOT NULL,
	filled_amount      NUMERIC NOT NULL DEFAULT 0,
	order_type         TEXT NOT NULL,
	sent_to_aggregator BOOLEAN NOT NULL DEFAULT FALSE,
	current_dev        NUMERIC,
	sell_price         NUMERIC,
	buy_price          NUMERIC
);

CREATE TABLE IF NOT EXISTS trades (
	id                BIGSERIAL PRIMARY KEY,
	exchange          TEXT NOT NULL,
	exchange_order_id TEXT NOT NULL,
	symbol            TEXT NOT NULL,
	symbol_alias      TEXT NOT NULL,
	price             NUMERIC NOT NULL,
	amount            NUMERIC NOT NULL,
	filled_amount     NUMERIC NOT NULL DEFAULT 0,
	side              TEXT NOT NULL,
	type              TEXT NOT NULL,
	status            TEXT NOT NULL,
	timestamp         TIMESTAMPTZ NOT NULL,
	order_id          BIGINT NOT NULL REFERENCES sub_orders(id),
	UNIQUE (exchange, exchange_order_id)
);

CREATE TABLE IF NOT EXISTS transactions (
	transaction_hash TEXT PRIMARY KEY,
	method           TEXT NOT NULL,
	asset            TEXT NOT NULL,
	amount           NUMERIC NOT NULL,
	create_time      TIMESTAMPTZ NOT NULL,
	status           TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS withdraws (
	exchange_withdraw_id TEXT PRIMARY KEY,
	exchange             TEXT NOT NULL,
	currency             TEXT NOT NULL,
	amount               NUMERIC NOT NULL,
	create_time          TIMESTAMPTZ NOT NULL,
	status               TEXT NOT NULL
);
`

// CreateSchema создаёт таблицы, если их ещё нет
func CreateSchema(db *sql.DB) error {
	_, err := db.Exec(schema)
	return err
}
