package broker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ============================================================
// Prometheus метрики брокера
// ============================================================

// ============ Субордера ============

// SubOrdersTotal - субордера по биржам и финальным статусам
var SubOrdersTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "broker",
		Subsystem: "suborders",
		Name:      "total",
		Help:      "Total number of suborders by exchange and status",
	},
	[]string{"exchange", "status"},
)

// SwapsDropped - свопы, отброшенные фильтром отрицательного currentDev
var SwapsDropped = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "broker",
		Subsystem: "suborders",
		Name:      "swaps_dropped_total",
		Help:      "Swap suborders silently dropped due to negative current deviation",
	},
)

// InvariantViolations - нарушения инвариантов (например, частичное исполнение SUB)
var InvariantViolations = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "broker",
		Subsystem: "suborders",
		Name:      "invariant_violations_total",
		Help:      "Hard invariant violations requiring operator attention",
	},
	[]string{"kind"}, // partial_fill, unexpected_trade
)

// StatusResends - повторные отправки статусов агрегатору
var StatusResends = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "broker",
		Subsystem: "suborders",
		Name:      "status_resends_total",
		Help:      "Suborder status messages resent to the aggregator",
	},
)

// ============ Циклы сверки ============

// LoopTicks - выполненные итерации циклов сверки
var LoopTicks = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "broker",
		Subsystem: "reconcile",
		Name:      "loop_ticks_total",
		Help:      "Completed reconciliation loop iterations",
	},
	[]string{"loop"},
)

// LoopSkips - пропущенные итерации (предыдущая ещё выполняется)
var LoopSkips = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "broker",
		Subsystem: "reconcile",
		Name:      "loop_skips_total",
		Help:      "Loop ticks skipped because the previous tick was still running",
	},
	[]string{"loop"},
)

// LoopDuration - длительность итераций циклов
var LoopDuration = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "broker",
		Subsystem: "reconcile",
		Name:      "loop_duration_seconds",
		Help:      "Reconciliation loop iteration duration",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
	},
	[]string{"loop"},
)

// ============ Биржи ============

// ConnectorErrors - ошибки вызовов коннекторов
var ConnectorErrors = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "broker",
		Subsystem: "exchange",
		Name:      "connector_errors_total",
		Help:      "Connector call errors by exchange and operation",
	},
	[]string{"exchange", "op"},
)

// ExchangeBalanceGauge - последние известные балансы бирж
var ExchangeBalanceGauge = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "broker",
		Subsystem: "exchange",
		Name:      "balance",
		Help:      "Last known exchange balance by currency",
	},
	[]string{"exchange", "currency"},
)

// BalancePushes - отправленные push'и балансов
var BalancePushes = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "broker",
		Subsystem: "exchange",
		Name:      "balance_pushes_total",
		Help:      "Balance snapshots pushed to the aggregator",
	},
)

// ============ Блокчейн ============

// PendingTransactions - блокчейн-транзакции в полёте
var PendingTransactions = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "broker",
		Subsystem: "chain",
		Name:      "pending_transactions",
		Help:      "Blockchain transactions awaiting confirmation",
	},
)

// PendingWithdraws - биржевые выводы в полёте
var PendingWithdraws = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "broker",
		Subsystem: "chain",
		Name:      "pending_withdraws",
		Help:      "Exchange withdrawals awaiting completion",
	},
)

// LiabilityRemediations - действия по покрытию обязательств
var LiabilityRemediations = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "broker",
		Subsystem: "chain",
		Name:      "liability_remediations_total",
		Help:      "Liability remediation outcomes",
	},
	[]string{"action"}, // deposit, withdraw, skipped_inflight, unfunded
)
