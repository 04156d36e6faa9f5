package bot

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ============================================================
// Prometheus метрики торгового ядра
// ============================================================
//
// Использование:
// - Grafana дашборды для визуализации
// - Alertmanager для уведомлений о проблемах
// - Разбор инцидентов по истории исполнения

// ============ Сканер ============

// ScanDuration - длительность полного цикла сканирования рынка
var ScanDuration = promauto.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "fundingarb",
		Subsystem: "scanner",
		Name:      "scan_duration_seconds",
		Help:      "Duration of a full market scan cycle in seconds",
		Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60},
	},
)

// CandidatesFound - количество кандидатов после фильтров за последний скан
var CandidatesFound = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "fundingarb",
		Subsystem: "scanner",
		Name:      "candidates_found",
		Help:      "Number of entry candidates after the last scan",
	},
)

// FundingRateObserved - наблюдаемая ставка финансирования по символам
var FundingRateObserved = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "fundingarb",
		Subsystem: "scanner",
		Name:      "funding_rate",
		Help:      "Last observed funding rate per symbol",
	},
	[]string{"symbol"},
)

// SpreadObserved - наблюдаемый базис перпа к споту
var SpreadObserved = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "fundingarb",
		Subsystem: "scanner",
		Name:      "spread_observed",
		Help:      "Observed perp-spot basis as a fraction",
		Buckets:   []float64{-0.02, -0.01, -0.005, 0, 0.001, 0.002, 0.005, 0.01, 0.02},
	},
	[]string{"symbol"},
)

// ============ Исполнитель ============

// EntriesTotal - попытки входа по исходам
var EntriesTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "fundingarb",
		Subsystem: "executor",
		Name:      "entries_total",
		Help:      "Entry attempts by outcome",
	},
	[]string{"outcome"}, // FILLED, ABORTED, RECOVERED, MANUAL_INTERVENTION
)

// ExitsTotal - попытки выхода по исходам и типу выхода
var ExitsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "fundingarb",
		Subsystem: "executor",
		Name:      "exits_total",
		Help:      "Exit attempts by outcome and exit type",
	},
	[]string{"outcome", "exit_type"}, // exit_type: full, rebalance
)

// LegExecutionLatency - время исполнения одной ноги на бирже
var LegExecutionLatency = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "fundingarb",
		Subsystem: "executor",
		Name:      "leg_execution_latency_ms",
		Help:      "Time to execute a single leg in milliseconds",
		Buckets:   []float64{50, 100, 200, 300, 500, 1000, 2000, 5000, 10000},
	},
	[]string{"venue", "side"},
)

// AmbiguousReconciliations - сверки потерянных ответов по разрешению
var AmbiguousReconciliations = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "fundingarb",
		Subsystem: "executor",
		Name:      "ambiguous_reconciliations_total",
		Help:      "Ambiguous write reconciliations by resolution",
	},
	[]string{"resolution"}, // filled, not_placed, unresolved
)

// LegImbalancesTrimmed - исправленные дисбалансы ног
var LegImbalancesTrimmed = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "fundingarb",
		Subsystem: "executor",
		Name:      "leg_imbalances_trimmed_total",
		Help:      "Post-fill leg imbalances trimmed back to hedge quantity",
	},
)

// ============ Guardian ============

// GuardianTriggers - сработавшие триггеры выхода
var GuardianTriggers = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "fundingarb",
		Subsystem: "guardian",
		Name:      "triggers_total",
		Help:      "Guardian exit triggers by kind",
	},
	[]string{"trigger"}, // negative_fr, backwardation, margin
)

// GuardianTickDuration - длительность одного тика guardian'а
var GuardianTickDuration = promauto.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "fundingarb",
		Subsystem: "guardian",
		Name:      "tick_duration_seconds",
		Help:      "Duration of a single guardian tick in seconds",
		Buckets:   []float64{0.1, 0.5, 1, 2, 4, 8, 12},
	},
)

// FundingAccrued - накопленный funding-доход (может уменьшаться)
var FundingAccrued = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "fundingarb",
		Subsystem: "guardian",
		Name:      "funding_accrued_usdt",
		Help:      "Cumulative funding accrued across positions in USDT",
	},
)

// ============ Счёт и супервизор ============

// OpenPositions - живые позиции в реестре
var OpenPositions = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "fundingarb",
		Subsystem: "supervisor",
		Name:      "open_positions",
		Help:      "Number of live positions in the registry",
	},
)

// MarginUsage - доля занятой маржи от стоимости счёта
var MarginUsage = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "fundingarb",
		Subsystem: "account",
		Name:      "margin_usage",
		Help:      "Used margin as a fraction of account equity",
	},
)

// AccountEquity - общая стоимость счёта
var AccountEquity = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "fundingarb",
		Subsystem: "account",
		Name:      "equity_usdt",
		Help:      "Total account value in USDT",
	},
)

// KillSwitchEngaged - состояние аварийного стопа
var KillSwitchEngaged = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "fundingarb",
		Subsystem: "supervisor",
		Name:      "kill_switch_engaged",
		Help:      "Kill switch state (1=engaged, 0=clear)",
	},
)

// ============ Вспомогательные функции ============

// RecordEntry записывает исход попытки входа
func RecordEntry(outcome string) {
	EntriesTotal.WithLabelValues(outcome).Inc()
}

// RecordExit записывает исход попытки выхода
func RecordExit(outcome, exitType string) {
	ExitsTotal.WithLabelValues(outcome, exitType).Inc()
}

// RecordLegLatency записывает время исполнения ноги
func RecordLegLatency(venue, side string, latencyMs float64) {
	LegExecutionLatency.WithLabelValues(venue, side).Observe(latencyMs)
}

// RecordGuardianTrigger записывает сработавший триггер
func RecordGuardianTrigger(trigger string) {
	GuardianTriggers.WithLabelValues(trigger).Inc()
}

// UpdateAccountMetrics обновляет метрики состояния счёта
func UpdateAccountMetrics(equity, marginUsage float64) {
	AccountEquity.Set(equity)
	MarginUsage.Set(marginUsage)
}

// SetKillSwitch обновляет метрику аварийного стопа
func SetKillSwitch(engaged bool) {
	if engaged {
		KillSwitchEngaged.Set(1)
	} else {
		KillSwitchEngaged.Set(0)
	}
}
