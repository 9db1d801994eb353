package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names, one counter/gauge/histogram family per engine concern.
const (
	MetricOrdersPlacedTotal    = "hedgegrid_orders_placed_total"
	MetricOrdersFilledTotal    = "hedgegrid_orders_filled_total"
	MetricPnLRealizedTotal     = "hedgegrid_pnl_realized_total"
	MetricGridLevel            = "hedgegrid_grid_level"
	MetricSafetyReserve        = "hedgegrid_safety_reserve_usd"
	MetricAvailableForTrading  = "hedgegrid_available_for_trading_usd"
	MetricAveragingFrozen      = "hedgegrid_averaging_frozen"
	MetricPanicMode            = "hedgegrid_panic_mode"
	MetricAccountMMRatePercent = "hedgegrid_account_mm_rate_percent"
	MetricReconcileDivergence  = "hedgegrid_reconcile_divergence_coins"
	MetricCircuitBreakerOpen  = "hedgegrid_circuit_breaker_open"
	MetricLatencyExchange      = "hedgegrid_latency_exchange_ms"
	MetricLatencyTickToTrade   = "hedgegrid_latency_tick_to_trade_ms"
)

// MetricsHolder holds initialized instruments. Gauges are observable and
// backed by per-(account,symbol) maps under a single RWMutex, following
// this lineage's pattern of updating a map on the hot path and reading it
// lazily from the OTel collection callback rather than pushing on every
// mutation.
type MetricsHolder struct {
	OrdersPlacedTotal  metric.Int64Counter
	OrdersFilledTotal  metric.Int64Counter
	PnLRealizedTotal   metric.Float64Counter
	LatencyExchange    metric.Float64Histogram
	LatencyTickToTrade metric.Float64Histogram

	GridLevel            metric.Int64ObservableGauge
	SafetyReserve        metric.Float64ObservableGauge
	AvailableForTrading  metric.Float64ObservableGauge
	AveragingFrozen      metric.Int64ObservableGauge
	PanicMode            metric.Int64ObservableGauge
	AccountMMRatePercent metric.Float64ObservableGauge
	ReconcileDivergence  metric.Float64ObservableGauge
	CircuitBreakerOpen   metric.Int64ObservableGauge

	mu                  sync.RWMutex
	gridLevelMap        map[string]int64 // key: account/symbol/side
	safetyReserveMap    map[string]float64
	availableMap        map[string]float64
	averagingFrozenMap  map[string]int64
	panicModeMap        map[string]int64
	mmRateMap           map[string]float64
	reconcileDivMap     map[string]float64
	circuitBreakerOpen  map[string]int64
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder.
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{
			gridLevelMap:       make(map[string]int64),
			safetyReserveMap:   make(map[string]float64),
			availableMap:       make(map[string]float64),
			averagingFrozenMap: make(map[string]int64),
			panicModeMap:       make(map[string]int64),
			mmRateMap:          make(map[string]float64),
			reconcileDivMap:    make(map[string]float64),
			circuitBreakerOpen: make(map[string]int64),
		}
	})
	return globalMetrics
}

// InitMetrics registers every instrument against the given meter.
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	if m.OrdersPlacedTotal, err = meter.Int64Counter(MetricOrdersPlacedTotal, metric.WithDescription("Total orders placed")); err != nil {
		return err
	}
	if m.OrdersFilledTotal, err = meter.Int64Counter(MetricOrdersFilledTotal, metric.WithDescription("Total orders filled")); err != nil {
		return err
	}
	if m.PnLRealizedTotal, err = meter.Float64Counter(MetricPnLRealizedTotal, metric.WithDescription("Cumulative realized PnL")); err != nil {
		return err
	}
	if m.LatencyExchange, err = meter.Float64Histogram(MetricLatencyExchange, metric.WithDescription("Exchange API call latency"), metric.WithUnit("ms")); err != nil {
		return err
	}
	if m.LatencyTickToTrade, err = meter.Float64Histogram(MetricLatencyTickToTrade, metric.WithDescription("Time from price tick to order command"), metric.WithUnit("ms")); err != nil {
		return err
	}

	if m.GridLevel, err = meter.Int64ObservableGauge(MetricGridLevel, metric.WithDescription("Current grid level per side"),
		metric.WithInt64Callback(m.observeInt64(&m.gridLevelMap))); err != nil {
		return err
	}
	if m.SafetyReserve, err = meter.Float64ObservableGauge(MetricSafetyReserve, metric.WithDescription("Current safety reserve in USD"),
		metric.WithFloat64Callback(m.observeFloat64(&m.safetyReserveMap))); err != nil {
		return err
	}
	if m.AvailableForTrading, err = meter.Float64ObservableGauge(MetricAvailableForTrading, metric.WithDescription("Available-for-trading balance in USD"),
		metric.WithFloat64Callback(m.observeFloat64(&m.availableMap))); err != nil {
		return err
	}
	if m.AveragingFrozen, err = meter.Int64ObservableGauge(MetricAveragingFrozen, metric.WithDescription("1 if averaging is frozen for this account"),
		metric.WithInt64Callback(m.observeInt64(&m.averagingFrozenMap))); err != nil {
		return err
	}
	if m.PanicMode, err = meter.Int64ObservableGauge(MetricPanicMode, metric.WithDescription("1 if the account is in panic mode"),
		metric.WithInt64Callback(m.observeInt64(&m.panicModeMap))); err != nil {
		return err
	}
	if m.AccountMMRatePercent, err = meter.Float64ObservableGauge(MetricAccountMMRatePercent, metric.WithDescription("Account maintenance-margin rate percent"),
		metric.WithFloat64Callback(m.observeFloat64(&m.mmRateMap))); err != nil {
		return err
	}
	if m.ReconcileDivergence, err = meter.Float64ObservableGauge(MetricReconcileDivergence, metric.WithDescription("Last observed local-vs-exchange qty divergence in coins"),
		metric.WithFloat64Callback(m.observeFloat64(&m.reconcileDivMap))); err != nil {
		return err
	}
	if m.CircuitBreakerOpen, err = meter.Int64ObservableGauge(MetricCircuitBreakerOpen, metric.WithDescription("1 if the order-placement circuit breaker is open"),
		metric.WithInt64Callback(m.observeInt64(&m.circuitBreakerOpen))); err != nil {
		return err
	}

	return nil
}

func (m *MetricsHolder) observeInt64(mapPtr *map[string]int64) metric.Int64Callback {
	return func(ctx context.Context, obs metric.Int64Observer) error {
		m.mu.RLock()
		defer m.mu.RUnlock()
		for k, v := range *mapPtr {
			obs.Observe(v, metric.WithAttributes(attribute.String("key", k)))
		}
		return nil
	}
}

func (m *MetricsHolder) observeFloat64(mapPtr *map[string]float64) metric.Float64Callback {
	return func(ctx context.Context, obs metric.Float64Observer) error {
		m.mu.RLock()
		defer m.mu.RUnlock()
		for k, v := range *mapPtr {
			obs.Observe(v, metric.WithAttributes(attribute.String("key", k)))
		}
		return nil
	}
}

// Setters, keyed by caller-chosen strings (typically "{accountID}/{symbol}"
// or "{accountID}/{symbol}/{side}").

func (m *MetricsHolder) SetGridLevel(key string, level int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gridLevelMap[key] = level
}

func (m *MetricsHolder) SetSafetyReserve(key string, value float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.safetyReserveMap[key] = value
}

func (m *MetricsHolder) SetAvailableForTrading(key string, value float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.availableMap[key] = value
}

func (m *MetricsHolder) SetAveragingFrozen(key string, frozen bool) {
	v := int64(0)
	if frozen {
		v = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.averagingFrozenMap[key] = v
}

func (m *MetricsHolder) SetPanicMode(key string, panic bool) {
	v := int64(0)
	if panic {
		v = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.panicModeMap[key] = v
}

func (m *MetricsHolder) SetAccountMMRatePercent(key string, value float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mmRateMap[key] = value
}

func (m *MetricsHolder) SetReconcileDivergence(key string, value float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reconcileDivMap[key] = value
}

func (m *MetricsHolder) SetCircuitBreakerOpen(key string, open bool) {
	v := int64(0)
	if open {
		v = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.circuitBreakerOpen[key] = v
}
