package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestHolder builds a fresh MetricsHolder (bypassing the process-wide
// singleton) wired to a ManualReader, so assertions can Collect() synchronously
// instead of scraping the global Prometheus endpoint.
func newTestHolder(t *testing.T) (*MetricsHolder, *metric.ManualReader) {
	t.Helper()
	reader := metric.NewManualReader()
	provider := metric.NewMeterProvider(metric.WithReader(reader))

	h := &MetricsHolder{
		gridLevelMap:       make(map[string]int64),
		safetyReserveMap:   make(map[string]float64),
		availableMap:       make(map[string]float64),
		averagingFrozenMap: make(map[string]int64),
		panicModeMap:       make(map[string]int64),
		mmRateMap:          make(map[string]float64),
		reconcileDivMap:    make(map[string]float64),
		circuitBreakerOpen: make(map[string]int64),
	}
	require.NoError(t, h.InitMetrics(provider.Meter("test")))
	return h, reader
}

func collectGauge(t *testing.T, reader *metric.ManualReader, name string) map[string]float64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	out := make(map[string]float64)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			switch data := m.Data.(type) {
			case metricdata.Gauge[int64]:
				for _, dp := range data.DataPoints {
					key, _ := dp.Attributes.Value("key")
					out[key.AsString()] = float64(dp.Value)
				}
			case metricdata.Gauge[float64]:
				for _, dp := range data.DataPoints {
					key, _ := dp.Attributes.Value("key")
					out[key.AsString()] = dp.Value
				}
			}
		}
	}
	return out
}

func TestMetricsHolder_SetGridLevelObservedOnCollect(t *testing.T) {
	h, reader := newTestHolder(t)

	h.SetGridLevel("001/DOGEUSDT/long", 3)
	h.SetGridLevel("001/DOGEUSDT/short", 1)

	values := collectGauge(t, reader, MetricGridLevel)
	assert.Equal(t, float64(3), values["001/DOGEUSDT/long"])
	assert.Equal(t, float64(1), values["001/DOGEUSDT/short"])
}

func TestMetricsHolder_SetAveragingFrozenEncodesBoolAsZeroOrOne(t *testing.T) {
	h, reader := newTestHolder(t)

	h.SetAveragingFrozen("001", true)
	values := collectGauge(t, reader, MetricAveragingFrozen)
	assert.Equal(t, float64(1), values["001"])

	h.SetAveragingFrozen("001", false)
	values = collectGauge(t, reader, MetricAveragingFrozen)
	assert.Equal(t, float64(0), values["001"])
}

func TestMetricsHolder_SetPanicModeEncodesBoolAsZeroOrOne(t *testing.T) {
	h, reader := newTestHolder(t)

	h.SetPanicMode("001", true)
	values := collectGauge(t, reader, MetricPanicMode)
	assert.Equal(t, float64(1), values["001"])
}

func TestMetricsHolder_SetCircuitBreakerOpenTracksPerVenueKey(t *testing.T) {
	h, reader := newTestHolder(t)

	h.SetCircuitBreakerOpen("bybit", true)
	values := collectGauge(t, reader, MetricCircuitBreakerOpen)
	assert.Equal(t, float64(1), values["bybit"])

	h.SetCircuitBreakerOpen("bybit", false)
	values = collectGauge(t, reader, MetricCircuitBreakerOpen)
	assert.Equal(t, float64(0), values["bybit"])
}

func TestMetricsHolder_SafetyReserveAndAvailableAreIndependentSeries(t *testing.T) {
	h, reader := newTestHolder(t)

	h.SetSafetyReserve("001", 250.5)
	h.SetAvailableForTrading("001", 1750.25)

	reserve := collectGauge(t, reader, MetricSafetyReserve)
	available := collectGauge(t, reader, MetricAvailableForTrading)
	assert.Equal(t, 250.5, reserve["001"])
	assert.Equal(t, 1750.25, available["001"])
}

func TestGetGlobalMetrics_ReturnsSameSingletonInstance(t *testing.T) {
	a := GetGlobalMetrics()
	b := GetGlobalMetrics()
	assert.Same(t, a, b)
}
