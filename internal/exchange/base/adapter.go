// Package base provides common functionality shared by exchange adapters:
// signed HTTP transport with a resilience pipeline (retry + circuit
// breaker), request-rate limiting, and small decimal/timestamp helpers.
// Folded in from this lineage's standalone resilient HTTP client, since
// only one venue adapter exists in this engine and a separate package
// added an import hop for no benefit.
package base

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"market_maker/internal/core"
	"market_maker/pkg/telemetry"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

// MapSignRequestFunc is a function type for exchange-specific request signing.
type MapSignRequestFunc func(req *http.Request, body []byte) error

// ParseErrorFunc is a function type for exchange-specific error parsing.
type ParseErrorFunc func(body []byte) error

// MapOrderStatusFunc is a function type for exchange-specific order status mapping.
type MapOrderStatusFunc func(rawStatus string) core.OrderStatus

// BaseAdapter provides common functionality for all exchange adapters.
type BaseAdapter struct {
	Name       string
	APIKey     string
	APISecret  string
	BaseURL    string
	Logger     core.ILogger
	HTTPClient *http.Client

	limiter  *rate.Limiter
	pipeline failsafe.Executor[*http.Response]

	tracer      trace.Tracer
	reqCounter  metric.Int64Counter
	errCounter  metric.Int64Counter
	latencyHist metric.Float64Histogram

	SignRequestFunc MapSignRequestFunc
	ParseError      ParseErrorFunc
	MapOrderStatus  MapOrderStatusFunc
}

// NewBaseAdapter creates a new base adapter with a signed HTTP transport,
// a per-second request rate limit matched to the venue's public REST
// budget, and a retry+circuit-breaker resilience pipeline.
func NewBaseAdapter(name, baseURL, apiKey, apiSecret string, requestsPerSecond int, logger core.ILogger) *BaseAdapter {
	retryPolicy := retrypolicy.NewBuilder[*http.Response]().
		HandleIf(func(resp *http.Response, err error) bool {
			if err != nil {
				return true
			}
			return resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
		}).
		WithBackoff(100*time.Millisecond, 2*time.Second).
		WithMaxRetries(3).
		Build()

	breaker := circuitbreaker.NewBuilder[*http.Response]().
		HandleIf(func(resp *http.Response, err error) bool {
			if err != nil {
				return true
			}
			return resp.StatusCode >= 500
		}).
		WithFailureThresholdRatio(5, 10).
		WithDelay(10 * time.Second).
		OnOpen(func(event circuitbreaker.StateChangedEvent) {
			telemetry.GetGlobalMetrics().SetCircuitBreakerOpen(name, true)
		}).
		OnClose(func(event circuitbreaker.StateChangedEvent) {
			telemetry.GetGlobalMetrics().SetCircuitBreakerOpen(name, false)
		}).
		Build()

	tracer := telemetry.GetTracer("exchange-" + name)
	meter := telemetry.GetMeter("exchange-" + name)
	reqCounter, _ := meter.Int64Counter(name+"_requests_total", metric.WithDescription("Total exchange REST requests"))
	errCounter, _ := meter.Int64Counter(name+"_errors_total", metric.WithDescription("Total exchange REST errors"))
	latencyHist, _ := meter.Float64Histogram(name+"_request_duration_seconds", metric.WithDescription("Exchange REST request latency"))

	if requestsPerSecond <= 0 {
		requestsPerSecond = 10
	}

	return &BaseAdapter{
		Name:      name,
		APIKey:    apiKey,
		APISecret: apiSecret,
		BaseURL:   baseURL,
		Logger:    logger.WithField("exchange", name),
		HTTPClient: &http.Client{
			Timeout: 10 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
				DisableKeepAlives:   false,
			},
		},
		limiter:     rate.NewLimiter(rate.Limit(requestsPerSecond), requestsPerSecond*2),
		pipeline:    failsafe.With[*http.Response](retryPolicy, breaker),
		tracer:      tracer,
		reqCounter:  reqCounter,
		errCounter:  errCounter,
		latencyHist: latencyHist,
	}
}

func (b *BaseAdapter) GetName() string { return b.Name }

func (b *BaseAdapter) SetSignRequest(fn MapSignRequestFunc)    { b.SignRequestFunc = fn }
func (b *BaseAdapter) SetParseError(fn ParseErrorFunc)         { b.ParseError = fn }
func (b *BaseAdapter) SetMapOrderStatus(fn MapOrderStatusFunc) { b.MapOrderStatus = fn }

func (b *BaseAdapter) GetLogger() core.ILogger     { return b.Logger }
func (b *BaseAdapter) GetHTTPClient() *http.Client { return b.HTTPClient }

// ExecuteRequest executes a signed HTTP request through the rate limiter and
// resilience pipeline, with common error handling.
func (b *BaseAdapter) ExecuteRequest(ctx context.Context, method, url string, body []byte) ([]byte, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if b.SignRequestFunc != nil {
		if err := b.SignRequestFunc(req, body); err != nil {
			return nil, fmt.Errorf("failed to sign request: %w", err)
		}
	}

	ctx, span := b.tracer.Start(ctx, method+" "+req.URL.Path,
		trace.WithAttributes(attribute.String("http.method", method), attribute.String("http.url", url)))
	defer span.End()
	req = req.WithContext(ctx)

	start := time.Now()
	resp, err := b.pipeline.GetWithExecution(func(exec failsafe.Execution[*http.Response]) (*http.Response, error) {
		return b.HTTPClient.Do(req)
	})
	b.latencyHist.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(attribute.String("path", req.URL.Path)))
	b.reqCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("path", req.URL.Path)))

	if err != nil {
		span.RecordError(err)
		b.errCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("path", req.URL.Path), attribute.String("error", "pipeline_failed")))
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		b.errCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("path", req.URL.Path), attribute.Int("status", resp.StatusCode)))
		if b.ParseError != nil {
			if parseErr := b.ParseError(respBody); parseErr != nil {
				return nil, parseErr
			}
		}
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(respBody))
	}

	return respBody, nil
}

// SafeMapOrderStatus maps an exchange-specific raw status string to core.OrderStatus.
func (b *BaseAdapter) SafeMapOrderStatus(rawStatus string) core.OrderStatus {
	if b.MapOrderStatus != nil {
		return b.MapOrderStatus(rawStatus)
	}
	return core.OrderStatusUnspecified
}

// ParseDecimal safely parses a string to decimal, logging and returning zero on failure.
func (b *BaseAdapter) ParseDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		b.Logger.Warn("failed to parse decimal", "value", s, "error", err)
		return decimal.Zero
	}
	return d
}

// ParseTimestamp safely parses a timestamp in milliseconds.
func (b *BaseAdapter) ParseTimestamp(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
