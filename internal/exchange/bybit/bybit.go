// Package bybit implements core.IExchange for Bybit v5 USDT-linear
// perpetual futures in hedge mode (positionIdx 1=Long, 2=Short).
package bybit

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"market_maker/internal/core"
	"market_maker/internal/exchange/base"
	apperrors "market_maker/pkg/errors"

	"github.com/shopspring/decimal"
)

const (
	defaultBaseURL = "https://api.bybit.com"
	demoBaseURL    = "https://api-demo.bybit.com"
	recvWindow     = "5000"
)

// symbolPrecision caches the price/quantity decimal places Bybit reports
// for an instrument, filled in by FetchInstrumentPrecision from
// instruments-info.
type symbolPrecision struct {
	priceDecimals    int
	quantityDecimals int
}

// BybitExchange implements core.IExchange against Bybit's v5 REST API.
type BybitExchange struct {
	*base.BaseAdapter

	mu         sync.RWMutex
	precisions map[string]symbolPrecision
}

// NewBybitExchange constructs a Bybit adapter. env selects the production
// or demo-trading base URL (spec §6's per-account environment split).
func NewBybitExchange(apiKey, apiSecret string, env core.Env, logger core.ILogger) *BybitExchange {
	baseURL := defaultBaseURL
	if env == core.EnvDemo {
		baseURL = demoBaseURL
	}

	adapter := base.NewBaseAdapter("bybit", baseURL, apiKey, apiSecret, 10, logger)
	e := &BybitExchange{
		BaseAdapter: adapter,
		precisions:  make(map[string]symbolPrecision),
	}

	adapter.SetSignRequest(func(req *http.Request, body []byte) error {
		return e.signRequest(req, body)
	})
	adapter.SetParseError(e.parseError)
	adapter.SetMapOrderStatus(mapOrderStatus)

	return e
}

// signRequest implements Bybit v5's HMAC-SHA256 signing scheme:
// signature = HMAC(timestamp + apiKey + recvWindow + payload, secret), where
// payload is the JSON body for POST or the raw query string for GET.
func (e *BybitExchange) signRequest(req *http.Request, body []byte) error {
	timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)

	payload := string(body)
	if req.Method == http.MethodGet {
		payload = req.URL.RawQuery
	}

	mac := hmac.New(sha256.New, []byte(e.APISecret))
	mac.Write([]byte(timestamp + e.APIKey + recvWindow + payload))
	signature := hex.EncodeToString(mac.Sum(nil))

	req.Header.Set("X-BAPI-API-KEY", e.APIKey)
	req.Header.Set("X-BAPI-SIGN", signature)
	req.Header.Set("X-BAPI-TIMESTAMP", timestamp)
	req.Header.Set("X-BAPI-RECV-WINDOW", recvWindow)
	req.Header.Set("Content-Type", "application/json")
	return nil
}

// WSAuthArgs returns the (apiKey, expiresAtMs, signature) triple the private
// WebSocket "auth" op expects, per Bybit v5's realtime auth scheme. Exposed
// for the stream hub, which owns the socket connection.
func (e *BybitExchange) WSAuthArgs() (string, int64, string) {
	expires := time.Now().UnixMilli() + 10000
	val := fmt.Sprintf("GET/realtime%d", expires)
	mac := hmac.New(sha256.New, []byte(e.APISecret))
	mac.Write([]byte(val))
	return e.APIKey, expires, hex.EncodeToString(mac.Sum(nil))
}

type bybitErrorResponse struct {
	RetCode int    `json:"retCode"`
	RetMsg  string `json:"retMsg"`
}

// retCode mapping per https://bybit-exchange.github.io/docs/v5/error.
func (e *BybitExchange) parseError(body []byte) error {
	var resp bybitErrorResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("bybit error (unparseable body): %s", string(body))
	}

	switch resp.RetCode {
	case 0:
		return nil
	case 10001, 10002, 130006:
		return fmt.Errorf("%w: %s", apperrors.ErrInvalidOrderParameter, resp.RetMsg)
	case 10003, 10004:
		return fmt.Errorf("%w: %s", apperrors.ErrAuthenticationFailed, resp.RetMsg)
	case 10006:
		return fmt.Errorf("%w: %s", apperrors.ErrRateLimitExceeded, resp.RetMsg)
	case 10016:
		return fmt.Errorf("%w: %s", apperrors.ErrExchangeMaintenance, resp.RetMsg)
	case 110001:
		return fmt.Errorf("%w: %s", apperrors.ErrOrderNotFound, resp.RetMsg)
	case 110007, 110012:
		return fmt.Errorf("%w: %s", apperrors.ErrInsufficientFunds, resp.RetMsg)
	case 110025:
		// position mode not modified; SetPositionMode treats it as success
		return fmt.Errorf("%w: %s", apperrors.ErrInvalidOrderParameter, resp.RetMsg)
	case 170193, 170194:
		return fmt.Errorf("%w: %s", apperrors.ErrOrderRejected, resp.RetMsg)
	case 33004, 33006:
		return fmt.Errorf("%w: %s", apperrors.ErrInvalidOrderParameter, resp.RetMsg)
	default:
		return fmt.Errorf("bybit error %d: %s", resp.RetCode, resp.RetMsg)
	}
}

func mapOrderStatus(raw string) core.OrderStatus {
	switch raw {
	case "Created", "New":
		return core.OrderStatusNew
	case "PartiallyFilled":
		return core.OrderStatusPartiallyFilled
	case "Filled":
		return core.OrderStatusFilled
	case "Cancelled", "Deactivated":
		return core.OrderStatusCancelled
	case "Rejected":
		return core.OrderStatusRejected
	default:
		return core.OrderStatusUnspecified
	}
}

func sideToBybit(side core.OrderSide) string {
	if side == core.OrderSideSell {
		return "Sell"
	}
	return "Buy"
}

func sideFromBybit(raw string) core.OrderSide {
	if strings.EqualFold(raw, "Sell") {
		return core.OrderSideSell
	}
	return core.OrderSideBuy
}

func (e *BybitExchange) CheckHealth(ctx context.Context) error {
	_, err := e.GetTicker(ctx, "BTCUSDT")
	return err
}

// PlaceOrder submits a hedge-mode limit or market order. PositionIdx must
// be 1 (Long) or 2 (Short); Bybit rejects hedge-mode orders sent with idx 0.
func (e *BybitExchange) PlaceOrder(ctx context.Context, req core.PlaceOrderRequest) (core.PlaceOrderResult, error) {
	body := map[string]interface{}{
		"category":    "linear",
		"symbol":      req.Symbol,
		"side":        sideToBybit(req.Side),
		"orderType":   string(req.OrderType),
		"qty":         req.Qty.String(),
		"timeInForce": "GTC",
		"positionIdx": req.PositionIdx,
	}
	if req.OrderType == core.OrderTypeLimit {
		body["price"] = req.Price.String()
	}
	if req.ClientOID != "" {
		body["orderLinkId"] = req.ClientOID
	}
	if req.ReduceOnly {
		body["reduceOnly"] = true
	}

	jsonBody, err := json.Marshal(body)
	if err != nil {
		return core.PlaceOrderResult{}, err
	}

	respBody, err := e.ExecuteRequest(ctx, http.MethodPost, e.BaseURL+"/v5/order/create", jsonBody)
	if err != nil {
		return core.PlaceOrderResult{}, err
	}

	var resp struct {
		bybitErrorResponse
		Result struct {
			OrderID     string `json:"orderId"`
			OrderLinkID string `json:"orderLinkId"`
		} `json:"result"`
	}
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return core.PlaceOrderResult{}, err
	}
	if resp.RetCode != 0 {
		return core.PlaceOrderResult{}, e.parseError(respBody)
	}

	return core.PlaceOrderResult{OrderID: resp.Result.OrderID, ClientOID: resp.Result.OrderLinkID}, nil
}

func (e *BybitExchange) CancelOrder(ctx context.Context, symbol string, orderID string) error {
	body := map[string]interface{}{
		"category": "linear",
		"symbol":   symbol,
		"orderId":  orderID,
	}
	jsonBody, _ := json.Marshal(body)

	respBody, err := e.ExecuteRequest(ctx, http.MethodPost, e.BaseURL+"/v5/order/cancel", jsonBody)
	if err != nil {
		return err
	}

	var resp bybitErrorResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return err
	}
	if resp.RetCode != 0 && resp.RetCode != 110001 {
		return e.parseError(respBody)
	}
	return nil
}

func (e *BybitExchange) GetOpenOrders(ctx context.Context, symbol string) ([]core.Order, error) {
	q := url.Values{}
	q.Set("category", "linear")
	if symbol != "" {
		q.Set("symbol", symbol)
	}

	respBody, err := e.executeGet(ctx, "/v5/order/realtime", q)
	if err != nil {
		return nil, err
	}

	var resp struct {
		bybitErrorResponse
		Result struct {
			List []rawOrder `json:"list"`
		} `json:"result"`
	}
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, err
	}
	if resp.RetCode != 0 {
		return nil, e.parseError(respBody)
	}

	orders := make([]core.Order, len(resp.Result.List))
	for i, raw := range resp.Result.List {
		orders[i] = raw.toOrder(e)
	}
	return orders, nil
}

type rawOrder struct {
	OrderID     string `json:"orderId"`
	OrderLinkID string `json:"orderLinkId"`
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	Price       string `json:"price"`
	Qty         string `json:"qty"`
	OrderType   string `json:"orderType"`
	OrderStatus string `json:"orderStatus"`
	ReduceOnly  bool   `json:"reduceOnly"`
	PositionIdx int    `json:"positionIdx"`
	CumExecQty  string `json:"cumExecQty"`
	AvgPrice    string `json:"avgPrice"`
	CreatedTime string `json:"createdTime"`
	UpdatedTime string `json:"updatedTime"`
}

func (r rawOrder) toOrder(e *BybitExchange) core.Order {
	createdMs, _ := strconv.ParseInt(r.CreatedTime, 10, 64)
	orderType := core.OrderTypeLimit
	if strings.EqualFold(r.OrderType, "Market") {
		orderType = core.OrderTypeMarket
	}
	return core.Order{
		OrderID:     r.OrderID,
		ClientOID:   r.OrderLinkID,
		Symbol:      r.Symbol,
		Side:        sideFromBybit(r.Side),
		Qty:         e.ParseDecimal(r.Qty),
		Price:       e.ParseDecimal(r.Price),
		OrderType:   orderType,
		OrderStatus: e.SafeMapOrderStatus(r.OrderStatus),
		ReduceOnly:  r.ReduceOnly,
		PositionIdx: r.PositionIdx,
		CumExecQty:  e.ParseDecimal(r.CumExecQty),
		AvgPrice:    e.ParseDecimal(r.AvgPrice),
		CreatedAt:   e.ParseTimestamp(createdMs),
	}
}

func (r rawOrder) toHistorical(e *BybitExchange) core.HistoricalOrder {
	updatedMs, _ := strconv.ParseInt(r.UpdatedTime, 10, 64)
	return core.HistoricalOrder{
		OrderID:     r.OrderID,
		Symbol:      r.Symbol,
		Side:        sideFromBybit(r.Side),
		PositionIdx: r.PositionIdx,
		OrderStatus: e.SafeMapOrderStatus(r.OrderStatus),
		ReduceOnly:  r.ReduceOnly,
		CumExecQty:  e.ParseDecimal(r.CumExecQty),
		AvgPrice:    e.ParseDecimal(r.AvgPrice),
		UpdatedAt:   e.ParseTimestamp(updatedMs),
	}
}

// GetActivePosition returns the size/avgPrice for one hedge-mode leg
// (positionIdx derived from side), zero-valued if flat.
func (e *BybitExchange) GetActivePosition(ctx context.Context, symbol string, side core.Side) (core.PositionSnapshot, error) {
	q := url.Values{}
	q.Set("category", "linear")
	q.Set("symbol", symbol)

	respBody, err := e.executeGet(ctx, "/v5/position/list", q)
	if err != nil {
		return core.PositionSnapshot{}, err
	}

	var resp struct {
		bybitErrorResponse
		Result struct {
			List []struct {
				Symbol      string `json:"symbol"`
				Side        string `json:"side"`
				Size        string `json:"size"`
				AvgPrice    string `json:"avgPrice"`
				PositionIdx int    `json:"positionIdx"`
			} `json:"list"`
		} `json:"result"`
	}
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return core.PositionSnapshot{}, err
	}
	if resp.RetCode != 0 {
		return core.PositionSnapshot{}, e.parseError(respBody)
	}

	wantIdx := 1
	if side == core.SideShort {
		wantIdx = 2
	}
	for _, raw := range resp.Result.List {
		if raw.PositionIdx == wantIdx {
			return core.PositionSnapshot{
				Symbol:   symbol,
				Side:     side,
				Size:     e.ParseDecimal(raw.Size),
				AvgPrice: e.ParseDecimal(raw.AvgPrice),
			}, nil
		}
	}
	return core.PositionSnapshot{Symbol: symbol, Side: side}, nil
}

// GetOrderHistory pages through closed/filled/cancelled orders, newest
// first, for reconciliation's grid-reconstruction pass (spec §4.4.1).
func (e *BybitExchange) GetOrderHistory(ctx context.Context, symbol string, limit int, cursor string) (core.OrderHistoryPage, error) {
	q := url.Values{}
	q.Set("category", "linear")
	q.Set("symbol", symbol)
	q.Set("limit", strconv.Itoa(limit))
	if cursor != "" {
		q.Set("cursor", cursor)
	}

	respBody, err := e.executeGet(ctx, "/v5/order/history", q)
	if err != nil {
		return core.OrderHistoryPage{}, err
	}

	var resp struct {
		bybitErrorResponse
		Result struct {
			List           []rawOrder `json:"list"`
			NextPageCursor string     `json:"nextPageCursor"`
		} `json:"result"`
	}
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return core.OrderHistoryPage{}, err
	}
	if resp.RetCode != 0 {
		return core.OrderHistoryPage{}, e.parseError(respBody)
	}

	page := core.OrderHistoryPage{
		Orders:     make([]core.HistoricalOrder, len(resp.Result.List)),
		NextCursor: resp.Result.NextPageCursor,
	}
	for i, raw := range resp.Result.List {
		page.Orders[i] = raw.toHistorical(e)
	}
	return page, nil
}

// GetWallet returns the unified-margin USDT wallet snapshot.
func (e *BybitExchange) GetWallet(ctx context.Context) (core.WalletSnapshot, error) {
	q := url.Values{}
	q.Set("accountType", "UNIFIED")

	respBody, err := e.executeGet(ctx, "/v5/account/wallet-balance", q)
	if err != nil {
		return core.WalletSnapshot{}, err
	}

	var resp struct {
		bybitErrorResponse
		Result struct {
			List []struct {
				TotalEquity           string `json:"totalEquity"`
				TotalAvailableBalance string `json:"totalAvailableBalance"`
				TotalInitialMargin    string `json:"totalInitialMargin"`
				TotalMaintenanceMargin string `json:"totalMaintenanceMargin"`
				AccountMMRate         string `json:"accountMMRate"`
			} `json:"list"`
		} `json:"result"`
	}
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return core.WalletSnapshot{}, err
	}
	if resp.RetCode != 0 {
		return core.WalletSnapshot{}, e.parseError(respBody)
	}
	if len(resp.Result.List) == 0 {
		return core.WalletSnapshot{}, fmt.Errorf("bybit: empty wallet list")
	}

	raw := resp.Result.List[0]
	return core.WalletSnapshot{
		TotalEquity:            e.ParseDecimal(raw.TotalEquity),
		TotalAvailableBalance:  e.ParseDecimal(raw.TotalAvailableBalance),
		TotalInitialMargin:     e.ParseDecimal(raw.TotalInitialMargin),
		TotalMaintenanceMargin: e.ParseDecimal(raw.TotalMaintenanceMargin),
		AccountMMRatePercent:   e.ParseDecimal(raw.AccountMMRate),
	}, nil
}

func (e *BybitExchange) GetTicker(ctx context.Context, symbol string) (core.Ticker, error) {
	q := url.Values{}
	q.Set("category", "linear")
	q.Set("symbol", symbol)

	respBody, err := e.executeGet(ctx, "/v5/market/tickers", q)
	if err != nil {
		return core.Ticker{}, err
	}

	var resp struct {
		bybitErrorResponse
		Result struct {
			List []struct {
				Symbol    string `json:"symbol"`
				LastPrice string `json:"lastPrice"`
			} `json:"list"`
		} `json:"result"`
	}
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return core.Ticker{}, err
	}
	if resp.RetCode != 0 {
		return core.Ticker{}, e.parseError(respBody)
	}
	if len(resp.Result.List) == 0 {
		return core.Ticker{}, fmt.Errorf("%w: %s", apperrors.ErrInvalidSymbol, symbol)
	}

	return core.Ticker{
		Symbol:    resp.Result.List[0].Symbol,
		LastPrice: e.ParseDecimal(resp.Result.List[0].LastPrice),
		Timestamp: time.Now(),
	}, nil
}

func (e *BybitExchange) SetLeverage(ctx context.Context, symbol string, leverage int64) error {
	body := map[string]interface{}{
		"category":     "linear",
		"symbol":       symbol,
		"buyLeverage":  strconv.FormatInt(leverage, 10),
		"sellLeverage": strconv.FormatInt(leverage, 10),
	}
	jsonBody, _ := json.Marshal(body)

	respBody, err := e.ExecuteRequest(ctx, http.MethodPost, e.BaseURL+"/v5/position/set-leverage", jsonBody)
	if err != nil {
		return err
	}
	var resp bybitErrorResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return err
	}
	// 110043: leverage not modified (already at requested value) is a no-op success.
	if resp.RetCode != 0 && resp.RetCode != 110043 {
		return e.parseError(respBody)
	}
	return nil
}

func (e *BybitExchange) SetPositionMode(ctx context.Context, symbol string, hedge bool) error {
	mode := 0
	if hedge {
		mode = 3
	}
	body := map[string]interface{}{
		"category": "linear",
		"symbol":   symbol,
		"mode":     mode,
	}
	jsonBody, _ := json.Marshal(body)

	respBody, err := e.ExecuteRequest(ctx, http.MethodPost, e.BaseURL+"/v5/position/switch-mode", jsonBody)
	if err != nil {
		return err
	}
	var resp bybitErrorResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return err
	}
	// 110025: position mode not modified (already set) is a no-op success.
	if resp.RetCode != 0 && resp.RetCode != 110025 {
		return e.parseError(respBody)
	}
	return nil
}

func (e *BybitExchange) GetKlines(ctx context.Context, symbol string, interval string, limit int) ([]core.Kline, error) {
	q := url.Values{}
	q.Set("category", "linear")
	q.Set("symbol", symbol)
	q.Set("interval", interval)
	q.Set("limit", strconv.Itoa(limit))

	respBody, err := e.executeGet(ctx, "/v5/market/kline", q)
	if err != nil {
		return nil, err
	}

	var resp struct {
		bybitErrorResponse
		Result struct {
			List [][]string `json:"list"`
		} `json:"result"`
	}
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, err
	}
	if resp.RetCode != 0 {
		return nil, e.parseError(respBody)
	}

	// Bybit returns newest-first; reverse to newest-last for ATR consumers.
	klines := make([]core.Kline, len(resp.Result.List))
	n := len(resp.Result.List)
	for i, row := range resp.Result.List {
		if len(row) < 5 {
			continue
		}
		openMs, _ := strconv.ParseInt(row[0], 10, 64)
		klines[n-1-i] = core.Kline{
			OpenTime: openMs,
			Open:     e.ParseDecimal(row[1]),
			High:     e.ParseDecimal(row[2]),
			Low:      e.ParseDecimal(row[3]),
			Close:    e.ParseDecimal(row[4]),
		}
	}
	return klines, nil
}

func (e *BybitExchange) GetPriceDecimals(symbol string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if p, ok := e.precisions[symbol]; ok {
		return p.priceDecimals
	}
	return 4
}

func (e *BybitExchange) GetQuantityDecimals(symbol string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if p, ok := e.precisions[symbol]; ok {
		return p.quantityDecimals
	}
	return 0
}

// FetchInstrumentPrecision learns tick/qty-step precision for a symbol from
// the public instruments-info endpoint and caches it for GetPriceDecimals /
// GetQuantityDecimals, used by rounding helpers before every order placement.
func (e *BybitExchange) FetchInstrumentPrecision(ctx context.Context, symbol string) error {
	q := url.Values{}
	q.Set("category", "linear")
	q.Set("symbol", symbol)

	reqURL := e.BaseURL + "/v5/market/instruments-info?" + q.Encode()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return err
	}
	resp, err := e.HTTPClient.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var body struct {
		bybitErrorResponse
		Result struct {
			List []struct {
				Symbol      string `json:"symbol"`
				PriceFilter struct {
					TickSize string `json:"tickSize"`
				} `json:"priceFilter"`
				LotSizeFilter struct {
					QtyStep string `json:"qtyStep"`
				} `json:"lotSizeFilter"`
			} `json:"list"`
		} `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return err
	}
	if body.RetCode != 0 {
		return fmt.Errorf("bybit error %d: %s", body.RetCode, body.RetMsg)
	}
	if len(body.Result.List) == 0 {
		return fmt.Errorf("%w: %s", apperrors.ErrInvalidSymbol, symbol)
	}

	// Re-parse the String() form, which drops trailing zeros ("0.10" -> "0.1"),
	// so the exponent reflects the significant decimal places.
	tickSize := e.ParseDecimal(e.ParseDecimal(body.Result.List[0].PriceFilter.TickSize).String())
	qtyStep := e.ParseDecimal(e.ParseDecimal(body.Result.List[0].LotSizeFilter.QtyStep).String())

	e.mu.Lock()
	e.precisions[symbol] = symbolPrecision{
		priceDecimals:    int(-tickSize.Exponent()),
		quantityDecimals: int(-qtyStep.Exponent()),
	}
	e.mu.Unlock()
	return nil
}

// executeGet is ExecuteRequest specialized for GET: the signature payload
// is the raw query string, so the query must already be attached to url.
func (e *BybitExchange) executeGet(ctx context.Context, path string, q url.Values) ([]byte, error) {
	reqURL := e.BaseURL + path
	if encoded := q.Encode(); encoded != "" {
		reqURL += "?" + encoded
	}
	return e.ExecuteRequest(ctx, http.MethodGet, reqURL, nil)
}

var _ core.IExchange = (*BybitExchange)(nil)
