package exchange

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vitos/crypto_trade_risk/internal/domain"
)

const (
	BybitBaseURL = "https://api.bybit.com"
	BybitWSURL   = "wss://stream.bybit.com/v5/public/linear"

	category       = "linear"
	recvWindow     = 5000
	maxAttempts    = 4
	atrPeriod      = 14
	atrInterval    = "60"
	tickerFreshFor = 30 * time.Second
	// orderLinkId is capped at 36 characters
	maxLinkID = 36

	retOrderNotFound = 110001
)

// APIError is a non-zero retCode from the V5 API.
type APIError struct {
	Code int
	Msg  string
	Path string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("bybit %s: %d %s", e.Path, e.Code, e.Msg)
}

type retryableError struct{ err error }

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

// BybitAdapter implements domain.MarketData and domain.OrderVenue over the
// Bybit V5 REST API, with an optional public ticker stream for marks.
type BybitAdapter struct {
	apiKey    string
	apiSecret string
	baseURL   string
	wsURL     string
	client    *http.Client
	logger    *zap.Logger

	mu      sync.Mutex
	info    map[string]domain.SymbolInfo
	orders  map[string]string // orderID -> symbol
	tickers map[string]tickerState

	callbacks []func(domain.Ticker)
	retryWait time.Duration
}

type tickerState struct {
	ticker domain.Ticker
	mark   decimal.Decimal
}

func NewBybitAdapter(apiKey, apiSecret, baseURL, wsURL string, logger *zap.Logger) *BybitAdapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if baseURL == "" {
		baseURL = BybitBaseURL
	}
	if wsURL == "" {
		wsURL = BybitWSURL
	}
	return &BybitAdapter{
		apiKey:    apiKey,
		apiSecret: apiSecret,
		baseURL:   strings.TrimRight(baseURL, "/"),
		wsURL:     wsURL,
		client:    &http.Client{Timeout: 10 * time.Second},
		logger:    logger,
		info:      make(map[string]domain.SymbolInfo),
		orders:    make(map[string]string),
		tickers:   make(map[string]tickerState),
		retryWait: 500 * time.Millisecond,
	}
}

// --- REST API ---

func (b *BybitAdapter) sign(params string, timestamp int64) string {
	// timestamp + apiKey + recvWindow + params
	toSign := fmt.Sprintf("%d%s%d%s", timestamp, b.apiKey, recvWindow, params)
	h := hmac.New(sha256.New, []byte(b.apiSecret))
	h.Write([]byte(toSign))
	return hex.EncodeToString(h.Sum(nil))
}

// sendRequest signs and sends one call, retrying transport failures, 5xx
// and rate limits with exponential backoff. result receives the "result"
// object of a retCode 0 response.
func (b *BybitAdapter) sendRequest(ctx context.Context, method, path string, payload map[string]any, result any) error {
	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.InitialInterval = b.retryWait

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := b.do(ctx, method, path, payload, result)
		if err == nil {
			return nil
		}
		var retry *retryableError
		if !errors.As(err, &retry) {
			return err
		}
		lastErr = retry.err
		if attempt == maxAttempts {
			break
		}
		sleep := backoffCfg.NextBackOff()
		if sleep == backoff.Stop {
			break
		}
		b.logger.Warn("Bybit request failed, retrying",
			zap.String("path", path),
			zap.Int("attempt", attempt),
			zap.Duration("wait", sleep),
			zap.Error(lastErr))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
	}
	return fmt.Errorf("bybit %s: giving up after %d attempts: %w", path, maxAttempts, lastErr)
}

func (b *BybitAdapter) do(ctx context.Context, method, path string, payload map[string]any, result any) error {
	timestamp := time.Now().UnixMilli()

	var (
		body      []byte
		paramsStr string
	)
	if payload != nil {
		jsonBody, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = jsonBody
		paramsStr = string(jsonBody)
	} else if idx := strings.Index(path, "?"); idx != -1 {
		paramsStr = path[idx+1:]
	}

	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("X-BAPI-API-KEY", b.apiKey)
	req.Header.Set("X-BAPI-TIMESTAMP", strconv.FormatInt(timestamp, 10))
	req.Header.Set("X-BAPI-SIGN", b.sign(paramsStr, timestamp))
	req.Header.Set("X-BAPI-RECV-WINDOW", strconv.Itoa(recvWindow))
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		return &retryableError{err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &retryableError{err: err}
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return &retryableError{err: fmt.Errorf("http %d: %s", resp.StatusCode, string(respBody))}
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("API error: %s", string(respBody))
	}

	var envelope struct {
		RetCode int             `json:"retCode"`
		RetMsg  string          `json:"retMsg"`
		Result  json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	if envelope.RetCode != 0 {
		return &APIError{Code: envelope.RetCode, Msg: envelope.RetMsg, Path: strings.SplitN(path, "?", 2)[0]}
	}
	if result == nil || len(envelope.Result) == 0 {
		return nil
	}
	return json.Unmarshal(envelope.Result, result)
}

// --- MarketData ---

func (b *BybitAdapter) GetSymbolInfo(ctx context.Context, symbol string) (domain.SymbolInfo, error) {
	b.mu.Lock()
	info, ok := b.info[symbol]
	b.mu.Unlock()
	if ok {
		return info, nil
	}

	var result struct {
		List []struct {
			Symbol        string `json:"symbol"`
			LotSizeFilter struct {
				MinOrderQty      string `json:"minOrderQty"`
				QtyStep          string `json:"qtyStep"`
				MinNotionalValue string `json:"minNotionalValue"`
			} `json:"lotSizeFilter"`
			PriceFilter struct {
				TickSize string `json:"tickSize"`
			} `json:"priceFilter"`
		} `json:"list"`
	}
	path := fmt.Sprintf("/v5/market/instruments-info?category=%s&symbol=%s", category, symbol)
	if err := b.sendRequest(ctx, http.MethodGet, path, nil, &result); err != nil {
		return domain.SymbolInfo{}, err
	}
	if len(result.List) == 0 {
		return domain.SymbolInfo{}, fmt.Errorf("instrument %s: %w", symbol, domain.ErrNotFound)
	}

	raw := result.List[0]
	info = domain.SymbolInfo{
		Symbol:      raw.Symbol,
		MinQty:      parseDecimal(raw.LotSizeFilter.MinOrderQty),
		StepSize:    parseDecimal(raw.LotSizeFilter.QtyStep),
		PriceTick:   parseDecimal(raw.PriceFilter.TickSize),
		MinNotional: parseDecimal(raw.LotSizeFilter.MinNotionalValue),
	}
	b.mu.Lock()
	b.info[symbol] = info
	b.mu.Unlock()
	return info, nil
}

// GetATR is a simple average of the last atrPeriod hourly true ranges.
func (b *BybitAdapter) GetATR(ctx context.Context, symbol string) (decimal.Decimal, bool, error) {
	candles, err := b.GetCandles(ctx, symbol, atrInterval, atrPeriod+1)
	if err != nil {
		return decimal.Zero, false, err
	}
	atr, ok := averageTrueRange(candles, atrPeriod)
	return atr, ok, nil
}

// GetMarkPrice prefers a fresh streamed mark and falls back to REST.
func (b *BybitAdapter) GetMarkPrice(ctx context.Context, symbol string) (decimal.Decimal, bool, error) {
	b.mu.Lock()
	st, ok := b.tickers[symbol]
	b.mu.Unlock()
	if ok && time.Since(st.ticker.Timestamp) < tickerFreshFor {
		if st.mark.IsPositive() {
			return st.mark, true, nil
		}
		if mid := st.ticker.Mid(); mid.IsPositive() {
			return mid, true, nil
		}
	}

	var result struct {
		List []struct {
			MarkPrice string `json:"markPrice"`
			LastPrice string `json:"lastPrice"`
		} `json:"list"`
	}
	path := fmt.Sprintf("/v5/market/tickers?category=%s&symbol=%s", category, symbol)
	if err := b.sendRequest(ctx, http.MethodGet, path, nil, &result); err != nil {
		return decimal.Zero, false, err
	}
	if len(result.List) == 0 {
		return decimal.Zero, false, nil
	}
	mark := parseDecimal(result.List[0].MarkPrice)
	if !mark.IsPositive() {
		mark = parseDecimal(result.List[0].LastPrice)
	}
	return mark, mark.IsPositive(), nil
}

// Candle is one OHLC bar, oldest first when returned by GetCandles.
type Candle struct {
	Start time.Time
	Open  decimal.Decimal
	High  decimal.Decimal
	Low   decimal.Decimal
	Close decimal.Decimal
}

func (b *BybitAdapter) GetCandles(ctx context.Context, symbol, interval string, limit int) ([]Candle, error) {
	var result struct {
		List [][]string `json:"list"`
	}
	path := fmt.Sprintf("/v5/market/kline?category=%s&symbol=%s&interval=%s&limit=%d", category, symbol, interval, limit)
	if err := b.sendRequest(ctx, http.MethodGet, path, nil, &result); err != nil {
		return nil, err
	}

	candles := make([]Candle, 0, len(result.List))
	for _, raw := range result.List {
		// [startTime, open, high, low, close, volume, turnover]
		if len(raw) < 5 {
			continue
		}
		ts, _ := strconv.ParseInt(raw[0], 10, 64)
		candles = append(candles, Candle{
			Start: time.UnixMilli(ts).UTC(),
			Open:  parseDecimal(raw[1]),
			High:  parseDecimal(raw[2]),
			Low:   parseDecimal(raw[3]),
			Close: parseDecimal(raw[4]),
		})
	}
	// newest first on the wire
	sort.Slice(candles, func(i, j int) bool { return candles[i].Start.Before(candles[j].Start) })
	return candles, nil
}

func averageTrueRange(candles []Candle, period int) (decimal.Decimal, bool) {
	if period <= 0 || len(candles) < period+1 {
		return decimal.Zero, false
	}
	window := candles[len(candles)-period-1:]
	sum := decimal.Zero
	for i := 1; i < len(window); i++ {
		prevClose := window[i-1].Close
		c := window[i]
		tr := c.High.Sub(c.Low)
		tr = decimal.Max(tr, c.High.Sub(prevClose).Abs())
		tr = decimal.Max(tr, c.Low.Sub(prevClose).Abs())
		sum = sum.Add(tr)
	}
	atr := sum.Div(decimal.NewFromInt(int64(period)))
	return atr, atr.IsPositive()
}

// --- OrderVenue ---

func (b *BybitAdapter) CreateOrder(ctx context.Context, req domain.OrderRequest) (string, error) {
	payload, err := orderPayload(req)
	if err != nil {
		return "", err
	}

	var result struct {
		OrderID string `json:"orderId"`
	}
	if err := b.sendRequest(ctx, http.MethodPost, "/v5/order/create", payload, &result); err != nil {
		return "", fmt.Errorf("create %s %s %s: %w", req.Type, req.Side, req.Symbol, err)
	}

	b.mu.Lock()
	b.orders[result.OrderID] = req.Symbol
	b.mu.Unlock()

	b.logger.Info("Order placed",
		zap.String("order_id", result.OrderID),
		zap.String("symbol", req.Symbol),
		zap.String("side", string(req.Side)),
		zap.String("type", string(req.Type)),
		zap.Stringer("qty", req.Quantity),
		zap.Stringer("price", req.Price))
	return result.OrderID, nil
}

func orderPayload(req domain.OrderRequest) (map[string]any, error) {
	side := "Buy"
	if req.Side == domain.OrderSideSell {
		side = "Sell"
	}
	payload := map[string]any{
		"category":   category,
		"symbol":     req.Symbol,
		"side":       side,
		"qty":        req.Quantity.String(),
		"reduceOnly": req.ReduceOnly,
	}
	if id := req.ClientOrderID; id != "" {
		if len(id) > maxLinkID {
			id = id[:maxLinkID]
		}
		payload["orderLinkId"] = id
	}

	switch req.Type {
	case domain.OrderTypeMarket:
		payload["orderType"] = "Market"
	case domain.OrderTypeLimit:
		payload["orderType"] = "Limit"
		payload["price"] = req.Price.String()
		payload["timeInForce"] = "GTC"
	case domain.OrderTypeLimitMaker:
		payload["orderType"] = "Limit"
		payload["price"] = req.Price.String()
		payload["timeInForce"] = "PostOnly"
	case domain.OrderTypeStopMarket:
		payload["orderType"] = "Market"
		payload["triggerPrice"] = req.Price.String()
		payload["triggerBy"] = "MarkPrice"
		// 1: trigger when price rises to it, 2: when it falls to it
		direction := 2
		if req.Side == domain.OrderSideBuy {
			direction = 1
		}
		payload["triggerDirection"] = direction
	default:
		return nil, fmt.Errorf("unsupported order type %q", req.Type)
	}
	return payload, nil
}

// CancelOrder reports false when the order could no longer be cancelled
// because it already filled.
func (b *BybitAdapter) CancelOrder(ctx context.Context, orderID string) (bool, error) {
	symbol, err := b.symbolFor(orderID)
	if err != nil {
		return false, err
	}
	payload := map[string]any{
		"category": category,
		"symbol":   symbol,
		"orderId":  orderID,
	}
	err = b.sendRequest(ctx, http.MethodPost, "/v5/order/cancel", payload, nil)
	if err == nil {
		return true, nil
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Code == retOrderNotFound {
		status, serr := b.orderStatus(ctx, symbol, orderID)
		if serr != nil {
			return false, errors.Join(err, serr)
		}
		if status == "Filled" {
			return false, nil
		}
		return status == "Cancelled" || status == "Deactivated", nil
	}
	return false, err
}

func (b *BybitAdapter) CheckFill(ctx context.Context, orderID string) (bool, error) {
	symbol, err := b.symbolFor(orderID)
	if err != nil {
		return false, err
	}
	status, err := b.orderStatus(ctx, symbol, orderID)
	if err != nil {
		return false, err
	}
	return status == "Filled", nil
}

// orderStatus looks at open orders first, then history.
func (b *BybitAdapter) orderStatus(ctx context.Context, symbol, orderID string) (string, error) {
	for _, endpoint := range []string{"/v5/order/realtime", "/v5/order/history"} {
		var result struct {
			List []struct {
				OrderID     string `json:"orderId"`
				OrderStatus string `json:"orderStatus"`
			} `json:"list"`
		}
		path := fmt.Sprintf("%s?category=%s&symbol=%s&orderId=%s", endpoint, category, symbol, orderID)
		if err := b.sendRequest(ctx, http.MethodGet, path, nil, &result); err != nil {
			return "", err
		}
		for _, o := range result.List {
			if o.OrderID == orderID {
				return o.OrderStatus, nil
			}
		}
	}
	return "", fmt.Errorf("order %s: %w", orderID, domain.ErrNotFound)
}

func (b *BybitAdapter) symbolFor(orderID string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	symbol, ok := b.orders[orderID]
	if !ok {
		return "", fmt.Errorf("order %s not placed by this adapter: %w", orderID, domain.ErrNotFound)
	}
	return symbol, nil
}

func (b *BybitAdapter) GetAccount(ctx context.Context) (domain.Account, error) {
	var result struct {
		ReadOnly    int                 `json:"readOnly"`
		Permissions map[string][]string `json:"permissions"`
	}
	if err := b.sendRequest(ctx, http.MethodGet, "/v5/user/query-api", nil, &result); err != nil {
		return domain.Account{}, err
	}

	var perms []string
	withdraw := false
	for group, list := range result.Permissions {
		for _, p := range list {
			perms = append(perms, group+":"+p)
			if p == "Withdraw" {
				withdraw = true
			}
		}
	}
	sort.Strings(perms)
	return domain.Account{
		Permissions:        perms,
		TradingEnabled:     result.ReadOnly == 0,
		WithdrawalsEnabled: withdraw,
	}, nil
}

func parseDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
