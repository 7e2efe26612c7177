package exchange

import (
	"context"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/vitos/crypto_trade_risk/internal/domain"
)

const (
	maxReconnectInterval = 30 * time.Second
	pingInterval         = 20 * time.Second
)

// OnTicker registers a callback for every streamed ticker update.
func (b *BybitAdapter) OnTicker(callback func(domain.Ticker)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.callbacks = append(b.callbacks, callback)
}

// Ticker returns the last streamed ticker for symbol.
func (b *BybitAdapter) Ticker(symbol string) (domain.Ticker, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.tickers[symbol]
	return st.ticker, ok
}

// StreamTickers keeps a public tickers subscription alive until ctx ends,
// reconnecting with exponential backoff.
func (b *BybitAdapter) StreamTickers(ctx context.Context, symbols []string) {
	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.MaxInterval = maxReconnectInterval

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		err := b.streamOnce(ctx, symbols, backoffCfg.Reset)
		if ctx.Err() != nil {
			return
		}
		sleep := backoffCfg.NextBackOff()
		if sleep == backoff.Stop {
			sleep = maxReconnectInterval
		}
		b.logger.Warn("Ticker stream dropped, reconnecting",
			zap.Duration("wait", sleep),
			zap.Error(err))
		select {
		case <-ctx.Done():
			return
		case <-time.After(sleep):
		}
	}
}

func (b *BybitAdapter) streamOnce(ctx context.Context, symbols []string, connected func()) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, b.wsURL, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	args := make([]string, len(symbols))
	for i, s := range symbols {
		args[i] = "tickers." + s
	}
	if err := conn.WriteJSON(map[string]any{"op": "subscribe", "args": args}); err != nil {
		return err
	}
	connected()
	b.logger.Info("Ticker stream connected", zap.Strings("symbols", symbols))

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				conn.Close()
				return
			case <-ticker.C:
				if err := conn.WriteJSON(map[string]string{"op": "ping"}); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		b.handleMessage(message)
	}
}

type tickerMessage struct {
	Topic string `json:"topic"`
	TS    int64  `json:"ts"`
	Data  struct {
		Symbol    string `json:"symbol"`
		Bid1Price string `json:"bid1Price"`
		Ask1Price string `json:"ask1Price"`
		MarkPrice string `json:"markPrice"`
	} `json:"data"`
}

// handleMessage merges a tickers snapshot or delta into the cache. Deltas
// omit unchanged fields, so empty strings keep the previous value.
func (b *BybitAdapter) handleMessage(message []byte) {
	var msg tickerMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		b.logger.Debug("WS unmarshal error", zap.Error(err))
		return
	}
	if !strings.HasPrefix(msg.Topic, "tickers.") {
		return
	}
	symbol := msg.Data.Symbol
	if symbol == "" {
		symbol = strings.TrimPrefix(msg.Topic, "tickers.")
	}

	b.mu.Lock()
	st := b.tickers[symbol]
	st.ticker.Symbol = symbol
	st.ticker.Venue = "bybit"
	st.ticker.Timestamp = time.UnixMilli(msg.TS).UTC()
	if msg.Data.Bid1Price != "" {
		st.ticker.Bid = parseDecimal(msg.Data.Bid1Price)
	}
	if msg.Data.Ask1Price != "" {
		st.ticker.Ask = parseDecimal(msg.Data.Ask1Price)
	}
	if msg.Data.MarkPrice != "" {
		st.mark = parseDecimal(msg.Data.MarkPrice)
	}
	b.tickers[symbol] = st
	callbacks := make([]func(domain.Ticker), len(b.callbacks))
	copy(callbacks, b.callbacks)
	b.mu.Unlock()

	for _, cb := range callbacks {
		cb(st.ticker)
	}
}
