package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/vitos/crypto_trade_risk/internal/config"
	"github.com/vitos/crypto_trade_risk/internal/infrastructure/exchange"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to the YAML config")
	symbol := flag.String("symbol", "BTCUSDT", "symbol to probe")
	flag.Parse()

	// 1. Load Config
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Testing Bybit Interaction...\n")
	fmt.Printf("Endpoint: %s\n", cfg.Exchange.RESTEndpoint)

	adapter := exchange.NewBybitAdapter(cfg.Exchange.APIKey, cfg.Exchange.APISecret, cfg.Exchange.RESTEndpoint, cfg.Exchange.WSEndpoint, nil)
	ctx := context.Background()

	// 2. Public endpoints
	info, err := adapter.GetSymbolInfo(ctx, *symbol)
	if err != nil {
		fmt.Printf("❌ Failed to get instrument: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("✅ Instrument %s: min_qty=%s step=%s tick=%s min_notional=%s\n",
		info.Symbol, info.MinQty, info.StepSize, info.PriceTick, info.MinNotional)

	mark, ok, err := adapter.GetMarkPrice(ctx, *symbol)
	switch {
	case err != nil:
		fmt.Printf("❌ Failed to get mark: %v\n", err)
	case !ok:
		fmt.Printf("⚠️ No mark for %s\n", *symbol)
	default:
		fmt.Printf("✅ Mark (%s): %s\n", *symbol, mark)
	}

	atr, ok, err := adapter.GetATR(ctx, *symbol)
	switch {
	case err != nil:
		fmt.Printf("❌ Failed to get ATR: %v\n", err)
	case !ok:
		fmt.Printf("⚠️ Not enough candles for ATR on %s\n", *symbol)
	default:
		fmt.Printf("✅ ATR (%s, 1h): %s\n", *symbol, atr)
	}

	// 3. Private endpoint (key permissions)
	if cfg.Exchange.APIKey == "" {
		fmt.Println("⚠️ No API key configured, skipping permission check")
		return
	}
	account, err := adapter.GetAccount(ctx)
	if err != nil {
		fmt.Printf("❌ Failed to read key permissions: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("✅ Trading enabled: %t, withdrawals enabled: %t\n", account.TradingEnabled, account.WithdrawalsEnabled)
	for _, p := range account.Permissions {
		fmt.Printf("  - %s\n", p)
	}
}
