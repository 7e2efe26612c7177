package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sort"

	"github.com/vitos/crypto_trade_risk/internal/infrastructure/storage"
)

func main() {
	dbPath := flag.String("db", "risk.db", "sqlite database")
	session := flag.String("session", "default", "portfolio session")
	limit := flag.Int("limit", 20, "fills and checkpoints to show")
	flag.Parse()

	store, err := storage.NewSQLiteStore(*dbPath)
	if err != nil {
		fmt.Printf("Failed to init sqlite: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	ctx := context.Background()
	positions, err := store.GetPositions(ctx, *session)
	if err != nil {
		fmt.Printf("Failed to list positions: %v\n", err)
		os.Exit(1)
	}
	lotbooks, err := store.SnapshotAllLotbooks(ctx, *session)
	if err != nil {
		fmt.Printf("Failed to list lotbooks: %v\n", err)
		os.Exit(1)
	}

	symbols := make([]string, 0, len(positions))
	for s := range positions {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)

	fmt.Printf("Found %d positions in session %q:\n", len(positions), *session)
	for _, s := range symbols {
		p := positions[s]
		fmt.Printf("- %s qty=%s avg=%s updated=%s\n", p.Symbol, p.Quantity, p.AvgPrice, p.UpdatedAt.Format("2006-01-02 15:04:05"))
		lots := lotbooks[s]
		if len(lots) == 0 {
			fmt.Printf("  ⚠️ No lots for %s\n", s)
			continue
		}
		for _, l := range lots {
			fmt.Printf("  lot %s qty=%s price=%s fee=%s\n", l.ID, l.Quantity, l.Price, l.Fee)
		}
	}
	for s, lots := range lotbooks {
		if _, ok := positions[s]; !ok && len(lots) > 0 {
			fmt.Printf("  ❌ %d orphan lots for %s\n", len(lots), s)
		}
	}

	history, err := store.CashEquityHistory(ctx, *session, *limit)
	if err != nil {
		fmt.Printf("Failed to load cash history: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("\nCash/equity checkpoints (newest first):\n")
	for _, ce := range history {
		fmt.Printf("- %s cash=%s equity=%s realized=%s\n", ce.RecordedAt.Format("2006-01-02 15:04:05"), ce.Cash, ce.Equity, ce.RealizedPnL)
	}

	fills, err := store.ListFills(ctx, *session, *limit)
	if err != nil {
		fmt.Printf("Failed to list fills: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("\nFills (newest first):\n")
	for _, f := range fills {
		fmt.Printf("- %s %s %s %s @ %s fee=%s %s\n", f.Time.Format("2006-01-02 15:04:05"), f.Symbol, f.Side, f.Quantity, f.Price, f.Fee, f.Reason)
	}
}
