package usecase

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/vitos/crypto_trade_risk/internal/domain"
	"github.com/vitos/crypto_trade_risk/internal/money"
)

// SymbolHistory is the closed-trade record of one symbol.
type SymbolHistory struct {
	Symbol string          `json:"symbol"`
	Trades int             `json:"trades"`
	Wins   int             `json:"wins"`
	Losses int             `json:"losses"`
	NetPnL decimal.Decimal `json:"net_pnl"`
	Fees   decimal.Decimal `json:"fees"`
}

// TradeHistory summarizes a fill journal. Stats is ready for SizeKelly.
type TradeHistory struct {
	Stats   TradeStats      `json:"stats"`
	Trades  int             `json:"trades"`
	Wins    int             `json:"wins"`
	Losses  int             `json:"losses"`
	NetPnL  decimal.Decimal `json:"net_pnl"`
	Symbols []SymbolHistory `json:"symbols"`
}

type openLot struct {
	qty   decimal.Decimal // signed
	price decimal.Decimal
	fee   decimal.Decimal
}

// AnalyzeFills replays fills oldest first, FIFO per symbol. Every fill that
// reduces a position is one trade outcome: price P&L on the consumed lots,
// net of the closing fee and of the consumed share of the entry fees.
func AnalyzeFills(fills []domain.Fill) TradeHistory {
	ordered := append([]domain.Fill(nil), fills...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Time.Before(ordered[j].Time) })

	books := make(map[string][]openLot)
	perSymbol := make(map[string]*SymbolHistory)
	var wins, losses []decimal.Decimal

	for _, f := range ordered {
		if !f.Quantity.IsPositive() {
			continue
		}
		h, ok := perSymbol[f.Symbol]
		if !ok {
			h = &SymbolHistory{Symbol: f.Symbol}
			perSymbol[f.Symbol] = h
		}
		h.Fees = h.Fees.Add(f.Fee)

		signed := f.Quantity.Mul(decimal.NewFromInt(f.Side.Sign()))
		remaining := signed
		closed := decimal.Zero
		pnl := decimal.Zero

		var kept []openLot
		for _, lot := range books[f.Symbol] {
			if remaining.IsZero() || lot.qty.Sign() == remaining.Sign() {
				kept = append(kept, lot)
				continue
			}
			lotSign := decimal.NewFromInt(int64(lot.qty.Sign()))
			take := money.Min(remaining.Abs(), lot.qty.Abs())
			share := take.Div(lot.qty.Abs())
			entryFee := lot.fee.Mul(share)

			pnl = pnl.Add(take.Mul(f.Price.Sub(lot.price)).Mul(lotSign)).Sub(entryFee)
			closed = closed.Add(take)

			lot.fee = lot.fee.Sub(entryFee)
			lot.qty = lot.qty.Sub(take.Mul(lotSign))
			remaining = remaining.Add(take.Mul(lotSign))
			if !lot.qty.IsZero() {
				kept = append(kept, lot)
			}
		}

		closingFee := decimal.Zero
		if closed.IsPositive() {
			closingFee = f.Fee.Mul(closed).Div(f.Quantity)
		}
		if !remaining.IsZero() {
			kept = append(kept, openLot{qty: remaining, price: f.Price, fee: f.Fee.Sub(closingFee)})
		}
		books[f.Symbol] = kept

		if !closed.IsPositive() {
			continue
		}
		pnl = pnl.Sub(closingFee)
		h.Trades++
		h.NetPnL = h.NetPnL.Add(pnl)
		switch {
		case pnl.IsPositive():
			h.Wins++
			wins = append(wins, pnl)
		case pnl.IsNegative():
			h.Losses++
			losses = append(losses, pnl.Abs())
		}
	}

	var out TradeHistory
	for _, h := range perSymbol {
		out.Symbols = append(out.Symbols, *h)
		out.Trades += h.Trades
		out.Wins += h.Wins
		out.Losses += h.Losses
		out.NetPnL = out.NetPnL.Add(h.NetPnL)
	}
	sort.Slice(out.Symbols, func(i, j int) bool { return out.Symbols[i].Symbol < out.Symbols[j].Symbol })

	if out.Trades > 0 {
		out.Stats.WinRate = decimal.NewFromInt(int64(out.Wins)).Div(decimal.NewFromInt(int64(out.Trades)))
	}
	out.Stats.AvgWin = mean(wins)
	out.Stats.AvgLoss = mean(losses)
	return out
}

func mean(vals []decimal.Decimal) decimal.Decimal {
	if len(vals) == 0 {
		return decimal.Zero
	}
	return decimal.Sum(decimal.Zero, vals...).Div(decimal.NewFromInt(int64(len(vals))))
}
