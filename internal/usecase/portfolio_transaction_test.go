package usecase

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitos/crypto_trade_risk/internal/config"
	"github.com/vitos/crypto_trade_risk/internal/domain"
)

const testSession = "s1"

func btcMarks(price string) map[string]decimal.Decimal {
	return map[string]decimal.Decimal{"BTCUSDT": dec(price)}
}

func btcFill(side domain.OrderSide, qty, price, fee string) domain.Fill {
	return domain.Fill{
		OrderID:  "ord-" + string(side) + "-" + qty,
		Symbol:   "BTCUSDT",
		Side:     side,
		Quantity: dec(qty),
		Price:    dec(price),
		Fee:      dec(fee),
	}
}

// seedLong commits 4995 cash and 0.1 BTC bought at 50000.
func seedLong(repo *fakeRepo, lots ...domain.Lot) {
	if len(lots) == 0 {
		lots = []domain.Lot{{ID: "l1", Symbol: "BTCUSDT", Quantity: dec("0.1"), Price: dec("50000"), Fee: dec("5")}}
	}
	qty := decimal.Zero
	for _, l := range lots {
		qty = qty.Add(l.Quantity)
	}
	repo.seed(testSession,
		domain.CashEquity{Cash: dec("4995"), Equity: dec("9995")},
		[]domain.Position{{Symbol: "BTCUSDT", Quantity: qty, AvgPrice: dec("50000")}},
		map[string][]domain.Lot{"BTCUSDT": lots})
}

func TestTransaction_OpenPositionCommits(t *testing.T) {
	repo := newFakeRepo()
	p := NewPortfolio(repo, config.Default().Portfolio, nil)

	tx, err := p.Begin(context.Background(), testSession)
	require.NoError(t, err)
	defer tx.Close()

	require.NoError(t, tx.StageFill(btcFill(domain.OrderSideBuy, "0.1", "50000", "5"), btcInfo()))
	assert.True(t, tx.Position("BTCUSDT").Equal(dec("0.1")))

	ok, res, err := tx.Commit(context.Background(), btcMarks("50000"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domain.SeverityOK, res.Severity)

	state, err := p.State(context.Background(), testSession)
	require.NoError(t, err)
	assert.True(t, state.Cash.Equal(dec("4995")), "cash %s", state.Cash)
	assert.True(t, state.Equity.Equal(dec("9995")), "equity %s", state.Equity)
	require.Contains(t, state.Positions, "BTCUSDT")
	assert.True(t, state.Positions["BTCUSDT"].Quantity.Equal(dec("0.1")))
	assert.True(t, state.Positions["BTCUSDT"].AvgPrice.Equal(dec("50000")))
	require.Len(t, state.Lots["BTCUSDT"], 1)
	assert.True(t, state.Lots["BTCUSDT"][0].Fee.Equal(dec("5")))
	assert.Len(t, repo.fills[testSession], 1)
}

func TestTransaction_CloseRealizesPnL(t *testing.T) {
	repo := newFakeRepo()
	seedLong(repo)
	p := NewPortfolio(repo, config.Default().Portfolio, nil)

	tx, err := p.Begin(context.Background(), testSession)
	require.NoError(t, err)
	defer tx.Close()

	require.NoError(t, tx.StageFill(btcFill(domain.OrderSideSell, "0.1", "51000", "5.1"), btcInfo()))
	ok, _, err := tx.Commit(context.Background(), btcMarks("51000"))
	require.NoError(t, err)
	require.True(t, ok)

	state, err := p.State(context.Background(), testSession)
	require.NoError(t, err)
	assert.NotContains(t, state.Positions, "BTCUSDT")
	assert.Empty(t, state.Lots["BTCUSDT"])
	assert.True(t, state.Cash.Equal(dec("10089.9")), "cash %s", state.Cash)
	assert.True(t, state.RealizedPnL.Equal(dec("100")), "realized %s", state.RealizedPnL)
}

func TestTransaction_FIFOLotConsumption(t *testing.T) {
	tests := []struct {
		name         string
		side         domain.OrderSide
		qty          string
		price        string
		wantRealized string
		wantLots     []string
		wantPrices   []string
	}{
		{"partial close eats oldest lot first", domain.OrderSideSell, "0.15", "53000", "350", []string{"0.05"}, []string{"52000"}},
		{"flip opens opposite lot", domain.OrderSideSell, "0.3", "51000", "0", []string{"-0.1"}, []string{"51000"}},
		{"adding keeps both lots", domain.OrderSideBuy, "0.05", "54000", "0", []string{"0.1", "0.1", "0.05"}, []string{"50000", "52000", "54000"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := newFakeRepo()
			seedLong(repo,
				domain.Lot{ID: "l1", Symbol: "BTCUSDT", Quantity: dec("0.1"), Price: dec("50000")},
				domain.Lot{ID: "l2", Symbol: "BTCUSDT", Quantity: dec("0.1"), Price: dec("52000")})
			// the seeded cash is too small for the add case
			repo.cash[testSession][0].Cash = dec("20000")
			p := NewPortfolio(repo, config.Default().Portfolio, nil)

			tx, err := p.Begin(context.Background(), testSession)
			require.NoError(t, err)
			defer tx.Close()

			require.NoError(t, tx.StageFill(btcFill(tt.side, tt.qty, tt.price, "0"), btcInfo()))
			assert.True(t, tx.realizedDelta.Equal(dec(tt.wantRealized)), "realized %s", tx.realizedDelta)

			lots := tx.lots["BTCUSDT"]
			require.Len(t, lots, len(tt.wantLots))
			for i := range lots {
				assert.True(t, lots[i].Quantity.Equal(dec(tt.wantLots[i])), "lot %d qty %s", i, lots[i].Quantity)
				assert.True(t, lots[i].Price.Equal(dec(tt.wantPrices[i])), "lot %d price %s", i, lots[i].Price)
			}

			ok, res, err := tx.Commit(context.Background(), btcMarks(tt.price))
			require.NoError(t, err)
			assert.True(t, ok, "severity %s reason %s", res.Severity, res.Reason)
		})
	}
}

func TestTransaction_FlipRealizesClosedPart(t *testing.T) {
	repo := newFakeRepo()
	seedLong(repo)
	p := NewPortfolio(repo, config.Default().Portfolio, nil)

	tx, err := p.Begin(context.Background(), testSession)
	require.NoError(t, err)
	defer tx.Close()

	require.NoError(t, tx.StageFill(btcFill(domain.OrderSideSell, "0.3", "51000", "0"), btcInfo()))
	assert.True(t, tx.realizedDelta.Equal(dec("100")))
	assert.True(t, tx.Position("BTCUSDT").Equal(dec("-0.2")))
}

func TestTransaction_OneOpenPerSession(t *testing.T) {
	p := NewPortfolio(newFakeRepo(), config.Default().Portfolio, nil)
	ctx := context.Background()

	tx, err := p.Begin(ctx, testSession)
	require.NoError(t, err)

	_, err = p.Begin(ctx, testSession)
	require.ErrorIs(t, err, domain.ErrTransactionOpen)

	other, err := p.Begin(ctx, "s2")
	require.NoError(t, err)
	other.Close()

	tx.Close()
	tx.Close()
	again, err := p.Begin(ctx, testSession)
	require.NoError(t, err)
	again.Close()
}

func TestTransaction_LeavingScopeRollsBack(t *testing.T) {
	repo := newFakeRepo()
	p := NewPortfolio(repo, config.Default().Portfolio, nil)

	func() {
		tx, err := p.Begin(context.Background(), testSession)
		require.NoError(t, err)
		defer tx.Close()
		require.NoError(t, tx.StageFill(btcFill(domain.OrderSideBuy, "0.1", "50000", "5"), btcInfo()))
	}()

	assert.Zero(t, repo.txs)
	state, err := p.State(context.Background(), testSession)
	require.NoError(t, err)
	assert.Empty(t, state.Positions)
	assert.True(t, state.Cash.Equal(dec("10000")))
}

func TestTransaction_ClosedTransactionRefusesWork(t *testing.T) {
	p := NewPortfolio(newFakeRepo(), config.Default().Portfolio, nil)
	tx, err := p.Begin(context.Background(), testSession)
	require.NoError(t, err)

	_, _, err = tx.Commit(context.Background(), nil)
	require.NoError(t, err)

	assert.ErrorIs(t, tx.StageCashDelta(dec("1")), domain.ErrTransactionClosed)
	assert.ErrorIs(t, tx.StageFill(btcFill(domain.OrderSideBuy, "0.1", "50000", "0"), btcInfo()), domain.ErrTransactionClosed)
	_, _, err = tx.Commit(context.Background(), nil)
	assert.ErrorIs(t, err, domain.ErrTransactionClosed)
}

func TestTransaction_LeakRejectedNothingPersisted(t *testing.T) {
	repo := newFakeRepo()
	p := NewPortfolio(repo, config.Default().Portfolio, nil)

	tx, err := p.Begin(context.Background(), testSession)
	require.NoError(t, err)
	defer tx.Close()

	// position without a lot behind it
	require.NoError(t, tx.StagePositionDelta("BTCUSDT", dec("0.1")))
	ok, res, err := tx.Commit(context.Background(), btcMarks("50000"))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, domain.SeverityCritical, res.Severity)
	assert.Equal(t, ReasonCrossSymbolLeak+":BTCUSDT", res.Reason)
	assert.Zero(t, repo.txs)
}

func TestTransaction_SmallMismatchReconciled(t *testing.T) {
	repo := newFakeRepo()
	repo.seed(testSession,
		domain.CashEquity{Cash: dec("1000"), Equity: dec("10000")},
		[]domain.Position{{Symbol: "BTCUSDT", Quantity: dec("0.18"), AvgPrice: dec("50000")}},
		map[string][]domain.Lot{"BTCUSDT": {{ID: "l1", Symbol: "BTCUSDT", Quantity: dec("0.18"), Price: dec("50000")}}})
	p := NewPortfolio(repo, config.Default().Portfolio, nil)

	tx, err := p.Begin(context.Background(), testSession)
	require.NoError(t, err)
	defer tx.Close()

	tx.SetSymbolInfo(btcInfo())
	require.NoError(t, tx.StagePositionDelta("BTCUSDT", dec("0.00002")))
	ok, res, err := tx.Commit(context.Background(), btcMarks("50000"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domain.SeverityReconciled, res.Severity)
	assert.True(t, res.EquityDelta.Equal(dec("1")))

	state, err := p.State(context.Background(), testSession)
	require.NoError(t, err)
	assert.True(t, state.Positions["BTCUSDT"].Quantity.Equal(dec("0.18002")))
	assert.True(t, state.Equity.Equal(dec("10001")))
}

func TestTransaction_WriteFailureIsAtomic(t *testing.T) {
	repo := newFakeRepo()
	seedLong(repo)
	repo.failOn = "SaveCashEquity"
	p := NewPortfolio(repo, config.Default().Portfolio, nil)

	tx, err := p.Begin(context.Background(), testSession)
	require.NoError(t, err)
	defer tx.Close()

	require.NoError(t, tx.StageFill(btcFill(domain.OrderSideSell, "0.1", "51000", "0"), btcInfo()))
	ok, _, err := tx.Commit(context.Background(), btcMarks("51000"))
	require.Error(t, err)
	assert.False(t, ok)

	state, err := p.State(context.Background(), testSession)
	require.NoError(t, err)
	assert.True(t, state.Positions["BTCUSDT"].Quantity.Equal(dec("0.1")))
	assert.Len(t, state.Lots["BTCUSDT"], 1)
	assert.Empty(t, repo.fills[testSession])

	next, err := p.Begin(context.Background(), testSession)
	require.NoError(t, err, "session is released after a failed commit")
	next.Close()
}

func TestTransaction_StagedRealizedPnLCommitsOK(t *testing.T) {
	repo := newFakeRepo()
	p := NewPortfolio(repo, config.Default().Portfolio, nil)

	tx, err := p.Begin(context.Background(), testSession)
	require.NoError(t, err)
	defer tx.Close()

	require.NoError(t, tx.StageRealizedPnLDelta(dec("5")))
	ok, res, err := tx.Commit(context.Background(), nil)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, domain.SeverityOK, res.Severity)
	assert.Equal(t, ReasonWithinTolerance, res.Reason)
	assert.True(t, res.EquityDelta.IsZero())
	assert.True(t, res.RealizedPnLDelta.Equal(dec("5")))

	state, err := p.State(context.Background(), testSession)
	require.NoError(t, err)
	assert.True(t, state.RealizedPnL.Equal(dec("5")))
}

func TestTransaction_LotOperations(t *testing.T) {
	repo := newFakeRepo()
	seedLong(repo)
	p := NewPortfolio(repo, config.Default().Portfolio, nil)

	tx, err := p.Begin(context.Background(), testSession)
	require.NoError(t, err)
	defer tx.Close()

	require.NoError(t, tx.StageLotAdd("BTCUSDT", domain.Lot{Quantity: dec("0.01"), Price: dec("50500")}))
	lots := tx.lots["BTCUSDT"]
	require.Len(t, lots, 2)
	assert.NotEmpty(t, lots[1].ID)
	assert.Equal(t, "BTCUSDT", lots[1].Symbol)

	updated := lots[1]
	updated.Price = dec("50400")
	require.NoError(t, tx.StageLotUpdate("BTCUSDT", updated))
	assert.True(t, tx.lots["BTCUSDT"][1].Price.Equal(dec("50400")))

	require.NoError(t, tx.StageLotRemove("BTCUSDT", "l1"))
	assert.Len(t, tx.lots["BTCUSDT"], 1)

	assert.ErrorIs(t, tx.StageLotRemove("BTCUSDT", "missing"), domain.ErrNotFound)
	assert.ErrorIs(t, tx.StageLotUpdate("BTCUSDT", domain.Lot{ID: "missing"}), domain.ErrNotFound)

	// committed lot book is untouched while staging
	assert.Len(t, repo.lots[testSession]["BTCUSDT"], 1)
	assert.Equal(t, "l1", repo.lots[testSession]["BTCUSDT"][0].ID)
}
