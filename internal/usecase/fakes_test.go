package usecase

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/vitos/crypto_trade_risk/internal/domain"
)

type fakeVenue struct {
	mu        sync.Mutex
	next      int
	orders    map[string]domain.OrderRequest
	sequence  []string
	cancelled map[string]bool
	filled    map[string]bool
	checks    map[string]int

	// createErr fails matching submissions.
	createErr func(req domain.OrderRequest) error
	cancelErr error
	// cancelErrFor fails cancels of matching orders only.
	cancelErrFor func(req domain.OrderRequest) error
	// fillAfter is the number of CheckFill calls before an order of that
	// type reports filled. Types missing from the map never fill.
	fillAfter map[domain.OrderType]int
	// fillOnCancel makes the order fill in the race with its cancel.
	fillOnCancel bool
	// fillMarket fills market orders as soon as they are accepted.
	fillMarket bool
}

func newFakeVenue() *fakeVenue {
	return &fakeVenue{
		orders:    make(map[string]domain.OrderRequest),
		cancelled: make(map[string]bool),
		filled:    make(map[string]bool),
		checks:    make(map[string]int),
		fillAfter: make(map[domain.OrderType]int),
	}
}

func (v *fakeVenue) CreateOrder(_ context.Context, req domain.OrderRequest) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.createErr != nil {
		if err := v.createErr(req); err != nil {
			return "", err
		}
	}
	v.next++
	id := fmt.Sprintf("ord-%d", v.next)
	v.orders[id] = req
	v.sequence = append(v.sequence, id)
	if v.fillMarket && req.Type == domain.OrderTypeMarket {
		v.filled[id] = true
	}
	return id, nil
}

func (v *fakeVenue) CancelOrder(_ context.Context, orderID string) (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.cancelErr != nil {
		return false, v.cancelErr
	}
	if v.cancelErrFor != nil {
		if err := v.cancelErrFor(v.orders[orderID]); err != nil {
			return false, err
		}
	}
	if v.fillOnCancel {
		v.filled[orderID] = true
		return false, nil
	}
	if v.filled[orderID] {
		return false, nil
	}
	v.cancelled[orderID] = true
	return true, nil
}

func (v *fakeVenue) CheckFill(_ context.Context, orderID string) (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.checks[orderID]++
	if v.filled[orderID] {
		return true, nil
	}
	if v.cancelled[orderID] {
		return false, nil
	}
	req, ok := v.orders[orderID]
	if !ok {
		return false, fmt.Errorf("unknown order %s", orderID)
	}
	if n, ok := v.fillAfter[req.Type]; ok && v.checks[orderID] >= n {
		v.filled[orderID] = true
	}
	return v.filled[orderID], nil
}

func (v *fakeVenue) GetAccount(context.Context) (domain.Account, error) {
	return domain.Account{TradingEnabled: true, Permissions: []string{"SPOT"}}, nil
}

func (v *fakeVenue) fill(orderID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.filled[orderID] = true
}

// live returns placed orders that are neither cancelled nor filled.
func (v *fakeVenue) live() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	var out []string
	for _, id := range v.sequence {
		if !v.cancelled[id] && !v.filled[id] {
			out = append(out, id)
		}
	}
	return out
}

func (v *fakeVenue) isCancelled(orderID string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.cancelled[orderID]
}

func (v *fakeVenue) order(orderID string) domain.OrderRequest {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.orders[orderID]
}

func (v *fakeVenue) count() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.sequence)
}

type fakeMarket struct {
	info  map[string]domain.SymbolInfo
	atr   map[string]decimal.Decimal
	marks map[string]decimal.Decimal
}

func newFakeMarket() *fakeMarket {
	return &fakeMarket{
		info:  map[string]domain.SymbolInfo{"BTCUSDT": btcInfo()},
		atr:   make(map[string]decimal.Decimal),
		marks: make(map[string]decimal.Decimal),
	}
}

func (m *fakeMarket) GetSymbolInfo(_ context.Context, symbol string) (domain.SymbolInfo, error) {
	info, ok := m.info[symbol]
	if !ok {
		return domain.SymbolInfo{}, fmt.Errorf("symbol %s: %w", symbol, domain.ErrNotFound)
	}
	return info, nil
}

func (m *fakeMarket) GetATR(_ context.Context, symbol string) (decimal.Decimal, bool, error) {
	v, ok := m.atr[symbol]
	return v, ok, nil
}

func (m *fakeMarket) GetMarkPrice(_ context.Context, symbol string) (decimal.Decimal, bool, error) {
	v, ok := m.marks[symbol]
	return v, ok, nil
}

// fakeRepo keeps committed state in maps. WithinTx stages writes on a copy
// and swaps it in only when fn succeeds.
type fakeRepo struct {
	mu        sync.Mutex
	positions map[string]map[string]domain.Position
	lots      map[string]map[string][]domain.Lot
	cash      map[string][]domain.CashEquity
	fills     map[string][]domain.Fill

	// failOn makes the named writer call fail inside WithinTx.
	failOn string
	txs    int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		positions: make(map[string]map[string]domain.Position),
		lots:      make(map[string]map[string][]domain.Lot),
		cash:      make(map[string][]domain.CashEquity),
		fills:     make(map[string][]domain.Fill),
	}
}

func (r *fakeRepo) GetPositions(_ context.Context, session string) (map[string]domain.Position, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]domain.Position)
	for k, v := range r.positions[session] {
		out[k] = v
	}
	return out, nil
}

func (r *fakeRepo) SnapshotAllLotbooks(_ context.Context, session string) (map[string][]domain.Lot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string][]domain.Lot)
	for k, v := range r.lots[session] {
		out[k] = append([]domain.Lot(nil), v...)
	}
	return out, nil
}

func (r *fakeRepo) GetLatestCashEquity(_ context.Context, session string) (domain.CashEquity, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	hist := r.cash[session]
	if len(hist) == 0 {
		return domain.CashEquity{}, false, nil
	}
	return hist[len(hist)-1], true, nil
}

func (r *fakeRepo) WithinTx(_ context.Context, fn func(w domain.PortfolioWriter) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.txs++
	w := &fakeWriter{repo: r, staged: r.clone()}
	if err := fn(w); err != nil {
		return err
	}
	r.positions = w.staged.positions
	r.lots = w.staged.lots
	r.cash = w.staged.cash
	r.fills = w.staged.fills
	return nil
}

func (r *fakeRepo) clone() *fakeRepo {
	c := newFakeRepo()
	for s, m := range r.positions {
		c.positions[s] = make(map[string]domain.Position)
		for k, v := range m {
			c.positions[s][k] = v
		}
	}
	for s, m := range r.lots {
		c.lots[s] = make(map[string][]domain.Lot)
		for k, v := range m {
			c.lots[s][k] = append([]domain.Lot(nil), v...)
		}
	}
	for s, h := range r.cash {
		c.cash[s] = append([]domain.CashEquity(nil), h...)
	}
	for s, f := range r.fills {
		c.fills[s] = append([]domain.Fill(nil), f...)
	}
	return c
}

func (r *fakeRepo) seed(session string, ce domain.CashEquity, positions []domain.Position, lots map[string][]domain.Lot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cash[session] = append(r.cash[session], ce)
	r.positions[session] = make(map[string]domain.Position)
	for _, p := range positions {
		r.positions[session][p.Symbol] = p
	}
	r.lots[session] = lots
}

type fakeWriter struct {
	repo   *fakeRepo
	staged *fakeRepo
}

func (w *fakeWriter) fail(op string) error {
	if w.repo.failOn == op {
		return fmt.Errorf("%s: disk full", op)
	}
	return nil
}

func (w *fakeWriter) SavePosition(_ context.Context, session string, pos domain.Position) error {
	if err := w.fail("SavePosition"); err != nil {
		return err
	}
	if w.staged.positions[session] == nil {
		w.staged.positions[session] = make(map[string]domain.Position)
	}
	w.staged.positions[session][pos.Symbol] = pos
	return nil
}

func (w *fakeWriter) RemovePosition(_ context.Context, session, symbol string) error {
	if err := w.fail("RemovePosition"); err != nil {
		return err
	}
	delete(w.staged.positions[session], symbol)
	return nil
}

func (w *fakeWriter) SetLotbook(_ context.Context, session, symbol string, lots []domain.Lot) error {
	if err := w.fail("SetLotbook"); err != nil {
		return err
	}
	if w.staged.lots[session] == nil {
		w.staged.lots[session] = make(map[string][]domain.Lot)
	}
	if len(lots) == 0 {
		delete(w.staged.lots[session], symbol)
		return nil
	}
	w.staged.lots[session][symbol] = append([]domain.Lot(nil), lots...)
	return nil
}

func (w *fakeWriter) SaveCashEquity(_ context.Context, session string, ce domain.CashEquity) error {
	if err := w.fail("SaveCashEquity"); err != nil {
		return err
	}
	w.staged.cash[session] = append(w.staged.cash[session], ce)
	return nil
}

func (w *fakeWriter) SaveFill(_ context.Context, session string, fill domain.Fill) error {
	if err := w.fail("SaveFill"); err != nil {
		return err
	}
	w.staged.fills[session] = append(w.staged.fills[session], fill)
	return nil
}
