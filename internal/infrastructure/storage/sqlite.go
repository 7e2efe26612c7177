package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	_ "github.com/mattn/go-sqlite3"

	"github.com/vitos/crypto_trade_risk/internal/domain"
)

// SQLiteStore persists portfolio state per session. Decimals are stored as
// TEXT so no precision is lost on the way through the driver.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, err
	}
	// single writer
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) initSchema() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS positions (
			session TEXT NOT NULL,
			symbol TEXT NOT NULL,
			quantity TEXT NOT NULL,
			avg_price TEXT NOT NULL,
			updated_at DATETIME NOT NULL,
			PRIMARY KEY (session, symbol)
		);`,
		`CREATE TABLE IF NOT EXISTS lotbooks (
			session TEXT NOT NULL,
			symbol TEXT NOT NULL,
			lots TEXT NOT NULL,
			PRIMARY KEY (session, symbol)
		);`,
		`CREATE TABLE IF NOT EXISTS cash_equity (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session TEXT NOT NULL,
			cash TEXT NOT NULL,
			equity TEXT NOT NULL,
			realized_pnl TEXT NOT NULL,
			recorded_at DATETIME NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_cash_equity_session ON cash_equity(session, id);`,
		`CREATE TABLE IF NOT EXISTS fills (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session TEXT NOT NULL,
			order_id TEXT NOT NULL,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			quantity TEXT NOT NULL,
			price TEXT NOT NULL,
			fee TEXT NOT NULL,
			reason TEXT,
			filled_at DATETIME NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_fills_session_symbol ON fills(session, symbol);`,
	}

	for _, q := range queries {
		if _, err := s.db.Exec(q); err != nil {
			return fmt.Errorf("failed to exec query %s: %w", q, err)
		}
	}
	return nil
}

// PortfolioReader Implementation

func (s *SQLiteStore) GetPositions(ctx context.Context, session string) (map[string]domain.Position, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT symbol, quantity, avg_price, updated_at FROM positions WHERE session = ?`, session)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	positions := make(map[string]domain.Position)
	for rows.Next() {
		var p domain.Position
		if err := rows.Scan(&p.Symbol, &p.Quantity, &p.AvgPrice, &p.UpdatedAt); err != nil {
			return nil, err
		}
		positions[p.Symbol] = p
	}
	return positions, rows.Err()
}

func (s *SQLiteStore) SnapshotAllLotbooks(ctx context.Context, session string) (map[string][]domain.Lot, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT symbol, lots FROM lotbooks WHERE session = ?`, session)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	books := make(map[string][]domain.Lot)
	for rows.Next() {
		var (
			symbol string
			raw    string
		)
		if err := rows.Scan(&symbol, &raw); err != nil {
			return nil, err
		}
		var lots []domain.Lot
		if err := json.Unmarshal([]byte(raw), &lots); err != nil {
			return nil, fmt.Errorf("decode lotbook %s/%s: %w", session, symbol, err)
		}
		books[symbol] = lots
	}
	return books, rows.Err()
}

func (s *SQLiteStore) GetLatestCashEquity(ctx context.Context, session string) (domain.CashEquity, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT cash, equity, realized_pnl, recorded_at FROM cash_equity WHERE session = ? ORDER BY id DESC LIMIT 1`, session)

	var ce domain.CashEquity
	err := row.Scan(&ce.Cash, &ce.Equity, &ce.RealizedPnL, &ce.RecordedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.CashEquity{}, false, nil
	}
	if err != nil {
		return domain.CashEquity{}, false, err
	}
	return ce, true, nil
}

// CashEquityHistory returns up to limit checkpoints, newest first.
func (s *SQLiteStore) CashEquityHistory(ctx context.Context, session string, limit int) ([]domain.CashEquity, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT cash, equity, realized_pnl, recorded_at FROM cash_equity WHERE session = ? ORDER BY id DESC LIMIT ?`, session, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.CashEquity
	for rows.Next() {
		var ce domain.CashEquity
		if err := rows.Scan(&ce.Cash, &ce.Equity, &ce.RealizedPnL, &ce.RecordedAt); err != nil {
			return nil, err
		}
		out = append(out, ce)
	}
	return out, rows.Err()
}

// ListFills returns up to limit journaled fills, newest first.
func (s *SQLiteStore) ListFills(ctx context.Context, session string, limit int) ([]domain.Fill, error) {
	query := `SELECT order_id, symbol, side, quantity, price, fee, reason, filled_at FROM fills WHERE session = ? ORDER BY id DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, session, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var fills []domain.Fill
	for rows.Next() {
		var (
			f      domain.Fill
			reason sql.NullString
		)
		if err := rows.Scan(&f.OrderID, &f.Symbol, &f.Side, &f.Quantity, &f.Price, &f.Fee, &reason, &f.Time); err != nil {
			return nil, err
		}
		f.Reason = reason.String
		fills = append(fills, f)
	}
	return fills, rows.Err()
}

// WithinTx runs fn against a writer bound to one sql.Tx. Any error from fn
// or from the commit rolls back every write.
func (s *SQLiteStore) WithinTx(ctx context.Context, fn func(w domain.PortfolioWriter) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(&txWriter{tx: tx}); err != nil {
		if rerr := tx.Rollback(); rerr != nil {
			return errors.Join(err, fmt.Errorf("rollback: %w", rerr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// PortfolioWriter Implementation

type txWriter struct {
	tx *sql.Tx
}

func (w *txWriter) SavePosition(ctx context.Context, session string, pos domain.Position) error {
	query := `INSERT INTO positions (session, symbol, quantity, avg_price, updated_at)
			  VALUES (?, ?, ?, ?, ?)
			  ON CONFLICT(session, symbol) DO UPDATE SET
			  quantity=excluded.quantity,
			  avg_price=excluded.avg_price,
			  updated_at=excluded.updated_at`
	_, err := w.tx.ExecContext(ctx, query,
		session, pos.Symbol, pos.Quantity.String(), pos.AvgPrice.String(), orNow(pos.UpdatedAt))
	return err
}

func (w *txWriter) RemovePosition(ctx context.Context, session, symbol string) error {
	_, err := w.tx.ExecContext(ctx, "DELETE FROM positions WHERE session = ? AND symbol = ?", session, symbol)
	return err
}

func (w *txWriter) SetLotbook(ctx context.Context, session, symbol string, lots []domain.Lot) error {
	if len(lots) == 0 {
		_, err := w.tx.ExecContext(ctx, "DELETE FROM lotbooks WHERE session = ? AND symbol = ?", session, symbol)
		return err
	}
	raw, err := json.Marshal(lots)
	if err != nil {
		return fmt.Errorf("encode lotbook %s: %w", symbol, err)
	}
	query := `INSERT INTO lotbooks (session, symbol, lots) VALUES (?, ?, ?)
			  ON CONFLICT(session, symbol) DO UPDATE SET lots=excluded.lots`
	_, err = w.tx.ExecContext(ctx, query, session, symbol, string(raw))
	return err
}

func (w *txWriter) SaveCashEquity(ctx context.Context, session string, ce domain.CashEquity) error {
	query := `INSERT INTO cash_equity (session, cash, equity, realized_pnl, recorded_at)
			  VALUES (?, ?, ?, ?, ?)`
	_, err := w.tx.ExecContext(ctx, query,
		session, ce.Cash.String(), ce.Equity.String(), ce.RealizedPnL.String(), orNow(ce.RecordedAt))
	return err
}

func (w *txWriter) SaveFill(ctx context.Context, session string, f domain.Fill) error {
	query := `INSERT INTO fills (session, order_id, symbol, side, quantity, price, fee, reason, filled_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := w.tx.ExecContext(ctx, query,
		session, f.OrderID, f.Symbol, string(f.Side), f.Quantity.String(), f.Price.String(), f.Fee.String(), f.Reason, orNow(f.Time))
	return err
}

func orNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}

