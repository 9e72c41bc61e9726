package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/vantage-quant/decision-engine/pkg/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS snapshots (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	ts TEXT NOT NULL,
	equity TEXT NOT NULL,
	cash TEXT NOT NULL,
	positions_value TEXT NOT NULL,
	unrealized_pnl TEXT NOT NULL,
	realized_pnl TEXT NOT NULL,
	drawdown_pct REAL NOT NULL
);
CREATE TABLE IF NOT EXISTS positions (
	symbol TEXT PRIMARY KEY,
	side TEXT NOT NULL,
	quantity TEXT NOT NULL,
	avg_entry_price TEXT NOT NULL,
	unrealized_pnl TEXT NOT NULL,
	realized_pnl TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS orders (
	id TEXT PRIMARY KEY,
	symbol TEXT NOT NULL,
	exchange TEXT NOT NULL,
	side TEXT NOT NULL,
	type TEXT NOT NULL,
	quantity TEXT NOT NULL,
	status TEXT NOT NULL,
	filled_qty TEXT NOT NULL,
	avg_fill_price TEXT NOT NULL,
	fees TEXT NOT NULL,
	signal_id TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS fills (
	fill_id TEXT PRIMARY KEY,
	order_id TEXT NOT NULL,
	symbol TEXT NOT NULL,
	side TEXT NOT NULL,
	quantity TEXT NOT NULL,
	price TEXT NOT NULL,
	fees TEXT NOT NULL,
	ts TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS risk_metrics (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	ts TEXT NOT NULL,
	current_drawdown_pct REAL NOT NULL,
	max_drawdown_pct REAL NOT NULL,
	portfolio_vol REAL NOT NULL,
	sharpe_ratio REAL,
	concentration_pct REAL NOT NULL,
	kill_switch_active INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS kill_switch (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	tripped INTEGER NOT NULL,
	reason TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
`

// SQLiteStore is a Store backed by a local SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if necessary) the database at path and
// applies the schema.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// SQLite tolerates a single writer; serialize access at the pool.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) AppendSnapshot(ctx context.Context, snap types.PortfolioSnapshot) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO snapshots (ts, equity, cash, positions_value, unrealized_pnl, realized_pnl, drawdown_pct)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		snap.Timestamp.UTC().Format(time.RFC3339Nano),
		snap.Equity.String(), snap.Cash.String(), snap.PositionsValue.String(),
		snap.UnrealizedPnL.String(), snap.RealizedPnL.String(), snap.DrawdownPct)
	if err != nil {
		return fmt.Errorf("append snapshot: %w", err)
	}
	return nil
}

func (s *SQLiteStore) LatestSnapshot(ctx context.Context) (*types.PortfolioSnapshot, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT ts, equity, cash, positions_value, unrealized_pnl, realized_pnl, drawdown_pct
		 FROM snapshots ORDER BY id DESC LIMIT 1`)
	var ts, equity, cash, posVal, upnl, rpnl string
	var dd float64
	if err := row.Scan(&ts, &equity, &cash, &posVal, &upnl, &rpnl, &dd); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("latest snapshot: %w", err)
	}
	snap := types.PortfolioSnapshot{DrawdownPct: dd}
	var err error
	if snap.Timestamp, err = time.Parse(time.RFC3339Nano, ts); err != nil {
		return nil, fmt.Errorf("parse snapshot ts: %w", err)
	}
	if snap.Equity, err = decimal.NewFromString(equity); err != nil {
		return nil, fmt.Errorf("parse equity: %w", err)
	}
	if snap.Cash, err = decimal.NewFromString(cash); err != nil {
		return nil, fmt.Errorf("parse cash: %w", err)
	}
	if snap.PositionsValue, err = decimal.NewFromString(posVal); err != nil {
		return nil, fmt.Errorf("parse positions value: %w", err)
	}
	if snap.UnrealizedPnL, err = decimal.NewFromString(upnl); err != nil {
		return nil, fmt.Errorf("parse unrealized pnl: %w", err)
	}
	if snap.RealizedPnL, err = decimal.NewFromString(rpnl); err != nil {
		return nil, fmt.Errorf("parse realized pnl: %w", err)
	}
	return &snap, nil
}

func (s *SQLiteStore) EquityHistory(ctx context.Context, limit int) ([]float64, error) {
	query := `SELECT equity FROM (
		SELECT id, equity FROM snapshots ORDER BY id DESC LIMIT ?
	) ORDER BY id ASC`
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("equity history: %w", err)
	}
	defer rows.Close()
	var out []float64
	for rows.Next() {
		var eq string
		if err := rows.Scan(&eq); err != nil {
			return nil, err
		}
		d, err := decimal.NewFromString(eq)
		if err != nil {
			return nil, fmt.Errorf("parse equity: %w", err)
		}
		f, _ := d.Float64()
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) PeakEquity(ctx context.Context) (float64, error) {
	row := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(CAST(equity AS REAL)), 0) FROM snapshots`)
	var peak float64
	if err := row.Scan(&peak); err != nil {
		return 0, fmt.Errorf("peak equity: %w", err)
	}
	return peak, nil
}

func (s *SQLiteStore) UpsertPosition(ctx context.Context, pos types.Position) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO positions (symbol, side, quantity, avg_entry_price, unrealized_pnl, realized_pnl)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(symbol) DO UPDATE SET
			side = excluded.side,
			quantity = excluded.quantity,
			avg_entry_price = excluded.avg_entry_price,
			unrealized_pnl = excluded.unrealized_pnl,
			realized_pnl = excluded.realized_pnl`,
		pos.Symbol, string(pos.Side), pos.Quantity.String(), pos.AvgEntryPrice.String(),
		pos.UnrealizedPnL.String(), pos.RealizedPnL.String())
	if err != nil {
		return fmt.Errorf("upsert position %s: %w", pos.Symbol, err)
	}
	return nil
}

func (s *SQLiteStore) GetPosition(ctx context.Context, symbol string) (*types.Position, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT symbol, side, quantity, avg_entry_price, unrealized_pnl, realized_pnl
		 FROM positions WHERE symbol = ?`, symbol)
	pos, err := scanPosition(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return pos, err
}

func (s *SQLiteStore) Positions(ctx context.Context) ([]types.Position, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT symbol, side, quantity, avg_entry_price, unrealized_pnl, realized_pnl
		 FROM positions ORDER BY symbol`)
	if err != nil {
		return nil, fmt.Errorf("positions: %w", err)
	}
	defer rows.Close()
	var out []types.Position
	for rows.Next() {
		pos, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *pos)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPosition(row rowScanner) (*types.Position, error) {
	var symbol, side, qty, avg, upnl, rpnl string
	if err := row.Scan(&symbol, &side, &qty, &avg, &upnl, &rpnl); err != nil {
		return nil, err
	}
	pos := types.Position{Symbol: symbol, Side: types.Direction(side)}
	var err error
	if pos.Quantity, err = decimal.NewFromString(qty); err != nil {
		return nil, fmt.Errorf("parse quantity: %w", err)
	}
	if pos.AvgEntryPrice, err = decimal.NewFromString(avg); err != nil {
		return nil, fmt.Errorf("parse avg entry price: %w", err)
	}
	if pos.UnrealizedPnL, err = decimal.NewFromString(upnl); err != nil {
		return nil, fmt.Errorf("parse unrealized pnl: %w", err)
	}
	if pos.RealizedPnL, err = decimal.NewFromString(rpnl); err != nil {
		return nil, fmt.Errorf("parse realized pnl: %w", err)
	}
	return &pos, nil
}

func (s *SQLiteStore) AppendOrder(ctx context.Context, order types.Order) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO orders (id, symbol, exchange, side, type, quantity, status, filled_qty, avg_fill_price, fees, signal_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			filled_qty = excluded.filled_qty,
			avg_fill_price = excluded.avg_fill_price,
			fees = excluded.fees,
			updated_at = excluded.updated_at`,
		order.ID, order.Symbol, order.Exchange, string(order.Side), string(order.Type),
		order.Quantity.String(), string(order.Status), order.FilledQty.String(),
		order.AvgFillPrice.String(), order.Fees.String(), order.SignalID,
		order.CreatedAt.UTC().Format(time.RFC3339Nano),
		order.UpdatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("append order %s: %w", order.ID, err)
	}
	return nil
}

func (s *SQLiteStore) AppendFill(ctx context.Context, fill types.Fill) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO fills (fill_id, order_id, symbol, side, quantity, price, fees, ts)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(fill_id) DO NOTHING`,
		fill.FillID, fill.OrderID, fill.Symbol, string(fill.Side),
		fill.Quantity.String(), fill.Price.String(), fill.Fees.String(),
		fill.Timestamp.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("append fill %s: %w", fill.FillID, err)
	}
	return nil
}

func (s *SQLiteStore) AppendRiskMetrics(ctx context.Context, metrics types.RiskMetrics) error {
	var sharpe any
	if metrics.SharpeRatio != nil {
		sharpe = *metrics.SharpeRatio
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO risk_metrics (ts, current_drawdown_pct, max_drawdown_pct, portfolio_vol, sharpe_ratio, concentration_pct, kill_switch_active)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		metrics.Timestamp.UTC().Format(time.RFC3339Nano),
		metrics.CurrentDrawdownPct, metrics.MaxDrawdownPct, metrics.PortfolioVol,
		sharpe, metrics.ConcentrationPct, boolToInt(metrics.KillSwitchActive))
	if err != nil {
		return fmt.Errorf("append risk metrics: %w", err)
	}
	return nil
}

func (s *SQLiteStore) SaveKillSwitch(ctx context.Context, tripped bool, reason string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kill_switch (id, tripped, reason, updated_at) VALUES (1, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			tripped = excluded.tripped,
			reason = excluded.reason,
			updated_at = excluded.updated_at`,
		boolToInt(tripped), reason, at.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("save kill switch: %w", err)
	}
	return nil
}

func (s *SQLiteStore) LoadKillSwitch(ctx context.Context) (bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT tripped FROM kill_switch WHERE id = 1`)
	var tripped int
	if err := row.Scan(&tripped); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("load kill switch: %w", err)
	}
	return tripped != 0, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
