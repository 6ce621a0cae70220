// Package store persists the position registry, trade outcomes, and equity
// curve so the agent can recover its state after a restart. Outcomes and
// equity points are append-only; open positions are upserted by ticket.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/alphapulse/risk-core/pkg/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS positions (
	ticket      INTEGER PRIMARY KEY,
	symbol      TEXT NOT NULL,
	side        TEXT NOT NULL,
	volume      REAL NOT NULL,
	open_price  REAL NOT NULL,
	stop_loss   REAL NOT NULL DEFAULT 0,
	take_profit REAL NOT NULL DEFAULT 0,
	opened_at   TIMESTAMP NOT NULL,
	owner       TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS trade_outcomes (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	ticket       INTEGER NOT NULL,
	symbol       TEXT NOT NULL,
	realized_pnl REAL NOT NULL,
	entry_price  REAL NOT NULL,
	exit_price   REAL NOT NULL,
	entry_time   TIMESTAMP NOT NULL,
	exit_time    TIMESTAMP NOT NULL,
	risk         REAL NOT NULL DEFAULT 0,
	reward       REAL NOT NULL DEFAULT 0,
	close_reason TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS equity_points (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp    TIMESTAMP NOT NULL,
	equity       REAL NOT NULL,
	running_peak REAL NOT NULL
);
`

// Store wraps the SQLite database holding durable agent state
type Store struct {
	db *sql.DB
}

// Open creates or opens the database at path and applies the schema
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database handle
func (s *Store) Close() error {
	return s.db.Close()
}

// SavePosition upserts an open position by ticket
func (s *Store) SavePosition(pos *types.Position) error {
	_, err := s.db.Exec(`
		INSERT INTO positions (ticket, symbol, side, volume, open_price, stop_loss, take_profit, opened_at, owner)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(ticket) DO UPDATE SET
			volume = excluded.volume,
			stop_loss = excluded.stop_loss,
			take_profit = excluded.take_profit,
			owner = excluded.owner`,
		pos.Ticket, pos.Symbol, string(pos.Side), pos.Volume, pos.OpenPrice,
		pos.StopLoss, pos.TakeProfit, pos.OpenedAt, string(pos.Owner))
	if err != nil {
		return fmt.Errorf("saving position %d: %w", pos.Ticket, err)
	}
	return nil
}

// DeletePosition removes a closed position by ticket
func (s *Store) DeletePosition(ticket int64) error {
	_, err := s.db.Exec(`DELETE FROM positions WHERE ticket = ?`, ticket)
	if err != nil {
		return fmt.Errorf("deleting position %d: %w", ticket, err)
	}
	return nil
}

// LoadPositions returns all persisted open positions
func (s *Store) LoadPositions() ([]types.Position, error) {
	rows, err := s.db.Query(`
		SELECT ticket, symbol, side, volume, open_price, stop_loss, take_profit, opened_at, owner
		FROM positions ORDER BY opened_at`)
	if err != nil {
		return nil, fmt.Errorf("loading positions: %w", err)
	}
	defer rows.Close()

	var out []types.Position
	for rows.Next() {
		var p types.Position
		var side, owner string
		if err := rows.Scan(&p.Ticket, &p.Symbol, &side, &p.Volume, &p.OpenPrice,
			&p.StopLoss, &p.TakeProfit, &p.OpenedAt, &owner); err != nil {
			return nil, fmt.Errorf("scanning position: %w", err)
		}
		p.Side = types.Side(side)
		p.Owner = types.Owner(owner)
		p.State = types.StateOpen
		p.CurrentPrice = p.OpenPrice
		out = append(out, p)
	}
	return out, rows.Err()
}

// AppendOutcome records a closed trade. Outcomes are never updated or deleted.
func (s *Store) AppendOutcome(o *types.TradeOutcome) error {
	_, err := s.db.Exec(`
		INSERT INTO trade_outcomes (ticket, symbol, realized_pnl, entry_price, exit_price, entry_time, exit_time, risk, reward, close_reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.Ticket, o.Symbol, o.RealizedPnL, o.EntryPrice, o.ExitPrice,
		o.EntryTime, o.ExitTime, o.Risk, o.Reward, o.CloseReason)
	if err != nil {
		return fmt.Errorf("appending outcome for %d: %w", o.Ticket, err)
	}
	return nil
}

// LoadOutcomes returns the full trade history in close order
func (s *Store) LoadOutcomes() ([]types.TradeOutcome, error) {
	rows, err := s.db.Query(`
		SELECT ticket, symbol, realized_pnl, entry_price, exit_price, entry_time, exit_time, risk, reward, close_reason
		FROM trade_outcomes ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("loading outcomes: %w", err)
	}
	defer rows.Close()

	var out []types.TradeOutcome
	for rows.Next() {
		var o types.TradeOutcome
		if err := rows.Scan(&o.Ticket, &o.Symbol, &o.RealizedPnL, &o.EntryPrice, &o.ExitPrice,
			&o.EntryTime, &o.ExitTime, &o.Risk, &o.Reward, &o.CloseReason); err != nil {
			return nil, fmt.Errorf("scanning outcome: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// AppendEquity records one equity curve sample
func (s *Store) AppendEquity(p types.EquityPoint) error {
	_, err := s.db.Exec(`
		INSERT INTO equity_points (timestamp, equity, running_peak) VALUES (?, ?, ?)`,
		p.Timestamp, p.Equity, p.RunningPeak)
	if err != nil {
		return fmt.Errorf("appending equity point: %w", err)
	}
	return nil
}

// LoadEquity returns the most recent limit equity points, oldest first.
// limit <= 0 loads the entire series.
func (s *Store) LoadEquity(limit int) ([]types.EquityPoint, error) {
	query := `SELECT timestamp, equity, running_peak FROM equity_points ORDER BY id`
	var rows *sql.Rows
	var err error
	if limit > 0 {
		query = `SELECT timestamp, equity, running_peak FROM (
			SELECT id, timestamp, equity, running_peak FROM equity_points ORDER BY id DESC LIMIT ?
		) ORDER BY id`
		rows, err = s.db.Query(query, limit)
	} else {
		rows, err = s.db.Query(query)
	}
	if err != nil {
		return nil, fmt.Errorf("loading equity points: %w", err)
	}
	defer rows.Close()

	var out []types.EquityPoint
	for rows.Next() {
		var p types.EquityPoint
		var ts time.Time
		if err := rows.Scan(&ts, &p.Equity, &p.RunningPeak); err != nil {
			return nil, fmt.Errorf("scanning equity point: %w", err)
		}
		p.Timestamp = ts
		out = append(out, p)
	}
	return out, rows.Err()
}
