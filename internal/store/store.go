// Package store provides an optional sqlite trade journal.
//
// Orders and fills are appended as they flow through the account ingest
// path: every order state transition becomes a row, and every execution is
// recorded once (re-deliveries are ignored on the fill id). The journal
// feeds two consumers: the balances CLI lists recent executions, and a warm
// start seeds the account's fill dedup set so journaled fills are not
// applied twice.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"cryptobots/pkg/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS orders (
	venue          TEXT    NOT NULL,
	order_id       TEXT    NOT NULL,
	client_id      TEXT    NOT NULL DEFAULT '',
	base           TEXT    NOT NULL,
	quote          TEXT    NOT NULL,
	side           TEXT    NOT NULL,
	type           TEXT    NOT NULL,
	price          REAL    NOT NULL,
	volume         REAL    NOT NULL,
	filled_volume  REAL    NOT NULL,
	status         TEXT    NOT NULL,
	recorded_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_orders_id ON orders (venue, order_id);

CREATE TABLE IF NOT EXISTS fills (
	venue     TEXT    NOT NULL,
	fill_id   TEXT    NOT NULL,
	order_id  TEXT    NOT NULL,
	base      TEXT    NOT NULL,
	quote     TEXT    NOT NULL,
	side      TEXT    NOT NULL,
	price     REAL    NOT NULL,
	volume    REAL    NOT NULL,
	fees      TEXT    NOT NULL DEFAULT '{}',
	filled_at INTEGER NOT NULL,
	PRIMARY KEY (venue, fill_id)
);
CREATE INDEX IF NOT EXISTS idx_fills_order ON fills (venue, order_id);
`

// Store is the sqlite-backed journal. Safe for concurrent use; sqlite's
// single-writer constraint is respected by capping the pool at one
// connection.
type Store struct {
	db *sqlx.DB
}

// Open creates or opens the journal database at path, creating parent
// directories as needed.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create journal dir: %w", err)
		}
	}
	db, err := sqlx.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply journal schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// RecordOrder appends one order state transition. The same order id appears
// once per transition; the newest row is the latest known state.
func (s *Store) RecordOrder(ctx context.Context, venueName string, o *types.Order) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO orders (venue, order_id, client_id, base, quote, side, type,
			price, volume, filled_volume, status, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		venueName, o.ID, o.ClientID, o.Pair.Base, o.Pair.Quote, string(o.Side),
		string(o.Type), o.Price, o.Volume, o.FilledVolume, string(o.Status),
		time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("record order %s: %w", o.ID, err)
	}
	return nil
}

// RecordFill appends one execution. A fill id already journaled for the
// venue is silently skipped, so replayed user events are harmless.
func (s *Store) RecordFill(ctx context.Context, venueName string, f *types.Fill) error {
	fees, err := json.Marshal(f.Fees)
	if err != nil {
		return fmt.Errorf("encode fees for fill %s: %w", f.ID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO fills (venue, fill_id, order_id, base, quote,
			side, price, volume, fees, filled_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		venueName, f.ID, f.OrderID, f.Pair.Base, f.Pair.Quote, string(f.Side),
		f.Price, f.Volume, string(fees), f.Time.UnixMilli())
	if err != nil {
		return fmt.Errorf("record fill %s: %w", f.ID, err)
	}
	return nil
}

// FillIDs returns every journaled fill id for the venue, grouped by order
// id. The account seeds its dedup set from this on warm start.
func (s *Store) FillIDs(ctx context.Context, venueName string) (map[string][]string, error) {
	rows, err := s.db.QueryxContext(ctx,
		`SELECT order_id, fill_id FROM fills WHERE venue = ?`, venueName)
	if err != nil {
		return nil, fmt.Errorf("query fill ids: %w", err)
	}
	defer rows.Close()

	ids := make(map[string][]string)
	for rows.Next() {
		var orderID, fillID string
		if err := rows.Scan(&orderID, &fillID); err != nil {
			return nil, fmt.Errorf("scan fill id: %w", err)
		}
		ids[orderID] = append(ids[orderID], fillID)
	}
	return ids, rows.Err()
}

type fillRow struct {
	FillID   string  `db:"fill_id"`
	OrderID  string  `db:"order_id"`
	Base     string  `db:"base"`
	Quote    string  `db:"quote"`
	Side     string  `db:"side"`
	Price    float64 `db:"price"`
	Volume   float64 `db:"volume"`
	Fees     string  `db:"fees"`
	FilledAt int64   `db:"filled_at"`
}

// RecentFills returns the venue's newest executions, newest first.
func (s *Store) RecentFills(ctx context.Context, venueName string, limit int) ([]*types.Fill, error) {
	var rows []fillRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT fill_id, order_id, base, quote, side, price, volume, fees, filled_at
		FROM fills WHERE venue = ?
		ORDER BY filled_at DESC LIMIT ?`, venueName, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent fills: %w", err)
	}

	fills := make([]*types.Fill, 0, len(rows))
	for _, r := range rows {
		fees := make(map[string]float64)
		if err := json.Unmarshal([]byte(r.Fees), &fees); err != nil {
			return nil, fmt.Errorf("decode fees for fill %s: %w", r.FillID, err)
		}
		fills = append(fills, &types.Fill{
			ID:      r.FillID,
			OrderID: r.OrderID,
			Time:    time.UnixMilli(r.FilledAt),
			Pair:    types.Pair{Base: r.Base, Quote: r.Quote},
			Side:    types.Side(r.Side),
			Volume:  r.Volume,
			Price:   r.Price,
			Fees:    fees,
		})
	}
	return fills, nil
}
