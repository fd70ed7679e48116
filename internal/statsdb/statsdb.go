// Package statsdb persists router-level counters and an error log to
// SQLite so the "stats" control-surface command survives a restart.
// Adapted from the teacher's internal/memory.SQLiteStore: same
// sql.DB-over-a-simple-schema shape, repurposed from conversation
// history to signal/error counters and driven by the pure-Go
// modernc.org/sqlite driver instead of the teacher's cgo one.
package statsdb

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// DB is a SQLite-backed stats store.
type DB struct {
	db *sql.DB
}

// Open opens (creating if necessary) the stats database at path and
// applies its schema. Use ":memory:" for an ephemeral store, e.g. in
// tests or when data_dir persistence isn't wanted.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("statsdb: open: %w", err)
	}
	s := &DB{db: conn}
	if err := s.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("statsdb: migrate: %w", err)
	}
	return s, nil
}

func (s *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS signal_counts (
		address   TEXT PRIMARY KEY,
		bridge    TEXT NOT NULL DEFAULT '',
		count     INTEGER NOT NULL DEFAULT 0,
		last_seen TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS bridge_counts (
		bridge_id TEXT PRIMARY KEY,
		kind      TEXT NOT NULL,
		signals   INTEGER NOT NULL DEFAULT 0,
		errors    INTEGER NOT NULL DEFAULT 0,
		last_seen TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS error_log (
		id      INTEGER PRIMARY KEY AUTOINCREMENT,
		ts      TIMESTAMP NOT NULL,
		code    INTEGER NOT NULL,
		message TEXT NOT NULL,
		address TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_error_log_ts ON error_log(ts DESC);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the underlying database connection.
func (s *DB) Close() error {
	return s.db.Close()
}

// RecordSignal increments the per-address and per-bridge signal
// counters. bridge may be empty for signals that didn't cross a
// bridge (a plain client SET/publish).
func (s *DB) RecordSignal(ctx context.Context, address, bridge string) error {
	now := time.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO signal_counts (address, bridge, count, last_seen)
		VALUES (?, ?, 1, ?)
		ON CONFLICT(address) DO UPDATE SET count = count + 1, last_seen = excluded.last_seen
	`, address, bridge, now)
	if err != nil {
		return fmt.Errorf("statsdb: record signal: %w", err)
	}
	if bridge == "" {
		return nil
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO bridge_counts (bridge_id, kind, signals, errors, last_seen)
		VALUES (?, '', 1, 0, ?)
		ON CONFLICT(bridge_id) DO UPDATE SET signals = signals + 1, last_seen = excluded.last_seen
	`, bridge, now)
	if err != nil {
		return fmt.Errorf("statsdb: record bridge signal: %w", err)
	}
	return nil
}

// RecordBridgeError increments a bridge's error counter and names its
// driver kind (so the row exists even if no signal has flowed yet).
func (s *DB) RecordBridgeError(ctx context.Context, bridgeID, kind string) error {
	now := time.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO bridge_counts (bridge_id, kind, signals, errors, last_seen)
		VALUES (?, ?, 0, 1, ?)
		ON CONFLICT(bridge_id) DO UPDATE SET errors = errors + 1, kind = excluded.kind, last_seen = excluded.last_seen
	`, bridgeID, kind, now)
	if err != nil {
		return fmt.Errorf("statsdb: record bridge error: %w", err)
	}
	return nil
}

// RecordError appends a dispatcher error to the audit log. code
// follows the dispatcher's Nxx error code families.
func (s *DB) RecordError(ctx context.Context, code int, message, address string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO error_log (ts, code, message, address) VALUES (?, ?, ?, ?)
	`, time.Now(), code, message, address)
	if err != nil {
		return fmt.Errorf("statsdb: record error: %w", err)
	}
	return nil
}

// Snapshot is the aggregate view returned to the control surface's
// "stats" command.
type Snapshot struct {
	TotalSignals int64          `json:"total_signals"`
	TotalErrors  int64          `json:"total_errors"`
	TopAddresses []AddressCount `json:"top_addresses"`
	Bridges      []BridgeCount  `json:"bridges"`
	RecentErrors []ErrorEntry   `json:"recent_errors"`
}

// AddressCount is one row of the top-addresses-by-signal-count table.
type AddressCount struct {
	Address string `json:"address"`
	Count   int64  `json:"count"`
}

// BridgeCount summarizes one bridge's traffic.
type BridgeCount struct {
	BridgeID string `json:"bridge_id"`
	Kind     string `json:"kind"`
	Signals  int64  `json:"signals"`
	Errors   int64  `json:"errors"`
}

// ErrorEntry is one row of the error audit log.
type ErrorEntry struct {
	Timestamp time.Time `json:"ts"`
	Code      int       `json:"code"`
	Message   string    `json:"message"`
	Address   string    `json:"address,omitempty"`
}

// Snapshot implements control.StatsSource. It returns a *Snapshot
// boxed as any so callers needn't import this package just to invoke
// the stats command.
func (s *DB) Snapshot(ctx context.Context) (any, error) {
	snap := &Snapshot{}

	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(count), 0) FROM signal_counts`).Scan(&snap.TotalSignals); err != nil {
		return nil, fmt.Errorf("statsdb: total signals: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM error_log`).Scan(&snap.TotalErrors); err != nil {
		return nil, fmt.Errorf("statsdb: total errors: %w", err)
	}

	addrRows, err := s.db.QueryContext(ctx, `
		SELECT address, count FROM signal_counts ORDER BY count DESC LIMIT 10
	`)
	if err != nil {
		return nil, fmt.Errorf("statsdb: top addresses: %w", err)
	}
	defer addrRows.Close()
	for addrRows.Next() {
		var ac AddressCount
		if err := addrRows.Scan(&ac.Address, &ac.Count); err != nil {
			return nil, fmt.Errorf("statsdb: scan address count: %w", err)
		}
		snap.TopAddresses = append(snap.TopAddresses, ac)
	}

	bridgeRows, err := s.db.QueryContext(ctx, `
		SELECT bridge_id, kind, signals, errors FROM bridge_counts ORDER BY bridge_id
	`)
	if err != nil {
		return nil, fmt.Errorf("statsdb: bridge counts: %w", err)
	}
	defer bridgeRows.Close()
	for bridgeRows.Next() {
		var bc BridgeCount
		if err := bridgeRows.Scan(&bc.BridgeID, &bc.Kind, &bc.Signals, &bc.Errors); err != nil {
			return nil, fmt.Errorf("statsdb: scan bridge count: %w", err)
		}
		snap.Bridges = append(snap.Bridges, bc)
	}

	errRows, err := s.db.QueryContext(ctx, `
		SELECT ts, code, message, address FROM error_log ORDER BY ts DESC LIMIT 20
	`)
	if err != nil {
		return nil, fmt.Errorf("statsdb: recent errors: %w", err)
	}
	defer errRows.Close()
	for errRows.Next() {
		var e ErrorEntry
		if err := errRows.Scan(&e.Timestamp, &e.Code, &e.Message, &e.Address); err != nil {
			return nil, fmt.Errorf("statsdb: scan error entry: %w", err)
		}
		snap.RecentErrors = append(snap.RecentErrors, e)
	}

	return snap, nil
}
