package ledger

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"alpha_rebalancer/internal/models"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

const schema = `
CREATE TABLE IF NOT EXISTS trades (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	order_id   TEXT NOT NULL UNIQUE,
	symbol     TEXT NOT NULL CHECK (symbol <> ''),
	side       TEXT NOT NULL CHECK (side IN ('BUY', 'SELL')),
	quantity   INTEGER NOT NULL CHECK (quantity > 0),
	price      TEXT NOT NULL,
	status     TEXT NOT NULL CHECK (status IN ('SIMULATED', 'SUBMITTED', 'FILLED', 'REJECTED', 'FAILED')),
	timestamp  TEXT NOT NULL,
	session_id TEXT NOT NULL CHECK (session_id <> ''),
	rationale  TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_trades_session ON trades(session_id);
`

// SQLiteLedger stores trade records in a SQLite table whose constraints
// enforce the schema on every insert.
type SQLiteLedger struct {
	conn *sql.DB
	path string
	log  zerolog.Logger
}

var _ Ledger = (*SQLiteLedger)(nil)

// OpenSQLite opens or creates the ledger database at dbPath.
func OpenSQLite(dbPath string, log zerolog.Logger) (*SQLiteLedger, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	// One writer keeps appends strictly ordered.
	conn.SetMaxOpenConns(1)

	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create trades table: %w", err)
	}

	return &SQLiteLedger{
		conn: conn,
		path: dbPath,
		log:  log.With().Str("component", "ledger").Str("backend", "sqlite").Logger(),
	}, nil
}

func (s *SQLiteLedger) Append(rec models.TradeRecord) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrLedgerSchema, err)
	}
	_, err := s.conn.Exec(`INSERT INTO trades (order_id, symbol, side, quantity, price, status, timestamp, session_id, rationale)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`, args(rec)...)
	if err != nil {
		return fmt.Errorf("failed to insert trade %s: %w", rec.OrderID, err)
	}
	return nil
}

func (s *SQLiteLedger) ReadAll() ([]models.TradeRecord, error) {
	rows, err := s.conn.Query(`SELECT order_id, symbol, side, quantity, price, status, timestamp, session_id, rationale
		FROM trades ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}
	defer rows.Close()

	var recs []models.TradeRecord
	for rows.Next() {
		var (
			rec          models.TradeRecord
			side, status string
			price, ts    string
		)
		if err := rows.Scan(&rec.OrderID, &rec.Symbol, &side, &rec.Quantity, &price, &status, &ts, &rec.SessionID, &rec.Rationale); err != nil {
			return nil, err
		}
		rec.Side = models.Side(side)
		rec.Status = models.OrderStatus(status)
		if rec.Price, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("%w: trade %s price %q", ErrLedgerSchema, rec.OrderID, price)
		}
		t, err := time.Parse(TimeLayout, ts)
		if err != nil {
			return nil, fmt.Errorf("%w: trade %s timestamp %q", ErrLedgerSchema, rec.OrderID, ts)
		}
		rec.Timestamp = t.UTC()
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// ValidateAndRepair has nothing to fix: the table constraints reject bad rows
// at insert time. It reports the row count after an integrity check.
func (s *SQLiteLedger) ValidateAndRepair() (RepairReport, error) {
	var result string
	if err := s.conn.QueryRow(`PRAGMA integrity_check`).Scan(&result); err != nil {
		return RepairReport{}, err
	}
	if result != "ok" {
		return RepairReport{}, fmt.Errorf("%w: sqlite integrity check: %s", ErrLedgerSchema, result)
	}
	var n int
	if err := s.conn.QueryRow(`SELECT COUNT(*) FROM trades`).Scan(&n); err != nil {
		return RepairReport{}, err
	}
	return RepairReport{Rows: n}, nil
}

// ImportCSV repairs a CSV ledger and copies its rows into the table. Rows
// already present (same order id) are skipped, so the import can be rerun.
func (s *SQLiteLedger) ImportCSV(csvPath string) (int, error) {
	src := NewCSV(csvPath, s.log)
	if _, err := src.ValidateAndRepair(); err != nil {
		return 0, err
	}
	recs, err := src.ReadAll()
	if err != nil {
		return 0, err
	}

	tx, err := s.conn.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT OR IGNORE INTO trades (order_id, symbol, side, quantity, price, status, timestamp, session_id, rationale)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	inserted := 0
	for _, rec := range recs {
		res, err := stmt.Exec(args(rec)...)
		if err != nil {
			return 0, fmt.Errorf("failed to import trade %s: %w", rec.OrderID, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	s.log.Info().Str("source", csvPath).Int("read", len(recs)).Int("inserted", inserted).Msg("📥 CSV ledger imported")
	return inserted, nil
}

func (s *SQLiteLedger) Close() error {
	return s.conn.Close()
}

func args(r models.TradeRecord) []any {
	return []any{
		r.OrderID, r.Symbol, string(r.Side), r.Quantity, r.Price.String(), string(r.Status),
		r.Timestamp.UTC().Format(TimeLayout), r.SessionID, r.Rationale,
	}
}
