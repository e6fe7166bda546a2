package ledger

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"alpha_rebalancer/internal/models"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// ErrLedgerSchema marks a row that does not match the fixed schema. ReadAll
// repairs the file when it meets one, so callers never see it.
var ErrLedgerSchema = errors.New("ledger schema error")

// Header is the fixed column layout of the CSV ledger.
var Header = []string{"order_id", "symbol", "side", "quantity", "price", "status", "timestamp", "session_id", "rationale"}

// TimeLayout is the canonical timestamp representation.
const TimeLayout = time.RFC3339

// Appender is the write side used by the order executor.
type Appender interface {
	Append(rec models.TradeRecord) error
}

// Ledger is a durable append-only store of trade outcomes.
type Ledger interface {
	Appender
	ReadAll() ([]models.TradeRecord, error)
	ValidateAndRepair() (RepairReport, error)
	Close() error
}

// CSVLedger keeps trade records in a flat CSV file.
type CSVLedger struct {
	path    string
	log     zerolog.Logger
	mu      sync.Mutex
	checked bool
}

var _ Ledger = (*CSVLedger)(nil)

// NewCSV opens (lazily) the ledger at path.
func NewCSV(path string, log zerolog.Logger) *CSVLedger {
	return &CSVLedger{path: path, log: log.With().Str("component", "ledger").Logger()}
}

// Path returns the ledger file location.
func (l *CSVLedger) Path() string { return l.path }

// Append validates rec and writes it as one row, fsyncing before returning.
// A legacy file is migrated to the fixed schema before the first append.
func (l *CSVLedger) Append(rec models.TradeRecord) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrLedgerSchema, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.checked {
		if err := l.ensureSchema(); err != nil {
			return err
		}
		l.checked = true
	}

	if dir := filepath.Dir(l.path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create ledger directory: %w", err)
		}
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open ledger: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}

	w := csv.NewWriter(f)
	if info.Size() == 0 {
		if err := w.Write(Header); err != nil {
			return err
		}
	}
	if err := w.Write(encode(rec)); err != nil {
		return err
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("failed to write ledger row: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("failed to sync ledger: %w", err)
	}
	return nil
}

// ReadAll returns every record in file order. A missing file is an empty ledger.
func (l *CSVLedger) ReadAll() ([]models.TradeRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	recs, err := l.read()
	if err == nil || !errors.Is(err, ErrLedgerSchema) {
		return recs, err
	}

	l.log.Warn().Err(err).Msg("Ledger does not match schema, repairing")
	if _, err := l.repair(); err != nil {
		return nil, err
	}
	return l.read()
}

// ValidateAndRepair migrates the file to the fixed schema. It is idempotent.
func (l *CSVLedger) ValidateAndRepair() (RepairReport, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.repair()
}

func (l *CSVLedger) Close() error { return nil }

// ensureSchema repairs the file if its header is not the canonical one.
func (l *CSVLedger) ensureSchema() error {
	f, err := os.Open(l.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	line, err := bufio.NewReader(f).ReadString('\n')
	f.Close()
	if err != nil && err != io.EOF {
		return err
	}
	if line == "" || strings.TrimRight(line, "\r\n") == strings.Join(Header, ",") {
		return nil
	}
	l.log.Warn().Str("path", l.path).Msg("Legacy ledger header found, migrating before append")
	_, err = l.repair()
	return err
}

func (l *CSVLedger) read() ([]models.TradeRecord, error) {
	f, err := os.Open(l.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	rows, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLedgerSchema, err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	if !sameFields(rows[0], Header) {
		return nil, fmt.Errorf("%w: unexpected header %v", ErrLedgerSchema, rows[0])
	}

	recs := make([]models.TradeRecord, 0, len(rows)-1)
	for i, row := range rows[1:] {
		rec, err := decode(row)
		if err != nil {
			return nil, fmt.Errorf("%w: row %d: %v", ErrLedgerSchema, i+2, err)
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

func encode(r models.TradeRecord) []string {
	return []string{
		r.OrderID,
		r.Symbol,
		string(r.Side),
		strconv.FormatInt(r.Quantity, 10),
		r.Price.String(),
		string(r.Status),
		r.Timestamp.UTC().Format(TimeLayout),
		r.SessionID,
		r.Rationale,
	}
}

// decode is the strict parser for canonical rows.
func decode(row []string) (models.TradeRecord, error) {
	if len(row) != len(Header) {
		return models.TradeRecord{}, fmt.Errorf("expected %d fields, got %d", len(Header), len(row))
	}
	qty, err := strconv.ParseInt(row[3], 10, 64)
	if err != nil {
		return models.TradeRecord{}, fmt.Errorf("quantity %q: %v", row[3], err)
	}
	price, err := decimal.NewFromString(row[4])
	if err != nil {
		return models.TradeRecord{}, fmt.Errorf("price %q: %v", row[4], err)
	}
	ts, err := time.Parse(TimeLayout, row[6])
	if err != nil {
		return models.TradeRecord{}, fmt.Errorf("timestamp %q: %v", row[6], err)
	}
	rec := models.TradeRecord{
		OrderID:   row[0],
		Symbol:    row[1],
		Side:      models.Side(row[2]),
		Quantity:  qty,
		Price:     price,
		Status:    models.OrderStatus(row[5]),
		Timestamp: ts.UTC(),
		SessionID: row[7],
		Rationale: row[8],
	}
	if err := rec.Validate(); err != nil {
		return models.TradeRecord{}, err
	}
	return rec, nil
}

func sameFields(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if strings.TrimSpace(a[i]) != b[i] {
			return false
		}
	}
	return true
}

// Backends accepted by Open.
const (
	BackendCSV    = "csv"
	BackendSQLite = "sqlite"
)

// Open returns the ledger for the configured backend.
func Open(backend, path string, log zerolog.Logger) (Ledger, error) {
	switch backend {
	case "", BackendCSV:
		return NewCSV(path, log), nil
	case BackendSQLite:
		return OpenSQLite(path, log)
	}
	return nil, fmt.Errorf("unknown ledger backend %q", backend)
}
