package ledger

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"alpha_rebalancer/internal/models"
	"alpha_rebalancer/internal/storage"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Defaults for fields a legacy row may lack.
const (
	DefaultSessionID = "legacy"
	DefaultStatus    = models.StatusSubmitted
	DefaultRationale = ""
)

var utf8BOM = []byte("\xef\xbb\xbf")

// legacyNamespace seeds the deterministic order ids given to rows that had none,
// so a second repair pass assigns the same id.
var legacyNamespace = uuid.MustParse("6f1c7a0e-3d2b-5b8e-9a41-0c7e2d1f4b90")

// RepairReport summarizes one ValidateAndRepair pass.
type RepairReport struct {
	Rows        int  // canonical rows after repair
	Repaired    int  // rows whose serialized form changed
	Quarantined int  // rows moved to the .rejected file
	Rewritten   bool // whether the ledger file was replaced
}

// columnAliases maps historical column names to canonical ones.
var columnAliases = map[string]string{
	"order_id":        "order_id",
	"client_order_id": "order_id",
	"id":              "order_id",
	"symbol":          "symbol",
	"ticker":          "symbol",
	"side":            "side",
	"action":          "side",
	"quantity":        "quantity",
	"qty":             "quantity",
	"shares":          "quantity",
	"price":           "price",
	"execution_price": "price",
	"fill_price":      "price",
	"limit_price":     "price",
	"current_price":   "price",
	"status":          "status",
	"order_status":    "status",
	"timestamp":       "timestamp",
	"date":            "timestamp",
	"time":            "timestamp",
	"datetime":        "timestamp",
	"session_id":      "session_id",
	"session":         "session_id",
	"rationale":       "rationale",
	"reason":          "rationale",
	"estimated_value": "value",
	"value":           "value",
	"dry_run":         "dry_run",
}

// timeLayouts are the timestamp formats seen in historical ledgers.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04",
	"01/02/2006 15:04:05",
	"01/02/2006 15:04",
	"2006-01-02",
	"01/02/2006",
}

var statusAliases = map[string]models.OrderStatus{
	"SIMULATED":  models.StatusSimulated,
	"SIMULATION": models.StatusSimulated,
	"DRY_RUN":    models.StatusSimulated,
	"DRYRUN":     models.StatusSimulated,
	"SUBMITTED":  models.StatusSubmitted,
	"PLACED":     models.StatusSubmitted,
	"NEW":        models.StatusSubmitted,
	"ACCEPTED":   models.StatusSubmitted,
	"PENDING":    models.StatusSubmitted,
	"FILLED":     models.StatusFilled,
	"EXECUTED":   models.StatusFilled,
	"REJECTED":   models.StatusRejected,
	"CANCELLED":  models.StatusRejected,
	"CANCELED":   models.StatusRejected,
	"EXPIRED":    models.StatusRejected,
	"FAILED":     models.StatusFailed,
	"ERROR":      models.StatusFailed,
}

// repair rewrites the file in canonical form. Caller holds l.mu.
func (l *CSVLedger) repair() (RepairReport, error) {
	var report RepairReport

	raw, err := os.ReadFile(l.path)
	if os.IsNotExist(err) {
		return report, nil
	}
	if err != nil {
		return report, fmt.Errorf("failed to read ledger: %w", err)
	}
	r := csv.NewReader(bytes.NewReader(bytes.TrimPrefix(raw, utf8BOM)))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	rows, err := r.ReadAll()
	if err != nil {
		return report, fmt.Errorf("ledger is not readable as CSV: %w", err)
	}
	if len(rows) == 0 {
		return report, nil
	}

	columns, body := columnIndex(rows)

	var out, rejected [][]string
	for _, row := range body {
		if blank(row) {
			continue
		}
		fields := make(map[string]string, len(columns))
		for i, name := range columns {
			if name != "" && i < len(row) {
				fields[name] = strings.TrimSpace(row[i])
			}
		}

		rec, err := normalize(fields, row)
		if err != nil {
			l.log.Warn().Err(err).Strs("row", row).Msg("Quarantining unrecoverable ledger row")
			rejected = append(rejected, row)
			continue
		}
		canon := encode(rec)
		if !sameFields(row, canon) || len(row) != len(canon) {
			report.Repaired++
		}
		out = append(out, canon)
	}
	report.Rows = len(out)
	report.Quarantined = len(rejected)

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	_ = w.Write(Header)
	_ = w.WriteAll(out)
	if err := w.Error(); err != nil {
		return report, err
	}

	if len(rejected) > 0 {
		if err := appendRejected(l.path+".rejected", rejected); err != nil {
			return report, err
		}
	}
	if bytes.Equal(buf.Bytes(), raw) {
		return report, nil
	}

	if err := storage.WriteAtomic(l.path, buf.Bytes()); err != nil {
		return report, err
	}
	report.Rewritten = true
	l.log.Info().
		Int("rows", report.Rows).
		Int("repaired", report.Repaired).
		Int("quarantined", report.Quarantined).
		Msg("🔧 Ledger repaired")
	return report, nil
}

// columnIndex resolves the canonical name of every column. A file whose first
// row names no known column is treated as headerless canonical data.
func columnIndex(rows [][]string) ([]string, [][]string) {
	first := rows[0]
	names := make([]string, len(first))
	known := 0
	for i, h := range first {
		key := strings.ToLower(strings.TrimSpace(h))
		key = strings.ReplaceAll(key, " ", "_")
		if c, ok := columnAliases[key]; ok {
			names[i] = c
			known++
		}
	}
	if known == 0 {
		return Header, rows
	}
	// First alias wins when two legacy columns map to one field.
	taken := map[string]bool{}
	for i, n := range names {
		if n == "" {
			continue
		}
		if taken[n] {
			names[i] = ""
			continue
		}
		taken[n] = true
	}
	return names, rows[1:]
}

// normalize builds a canonical record from a legacy row. Only the identity of
// the trade (symbol, side, quantity) is mandatory.
func normalize(f map[string]string, raw []string) (models.TradeRecord, error) {
	var rec models.TradeRecord

	rec.Symbol = strings.ToUpper(f["symbol"])
	if rec.Symbol == "" {
		return rec, fmt.Errorf("missing symbol")
	}

	side, err := models.ParseSide(f["side"])
	if err != nil {
		return rec, err
	}
	rec.Side = side

	qty, err := parseNumber(f["quantity"])
	if err != nil {
		return rec, fmt.Errorf("quantity: %w", err)
	}
	if !qty.IsInteger() || !qty.IsPositive() {
		return rec, fmt.Errorf("quantity %s is not a positive whole number", qty)
	}
	rec.Quantity = qty.IntPart()

	rec.Price = decimal.Zero
	if p, err := parseNumber(f["price"]); err == nil && !p.IsNegative() {
		rec.Price = p
	} else if v, err := parseNumber(f["value"]); err == nil && v.IsPositive() {
		rec.Price = v.Div(qty).Round(4)
	}

	rec.Status = DefaultStatus
	if s, ok := statusAliases[strings.ToUpper(f["status"])]; ok {
		rec.Status = s
	} else if b, err := strconv.ParseBool(f["dry_run"]); err == nil && b {
		rec.Status = models.StatusSimulated
	}

	rec.Timestamp = parseTime(f["timestamp"])

	rec.SessionID = f["session_id"]
	if rec.SessionID == "" {
		rec.SessionID = DefaultSessionID
	}
	rec.Rationale = f["rationale"]
	if rec.Rationale == "" {
		rec.Rationale = DefaultRationale
	}

	rec.OrderID = f["order_id"]
	if rec.OrderID == "" {
		rec.OrderID = uuid.NewSHA1(legacyNamespace, []byte(strings.Join(raw, "\x1f"))).String()
	}
	return rec, rec.Validate()
}

func parseNumber(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	s = strings.NewReplacer("$", "", ",", "", " ", "").Replace(s)
	if s == "" {
		return decimal.Zero, fmt.Errorf("empty number")
	}
	return decimal.NewFromString(s)
}

// parseTime accepts the historical layouts and unix seconds. Unparseable
// values map to the unix epoch so the row is kept.
func parseTime(s string) time.Time {
	s = strings.TrimSpace(s)
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC().Truncate(time.Second)
		}
	}
	if secs, err := strconv.ParseFloat(s, 64); err == nil && secs > 0 {
		return time.Unix(int64(secs), 0).UTC()
	}
	return time.Unix(0, 0).UTC()
}

func blank(row []string) bool {
	for _, v := range row {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}

func appendRejected(path string, rows [][]string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open quarantine file: %w", err)
	}
	defer f.Close()
	w := csv.NewWriter(f)
	if err := w.WriteAll(rows); err != nil {
		return err
	}
	return f.Sync()
}
