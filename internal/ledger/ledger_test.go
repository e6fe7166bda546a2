package ledger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"alpha_rebalancer/internal/models"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleRecord(id, symbol string, side models.Side, qty int64, price string, status models.OrderStatus) models.TradeRecord {
	return models.TradeRecord{
		OrderID:   id,
		Symbol:    symbol,
		Side:      side,
		Quantity:  qty,
		Price:     decimal.RequireFromString(price),
		Status:    status,
		Timestamp: time.Date(2024, 6, 3, 14, 30, 5, 0, time.UTC),
		SessionID: "session-1",
		Rationale: "new allocation",
	}
}

func TestCSVLedger_AppendAndReadAll(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "trades.csv")
	l := NewCSV(path, zerolog.Nop())

	recs, err := l.ReadAll()
	require.NoError(t, err)
	assert.Empty(t, recs)

	a := sampleRecord("id-1", "VTI", models.Buy, 10, "240.12", models.StatusFilled)
	b := sampleRecord("id-2", "BND", models.Sell, 3, "71.5", models.StatusSimulated)
	b.Rationale = "reduce overweight, then some"
	require.NoError(t, l.Append(a))
	require.NoError(t, l.Append(b))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, strings.Join(Header, ","), lines[0])
	assert.Equal(t, "id-1,VTI,BUY,10,240.12,FILLED,2024-06-03T14:30:05Z,session-1,new allocation", lines[1])

	recs, err = l.ReadAll()
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, a.OrderID, recs[0].OrderID)
	assert.True(t, a.Price.Equal(recs[0].Price))
	assert.Equal(t, b.Rationale, recs[1].Rationale)
	assert.Equal(t, models.StatusSimulated, recs[1].Status)
}

func TestCSVLedger_AppendRejectsInvalidRecord(t *testing.T) {
	l := NewCSV(filepath.Join(t.TempDir(), "trades.csv"), zerolog.Nop())

	bad := sampleRecord("id-1", "VTI", models.Buy, 0, "1", models.StatusFilled)
	assert.ErrorIs(t, l.Append(bad), ErrLedgerSchema)

	pending := sampleRecord("id-2", "VTI", models.Buy, 1, "1", models.StatusPreviewed)
	assert.ErrorIs(t, l.Append(pending), ErrLedgerSchema)

	_, err := os.Stat(l.Path())
	assert.True(t, os.IsNotExist(err), "nothing written for invalid records")
}

const legacyLedger = `symbol,action,quantity,estimated_value,current_price,timestamp
AAPL,buy,10,"$1,875.00",187.5,2023-11-02 15:31:07.123456
MSFT,SELL,4.0,1600,,2023-11-02 15:32:00
VTI,BUY,2,480,240,not a date

,hold,1,1,1,2023-11-02
GOOG,BUY,1.5,200,133.33,2023-11-02
`

func TestValidateAndRepair_MigratesLegacyRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trades.csv")
	require.NoError(t, os.WriteFile(path, []byte(legacyLedger), 0644))
	l := NewCSV(path, zerolog.Nop())

	report, err := l.ValidateAndRepair()
	require.NoError(t, err)
	assert.Equal(t, 3, report.Rows)
	assert.Equal(t, 2, report.Quarantined)
	assert.True(t, report.Rewritten)

	recs, err := l.ReadAll()
	require.NoError(t, err)
	require.Len(t, recs, 3)

	aapl := recs[0]
	assert.Equal(t, "AAPL", aapl.Symbol)
	assert.Equal(t, models.Buy, aapl.Side)
	assert.Equal(t, int64(10), aapl.Quantity)
	assert.True(t, aapl.Price.Equal(decimal.RequireFromString("187.5")))
	assert.True(t, time.Date(2023, 11, 2, 15, 31, 7, 0, time.UTC).Equal(aapl.Timestamp))
	assert.Equal(t, DefaultStatus, aapl.Status)
	assert.Equal(t, DefaultSessionID, aapl.SessionID)
	assert.Equal(t, "", aapl.Rationale)
	assert.NotEmpty(t, aapl.OrderID)

	msft := recs[1]
	assert.Equal(t, int64(4), msft.Quantity)
	assert.True(t, msft.Price.Equal(decimal.NewFromInt(400)), "price derived from estimated value")

	vti := recs[2]
	assert.True(t, time.Unix(0, 0).Equal(vti.Timestamp))

	rejected, err := os.ReadFile(path + ".rejected")
	require.NoError(t, err)
	assert.Contains(t, string(rejected), "GOOG")
	assert.Contains(t, string(rejected), "hold")
}

func TestValidateAndRepair_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trades.csv")
	require.NoError(t, os.WriteFile(path, []byte(legacyLedger), 0644))
	l := NewCSV(path, zerolog.Nop())

	_, err := l.ValidateAndRepair()
	require.NoError(t, err)
	once, err := os.ReadFile(path)
	require.NoError(t, err)

	report, err := l.ValidateAndRepair()
	require.NoError(t, err)
	twice, err := os.ReadFile(path)
	require.NoError(t, err)

	assert.Equal(t, string(once), string(twice))
	assert.False(t, report.Rewritten)
	assert.Zero(t, report.Repaired)
	assert.Zero(t, report.Quarantined)
}

func TestValidateAndRepair_KeepsWellFormedRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trades.csv")
	l := NewCSV(path, zerolog.Nop())
	rec := sampleRecord("id-9", "QQQ", models.Sell, 7, "401.25", models.StatusRejected)
	require.NoError(t, l.Append(rec))
	before, err := os.ReadFile(path)
	require.NoError(t, err)

	report, err := l.ValidateAndRepair()
	require.NoError(t, err)
	after, err := os.ReadFile(path)
	require.NoError(t, err)

	assert.Equal(t, string(before), string(after))
	assert.Equal(t, 1, report.Rows)
	assert.False(t, report.Rewritten)
}

func TestValidateAndRepair_StripsByteOrderMark(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trades.csv")
	l := NewCSV(path, zerolog.Nop())
	require.NoError(t, l.Append(sampleRecord("id-1", "VTI", models.Buy, 2, "240", models.StatusFilled)))
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, append([]byte("\xef\xbb\xbf"), raw...), 0644))

	report, err := l.ValidateAndRepair()
	require.NoError(t, err)
	assert.True(t, report.Rewritten)
	assert.Equal(t, 1, report.Rows)

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, string(raw), string(after))

	recs, err := l.ReadAll()
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "id-1", recs[0].OrderID)
}

func TestReadAll_RepairsByteOrderMarkFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trades.csv")
	content := "\xef\xbb\xbf" + strings.Join(Header, ",") + "\n" +
		"id-1,SPY,BUY,1,500,FILLED,2024-01-02T15:00:00Z,s-1,rebalance\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	l := NewCSV(path, zerolog.Nop())

	recs, err := l.ReadAll()
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "SPY", recs[0].Symbol)

	require.NoError(t, l.Append(sampleRecord("id-2", "VTI", models.Buy, 2, "240", models.StatusFilled)))
	recs, err = l.ReadAll()
	require.NoError(t, err)
	assert.Len(t, recs, 2)
}

func TestValidateAndRepair_PadsShortAndTruncatesLongRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trades.csv")
	content := strings.Join(Header, ",") + "\n" +
		"id-1,SPY,BUY,1,500,FILLED,2024-01-02T15:00:00Z\n" +
		"id-2,SPY,SELL,1,501,FILLED,2024-01-03T15:00:00Z,s-2,rebalance,extra,columns\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	recs, err := NewCSV(path, zerolog.Nop()).ReadAll()
	require.NoError(t, err, "ReadAll repairs transparently")
	require.Len(t, recs, 2)
	assert.Equal(t, DefaultSessionID, recs[0].SessionID)
	assert.Equal(t, "", recs[0].Rationale)
	assert.Equal(t, "s-2", recs[1].SessionID)
	assert.Equal(t, "rebalance", recs[1].Rationale)
	assert.Equal(t, "id-1", recs[0].OrderID)
}

func TestAppend_MigratesLegacyFileFirst(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trades.csv")
	require.NoError(t, os.WriteFile(path, []byte("symbol,action,quantity,current_price,timestamp\nAAPL,buy,1,180,2023-01-05\n"), 0644))
	l := NewCSV(path, zerolog.Nop())

	require.NoError(t, l.Append(sampleRecord("id-1", "VTI", models.Buy, 2, "240", models.StatusSubmitted)))

	recs, err := l.ReadAll()
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "AAPL", recs[0].Symbol)
	assert.Equal(t, "VTI", recs[1].Symbol)
}

func TestOpen_Backends(t *testing.T) {
	dir := t.TempDir()
	l, err := Open("", filepath.Join(dir, "t.csv"), zerolog.Nop())
	require.NoError(t, err)
	assert.IsType(t, &CSVLedger{}, l)

	_, err = Open("parquet", filepath.Join(dir, "t.parquet"), zerolog.Nop())
	assert.Error(t, err)
}
