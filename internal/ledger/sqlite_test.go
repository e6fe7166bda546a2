package ledger

import (
	"os"
	"path/filepath"
	"testing"

	"alpha_rebalancer/internal/models"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLiteLedger_AppendReadAll(t *testing.T) {
	db, err := OpenSQLite(filepath.Join(t.TempDir(), "ledger.db"), zerolog.Nop())
	require.NoError(t, err)
	defer db.Close()

	a := sampleRecord("id-1", "VTI", models.Buy, 10, "240.12", models.StatusFilled)
	b := sampleRecord("id-2", "BND", models.Sell, 3, "71.5", models.StatusRejected)
	require.NoError(t, db.Append(a))
	require.NoError(t, db.Append(b))

	// Order ids are unique.
	assert.Error(t, db.Append(a))

	recs, err := db.ReadAll()
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, a.OrderID, recs[0].OrderID)
	assert.True(t, a.Timestamp.Equal(recs[0].Timestamp))
	assert.True(t, a.Price.Equal(recs[0].Price))
	assert.Equal(t, models.StatusRejected, recs[1].Status)

	report, err := db.ValidateAndRepair()
	require.NoError(t, err)
	assert.Equal(t, 2, report.Rows)
}

func TestSQLiteLedger_RejectsInvalidRecord(t *testing.T) {
	db, err := OpenSQLite(filepath.Join(t.TempDir(), "ledger.db"), zerolog.Nop())
	require.NoError(t, err)
	defer db.Close()

	bad := sampleRecord("id-1", "VTI", "HOLD", 1, "1", models.StatusFilled)
	assert.ErrorIs(t, db.Append(bad), ErrLedgerSchema)
}

func TestSQLiteLedger_ImportCSVIsRerunnable(t *testing.T) {
	dir := t.TempDir()
	csvPath := filepath.Join(dir, "trades.csv")
	require.NoError(t, os.WriteFile(csvPath, []byte(legacyLedger), 0644))

	db, err := OpenSQLite(filepath.Join(dir, "ledger.db"), zerolog.Nop())
	require.NoError(t, err)
	defer db.Close()

	n, err := db.ImportCSV(csvPath)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = db.ImportCSV(csvPath)
	require.NoError(t, err)
	assert.Zero(t, n)

	recs, err := db.ReadAll()
	require.NoError(t, err)
	assert.Len(t, recs, 3)
}
