//go:build integration

package alpaca

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

var decimalTwo = decimal.NewFromInt(2)

func testLogger(t *testing.T) zerolog.Logger {
	return zerolog.New(zerolog.NewTestWriter(t))
}
