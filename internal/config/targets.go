package config

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"alpha_rebalancer/internal/models"

	"github.com/rs/zerolog"
)

// LoadTargets reads the allocation model from a CSV or JSON file. Rows keep
// their file order. A total other than 100 is logged, not rejected.
func LoadTargets(path string, log zerolog.Logger) (models.AllocationTarget, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read targets %s: %w", path, err)
	}
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))

	var targets models.AllocationTarget
	if strings.EqualFold(filepath.Ext(path), ".json") {
		targets, err = parseJSONTargets(data)
	} else {
		targets, err = parseCSVTargets(data)
	}
	if err != nil {
		return nil, fmt.Errorf("parse targets %s: %w", path, err)
	}
	if len(targets) == 0 {
		return nil, fmt.Errorf("targets %s: no allocations", path)
	}
	if err := targets.Validate(); err != nil {
		return nil, fmt.Errorf("targets %s: %w", path, err)
	}

	if total := targets.Total(); math.Abs(total-100) > 0.01 {
		log.Warn().Float64("total", total).Str("file", path).Msg("⚠️ Target allocations do not sum to 100%")
	}
	return targets, nil
}

func parseCSVTargets(data []byte) (models.AllocationTarget, error) {
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	col := map[string]int{}
	for i, h := range header {
		name := strings.ToLower(strings.TrimSpace(h))
		if _, dup := col[name]; !dup {
			col[name] = i
		}
	}
	symIdx, ok := col["symbol"]
	if !ok {
		return nil, fmt.Errorf("missing symbol column")
	}
	pctIdx, ok := col["allocation_percentage"]
	if !ok {
		if pctIdx, ok = col["percentage"]; !ok {
			return nil, fmt.Errorf("missing allocation_percentage column")
		}
	}
	field := func(row []string, name string) string {
		i, ok := col[name]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	var out models.AllocationTarget
	for line := 2; ; line++ {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if symIdx >= len(row) || strings.TrimSpace(row[symIdx]) == "" {
			continue
		}
		if pctIdx >= len(row) {
			return nil, fmt.Errorf("line %d: missing percentage", line)
		}
		pct, err := strconv.ParseFloat(strings.TrimSuffix(strings.TrimSpace(row[pctIdx]), "%"), 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: bad percentage %q", line, row[pctIdx])
		}
		typ, err := parseInstrumentType(field(row, "instrument_type"))
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		market := field(row, "market")
		if market == "" {
			market = models.DefaultMarket
		}
		out = append(out, models.TargetWeight{
			Instrument: models.Instrument{
				Symbol: strings.ToUpper(strings.TrimSpace(row[symIdx])),
				Type:   typ,
				Market: strings.ToUpper(market),
			},
			Percentage:  pct,
			Description: field(row, "description"),
		})
	}
	return out, nil
}

// parseJSONTargets reads {"target_allocation": {"SYM": pct}} keeping key order.
func parseJSONTargets(data []byte) (models.AllocationTarget, error) {
	var doc struct {
		TargetAllocation json.RawMessage `json:"target_allocation"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	if len(doc.TargetAllocation) == 0 {
		return nil, fmt.Errorf("missing target_allocation")
	}

	dec := json.NewDecoder(bytes.NewReader(doc.TargetAllocation))
	if tok, err := dec.Token(); err != nil || tok != json.Delim('{') {
		return nil, fmt.Errorf("target_allocation must be an object")
	}
	var out models.AllocationTarget
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		sym, _ := tok.(string)
		var pct float64
		if err := dec.Decode(&pct); err != nil {
			return nil, fmt.Errorf("%s: %w", sym, err)
		}
		out = append(out, models.TargetWeight{
			Instrument: models.Instrument{Symbol: strings.ToUpper(strings.TrimSpace(sym)), Type: models.Equity, Market: models.DefaultMarket},
			Percentage: pct,
		})
	}
	return out, nil
}

func parseInstrumentType(s string) (models.InstrumentType, error) {
	switch strings.ToUpper(s) {
	case "", "EQUITY", "STOCK", "US_STOCK":
		return models.Equity, nil
	case "ETF", "US_ETF":
		return models.ETF, nil
	}
	return "", fmt.Errorf("unknown instrument_type %q", s)
}
