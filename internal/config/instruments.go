package config

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/psanghavi/ladderbot/internal/models"
)

// LoadInstruments reads the instrument manifest CSV and returns the entries
// for the configured universe. The manifest format is
//
//	symbol,token,tick_size,lot_size
//
// with a header row. Every configured symbol must appear in the manifest.
func LoadInstruments(path string, symbols []string) ([]models.Instrument, error) {
	f, err := os.Open(path) // #nosec G304 -- operator-supplied manifest path
	if err != nil {
		return nil, fmt.Errorf("opening instruments manifest: %w", err)
	}
	defer func() { _ = f.Close() }()

	byName, err := parseManifest(f)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	out := make([]models.Instrument, 0, len(symbols))
	for _, s := range symbols {
		sym := models.NormalizeSymbol(models.Symbol(s))
		inst, ok := byName[sym]
		if !ok {
			return nil, fmt.Errorf("symbol %s not found in instruments manifest", sym)
		}
		out = append(out, inst)
	}
	return out, nil
}

func parseManifest(r io.Reader) (map[models.Symbol]models.Instrument, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = 4
	cr.TrimLeadingSpace = true

	byName := make(map[models.Symbol]models.Instrument)
	line := 0
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		line++
		if line == 1 && rec[0] == "symbol" {
			continue
		}

		sym := models.NormalizeSymbol(models.Symbol(rec[0]))
		token, err := strconv.ParseUint(rec[1], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("line %d: bad token %q: %w", line, rec[1], err)
		}
		tick, err := decimal.NewFromString(rec[2])
		if err != nil || tick.Sign() <= 0 {
			return nil, fmt.Errorf("line %d: bad tick_size %q", line, rec[2])
		}
		lot, err := strconv.ParseInt(rec[3], 10, 64)
		if err != nil || lot <= 0 {
			return nil, fmt.Errorf("line %d: bad lot_size %q", line, rec[3])
		}
		if _, dup := byName[sym]; dup {
			return nil, fmt.Errorf("line %d: duplicate symbol %s", line, sym)
		}

		byName[sym] = models.Instrument{
			Symbol:   sym,
			Token:    uint32(token),
			TickSize: tick,
			LotSize:  lot,
		}
	}
	if len(byName) == 0 {
		return nil, fmt.Errorf("manifest contains no instruments")
	}
	return byName, nil
}
