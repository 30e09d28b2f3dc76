// Package source loads raw notices in batch: it reads the airport manifest,
// fetches each airport's JSON feed, and falls back to manually maintained
// notices for airports whose feed yields nothing.
package source

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/jszwec/csvutil"
	"go.uber.org/zap"

	"github.com/JakeFAU/notam-pipeline/internal/notice"
)

// Entry is one manifest row.
type Entry struct {
	Designator string `csv:"Designator"`
	URL        string `csv:"URL"`
}

// ManualRow is one row of the manual notices CSV.
type ManualRow struct {
	Airport string `csv:"airport_code"`
	Number  string `csv:"notam_number"`
	Message string `csv:"message"`
}

func newCSVReader(r io.Reader) *csv.Reader {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	return cr
}

// ReadManifest decodes a Designator,URL manifest. Rows without a designator
// are dropped; rows without a URL are kept (they can still be served by the
// manual fallback) but logged.
func ReadManifest(r io.Reader, logger *zap.Logger) ([]Entry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	dec, err := csvutil.NewDecoder(newCSVReader(r))
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("read manifest header: %w", err)
	}
	dec.DisallowMissingColumns = true

	var rows []Entry
	if err := dec.Decode(&rows); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	out := make([]Entry, 0, len(rows))
	for i, e := range rows {
		e.Designator = strings.ToUpper(strings.TrimSpace(e.Designator))
		e.URL = strings.TrimSpace(e.URL)
		if strings.EqualFold(e.URL, "nan") {
			e.URL = ""
		}
		if e.Designator == "" {
			if e.URL != "" {
				logger.Warn("manifest row without designator skipped", zap.Int("row", i+2), zap.String("url", e.URL))
			}
			continue
		}
		if e.URL == "" {
			logger.Warn("manifest row has no feed url", zap.Int("row", i+2), zap.String("designator", e.Designator))
		}
		out = append(out, e)
	}
	return out, nil
}

// Designators lists the manifest designators in order.
func Designators(entries []Entry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Designator)
	}
	return out
}

// ReadManual decodes the manual notices CSV, grouped by airport. Incomplete
// rows are ignored. Manual notices carry no issue time.
func ReadManual(r io.Reader) (map[string][]notice.Raw, error) {
	out := make(map[string][]notice.Raw)
	dec, err := csvutil.NewDecoder(newCSVReader(r))
	if err != nil {
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		return nil, fmt.Errorf("read manual header: %w", err)
	}
	var rows []ManualRow
	if err := dec.Decode(&rows); err != nil {
		return nil, fmt.Errorf("decode manual notices: %w", err)
	}
	for _, row := range rows {
		airport := strings.ToUpper(strings.TrimSpace(row.Airport))
		number := strings.TrimSpace(row.Number)
		message := strings.TrimSpace(row.Message)
		if airport == "" || number == "" || message == "" {
			continue
		}
		out[airport] = append(out[airport], notice.Raw{
			SourceID: airport,
			Number:   number,
			Text:     message,
			Origin:   notice.OriginManual,
		})
	}
	return out, nil
}
