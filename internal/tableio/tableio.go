// Package tableio reads and writes record tables as CSV and XLSX files.
package tableio

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/gocarina/gocsv"
	"github.com/xuri/excelize/v2"

	"github.com/HakaiInstitute/hakai-oceanography-qc-tools/internal/flags"
	"github.com/HakaiInstitute/hakai-oceanography-qc-tools/internal/record"
)

// ErrUnsupportedFormat is returned for file extensions other than .csv and .xlsx.
var ErrUnsupportedFormat = errors.New("unsupported file format")

// Options control how raw files become tables.
type Options struct {
	// Key names the sample identifier column.
	Key string
	// TimeColumns are parsed into timestamps after reading.
	TimeColumns []string
	// Sheet selects the XLSX worksheet. Empty means the first sheet.
	Sheet string
}

// ReadFile reads a .csv or .xlsx file.
func ReadFile(path string, opts Options) (*record.Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close() //nolint:errcheck

	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return ReadCSV(f, opts)
	case ".xlsx":
		return ReadXLSX(f, opts)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
}

// ReadCSV reads a CSV document with a header row.
func ReadCSV(r io.Reader, opts Options) (*record.Table, error) {
	rows, err := gocsv.DefaultCSVReader(r).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("reading csv: %w", err)
	}
	return fromRows(rows, opts)
}

// ReadXLSX reads one worksheet of an XLSX workbook with a header row.
func ReadXLSX(r io.Reader, opts Options) (*record.Table, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("opening xlsx: %w", err)
	}
	defer f.Close() //nolint:errcheck

	sheet := opts.Sheet
	if sheet == "" {
		sheets := f.GetSheetList()
		if len(sheets) == 0 {
			return nil, fmt.Errorf("xlsx workbook has no sheets")
		}
		sheet = sheets[0]
	}
	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, fmt.Errorf("reading sheet %q: %w", sheet, err)
	}
	return fromRows(rows, opts)
}

func fromRows(rows [][]string, opts Options) (*record.Table, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("file has no header row")
	}
	header := make([]string, len(rows[0]))
	for i, h := range rows[0] {
		header[i] = strings.TrimSpace(h)
	}
	if opts.Key != "" && !slices.Contains(header, opts.Key) {
		return nil, fmt.Errorf("key column %q not in header", opts.Key)
	}

	t := record.New(opts.Key, header...)
	for _, raw := range rows[1:] {
		row := make(record.Row, len(header))
		for i, col := range header {
			if i < len(raw) {
				row[col] = record.ParseValue(raw[i])
			} else {
				row[col] = nil
			}
		}
		t.Rows = append(t.Rows, row)
	}
	if err := t.ParseTimes(opts.TimeColumns...); err != nil {
		return nil, err
	}
	return t, nil
}

// WriteCSV writes t with a header row. Null values are written as empty
// cells and timestamps as RFC 3339.
func WriteCSV(w io.Writer, t *record.Table) error {
	cw := gocsv.DefaultCSVWriter(w)
	cols := t.Columns()
	if err := cw.Write(cols); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}
	line := make([]string, len(cols))
	for _, r := range t.Rows {
		for i, c := range cols {
			line[i] = FormatValue(r[c])
		}
		if err := cw.Write(line); err != nil {
			return fmt.Errorf("writing row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// FormatValue renders a row value as text.
func FormatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case time.Time:
		return x.UTC().Format(time.RFC3339)
	case string:
		return x
	}
	return fmt.Sprint(v)
}

// FlagColumns projects t onto the columns an archive upload accepts: the key,
// comments and every categorical flag column.
func FlagColumns(t *record.Table) *record.Table {
	cols := []string{"comments"}
	for _, c := range t.Columns() {
		if flags.IsFlagColumn(c) {
			cols = append(cols, c)
		}
	}
	return t.Select(cols...)
}

type detectionLimitRow struct {
	Variable string  `csv:"variable"`
	Limit    float64 `csv:"limit"`
}

// ReadDetectionLimits reads a variable,limit CSV into a lookup table.
func ReadDetectionLimits(r io.Reader) (map[string]float64, error) {
	var rows []detectionLimitRow
	if err := gocsv.Unmarshal(r, &rows); err != nil {
		return nil, fmt.Errorf("reading detection limits: %w", err)
	}
	out := make(map[string]float64, len(rows))
	for _, row := range rows {
		if row.Variable == "" {
			return nil, fmt.Errorf("detection limit with an empty variable")
		}
		out[row.Variable] = row.Limit
	}
	return out, nil
}
