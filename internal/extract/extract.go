package extract

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"
)

type ErrorKind string

const (
	Unreadable ErrorKind = "unreadable"
	NoMatch    ErrorKind = "no_match"
)

type ExtractionError struct {
	Kind   ErrorKind
	Sheets []string
	Err    error
}

func (e *ExtractionError) Error() string {
	switch e.Kind {
	case NoMatch:
		return fmt.Sprintf("no sheet matched the configured keywords (sheets: %s)", strings.Join(e.Sheets, ", "))
	default:
		return fmt.Sprintf("unreadable workbook: %v", e.Err)
	}
}

func (e *ExtractionError) Unwrap() error {
	return e.Err
}

// Row is one tabular row keyed by column header. Values are int64, float64, bool, string or nil.
type Row map[string]any

// RecordBundle holds the rows of every matched sheet, keyed by alias.
type RecordBundle map[string][]Row

func (b RecordBundle) Aliases() []string {
	aliases := make([]string, 0, len(b))
	for alias := range b {
		aliases = append(aliases, alias)
	}
	sort.Strings(aliases)
	return aliases
}

// JSON renders the bundle in the textual form interpolated into the initial prompt.
func (b RecordBundle) JSON() (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(b); err != nil {
		return "", fmt.Errorf("error serializing record bundle: %w", err)
	}
	return strings.TrimSpace(buf.String()), nil
}

func ExtractFile(path string, aliases AliasMap) (RecordBundle, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, &ExtractionError{Kind: Unreadable, Err: err}
	}
	defer file.Close()

	return Extract(file, aliases)
}

// Extract reads every sheet whose trimmed name contains one of the alias keywords. Sheets
// matching nothing are dropped; a workbook with no matching sheet is a NoMatch error.
func Extract(r io.Reader, aliases AliasMap) (RecordBundle, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, &ExtractionError{Kind: Unreadable, Err: err}
	}
	defer f.Close()

	sheets := f.GetSheetList()
	bundle := make(RecordBundle)

	for _, sheet := range sheets {
		name := strings.TrimSpace(sheet)
		for _, alias := range aliases {
			if !strings.Contains(name, alias.Keyword) {
				continue
			}

			rows, err := readSheet(f, sheet)
			if err != nil {
				return nil, &ExtractionError{Kind: Unreadable, Err: fmt.Errorf("error reading sheet %q: %w", sheet, err)}
			}

			if _, exists := bundle[alias.Alias]; exists {
				slog.Warn("sheet overwrites earlier match for alias", "sheet", sheet, "alias", alias.Alias)
			}
			bundle[alias.Alias] = rows
		}
	}

	if len(bundle) == 0 {
		return nil, &ExtractionError{Kind: NoMatch, Sheets: sheets}
	}

	slog.Info("extracted workbook records", "sheets", len(sheets), "aliases", len(bundle))
	return bundle, nil
}

func readSheet(f *excelize.File, sheet string) ([]Row, error) {
	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, err
	}

	records := []Row{}
	if len(rows) == 0 {
		return records, nil
	}

	header := make([]string, len(rows[0]))
	seen := make(map[string]int)
	for i, cell := range rows[0] {
		name := strings.TrimSpace(cell)
		if name == "" {
			name = fmt.Sprintf("Unnamed: %d", i)
		}
		if n := seen[name]; n > 0 {
			seen[name]++
			name = fmt.Sprintf("%s.%d", name, n)
		} else {
			seen[name] = 1
		}
		header[i] = name
	}

	for r, cells := range rows[1:] {
		if isBlank(cells) {
			continue
		}

		width := max(len(header), len(cells))
		record := make(Row, width)
		for i := 0; i < width; i++ {
			var cell string
			if i < len(cells) {
				cell = cells[i]
			}
			// GetRows drops no rows, so r+2 is the 1-based row of this record
			typ, err := cellType(f, sheet, i+1, r+2)
			if err != nil {
				return nil, err
			}
			record[columnName(header, i)] = cellValue(cell, typ)
		}
		records = append(records, record)
	}

	return records, nil
}

func columnName(header []string, i int) string {
	if i < len(header) {
		return header[i]
	}
	return fmt.Sprintf("Unnamed: %d", i)
}

func isBlank(cells []string) bool {
	for _, c := range cells {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

func cellType(f *excelize.File, sheet string, col, row int) (excelize.CellType, error) {
	name, err := excelize.CoordinatesToCellName(col, row)
	if err != nil {
		return excelize.CellTypeUnset, err
	}
	return f.GetCellType(sheet, name)
}

// cellValue keeps text cells verbatim so identifiers like "00123" keep their leading zeros.
func cellValue(cell string, typ excelize.CellType) any {
	switch typ {
	case excelize.CellTypeSharedString, excelize.CellTypeInlineString, excelize.CellTypeFormula:
		if strings.TrimSpace(cell) == "" {
			return nil
		}
		return cell
	}
	return scalar(cell)
}

func scalar(cell string) any {
	v := strings.TrimSpace(cell)
	if v == "" {
		return nil
	}
	if i, err := strconv.ParseInt(v, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil && !math.IsNaN(f) && !math.IsInf(f, 0) {
		return f
	}
	switch v {
	case "TRUE":
		return true
	case "FALSE":
		return false
	}
	return cell
}
