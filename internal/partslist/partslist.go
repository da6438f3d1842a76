package partslist

import (
	"encoding/csv"
	"fmt"
	"io"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/xuri/excelize/v2"
)

// Row is one validated parts-list entry: a part number and the direct
// URL of its PDF.
type Row struct {
	PartNumber string
	PDFURL     string
}

// Result carries the accepted rows plus the count of rows rejected by
// validation, which the creation response reports back to the caller.
type Result struct {
	Rows     []Row
	Rejected int
}

var urlPattern = regexp.MustCompile(`^https?://`)

// Parse reads a parts list in .xlsx or .csv form. Column A is the part
// number, column B the PDF URL; the first row is a header and is
// skipped. Rows with a missing part number or a URL that is not
// http(s) are rejected, not fatal.
func Parse(filename string, r io.Reader) (*Result, error) {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".xlsx":
		return parseXLSX(r)
	case ".csv":
		return parseCSV(r)
	default:
		return nil, fmt.Errorf("unsupported parts list format %q, want .xlsx or .csv", filepath.Ext(filename))
	}
}

func parseXLSX(r io.Reader) (*Result, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("open xlsx: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("xlsx has no sheets")
	}

	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("read sheet %s: %w", sheets[0], err)
	}
	return collect(rows), nil
}

func parseCSV(r io.Reader) (*Result, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	var rows [][]string
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv: %w", err)
		}
		rows = append(rows, record)
	}
	return collect(rows), nil
}

func collect(rows [][]string) *Result {
	res := &Result{}
	for i, row := range rows {
		if i == 0 {
			continue // header
		}
		if isEmptyRow(row) {
			continue
		}

		var part, pdfURL string
		if len(row) > 0 {
			part = strings.TrimSpace(row[0])
		}
		if len(row) > 1 {
			pdfURL = strings.TrimSpace(row[1])
		}

		if part == "" || !urlPattern.MatchString(pdfURL) {
			res.Rejected++
			continue
		}
		res.Rows = append(res.Rows, Row{PartNumber: part, PDFURL: pdfURL})
	}
	return res
}

func isEmptyRow(row []string) bool {
	for _, cell := range row {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}

// Filename derives the artifact filename for a bulk row. Part numbers
// can carry path-hostile characters; those are flattened.
func Filename(partNumber string) string {
	clean := strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '-'
		}
		return r
	}, strings.TrimSpace(partNumber))
	if clean == "" {
		clean = "part"
	}
	return clean + ".pdf"
}
