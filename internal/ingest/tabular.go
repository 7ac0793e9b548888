package ingest

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/dmorton/parcelbatch/constants"
	"github.com/dmorton/parcelbatch/internal/common"
)

// RequiredMappingFields are the logical columns the analysis needs. Unmatched
// fields are not a submission blocker: the backend auto-detects common
// lat/lon aliases on its side.
var RequiredMappingFields = []string{"latitude", "longitude"}

// CanonicalColumns maps each logical field to the column name the backend's
// analysis pipeline expects after renaming.
var CanonicalColumns = map[string]string{
	"latitude":  "PropertyLatitude",
	"longitude": "PropertyLongitude",
}

// AllowedExt checks if a file extension is in the allowed upload set.
func AllowedExt(ext string) bool {
	ext = constants.NormalizeExt(ext)
	_, ok := constants.AllowedExtensions[ext]
	return ok
}

// ParseHeaders reads the first row of a CSV or XLSX file and returns the
// column names in order. A file with zero rows, or a format we cannot read
// locally, fails with ErrParse.
func ParseHeaders(path string) ([]string, error) {
	switch constants.NormalizeExt(filepath.Ext(path)) {
	case "csv":
		return csvHeaders(path)
	case "xlsx":
		return xlsxHeaders(path)
	case "xls":
		// legacy binary workbooks are parsed server-side only
		return nil, common.NewAppError("PARSE_ERROR", "cannot read .xls locally, map columns manually or convert to .xlsx", common.ErrParse)
	default:
		return nil, common.NewAppError("PARSE_ERROR", fmt.Sprintf("unrecognized tabular format %q", filepath.Ext(path)), common.ErrParse)
	}
}

func csvHeaders(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, common.NewAppError("PARSE_ERROR", "cannot open file", common.ErrParse)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	header, err := r.Read()
	if err == io.EOF {
		return nil, common.NewAppError("PARSE_ERROR", "file has no header row", common.ErrParse)
	}
	if err != nil {
		return nil, common.NewAppError("PARSE_ERROR", "malformed CSV header", common.ErrParse)
	}
	out := make([]string, len(header))
	for i, h := range header {
		out[i] = strings.TrimSpace(h)
	}
	return out, nil
}

func xlsxHeaders(path string) ([]string, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, common.NewAppError("PARSE_ERROR", "cannot open workbook", common.ErrParse)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, common.NewAppError("PARSE_ERROR", "workbook has no sheets", common.ErrParse)
	}
	rows, err := f.Rows(sheets[0])
	if err != nil {
		return nil, common.NewAppError("PARSE_ERROR", "cannot read sheet", common.ErrParse)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, common.NewAppError("PARSE_ERROR", "sheet has no header row", common.ErrParse)
	}
	header, err := rows.Columns()
	if err != nil || len(header) == 0 {
		return nil, common.NewAppError("PARSE_ERROR", "sheet has no header row", common.ErrParse)
	}
	out := make([]string, len(header))
	for i, h := range header {
		out[i] = strings.TrimSpace(h)
	}
	return out, nil
}

// InferColumnMapping matches each required logical field to a header by
// case-insensitive exact comparison. Fields with no exact match are absent
// from the result and must be mapped manually before submission makes sense.
func InferColumnMapping(headers, requiredFields []string) map[string]string {
	mapping := make(map[string]string)
	for _, field := range requiredFields {
		for _, h := range headers {
			if strings.EqualFold(strings.TrimSpace(h), field) {
				mapping[field] = strings.TrimSpace(h)
				break
			}
		}
	}
	return mapping
}

// CountDataRows estimates the number of data rows in a tabular file: one
// header row is subtracted and trailing blank lines never inflate the count.
// It is a client-side estimate only; the first successful progress poll
// reconciles it with the server's authoritative total.
func CountDataRows(path string) (int, error) {
	switch constants.NormalizeExt(filepath.Ext(path)) {
	case "xlsx":
		return xlsxDataRows(path)
	case "xls":
		// no local estimate for legacy workbooks
		return 0, nil
	default:
		return lineDataRows(path)
	}
}

func lineDataRows(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, common.NewAppError("PARSE_ERROR", "cannot open file", common.ErrParse)
	}
	defer f.Close()

	lines := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		if strings.TrimSpace(sc.Text()) == "" {
			continue
		}
		lines++
	}
	if err := sc.Err(); err != nil {
		return 0, common.NewAppError("PARSE_ERROR", "cannot read file", common.ErrParse)
	}
	if lines <= 1 {
		// header only (or nothing at all)
		return 0, nil
	}
	return lines - 1, nil
}

func xlsxDataRows(path string) (int, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return 0, common.NewAppError("PARSE_ERROR", "cannot open workbook", common.ErrParse)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return 0, nil
	}
	rows, err := f.Rows(sheets[0])
	if err != nil {
		return 0, common.NewAppError("PARSE_ERROR", "cannot read sheet", common.ErrParse)
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		cols, err := rows.Columns()
		if err != nil {
			continue
		}
		empty := true
		for _, c := range cols {
			if strings.TrimSpace(c) != "" {
				empty = false
				break
			}
		}
		if !empty {
			count++
		}
	}
	if count <= 1 {
		return 0, nil
	}
	return count - 1, nil
}
