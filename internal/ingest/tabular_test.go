package ingest_test

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/dmorton/parcelbatch/internal/common"
	"github.com/dmorton/parcelbatch/internal/ingest"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func writeXLSX(t *testing.T, header []any, rows int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "parcels.xlsx")
	f := excelize.NewFile()
	sheet := f.GetSheetList()[0]
	require.NoError(t, f.SetSheetRow(sheet, "A1", &header))
	for i := 0; i < rows; i++ {
		row := []any{30.1 + float64(i), -97.5}
		require.NoError(t, f.SetSheetRow(sheet, fmt.Sprintf("A%d", i+2), &row))
	}
	require.NoError(t, f.SaveAs(path))
	require.NoError(t, f.Close())
	return path
}

func TestParseHeadersCSV(t *testing.T) {
	path := writeFile(t, "parcels.csv", "lat,lon\n30.1,-97.5\n30.2,-97.6\n")
	headers, err := ingest.ParseHeaders(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"lat", "lon"}, headers)
}

func TestParseHeadersEmptyFile(t *testing.T) {
	path := writeFile(t, "empty.csv", "")
	_, err := ingest.ParseHeaders(path)
	require.Error(t, err)
	assert.ErrorIs(t, err, common.ErrParse)
}

func TestParseHeadersUnknownFormat(t *testing.T) {
	path := writeFile(t, "parcels.pdf", "%PDF-1.4")
	_, err := ingest.ParseHeaders(path)
	assert.ErrorIs(t, err, common.ErrParse)
}

func TestParseHeadersXLSX(t *testing.T) {
	path := writeXLSX(t, []any{"Latitude", "Longitude"}, 2)
	headers, err := ingest.ParseHeaders(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"Latitude", "Longitude"}, headers)
}

func TestInferColumnMapping(t *testing.T) {
	tests := []struct {
		name    string
		headers []string
		want    map[string]string
	}{
		{
			// abbreviated headers are not exact matches; the user (or the
			// backend's auto-detection) has to resolve them
			name:    "abbreviations do not match",
			headers: []string{"lat", "lon"},
			want:    map[string]string{},
		},
		{
			name:    "case-insensitive exact match",
			headers: []string{"LATITUDE", "Longitude", "acres"},
			want:    map[string]string{"latitude": "LATITUDE", "longitude": "Longitude"},
		},
		{
			name:    "partial match",
			headers: []string{"latitude", "lng"},
			want:    map[string]string{"latitude": "latitude"},
		},
		{
			name:    "no headers",
			headers: nil,
			want:    map[string]string{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ingest.InferColumnMapping(tt.headers, ingest.RequiredMappingFields)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCountDataRows(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    int
	}{
		{"ten data rows", "lat,lon\n" + tenRows(), 10},
		{"trailing blank line does not inflate", "lat,lon\n1,2\n3,4\n\n", 2},
		{"trailing CRLF blank", "lat,lon\r\n1,2\r\n\r\n", 1},
		{"header only", "lat,lon\n", 0},
		{"empty file", "", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, "parcels.csv", tt.content)
			got, err := ingest.CountDataRows(path)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCountDataRowsXLSX(t *testing.T) {
	path := writeXLSX(t, []any{"Latitude", "Longitude"}, 3)
	got, err := ingest.CountDataRows(path)
	require.NoError(t, err)
	assert.Equal(t, 3, got)
}

func TestAllowedExt(t *testing.T) {
	assert.True(t, ingest.AllowedExt(".csv"))
	assert.True(t, ingest.AllowedExt(".XLSX"))
	assert.True(t, ingest.AllowedExt("xls"))
	assert.False(t, ingest.AllowedExt(".pdf"))
	assert.False(t, ingest.AllowedExt(""))
}

func tenRows() string {
	out := ""
	for i := 0; i < 10; i++ {
		out += fmt.Sprintf("30.%d,-97.%d\n", i, i)
	}
	return out
}
