package constants

import "strings"

// AllowedExtensions holds the upload file extensions the batch endpoint accepts.
var AllowedExtensions = map[string]struct{}{
	"csv":  {},
	"xls":  {},
	"xlsx": {},
}

// SpreadsheetSuffixes are the filename suffixes that identify spreadsheet-derived
// batch jobs in the registry.
var SpreadsheetSuffixes = []string{".csv", ".xls", ".xlsx"}

// NormalizeExt lowercases and trims the dot from a file extension.
func NormalizeExt(ext string) string {
	return strings.ToLower(strings.TrimPrefix(ext, "."))
}
