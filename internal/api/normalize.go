package api

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dmorton/parcelbatch/constants"
	"github.com/dmorton/parcelbatch/internal/common"
)

// ProgressReport is the canonical form of a progress response. The backend has
// shipped three shapes over time: flat snake_case (completed_rows/total_rows),
// flat camelCase (completedRows/totalRows), and a nested
// {"progress": {"current", "total", "failed", "percent"}} object. All of them
// collapse here, once, so no caller ever inspects raw payload keys.
type ProgressReport struct {
	JobID         string
	Status        constants.JobStatus
	CompletedRows *int
	TotalRows     *int
	FailedRows    *int
	Error         string
	ResultURL     string
}

// ExtractJobID pulls the job identifier out of a submission response. The
// identifier appears either at the top level ("job_id") or under a "job"
// object, depending on backend version.
func ExtractJobID(raw []byte) (string, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return "", common.NewAppError("SUBMISSION_ERROR", "unreadable submission response", common.ErrSubmission)
	}
	if id := stringField(m, "job_id"); id != "" {
		return id, nil
	}
	if job, ok := m["job"].(map[string]any); ok {
		if id := stringField(job, "job_id"); id != "" {
			return id, nil
		}
	}
	return "", common.NewAppError("SUBMISSION_ERROR", "submission response carried no job id", common.ErrSubmission)
}

// NormalizeProgress maps any known progress response variant into a
// ProgressReport. Absent row counts stay nil so callers can fall back to the
// last known values. An unknown status is an error: the status enumeration is
// closed and a value outside it means we are not talking to the API we think
// we are.
func NormalizeProgress(raw []byte) (ProgressReport, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return ProgressReport{}, fmt.Errorf("decode progress response: %w", err)
	}

	status := constants.JobStatus(strings.ToLower(stringField(m, "status")))
	if !status.Known() {
		return ProgressReport{}, fmt.Errorf("progress response carried unknown status %q", stringField(m, "status"))
	}

	rep := ProgressReport{
		JobID:     stringField(m, "job_id"),
		Status:    status,
		Error:     firstString(m, "error_message", "error"),
		ResultURL: stringField(m, "result_url"),
	}

	if prog, ok := m["progress"].(map[string]any); ok {
		rep.CompletedRows = intField(prog, "current")
		rep.TotalRows = intField(prog, "total")
		rep.FailedRows = intField(prog, "failed")
		return rep, nil
	}

	rep.CompletedRows = firstInt(m, "completed_rows", "completedRows")
	rep.TotalRows = firstInt(m, "total_rows", "totalRows")
	rep.FailedRows = firstInt(m, "failed_rows", "failedRows")
	return rep, nil
}

// ExtractDetail returns the server-supplied detail message from an error body,
// or "" when the body carries none.
func ExtractDetail(raw []byte) string {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return ""
	}
	return stringField(m, "detail")
}

func stringField(m map[string]any, key string) string {
	v, ok := m[key].(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(v)
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s := stringField(m, k); s != "" {
			return s
		}
	}
	return ""
}

func intField(m map[string]any, key string) *int {
	v, ok := m[key]
	if !ok || v == nil {
		return nil
	}
	switch t := v.(type) {
	case float64:
		n := int(t)
		return &n
	case string:
		// some proxies stringify numbers
		var n int
		if _, err := fmt.Sscanf(strings.TrimSpace(t), "%d", &n); err == nil {
			return &n
		}
	}
	return nil
}

func firstInt(m map[string]any, keys ...string) *int {
	for _, k := range keys {
		if n := intField(m, k); n != nil {
			return n
		}
	}
	return nil
}
