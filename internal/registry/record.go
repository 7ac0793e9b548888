package registry

import (
	"time"

	"github.com/dmorton/parcelbatch/constants"
)

// JobRecord is one batch analysis job known to this client. JobID comes from
// the server and is never generated locally; CreatedAt is client submission
// time, used for ordering and display only.
type JobRecord struct {
	JobID         string                `json:"job_id"`
	Filename      string                `json:"filename"`
	Status        constants.JobStatus   `json:"status"`
	Priority      constants.JobPriority `json:"priority,omitempty"`
	TotalRows     int                   `json:"total_rows"`
	CompletedRows int                   `json:"completed_rows"`
	FailedRows    int                   `json:"failed_rows,omitempty"`
	Error         string                `json:"error,omitempty"`
	ResultURL     string                `json:"result_url,omitempty"`
	CreatedAt     time.Time             `json:"created_at"`
}

// Terminal reports whether the record reached a status no update can leave.
func (r *JobRecord) Terminal() bool {
	return r.Status.Terminal()
}

// Update is a merge patch against one JobRecord. Nil fields are left alone.
type Update struct {
	Status        *constants.JobStatus
	CompletedRows *int
	TotalRows     *int
	FailedRows    *int
	Error         *string
	ResultURL     *string
}

func statusRank(s constants.JobStatus) int {
	switch {
	case s.Terminal():
		return 2
	case s == constants.JobStatusProcessing:
		return 1
	default:
		return 0
	}
}

// apply merges u into r, enforcing the record invariants: status moves only
// forward (queued -> processing -> terminal, with queued allowed to jump
// straight to any terminal state), terminal states are sticky, and row counts
// from the server are clamped rather than trusted.
func (r *JobRecord) apply(u Update) {
	if u.Status != nil && u.Status.Known() && *u.Status != r.Status {
		switch {
		case r.Terminal():
			// no transition leaves a terminal state
		case statusRank(*u.Status) < statusRank(r.Status):
			// regressions from an out-of-order response are dropped
		default:
			r.Status = *u.Status
		}
	}
	if u.TotalRows != nil && *u.TotalRows >= 0 {
		r.TotalRows = *u.TotalRows
	}
	if u.CompletedRows != nil && *u.CompletedRows >= 0 {
		r.CompletedRows = *u.CompletedRows
	}
	if u.FailedRows != nil && *u.FailedRows >= 0 {
		r.FailedRows = *u.FailedRows
	}
	if u.Error != nil {
		r.Error = *u.Error
	}
	if u.ResultURL != nil && *u.ResultURL != "" {
		r.ResultURL = *u.ResultURL
	}

	// the server's counters are occasionally inconsistent; never display an
	// impossible ratio
	if r.TotalRows > 0 {
		if r.CompletedRows > r.TotalRows {
			r.CompletedRows = r.TotalRows
		}
		if r.FailedRows > r.TotalRows {
			r.FailedRows = r.TotalRows
		}
	}
}
