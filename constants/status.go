package constants

// JobStatus is the canonical status for batch analysis jobs.
type JobStatus string

// Stable values (the backend reports these exact strings).
const (
	JobStatusQueued     JobStatus = "queued"     // accepted, waiting for the scheduler
	JobStatusProcessing JobStatus = "processing" // rows being analyzed
	JobStatusCompleted  JobStatus = "completed"  // terminal success, results downloadable
	JobStatusFailed     JobStatus = "failed"     // terminal failure
	JobStatusCancelled  JobStatus = "cancelled"  // terminal, stopped by user request
)

// Terminal reports whether s is a terminal status. Terminal jobs are never
// polled and never leave their state.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// Known reports whether s is one of the closed status set.
func (s JobStatus) Known() bool {
	switch s {
	case JobStatusQueued, JobStatusProcessing, JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// JobPriority is the scheduling priority accepted by the batch endpoint.
type JobPriority string

const (
	JobPriorityLow    JobPriority = "low"
	JobPriorityNormal JobPriority = "normal"
	JobPriorityHigh   JobPriority = "high"
)
