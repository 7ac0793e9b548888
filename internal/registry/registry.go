package registry

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
)

// Store is the durable home of the job list. Implementations own their storage
// key exclusively; nothing else reads or writes it.
type Store interface {
	// Save persists the given records. Terminal records are dropped: a later
	// load must not resurrect dead polling sessions.
	Save(ctx context.Context, recs []JobRecord) error
	// Load returns the previously saved non-terminal records.
	Load(ctx context.Context) ([]JobRecord, error)
	Close() error
}

// Registry is the authoritative collection of JobRecords for this session.
// It hydrates from its Store at construction and writes through on every
// mutation. Multiple pollers and the UI layer mutate it concurrently, always
// through Update's merge semantics.
type Registry struct {
	mu     sync.Mutex
	jobs   map[string]*JobRecord
	store  Store
	logger *slog.Logger
}

// NewRegistry loads persisted entries and returns a ready registry. Records
// that reached a terminal state before the previous shutdown are not restored.
func NewRegistry(ctx context.Context, store Store, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		jobs:   make(map[string]*JobRecord),
		store:  store,
		logger: logger,
	}
	recs, err := store.Load(ctx)
	if err != nil {
		return nil, err
	}
	for _, rec := range recs {
		if rec.Terminal() || rec.JobID == "" {
			continue
		}
		cp := rec
		r.jobs[rec.JobID] = &cp
	}
	logger.Info("registry loaded", "jobs", len(r.jobs))
	return r, nil
}

// Add inserts rec if its JobID is not already present. The first insert wins;
// a duplicate Add is a no-op and returns false.
func (r *Registry) Add(ctx context.Context, rec JobRecord) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.jobs[rec.JobID]; exists {
		r.logger.Warn("registry add ignored, job already tracked", "job_id", rec.JobID)
		return false
	}
	cp := rec
	r.jobs[rec.JobID] = &cp
	r.logger.Info("registry add", "job_id", rec.JobID, "filename", rec.Filename, "status", rec.Status)
	r.persistLocked(ctx)
	return true
}

// Update merges u into the record for jobID. Unknown ids are a no-op: an
// update must never create a phantom record. The merged snapshot is returned.
func (r *Registry) Update(ctx context.Context, jobID string, u Update) (JobRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.jobs[jobID]
	if !ok {
		return JobRecord{}, false
	}
	rec.apply(u)
	r.persistLocked(ctx)
	return *rec, true
}

// Remove deletes the record for jobID. The caller is responsible for stopping
// any poller attached to it; removal sends no notifications.
func (r *Registry) Remove(ctx context.Context, jobID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[jobID]; !ok {
		return false
	}
	delete(r.jobs, jobID)
	r.logger.Info("registry remove", "job_id", jobID)
	r.persistLocked(ctx)
	return true
}

// Get returns a snapshot of the record for jobID.
func (r *Registry) Get(jobID string) (JobRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.jobs[jobID]
	if !ok {
		return JobRecord{}, false
	}
	return *rec, true
}

// List returns snapshots of every record, newest first.
func (r *Registry) List() []JobRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked(nil)
}

// ListByFilenameSuffix returns records whose filename ends with one of the
// given suffixes (case-insensitive), newest first. This is how spreadsheet
// batch jobs are scoped apart from any other job type the registry might hold.
func (r *Registry) ListByFilenameSuffix(suffixes []string) []JobRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked(func(rec *JobRecord) bool {
		name := strings.ToLower(rec.Filename)
		for _, suf := range suffixes {
			if strings.HasSuffix(name, strings.ToLower(suf)) {
				return true
			}
		}
		return false
	})
}

func (r *Registry) snapshotLocked(keep func(*JobRecord) bool) []JobRecord {
	out := make([]JobRecord, 0, len(r.jobs))
	for _, rec := range r.jobs {
		if keep != nil && !keep(rec) {
			continue
		}
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// persistLocked writes the current job list through to the store. A failed
// save is logged and the in-memory state stays authoritative for the session.
func (r *Registry) persistLocked(ctx context.Context) {
	recs := make([]JobRecord, 0, len(r.jobs))
	for _, rec := range r.jobs {
		recs = append(recs, *rec)
	}
	if err := r.store.Save(ctx, recs); err != nil {
		r.logger.Error("registry persist failed", "jobs", len(recs), "error", err)
	}
}
