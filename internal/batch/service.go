package batch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dmorton/parcelbatch/constants"
	"github.com/dmorton/parcelbatch/internal/api"
	"github.com/dmorton/parcelbatch/internal/common"
	"github.com/dmorton/parcelbatch/internal/ingest"
	"github.com/dmorton/parcelbatch/internal/poller"
	"github.com/dmorton/parcelbatch/internal/registry"
)

// Service is the façade over submission, the registry, and per-job pollers.
// Removal and poller teardown always happen together here, from the same
// call site; nothing else pairs them.
type Service struct {
	client *api.Client
	jobs   *registry.Registry
	poller *poller.Poller
	logger *slog.Logger

	mu       sync.Mutex
	watchers map[string]context.CancelFunc
	wg       sync.WaitGroup
}

func NewService(client *api.Client, jobs *registry.Registry, pol *poller.Poller, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		client:   client,
		jobs:     jobs,
		poller:   pol,
		logger:   logger,
		watchers: make(map[string]context.CancelFunc),
	}
}

// SubmitOptions tune one submission.
type SubmitOptions struct {
	// Mapping renames source columns to backend names. Empty lets the backend
	// auto-detect latitude/longitude.
	Mapping  map[string]string
	Priority constants.JobPriority
	Username string
	DryRun   bool
}

// Submit uploads the tabular file at path as a new batch job and seeds the
// registry with a queued record. The record's TotalRows is a client-side
// estimate until the first poll reconciles it.
func (s *Service) Submit(ctx context.Context, path string, opts SubmitOptions) (registry.JobRecord, error) {
	start := time.Now()

	if !ingest.AllowedExt(filepath.Ext(path)) {
		return registry.JobRecord{}, common.NewAppError("PARSE_ERROR",
			fmt.Sprintf("invalid file type %q, only CSV or Excel is accepted", filepath.Ext(path)), common.ErrParse)
	}
	estimate, err := ingest.CountDataRows(path)
	if err != nil {
		return registry.JobRecord{}, err
	}

	f, err := os.Open(path)
	if err != nil {
		return registry.JobRecord{}, common.NewAppError("PARSE_ERROR", "cannot open file", common.ErrParse)
	}
	defer f.Close()

	priority := opts.Priority
	if priority == "" {
		priority = constants.JobPriorityNormal
	}

	jobID, err := s.client.SubmitBatch(ctx, api.SubmitRequest{
		Filename: filepath.Base(path),
		Content:  f,
		Mapping:  opts.Mapping,
		Priority: priority,
		Username: opts.Username,
		DryRun:   opts.DryRun,
	})
	if err != nil {
		return registry.JobRecord{}, err
	}

	rec := registry.JobRecord{
		JobID:     jobID,
		Filename:  filepath.Base(path),
		Status:    constants.JobStatusQueued,
		Priority:  priority,
		TotalRows: estimate,
		CreatedAt: time.Now().UTC(),
	}
	s.jobs.Add(ctx, rec)

	s.logger.Info("batch.submitted",
		"job_id", jobID,
		"filename", rec.Filename,
		"estimated_rows", estimate,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return rec, nil
}

// Watch polls jobID in the calling goroutine until it resolves.
func (s *Service) Watch(ctx context.Context, jobID string) poller.Outcome {
	return s.poller.Track(ctx, jobID)
}

// Refresh issues a single progress request for jobID and applies it to the
// registry, returning the merged record.
func (s *Service) Refresh(ctx context.Context, jobID string) (registry.JobRecord, error) {
	if _, ok := s.jobs.Get(jobID); !ok {
		return registry.JobRecord{}, common.WrapError(common.ErrNotFound, "refresh "+jobID)
	}
	rep, err := s.client.Progress(ctx, jobID)
	if err != nil {
		return registry.JobRecord{}, err
	}
	status := rep.Status
	upd := registry.Update{
		Status:        &status,
		CompletedRows: rep.CompletedRows,
		TotalRows:     rep.TotalRows,
		FailedRows:    rep.FailedRows,
	}
	if rep.Error != "" {
		upd.Error = &rep.Error
	}
	if rep.ResultURL != "" {
		upd.ResultURL = &rep.ResultURL
	}
	rec, _ := s.jobs.Update(ctx, jobID, upd)
	return rec, nil
}

// Wait blocks until every background watcher has finished on its own.
func (s *Service) Wait() {
	s.wg.Wait()
}

// Track starts background polling for jobID. A second Track for the same job
// is a no-op while the first is running.
func (s *Service) Track(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, running := s.watchers[jobID]; running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.watchers[jobID] = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		outcome := s.poller.Track(ctx, jobID)
		s.logger.Info("batch.tracking_done", "job_id", jobID, "outcome", outcome)
		s.mu.Lock()
		delete(s.watchers, jobID)
		s.mu.Unlock()
		cancel()
	}()
}

// ResumeTracking attaches pollers to every restored spreadsheet job that is
// still in flight, and returns how many it picked up.
func (s *Service) ResumeTracking() int {
	n := 0
	for _, rec := range s.jobs.ListByFilenameSuffix(constants.SpreadsheetSuffixes) {
		if rec.Terminal() {
			continue
		}
		s.Track(rec.JobID)
		n++
	}
	if n > 0 {
		s.logger.Info("batch.tracking_resumed", "jobs", n)
	}
	return n
}

// StopTracking tears down the poller for jobID, if any. No poll fires after
// it returns the cancel.
func (s *Service) StopTracking(jobID string) {
	s.mu.Lock()
	cancel, ok := s.watchers[jobID]
	if ok {
		delete(s.watchers, jobID)
	}
	s.mu.Unlock()
	if ok {
		cancel()
	}
}

// Cancel marks the local record cancelled immediately so intent is visible,
// then issues the best-effort remote call. The local terminal state is sticky
// regardless of what the server does next; a remote refusal is reported but
// does not roll the record back.
func (s *Service) Cancel(ctx context.Context, jobID string) error {
	if _, ok := s.jobs.Get(jobID); !ok {
		return common.WrapError(common.ErrNotFound, "cancel "+jobID)
	}
	cancelled := constants.JobStatusCancelled
	msg := "Cancelled by user"
	s.jobs.Update(ctx, jobID, registry.Update{Status: &cancelled, Error: &msg})
	s.StopTracking(jobID)

	if err := s.client.Cancel(ctx, jobID); err != nil {
		s.logger.Warn("batch.cancel_remote_failed", "job_id", jobID, "error", err)
		return err
	}
	s.logger.Info("batch.cancelled", "job_id", jobID)
	return nil
}

// Download streams the finished result CSV for jobID to outPath.
func (s *Service) Download(ctx context.Context, jobID, outPath string) (int64, error) {
	rec, ok := s.jobs.Get(jobID)
	if !ok {
		return 0, common.WrapError(common.ErrNotFound, "download "+jobID)
	}
	if rec.Status != constants.JobStatusCompleted {
		return 0, common.NewAppError("DOWNLOAD_ERROR",
			fmt.Sprintf("job is %s, result not ready", rec.Status), common.ErrDownload)
	}

	out, err := os.Create(outPath)
	if err != nil {
		return 0, common.WrapError(err, "create output file")
	}
	defer out.Close()

	n, err := s.client.Download(ctx, jobID, rec.ResultURL, out)
	if err != nil {
		return n, err
	}
	s.logger.Info("batch.downloaded", "job_id", jobID, "path", outPath, "bytes", n)
	return n, nil
}

// Remove forgets jobID locally: poller teardown and registry deletion in one
// place, so neither can be left dangling.
func (s *Service) Remove(ctx context.Context, jobID string) bool {
	s.StopTracking(jobID)
	return s.jobs.Remove(ctx, jobID)
}

// ListLocal returns the session's spreadsheet batch jobs, newest first.
func (s *Service) ListLocal() []registry.JobRecord {
	return s.jobs.ListByFilenameSuffix(constants.SpreadsheetSuffixes)
}

// ListRemote returns recent jobs as the server knows them.
func (s *Service) ListRemote(ctx context.Context, limit int) ([]api.RemoteJob, error) {
	return s.client.ListJobs(ctx, limit)
}

// Shutdown stops every watcher and waits for them, bounded by ctx.
func (s *Service) Shutdown(ctx context.Context) {
	s.mu.Lock()
	for id, cancel := range s.watchers {
		cancel()
		delete(s.watchers, id)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() { defer close(done); s.wg.Wait() }()

	select {
	case <-ctx.Done():
		s.logger.Warn("shutdown interrupted by context")
	case <-done:
		s.logger.Info("all watchers stopped, shutdown complete")
	}
}
