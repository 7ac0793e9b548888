package poller

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/dmorton/parcelbatch/constants"
	"github.com/dmorton/parcelbatch/internal/api"
	"github.com/dmorton/parcelbatch/internal/common"
	"github.com/dmorton/parcelbatch/internal/registry"
)

// API is the slice of the remote client the poller needs.
type API interface {
	Progress(ctx context.Context, jobID string) (api.ProgressReport, error)
}

// Outcome says why a tracking loop ended.
type Outcome string

const (
	// OutcomeTerminal: the job reached completed/failed/cancelled.
	OutcomeTerminal Outcome = "terminal"
	// OutcomeAbandoned: polling stopped without the job itself resolving,
	// either on budget exhaustion or on a transport failure.
	OutcomeAbandoned Outcome = "abandoned"
	// OutcomeStopped: the caller tore the poller down via context.
	OutcomeStopped Outcome = "stopped"
	// OutcomeDetached: the job left the registry while we were watching it.
	OutcomeDetached Outcome = "detached"
)

// Poller keeps registry records synchronized with remote truth. One Track
// call serves one job; independent jobs track concurrently, each in its own
// goroutine, all writing through the registry's merge semantics.
type Poller struct {
	jobs        *registry.Registry
	api         API
	interval    time.Duration
	maxAttempts int
	logger      *slog.Logger
}

func New(jobs *registry.Registry, remote API, cfg common.PollConfig, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		jobs:        jobs,
		api:         remote,
		interval:    cfg.Interval,
		maxAttempts: cfg.MaxAttempts,
		logger:      logger,
	}
}

// Track polls jobID until terminal, abandoned, detached, or ctx cancellation.
// It blocks; run it in its own goroutine for background tracking. Attaching
// to an already-terminal record returns immediately without issuing a single
// request.
//
// Requests are issued strictly one at a time: the loop blocks on each
// in-flight request, so responses apply in issue order and a tick that fires
// mid-request is simply absorbed. No generation bookkeeping is needed because
// overlap cannot occur.
func (p *Poller) Track(ctx context.Context, jobID string) Outcome {
	rec, ok := p.jobs.Get(jobID)
	if !ok {
		return OutcomeDetached
	}
	if rec.Terminal() {
		return OutcomeTerminal
	}

	log := p.logger.With("job_id", jobID)
	log.Info("poll.attach", "status", rec.Status, "interval", p.interval, "budget", p.maxAttempts)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	attempts := 0
	for {
		attempts++
		if outcome, done := p.poll(ctx, jobID, attempts, log); done {
			return outcome
		}
		if attempts >= p.maxAttempts {
			// the job may genuinely still be running server-side; leave its
			// last known status alone and just stop watching
			log.Warn("poll.budget_exhausted", "attempts", attempts)
			return OutcomeAbandoned
		}
		select {
		case <-ctx.Done():
			return OutcomeStopped
		case <-ticker.C:
			if ctx.Err() != nil {
				return OutcomeStopped
			}
		}
	}
}

// poll issues one progress request and applies the result. done=false means
// keep looping.
func (p *Poller) poll(ctx context.Context, jobID string, attempt int, log *slog.Logger) (Outcome, bool) {
	rep, err := p.api.Progress(ctx, jobID)
	if err != nil {
		if ctx.Err() != nil {
			return OutcomeStopped, true
		}
		switch {
		case errors.Is(err, common.ErrJobNotFound):
			log.Warn("poll.job_gone", "attempt", attempt, "error", err)
			p.markFailed(ctx, jobID, "Job not found on the server; it may have been cancelled or deleted.")
			return OutcomeTerminal, true
		case errors.Is(err, common.ErrServerUnavailable):
			log.Error("poll.transport_error", "attempt", attempt, "error", err)
			p.markFailed(ctx, jobID, "Lost contact with the analysis backend; polling stopped. The job may still be running server-side.")
			return OutcomeAbandoned, true
		default:
			// transient; the attempt budget still bounds these
			log.Warn("poll.transient_error", "attempt", attempt, "error", err)
			return "", false
		}
	}

	rec, ok := p.jobs.Update(ctx, jobID, updateFromReport(rep))
	if !ok {
		log.Info("poll.detached", "attempt", attempt)
		return OutcomeDetached, true
	}
	log.Debug("poll.applied",
		"attempt", attempt,
		"status", rec.Status,
		"completed_rows", rec.CompletedRows,
		"total_rows", rec.TotalRows,
	)
	if rec.Terminal() {
		log.Info("poll.terminal", "status", rec.Status, "attempts", attempt)
		return OutcomeTerminal, true
	}
	return "", false
}

func (p *Poller) markFailed(ctx context.Context, jobID, msg string) {
	failed := constants.JobStatusFailed
	p.jobs.Update(ctx, jobID, registry.Update{Status: &failed, Error: &msg})
}

// updateFromReport converts a normalized progress response into a registry
// merge patch. Absent counters stay nil so the record keeps its previous
// values.
func updateFromReport(rep api.ProgressReport) registry.Update {
	u := registry.Update{
		Status:        &rep.Status,
		CompletedRows: rep.CompletedRows,
		TotalRows:     rep.TotalRows,
		FailedRows:    rep.FailedRows,
	}
	if rep.Error != "" {
		u.Error = &rep.Error
	}
	if rep.ResultURL != "" {
		u.ResultURL = &rep.ResultURL
	}
	return u
}
