// Package retention prunes aged data from the engine's store.
//
// Three things accumulate without bound: audit entries, terminal jobs and
// expired approval items. The janitor sweeps them on a fixed interval in a
// background goroutine and respects context cancellation for shutdown.
// Pruning is best effort; a failed delete is logged and retried on the
// next cycle.
package retention

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/pageforge/pageforge/agent-engine/internal/approvals"
	"github.com/pageforge/pageforge/agent-engine/internal/store"
	"github.com/pageforge/pageforge/agent-engine/pkg/models"
)

// DefaultInterval is how often the janitor sweeps when no interval is given.
const DefaultInterval = time.Hour

// pruneBatch bounds how many rows one cycle touches per data kind.
const pruneBatch = 5000

// CycleStats reports what a single sweep removed.
type CycleStats struct {
	AuditPruned    int
	JobsPruned     int
	ApprovalsSwept int
	Errors         int
}

// Janitor owns the retention sweep.
type Janitor struct {
	store     store.Store
	approvals *approvals.Service
	interval  time.Duration

	// auditRetention and jobRetention are how long entries and terminal
	// jobs are kept before pruning.
	auditRetention time.Duration
	jobRetention   time.Duration
}

// NewJanitor creates a janitor. Retention windows of zero disable that
// sweep; intervals under a minute are raised to the default.
func NewJanitor(s store.Store, approvalSvc *approvals.Service, interval, auditRetention, jobRetention time.Duration) *Janitor {
	if interval < time.Minute {
		interval = DefaultInterval
	}
	return &Janitor{
		store:          s,
		approvals:      approvalSvc,
		interval:       interval,
		auditRetention: auditRetention,
		jobRetention:   jobRetention,
	}
}

// Start runs the sweep loop until ctx is cancelled. The first cycle runs
// immediately so a restart does not postpone overdue pruning.
func (j *Janitor) Start(ctx context.Context) {
	log.Info().
		Dur("interval", j.interval).
		Dur("audit_retention", j.auditRetention).
		Dur("job_retention", j.jobRetention).
		Msg("Retention janitor started")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.RunCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Retention janitor stopped")
			return
		case <-ticker.C:
			j.RunCycle(ctx)
		}
	}
}

// RunCycle performs one sweep and returns what it removed.
func (j *Janitor) RunCycle(ctx context.Context) CycleStats {
	start := time.Now()
	var stats CycleStats

	j.pruneAudit(ctx, &stats)
	j.pruneJobs(ctx, &stats)
	j.sweepApprovals(ctx, &stats)

	if stats.AuditPruned > 0 || stats.JobsPruned > 0 || stats.ApprovalsSwept > 0 || stats.Errors > 0 {
		log.Info().
			Int("audit_pruned", stats.AuditPruned).
			Int("jobs_pruned", stats.JobsPruned).
			Int("approvals_swept", stats.ApprovalsSwept).
			Int("errors", stats.Errors).
			Dur("elapsed", time.Since(start)).
			Msg("Retention cycle complete")
	}
	return stats
}

func (j *Janitor) pruneAudit(ctx context.Context, stats *CycleStats) {
	if j.auditRetention <= 0 {
		return
	}
	cutoff := time.Now().UTC().Add(-j.auditRetention)
	entries, err := j.store.ListAuditEntries(ctx, models.AuditFilter{Before: &cutoff, Limit: pruneBatch})
	if err != nil {
		log.Warn().Err(err).Msg("Retention: listing expired audit entries failed")
		stats.Errors++
		return
	}
	for _, entry := range entries {
		if err := j.store.DeleteAuditEntry(ctx, entry.ID); err != nil {
			log.Warn().Err(err).Str("entry_id", entry.ID).Msg("Retention: audit delete failed")
			stats.Errors++
			continue
		}
		stats.AuditPruned++
	}
}

func (j *Janitor) pruneJobs(ctx context.Context, stats *CycleStats) {
	if j.jobRetention <= 0 {
		return
	}
	cutoff := time.Now().UTC().Add(-j.jobRetention)
	jobs, err := j.store.ListJobs(ctx, models.JobFilter{Before: &cutoff, Limit: pruneBatch})
	if err != nil {
		log.Warn().Err(err).Msg("Retention: listing expired jobs failed")
		stats.Errors++
		return
	}
	for _, job := range jobs {
		// Running jobs are never pruned regardless of age.
		if !job.Status.Terminal() {
			continue
		}
		if err := j.store.DeleteJob(ctx, job.ID); err != nil {
			log.Warn().Err(err).Str("job_id", job.ID).Msg("Retention: job delete failed")
			stats.Errors++
			continue
		}
		stats.JobsPruned++
	}
}

func (j *Janitor) sweepApprovals(ctx context.Context, stats *CycleStats) {
	swept, err := j.approvals.SweepExpired(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Retention: approval sweep failed")
		stats.Errors++
		return
	}
	stats.ApprovalsSwept = swept
}
