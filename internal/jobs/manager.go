// Package jobs runs durable background work.
//
// A job is created pending, claimed exactly once by the in-process worker
// goroutine, and driven to a terminal status. State lives in the job store
// so jobs remain pollable across requests, and the claim guard keeps a
// retried scheduler from executing the same job twice.
package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/pageforge/pageforge/agent-engine/internal/audit"
	"github.com/pageforge/pageforge/agent-engine/internal/store"
	"github.com/pageforge/pageforge/agent-engine/pkg/contracts"
	"github.com/pageforge/pageforge/agent-engine/pkg/models"
)

// Typed refusals surfaced to the API layer.
var (
	ErrForbidden        = fmt.Errorf("job belongs to another user")
	ErrUnknownProcessor = fmt.Errorf("no processor registered for this job type")
	ErrNotCancellable   = fmt.Errorf("job already started or finished")
	ErrNotTerminal      = fmt.Errorf("job still running")
)

// Manager implements contracts.JobService with one goroutine per job.
type Manager struct {
	store store.JobStore
	audit *audit.Logger

	mu         sync.RWMutex
	processors map[string]contracts.JobProcessor

	wg sync.WaitGroup
}

// NewManager creates a job manager over the given store.
func NewManager(s store.JobStore, auditLog *audit.Logger) *Manager {
	return &Manager{
		store:      s,
		audit:      auditLog,
		processors: make(map[string]contracts.JobProcessor),
	}
}

// RegisterProcessor makes a processor available for dispatch by name.
func (m *Manager) RegisterProcessor(p contracts.JobProcessor) {
	m.mu.Lock()
	m.processors[p.Name()] = p
	m.mu.Unlock()
}

// Wait blocks until every in-flight job goroutine has finished. Called
// during shutdown so terminal statuses get persisted.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// Create persists a pending job and starts it in the background. Unknown
// processor names are refused up front rather than failing asynchronously.
func (m *Manager) Create(ctx context.Context, processor string, input map[string]interface{}, identity models.Identity) (*models.Job, error) {
	m.mu.RLock()
	_, known := m.processors[processor]
	m.mu.RUnlock()
	if !known {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProcessor, processor)
	}

	now := time.Now().UTC()
	job := &models.Job{
		ID:        uuid.New().String(),
		UserID:    identity.UserID,
		Status:    models.JobPending,
		Processor: processor,
		Input:     input,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if agentID, ok := input["agentId"].(string); ok {
		job.AgentID = agentID
	}
	if err := m.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	m.audit.JobLifecycle(ctx, job.ID, processor, string(models.JobPending), identity)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		// Detached from the request context: the job outlives the HTTP call.
		m.run(context.Background(), job.ID, identity)
	}()

	cp := *job
	return &cp, nil
}

// run claims and executes one job to a terminal status.
func (m *Manager) run(ctx context.Context, id string, identity models.Identity) {
	claimed, err := m.store.ClaimJob(ctx, id)
	if err != nil {
		log.Error().Err(err).Str("job_id", id).Msg("Job claim failed")
		return
	}
	if !claimed {
		// Cancelled before the worker got to it, or already claimed.
		return
	}

	job, err := m.store.GetJob(ctx, id)
	if err != nil {
		log.Error().Err(err).Str("job_id", id).Msg("Claimed job vanished")
		return
	}

	m.mu.RLock()
	processor := m.processors[job.Processor]
	m.mu.RUnlock()
	if processor == nil {
		m.finish(ctx, job, nil, fmt.Errorf("processor %q not registered", job.Processor), identity)
		return
	}

	m.audit.JobLifecycle(ctx, job.ID, job.Processor, string(models.JobProcessing), identity)

	// Progress is clamped to 0-100 and never moves backwards.
	last := 0
	progress := func(percent int, message string) {
		if percent < 0 {
			percent = 0
		}
		if percent > 100 {
			percent = 100
		}
		if percent < last {
			percent = last
		}
		last = percent
		job.Progress = percent
		job.StatusMessage = message
		job.UpdatedAt = time.Now().UTC()
		if err := m.store.UpdateJob(ctx, job); err != nil {
			log.Warn().Err(err).Str("job_id", job.ID).Msg("Job progress update failed")
		}
	}

	output, execErr := safeExecute(ctx, processor, job.Input, identity, progress)
	m.finish(ctx, job, output, execErr, identity)
}

// safeExecute turns a panicking processor into a failed job. The creator
// identity travels alongside the input so processors never have to trust
// identity claims embedded in the payload.
func safeExecute(ctx context.Context, p contracts.JobProcessor, input map[string]interface{}, identity models.Identity, progress contracts.ProgressFunc) (out map[string]interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("processor", p.Name()).Msg("Job processor panicked")
			err = fmt.Errorf("processor panicked: %v", r)
		}
	}()
	return p.Execute(ctx, input, identity, progress)
}

func (m *Manager) finish(ctx context.Context, job *models.Job, output map[string]interface{}, execErr error, identity models.Identity) {
	job.UpdatedAt = time.Now().UTC()
	if execErr != nil {
		job.Status = models.JobFailed
		job.Error = execErr.Error()
	} else {
		job.Status = models.JobCompleted
		job.Progress = 100
		job.Output = output
	}
	if err := m.store.UpdateJob(ctx, job); err != nil {
		log.Error().Err(err).Str("job_id", job.ID).Msg("Job completion update failed")
		return
	}
	m.audit.JobLifecycle(ctx, job.ID, job.Processor, string(job.Status), identity)
}

// Get returns a job, enforcing ownership. Admins see every job.
func (m *Manager) Get(ctx context.Context, id string, identity models.Identity) (*models.Job, error) {
	job, err := m.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if !canAccess(job, identity) {
		return nil, ErrForbidden
	}
	return job, nil
}

// List returns the identity's jobs, newest first, optionally filtered by
// status. Admins get all users' jobs.
func (m *Manager) List(ctx context.Context, status models.JobStatus, identity models.Identity) ([]models.Job, error) {
	filter := models.JobFilter{Status: status}
	if !identity.HasCapability(models.CapPlatformAdmin) {
		filter.UserID = identity.UserID
	}
	return m.store.ListJobs(ctx, filter)
}

// Cancel marks a still-pending job cancelled. The transition is a
// conditional store update mirroring the claim guard: either the worker
// claims the row or the cancellation lands, never both.
func (m *Manager) Cancel(ctx context.Context, id string, identity models.Identity) error {
	job, err := m.store.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if !canAccess(job, identity) {
		return ErrForbidden
	}
	cancelled, err := m.store.CancelJob(ctx, id)
	if err != nil {
		return fmt.Errorf("cancel job: %w", err)
	}
	if !cancelled {
		return ErrNotCancellable
	}
	m.audit.JobLifecycle(ctx, job.ID, job.Processor, string(models.JobCancelled), identity)
	return nil
}

// Delete removes a terminal job.
func (m *Manager) Delete(ctx context.Context, id string, identity models.Identity) error {
	job, err := m.store.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if !canAccess(job, identity) {
		return ErrForbidden
	}
	if !job.Status.Terminal() {
		return ErrNotTerminal
	}
	return m.store.DeleteJob(ctx, id)
}

func canAccess(job *models.Job, identity models.Identity) bool {
	return job.UserID == identity.UserID || identity.HasCapability(models.CapPlatformAdmin)
}
