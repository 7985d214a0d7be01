// Package store provides the storage interface and implementations for the
// PageForge agent engine. The engine only needs atomic single-row writes
// and range queries by time/status, so the interface stays deliberately
// narrow: audit entries, approvals, jobs, a key-value option store, and a
// TTL key-value cache used by the rate limiter and the response cache.
package store

import (
	"context"
	"time"

	"github.com/pageforge/pageforge/agent-engine/pkg/models"
)

// Store is the primary storage interface for the agent engine.
// All service code depends on this interface, making it easy to swap
// between in-memory (tests, zero-config) and PostgreSQL (production).
type Store interface {
	AuditStore
	ApprovalStore
	JobStore
	OptionStore
	KVCache

	// Ping checks if the backing store is reachable.
	Ping(ctx context.Context) error

	// Close releases all resources held by the store.
	Close() error

	// Migrate creates or updates the backing schema.
	Migrate(ctx context.Context) error
}

// ── Audit Store ─────────────────────────────────────────────

// AuditStore persists the append-only audit log. Entries are never
// updated; deletion happens only through retention pruning.
type AuditStore interface {
	CreateAuditEntry(ctx context.Context, entry *models.AuditEntry) error
	ListAuditEntries(ctx context.Context, filter models.AuditFilter) ([]models.AuditEntry, error)
	CountAuditEntries(ctx context.Context, filter models.AuditFilter) (int64, error)
	DeleteAuditEntry(ctx context.Context, id string) error
}

// ── Approval Store ──────────────────────────────────────────

type ApprovalStore interface {
	CreateApproval(ctx context.Context, item *models.ApprovalItem) error
	GetApproval(ctx context.Context, id string) (*models.ApprovalItem, error)
	UpdateApproval(ctx context.Context, item *models.ApprovalItem) error
	ListApprovals(ctx context.Context, status models.ApprovalStatus, limit int) ([]models.ApprovalItem, error)
	DeleteApproval(ctx context.Context, id string) error
}

// ── Job Store ───────────────────────────────────────────────

type JobStore interface {
	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id string) (*models.Job, error)
	UpdateJob(ctx context.Context, job *models.Job) error
	ListJobs(ctx context.Context, filter models.JobFilter) ([]models.Job, error)
	DeleteJob(ctx context.Context, id string) error

	// ClaimJob atomically transitions a job from pending to processing.
	// Returns false when the job is no longer pending, which is the
	// at-most-once execution guard against duplicate scheduling.
	ClaimJob(ctx context.Context, id string) (bool, error)

	// CancelJob atomically transitions a job from pending to cancelled.
	// Returns false when the job already left pending; either the worker
	// claims the row or the cancellation lands, never both.
	CancelJob(ctx context.Context, id string) (bool, error)
}

// ── Option Store ────────────────────────────────────────────

// OptionStore is a small durable key-value store for engine state such as
// the agent active set and provider configuration.
type OptionStore interface {
	GetOption(ctx context.Context, key string) (string, error)
	SetOption(ctx context.Context, key, value string) error
	DeleteOption(ctx context.Context, key string) error
}

// ── KV Cache ────────────────────────────────────────────────

// KVCache is a TTL-bounded key-value cache with an atomic
// increment-with-TTL primitive. The response cache and the rate limiter
// are its only consumers; both tolerate the races fixed-window counters
// and write-once entries allow.
type KVCache interface {
	CacheGet(ctx context.Context, key string) ([]byte, bool, error)
	CacheSet(ctx context.Context, key string, value []byte, ttl time.Duration) error
	CacheDelete(ctx context.Context, key string) error

	// CacheDeletePrefix removes every entry whose key starts with prefix
	// and reports how many were removed.
	CacheDeletePrefix(ctx context.Context, prefix string) (int, error)

	// CacheIncr atomically increments the counter at key, creating it
	// with the given TTL on first use, and returns the new value. The TTL
	// is fixed at creation (fixed-window semantics).
	CacheIncr(ctx context.Context, key string, ttl time.Duration) (int64, error)
}

// ── Errors ──────────────────────────────────────────────────

// ErrNotFound is returned when a requested entity does not exist.
type ErrNotFound struct {
	Entity string
	Key    string
}

func (e *ErrNotFound) Error() string {
	return e.Entity + " not found: " + e.Key
}

// IsNotFound reports whether err is an ErrNotFound.
func IsNotFound(err error) bool {
	_, ok := err.(*ErrNotFound)
	return ok
}
