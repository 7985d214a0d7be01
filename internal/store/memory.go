package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pageforge/pageforge/agent-engine/pkg/models"
)

// MemoryStore is a thread-safe in-memory Store. It is the zero-config
// default and the implementation tests run against.
type MemoryStore struct {
	mu sync.RWMutex

	audit     []models.AuditEntry
	approvals map[string]*models.ApprovalItem
	jobs      map[string]*models.Job
	options   map[string]string

	cacheMu  sync.Mutex
	cache    map[string]cacheEntry
	counters map[string]counterEntry
}

type cacheEntry struct {
	value     []byte
	expiresAt time.Time
}

type counterEntry struct {
	count     int64
	expiresAt time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		approvals: make(map[string]*models.ApprovalItem),
		jobs:      make(map[string]*models.Job),
		options:   make(map[string]string),
		cache:     make(map[string]cacheEntry),
		counters:  make(map[string]counterEntry),
	}
}

func (s *MemoryStore) Ping(ctx context.Context) error    { return nil }
func (s *MemoryStore) Close() error                      { return nil }
func (s *MemoryStore) Migrate(ctx context.Context) error { return nil }

// ── Audit ───────────────────────────────────────────────────

func (s *MemoryStore) CreateAuditEntry(_ context.Context, entry *models.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = append(s.audit, *entry)
	return nil
}

func matchAudit(e *models.AuditEntry, f models.AuditFilter) bool {
	if f.AgentID != "" && e.AgentID != f.AgentID {
		return false
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if f.UserID != 0 && e.UserID != f.UserID {
		return false
	}
	if f.Before != nil && !e.CreatedAt.Before(*f.Before) {
		return false
	}
	if f.Since != nil && e.CreatedAt.Before(*f.Since) {
		return false
	}
	return true
}

func (s *MemoryStore) ListAuditEntries(_ context.Context, filter models.AuditFilter) ([]models.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []models.AuditEntry
	for i := range s.audit {
		if matchAudit(&s.audit[i], filter) {
			result = append(result, s.audit[i])
		}
	}
	// Newest first
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func (s *MemoryStore) CountAuditEntries(_ context.Context, filter models.AuditFilter) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	for i := range s.audit {
		if matchAudit(&s.audit[i], filter) {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) DeleteAuditEntry(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.audit {
		if s.audit[i].ID == id {
			s.audit = append(s.audit[:i], s.audit[i+1:]...)
			return nil
		}
	}
	return &ErrNotFound{Entity: "audit entry", Key: id}
}

// ── Approvals ───────────────────────────────────────────────

func (s *MemoryStore) CreateApproval(_ context.Context, item *models.ApprovalItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *item
	s.approvals[item.ID] = &cp
	return nil
}

func (s *MemoryStore) GetApproval(_ context.Context, id string) (*models.ApprovalItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.approvals[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "approval", Key: id}
	}
	cp := *item
	return &cp, nil
}

func (s *MemoryStore) UpdateApproval(_ context.Context, item *models.ApprovalItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.approvals[item.ID]; !ok {
		return &ErrNotFound{Entity: "approval", Key: item.ID}
	}
	cp := *item
	s.approvals[item.ID] = &cp
	return nil
}

func (s *MemoryStore) ListApprovals(_ context.Context, status models.ApprovalStatus, limit int) ([]models.ApprovalItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []models.ApprovalItem
	for _, item := range s.approvals {
		if status != "" && item.Status != status {
			continue
		}
		result = append(result, *item)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *MemoryStore) DeleteApproval(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.approvals[id]; !ok {
		return &ErrNotFound{Entity: "approval", Key: id}
	}
	delete(s.approvals, id)
	return nil
}

// ── Jobs ────────────────────────────────────────────────────

func (s *MemoryStore) CreateJob(_ context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *job
	s.jobs[job.ID] = &cp
	return nil
}

func (s *MemoryStore) GetJob(_ context.Context, id string) (*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "job", Key: id}
	}
	cp := *job
	return &cp, nil
}

func (s *MemoryStore) UpdateJob(_ context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; !ok {
		return &ErrNotFound{Entity: "job", Key: job.ID}
	}
	cp := *job
	cp.UpdatedAt = time.Now().UTC()
	s.jobs[job.ID] = &cp
	return nil
}

func (s *MemoryStore) ListJobs(_ context.Context, filter models.JobFilter) ([]models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []models.Job
	for _, job := range s.jobs {
		if filter.UserID != 0 && job.UserID != filter.UserID {
			continue
		}
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		if filter.Before != nil && !job.UpdatedAt.Before(*filter.Before) {
			continue
		}
		result = append(result, *job)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func (s *MemoryStore) DeleteJob(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return &ErrNotFound{Entity: "job", Key: id}
	}
	delete(s.jobs, id)
	return nil
}

func (s *MemoryStore) ClaimJob(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return false, &ErrNotFound{Entity: "job", Key: id}
	}
	if job.Status != models.JobPending {
		return false, nil
	}
	job.Status = models.JobProcessing
	job.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (s *MemoryStore) CancelJob(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return false, &ErrNotFound{Entity: "job", Key: id}
	}
	if job.Status != models.JobPending {
		return false, nil
	}
	job.Status = models.JobCancelled
	job.UpdatedAt = time.Now().UTC()
	return true, nil
}

// ── Options ─────────────────────────────────────────────────

func (s *MemoryStore) GetOption(_ context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.options[key]
	if !ok {
		return "", &ErrNotFound{Entity: "option", Key: key}
	}
	return v, nil
}

func (s *MemoryStore) SetOption(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.options[key] = value
	return nil
}

func (s *MemoryStore) DeleteOption(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.options, key)
	return nil
}

// ── KV Cache ────────────────────────────────────────────────

func (s *MemoryStore) CacheGet(_ context.Context, key string) ([]byte, bool, error) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()

	entry, ok := s.cache[key]
	if !ok {
		return nil, false, nil
	}
	if time.Now().After(entry.expiresAt) {
		delete(s.cache, key)
		return nil, false, nil
	}
	return entry.value, true, nil
}

func (s *MemoryStore) CacheSet(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	s.cache[key] = cacheEntry{value: value, expiresAt: time.Now().Add(ttl)}
	return nil
}

func (s *MemoryStore) CacheDelete(_ context.Context, key string) error {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	delete(s.cache, key)
	return nil
}

func (s *MemoryStore) CacheDeletePrefix(_ context.Context, prefix string) (int, error) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()

	removed := 0
	for k := range s.cache {
		if strings.HasPrefix(k, prefix) {
			delete(s.cache, k)
			removed++
		}
	}
	return removed, nil
}

func (s *MemoryStore) CacheIncr(_ context.Context, key string, ttl time.Duration) (int64, error) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()

	now := time.Now()
	entry, ok := s.counters[key]
	if !ok || now.After(entry.expiresAt) {
		// New window: TTL is fixed at creation time
		s.counters[key] = counterEntry{count: 1, expiresAt: now.Add(ttl)}
		return 1, nil
	}
	entry.count++
	s.counters[key] = entry
	return entry.count, nil
}
