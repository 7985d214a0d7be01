// Package approvals manages the human-review queue for proposed changes.
// Agents record proposals; a human resolves them exactly once.
package approvals

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/pageforge/pageforge/agent-engine/internal/store"
	"github.com/pageforge/pageforge/agent-engine/pkg/models"
)

// DefaultTTL is how long a pending item waits for review before expiring.
const DefaultTTL = 7 * 24 * time.Hour

// ErrAlreadyResolved is returned when approving or rejecting a non-pending item.
type ErrAlreadyResolved struct {
	ID     string
	Status models.ApprovalStatus
}

func (e *ErrAlreadyResolved) Error() string {
	return fmt.Sprintf("approval %s already resolved as %s", e.ID, e.Status)
}

// Service implements contracts.ApprovalService over an ApprovalStore.
type Service struct {
	store store.ApprovalStore
}

// NewService creates the approval service.
func NewService(s store.ApprovalStore) *Service {
	return &Service{store: s}
}

// Create records a pending approval with the given time-to-live.
// A non-positive ttl uses the default.
func (s *Service) Create(ctx context.Context, agentID, action string, params map[string]interface{}, reasoning string, ttl time.Duration) (*models.ApprovalItem, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := time.Now().UTC()
	item := &models.ApprovalItem{
		ID:        uuid.New().String(),
		AgentID:   agentID,
		Action:    action,
		Params:    params,
		Reasoning: reasoning,
		Status:    models.ApprovalPending,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	if err := s.store.CreateApproval(ctx, item); err != nil {
		return nil, fmt.Errorf("create approval: %w", err)
	}
	log.Info().Str("approval_id", item.ID).Str("agent_id", agentID).Str("action", action).
		Msg("Approval recorded")
	return item, nil
}

// Approve resolves a pending item as approved. Single-shot: a resolved or
// expired item cannot be approved.
func (s *Service) Approve(ctx context.Context, id string, userID int64) (*models.ApprovalItem, error) {
	return s.resolve(ctx, id, userID, models.ApprovalApproved)
}

// Reject resolves a pending item as rejected.
func (s *Service) Reject(ctx context.Context, id string, userID int64) (*models.ApprovalItem, error) {
	return s.resolve(ctx, id, userID, models.ApprovalRejected)
}

func (s *Service) resolve(ctx context.Context, id string, userID int64, status models.ApprovalStatus) (*models.ApprovalItem, error) {
	item, err := s.store.GetApproval(ctx, id)
	if err != nil {
		return nil, err
	}
	if item.Status != models.ApprovalPending {
		return nil, &ErrAlreadyResolved{ID: id, Status: item.Status}
	}
	if item.Expired(time.Now().UTC()) {
		return nil, &ErrAlreadyResolved{ID: id, Status: models.ApprovalPending}
	}

	now := time.Now().UTC()
	item.Status = status
	item.ApprovedBy = userID
	item.ResolvedAt = &now
	if err := s.store.UpdateApproval(ctx, item); err != nil {
		return nil, fmt.Errorf("resolve approval: %w", err)
	}
	log.Info().Str("approval_id", id).Str("status", string(status)).Int64("user_id", userID).
		Msg("Approval resolved")
	return item, nil
}

// List returns items newest first, optionally filtered by status.
func (s *Service) List(ctx context.Context, status models.ApprovalStatus, limit int) ([]models.ApprovalItem, error) {
	return s.store.ListApprovals(ctx, status, limit)
}

// SweepExpired deletes pending items past their expiry. Called by the
// retention janitor.
func (s *Service) SweepExpired(ctx context.Context) (int, error) {
	items, err := s.store.ListApprovals(ctx, models.ApprovalPending, 0)
	if err != nil {
		return 0, err
	}
	now := time.Now().UTC()
	removed := 0
	for _, item := range items {
		if !item.Expired(now) {
			continue
		}
		if err := s.store.DeleteApproval(ctx, item.ID); err != nil {
			log.Warn().Err(err).Str("approval_id", item.ID).Msg("Failed to delete expired approval")
			continue
		}
		removed++
	}
	return removed, nil
}
