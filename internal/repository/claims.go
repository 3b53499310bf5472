package repository

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/iago/claims-intake-back/internal/domain"
)

var (
	ErrNotFound = errors.New("resource not found")
	// ErrInFlight means another work item for the same claim and channel is
	// still pending or awaiting retry.
	ErrInFlight = errors.New("submission already in flight for claim and channel")
	// ErrTerminalStatus means the status record already reached success,
	// exhausted or errored and can no longer change.
	ErrTerminalStatus = errors.New("status record is terminal")
)

// ClaimsRepository abstracts claim persistence. The pipeline only writes the
// submission result columns; form data is owned by the intake API.
type ClaimsRepository interface {
	CreateClaim(ctx context.Context, claim *domain.Claim) error
	GetClaim(ctx context.Context, claimID string) (*domain.Claim, error)
	SaveSubmissionResult(ctx context.Context, claimID string, channel domain.Channel, reference string) error
	SaveSubmissionError(ctx context.Context, claimID string, payload json.RawMessage) error
}

// MemoryClaimsRepository stores claims in memory for local development.
type MemoryClaimsRepository struct {
	mu     sync.RWMutex
	claims map[string]*domain.Claim
	now    func() time.Time
}

func NewMemoryClaimsRepository() *MemoryClaimsRepository {
	return &MemoryClaimsRepository{
		claims: make(map[string]*domain.Claim),
		now:    time.Now,
	}
}

func (r *MemoryClaimsRepository) CreateClaim(_ context.Context, claim *domain.Claim) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	clone := domain.CloneClaim(claim)
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = r.now().UTC()
	}
	if clone.UpdatedAt.IsZero() {
		clone.UpdatedAt = clone.CreatedAt
	}
	r.claims[claim.ID] = clone
	return nil
}

func (r *MemoryClaimsRepository) GetClaim(_ context.Context, claimID string) (*domain.Claim, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	claim, ok := r.claims[claimID]
	if !ok {
		return nil, ErrNotFound
	}
	return domain.CloneClaim(claim), nil
}

func (r *MemoryClaimsRepository) SaveSubmissionResult(
	_ context.Context,
	claimID string,
	channel domain.Channel,
	reference string,
) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	claim, ok := r.claims[claimID]
	if !ok {
		return ErrNotFound
	}
	claim.ExternalReference = reference
	claim.SubmittedChannel = channel
	claim.LastError = nil
	claim.UpdatedAt = r.now().UTC()
	return nil
}

func (r *MemoryClaimsRepository) SaveSubmissionError(_ context.Context, claimID string, payload json.RawMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	claim, ok := r.claims[claimID]
	if !ok {
		return ErrNotFound
	}
	claim.LastError = append(json.RawMessage(nil), payload...)
	claim.UpdatedAt = r.now().UTC()
	return nil
}
