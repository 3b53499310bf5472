package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/iago/claims-intake-back/internal/domain"
)

// StatusRepository persists StatusRecords. Implementations enforce that at
// most one record per claim and channel is in flight.
type StatusRepository interface {
	// Begin stores record unless one already exists for its WorkItemID, in
	// which case the stored record is returned with created=false.
	Begin(ctx context.Context, record *domain.StatusRecord) (stored *domain.StatusRecord, created bool, err error)
	// Transition moves an in-flight record to next and appends entry to its
	// error log when entry is non-nil.
	Transition(ctx context.Context, workItemID string, next domain.SubmissionStatus, entry *domain.ErrorEntry) (*domain.StatusRecord, error)
	GetStatus(ctx context.Context, workItemID string) (*domain.StatusRecord, error)
	ListByClaim(ctx context.Context, claimID string) ([]domain.StatusRecord, error)
}

// MemoryStatusRepository stores status records in memory for local
// development and tests.
type MemoryStatusRepository struct {
	mu      sync.Mutex
	records map[string]*domain.StatusRecord
	now     func() time.Time
}

func NewMemoryStatusRepository() *MemoryStatusRepository {
	return &MemoryStatusRepository{
		records: make(map[string]*domain.StatusRecord),
		now:     time.Now,
	}
}

func (r *MemoryStatusRepository) Begin(
	_ context.Context,
	record *domain.StatusRecord,
) (*domain.StatusRecord, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.records[record.WorkItemID]; ok {
		return domain.CloneStatusRecord(existing), false, nil
	}
	for _, existing := range r.records {
		if existing.ClaimID == record.ClaimID && existing.Channel == record.Channel && existing.Status.IsInFlight() {
			return nil, false, ErrInFlight
		}
	}

	clone := domain.CloneStatusRecord(record)
	if clone.Status == "" {
		clone.Status = domain.StatusPending
	}
	now := r.now().UTC()
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = now
	}
	clone.UpdatedAt = now
	r.records[clone.WorkItemID] = clone
	return domain.CloneStatusRecord(clone), true, nil
}

func (r *MemoryStatusRepository) Transition(
	_ context.Context,
	workItemID string,
	next domain.SubmissionStatus,
	entry *domain.ErrorEntry,
) (*domain.StatusRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	record, ok := r.records[workItemID]
	if !ok {
		return nil, ErrNotFound
	}
	if !record.Status.CanTransition(next) {
		return domain.CloneStatusRecord(record), ErrTerminalStatus
	}

	now := r.now().UTC()
	if entry != nil {
		stamped := *entry
		if stamped.Timestamp.IsZero() {
			stamped.Timestamp = now
		}
		record.ErrorLog[domain.NewErrorKey(stamped.Timestamp, record.ErrorLog)] = stamped
	}
	record.Status = next
	record.UpdatedAt = now
	return domain.CloneStatusRecord(record), nil
}

func (r *MemoryStatusRepository) GetStatus(_ context.Context, workItemID string) (*domain.StatusRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	record, ok := r.records[workItemID]
	if !ok {
		return nil, ErrNotFound
	}
	return domain.CloneStatusRecord(record), nil
}

func (r *MemoryStatusRepository) ListByClaim(_ context.Context, claimID string) ([]domain.StatusRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	items := make([]domain.StatusRecord, 0)
	for _, record := range r.records {
		if record.ClaimID == claimID {
			items = append(items, *domain.CloneStatusRecord(record))
		}
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].WorkItemID < items[j].WorkItemID
		}
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
	return items, nil
}
