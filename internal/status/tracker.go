package status

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/iago/claims-intake-back/internal/domain"
	"github.com/iago/claims-intake-back/internal/policy"
	"github.com/iago/claims-intake-back/internal/repository"
)

// Tracker owns StatusRecord transitions and the append-only error log.
type Tracker struct {
	repo   repository.StatusRepository
	logger *log.Logger
	now    func() time.Time
}

func NewTracker(repo repository.StatusRepository, logger *log.Logger) *Tracker {
	return &Tracker{repo: repo, logger: logger, now: time.Now}
}

// Begin creates the record for item, or returns the existing one when the
// work item id was already seen.
func (t *Tracker) Begin(ctx context.Context, item domain.WorkItem) (*domain.StatusRecord, bool, error) {
	record, created, err := t.repo.Begin(ctx, &domain.StatusRecord{
		WorkItemID:     item.ID,
		ClaimID:        item.ClaimID,
		Channel:        item.Channel,
		Status:         domain.StatusPending,
		ErrorLog:       map[string]domain.ErrorEntry{},
		FallbackOf:     item.FallbackOf,
		ResubmissionOf: item.ResubmissionOf,
	})
	if err != nil {
		return nil, false, fmt.Errorf("begin status %s: %w", item.ID, err)
	}
	if created && t.logger != nil {
		t.logger.Printf("status created work_item_id=%s claim_id=%s channel=%s", item.ID, item.ClaimID, item.Channel)
	}
	return record, created, nil
}

// Resume moves a retryable_error record back to pending for the next
// attempt. Terminal records come back unchanged with ErrTerminalStatus.
func (t *Tracker) Resume(ctx context.Context, record *domain.StatusRecord) (*domain.StatusRecord, error) {
	switch {
	case record.Status == domain.StatusPending:
		return record, nil
	case record.Status.IsTerminal():
		return record, repository.ErrTerminalStatus
	}
	resumed, err := t.repo.Transition(ctx, record.WorkItemID, domain.StatusPending, nil)
	if err != nil {
		return resumed, fmt.Errorf("resume status %s: %w", record.WorkItemID, err)
	}
	return resumed, nil
}

// RecordOutcome applies a channel outcome: success, retryable_error for
// transient failures, errored for everything else.
func (t *Tracker) RecordOutcome(
	ctx context.Context,
	record *domain.StatusRecord,
	outcome domain.Outcome,
	caller string,
) (*domain.StatusRecord, error) {
	switch outcome.Kind {
	case domain.OutcomeSuccess:
		updated, err := t.repo.Transition(ctx, record.WorkItemID, domain.StatusSuccess, nil)
		if err != nil {
			return updated, fmt.Errorf("record success %s: %w", record.WorkItemID, err)
		}
		return updated, nil
	case domain.OutcomeTransient:
		return t.RecordFailure(ctx, record, domain.StatusRetryableError, caller, outcome.Failure)
	default:
		return t.RecordFailure(ctx, record, domain.StatusErrored, caller, outcome.Failure)
	}
}

// RecordFailure appends an error entry and moves the record to next.
func (t *Tracker) RecordFailure(
	ctx context.Context,
	record *domain.StatusRecord,
	next domain.SubmissionStatus,
	caller string,
	failure *domain.Failure,
) (*domain.StatusRecord, error) {
	entry := t.entry(record.ClaimID, caller, failure)
	updated, err := t.repo.Transition(ctx, record.WorkItemID, next, &entry)
	if err != nil {
		return updated, fmt.Errorf("record %s %s: %w", next, record.WorkItemID, err)
	}
	if t.logger != nil {
		t.logger.Printf(
			"status updated work_item_id=%s status=%s error_class=%s",
			record.WorkItemID,
			next,
			entry.ErrorClass,
		)
	}
	return updated, nil
}

// Exhaust marks the record exhausted with a final entry. Exhausting an
// already exhausted record is a no-op.
func (t *Tracker) Exhaust(ctx context.Context, workItemID, caller string, cause error) (*domain.StatusRecord, bool, error) {
	current, err := t.repo.GetStatus(ctx, workItemID)
	if err != nil {
		return nil, false, fmt.Errorf("load status %s: %w", workItemID, err)
	}
	if current.Status == domain.StatusExhausted {
		return current, false, nil
	}

	failure := domain.AsFailure(cause)
	if failure == nil {
		failure = domain.NewFailure(domain.FailureTransient, "retry budget exhausted", nil)
	}
	entry := t.entry(current.ClaimID, caller, failure)
	updated, err := t.repo.Transition(ctx, workItemID, domain.StatusExhausted, &entry)
	if err != nil {
		if errors.Is(err, repository.ErrTerminalStatus) {
			return updated, false, err
		}
		return nil, false, fmt.Errorf("exhaust status %s: %w", workItemID, err)
	}
	if t.logger != nil {
		t.logger.Printf("status exhausted work_item_id=%s claim_id=%s channel=%s", workItemID, current.ClaimID, current.Channel)
	}
	return updated, true, nil
}

func (t *Tracker) Get(ctx context.Context, workItemID string) (*domain.StatusRecord, error) {
	return t.repo.GetStatus(ctx, workItemID)
}

func (t *Tracker) List(ctx context.Context, claimID string) ([]domain.StatusRecord, error) {
	return t.repo.ListByClaim(ctx, claimID)
}

func (t *Tracker) entry(claimID, caller string, failure *domain.Failure) domain.ErrorEntry {
	if failure == nil {
		failure = domain.NewFailure(domain.FailureInternal, "unknown failure", nil)
	}
	return domain.ErrorEntry{
		Caller:       caller,
		ErrorClass:   failure.Class(),
		ErrorMessage: policy.MaskPIIString(failure.Error()),
		Timestamp:    t.now().UTC(),
		ClaimID:      claimID,
	}
}
