package status

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/iago/claims-intake-back/internal/domain"
	"github.com/iago/claims-intake-back/internal/repository"
)

func newTestTracker() *Tracker {
	return NewTracker(repository.NewMemoryStatusRepository(), nil)
}

func TestBeginIsIdempotent(t *testing.T) {
	tracker := newTestTracker()
	ctx := context.Background()
	item := domain.WorkItem{ID: "wi-1", ClaimID: "c-1", Channel: domain.ChannelStructured}

	first, created, err := tracker.Begin(ctx, item)
	if err != nil || !created {
		t.Fatalf("expected create, created=%v err=%v", created, err)
	}
	second, created, err := tracker.Begin(ctx, item)
	if err != nil || created {
		t.Fatalf("expected existing record, created=%v err=%v", created, err)
	}
	if first.WorkItemID != second.WorkItemID {
		t.Fatalf("expected same record")
	}

	records, _ := tracker.List(ctx, "c-1")
	if len(records) != 1 {
		t.Fatalf("expected one record, got %d", len(records))
	}
}

func TestBeginRejectsSecondInFlightItem(t *testing.T) {
	tracker := newTestTracker()
	ctx := context.Background()
	_, _, _ = tracker.Begin(ctx, domain.WorkItem{ID: "wi-1", ClaimID: "c-1", Channel: domain.ChannelStructured})

	_, _, err := tracker.Begin(ctx, domain.WorkItem{ID: "wi-2", ClaimID: "c-1", Channel: domain.ChannelStructured})
	if !errors.Is(err, repository.ErrInFlight) {
		t.Fatalf("expected ErrInFlight, got %v", err)
	}
}

func TestRecordOutcomeTransitions(t *testing.T) {
	tracker := newTestTracker()
	ctx := context.Background()
	record, _, _ := tracker.Begin(ctx, domain.WorkItem{ID: "wi-1", ClaimID: "c-1", Channel: domain.ChannelStructured})

	record, err := tracker.RecordOutcome(ctx, record, domain.Transient("status 503", nil), "test")
	if err != nil {
		t.Fatalf("record transient: %v", err)
	}
	if record.Status != domain.StatusRetryableError || len(record.ErrorLog) != 1 {
		t.Fatalf("expected retryable_error with one entry, got %s/%d", record.Status, len(record.ErrorLog))
	}

	record, err = tracker.Resume(ctx, record)
	if err != nil || record.Status != domain.StatusPending {
		t.Fatalf("expected resume to pending, got %v err=%v", record.Status, err)
	}

	record, err = tracker.RecordOutcome(ctx, record, domain.Succeeded("ref-1"), "test")
	if err != nil || record.Status != domain.StatusSuccess {
		t.Fatalf("expected success, got %v err=%v", record.Status, err)
	}
	if len(record.ErrorLog) != 1 {
		t.Fatalf("expected error log to be kept after success, got %d", len(record.ErrorLog))
	}

	if _, err := tracker.Resume(ctx, record); !errors.Is(err, repository.ErrTerminalStatus) {
		t.Fatalf("expected terminal resume error, got %v", err)
	}
}

func TestPermanentOutcomeIsErrored(t *testing.T) {
	tracker := newTestTracker()
	ctx := context.Background()
	record, _, _ := tracker.Begin(ctx, domain.WorkItem{ID: "wi-1", ClaimID: "c-1", Channel: domain.ChannelDocumentIntake})

	record, err := tracker.RecordOutcome(ctx, record, domain.Permanent(domain.FailureClientError, "status 400", nil), "intake")
	if err != nil {
		t.Fatalf("record permanent: %v", err)
	}
	if record.Status != domain.StatusErrored {
		t.Fatalf("expected errored, got %s", record.Status)
	}
	for _, entry := range record.ErrorLog {
		if entry.ErrorClass != "PermanentDownstreamError" || entry.Caller != "intake" || entry.ClaimID != "c-1" {
			t.Fatalf("unexpected entry %+v", entry)
		}
	}
}

func TestExhaustIsIdempotentAndMasksMessages(t *testing.T) {
	tracker := newTestTracker()
	ctx := context.Background()
	_, _, _ = tracker.Begin(ctx, domain.WorkItem{ID: "wi-1", ClaimID: "c-1", Channel: domain.ChannelStructured})

	cause := domain.NewFailure(domain.FailureTransient, "timeout for ssn 123-45-6789", nil)
	record, changed, err := tracker.Exhaust(ctx, "wi-1", "queue", cause)
	if err != nil || !changed {
		t.Fatalf("expected exhaust, changed=%v err=%v", changed, err)
	}
	if record.Status != domain.StatusExhausted {
		t.Fatalf("expected exhausted, got %s", record.Status)
	}
	for _, entry := range record.ErrorLog {
		if strings.Contains(entry.ErrorMessage, "123-45-6789") {
			t.Fatalf("expected masked message, got %q", entry.ErrorMessage)
		}
	}

	_, changed, err = tracker.Exhaust(ctx, "wi-1", "queue", cause)
	if err != nil || changed {
		t.Fatalf("expected second exhaust to be a no-op, changed=%v err=%v", changed, err)
	}
	record, _ = tracker.Get(ctx, "wi-1")
	if len(record.ErrorLog) != 1 {
		t.Fatalf("expected a single entry, got %d", len(record.ErrorLog))
	}
}
