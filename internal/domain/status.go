package domain

import (
	"strconv"
	"time"
)

type SubmissionStatus string

const (
	StatusPending        SubmissionStatus = "pending"
	StatusSuccess        SubmissionStatus = "success"
	StatusRetryableError SubmissionStatus = "retryable_error"
	StatusExhausted      SubmissionStatus = "exhausted"
	StatusErrored        SubmissionStatus = "errored"
)

// IsInFlight reports whether a WorkItem in this status may still be attempted.
func (s SubmissionStatus) IsInFlight() bool {
	return s == StatusPending || s == StatusRetryableError
}

func (s SubmissionStatus) IsTerminal() bool {
	return s == StatusSuccess || s == StatusExhausted || s == StatusErrored
}

// CanTransition reports whether a record in status s may move to next.
// Terminal records never change.
func (s SubmissionStatus) CanTransition(next SubmissionStatus) bool {
	if s.IsTerminal() {
		return false
	}
	switch next {
	case StatusPending, StatusSuccess, StatusRetryableError, StatusExhausted, StatusErrored:
		return true
	default:
		return false
	}
}

// ErrorEntry is one append-only audit entry on a StatusRecord.
type ErrorEntry struct {
	Caller       string    `json:"caller"`
	ErrorClass   string    `json:"error_class"`
	ErrorMessage string    `json:"error_message"`
	Timestamp    time.Time `json:"timestamp"`
	ClaimID      string    `json:"claim_id"`
}

// StatusRecord is the durable outcome record for one WorkItem.
type StatusRecord struct {
	WorkItemID     string
	ClaimID        string
	Channel        Channel
	Status         SubmissionStatus
	ErrorLog       map[string]ErrorEntry
	FallbackOf     string
	ResubmissionOf string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// NewErrorKey derives an error-log key from the entry timestamp, suffixing
// it when a key for the same instant already exists.
func NewErrorKey(at time.Time, existing map[string]ErrorEntry) string {
	base := strconv.FormatInt(at.UTC().UnixNano(), 10)
	key := base
	for i := 1; ; i++ {
		if _, taken := existing[key]; !taken {
			return key
		}
		key = base + "-" + strconv.Itoa(i)
	}
}

func CloneStatusRecord(record *StatusRecord) *StatusRecord {
	if record == nil {
		return nil
	}
	clone := *record
	clone.ErrorLog = make(map[string]ErrorEntry, len(record.ErrorLog))
	for key, entry := range record.ErrorLog {
		clone.ErrorLog[key] = entry
	}
	return &clone
}
