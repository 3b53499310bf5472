package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"hash/fnv"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/iago/claims-intake-back/internal/domain"
	"github.com/iago/claims-intake-back/internal/http/middleware"
	"github.com/iago/claims-intake-back/internal/submission"
)

var errInvalidPayload = errors.New("invalid payload")

// SubmissionService is the write side of the API.
type SubmissionService interface {
	Enqueue(ctx context.Context, request submission.EnqueueRequest) (submission.EnqueueResult, error)
	Resubmit(ctx context.Context, request submission.ResubmitRequest) (submission.EnqueueResult, error)
}

// StatusReader is the read side of the API.
type StatusReader interface {
	Get(ctx context.Context, workItemID string) (*domain.StatusRecord, error)
	List(ctx context.Context, claimID string) ([]domain.StatusRecord, error)
}

// HealthCheck reports whether a backing dependency is reachable.
type HealthCheck func(ctx context.Context) error

type API struct {
	submissions SubmissionService
	statuses    StatusReader
	checks      map[string]HealthCheck
	idempotency *idempotencyStore
}

func NewAPI(submissions SubmissionService, statuses StatusReader, checks map[string]HealthCheck) *API {
	return &API{
		submissions: submissions,
		statuses:    statuses,
		checks:      checks,
		idempotency: newIdempotencyStore(),
	}
}

type errorPayload struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	RequestID string `json:"request_id"`
}

func writeJSON(w http.ResponseWriter, statusCode int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(value)
}

func writeError(w http.ResponseWriter, r *http.Request, statusCode int, code, message string) {
	payload := errorPayload{RequestID: middleware.GetRequestID(r.Context())}
	payload.Error.Code = code
	payload.Error.Message = message
	writeJSON(w, statusCode, payload)
}

// decodeJSON treats an empty body as an empty request.
func decodeJSON(r *http.Request, value any) error {
	decoder := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(value); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return errInvalidPayload
	}
	return nil
}

type idempotencyEntry struct {
	PayloadHash uint64
	WorkItemID  string
	CreatedAt   time.Time
}

const idempotencyTTL = 24 * time.Hour

// idempotencyStore remembers which payload first used an Idempotency-Key so
// a reused key with a different body is refused.
type idempotencyStore struct {
	mu      sync.Mutex
	entries map[string]idempotencyEntry
	now     func() time.Time
}

func newIdempotencyStore() *idempotencyStore {
	return &idempotencyStore{
		entries: make(map[string]idempotencyEntry),
		now:     time.Now,
	}
}

func (s *idempotencyStore) Get(key string) (idempotencyEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[key]
	if ok && s.now().Sub(entry.CreatedAt) > idempotencyTTL {
		delete(s.entries, key)
		return idempotencyEntry{}, false
	}
	return entry, ok
}

func (s *idempotencyStore) Put(key string, payloadHash uint64, workItemID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = idempotencyEntry{
		PayloadHash: payloadHash,
		WorkItemID:  workItemID,
		CreatedAt:   s.now().UTC(),
	}
}

func hashPayload(value any) uint64 {
	payload, _ := json.Marshal(value)
	hasher := fnv.New64a()
	_, _ = hasher.Write(payload)
	return hasher.Sum64()
}
