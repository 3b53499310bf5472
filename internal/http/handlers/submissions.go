package handlers

import (
	"errors"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/iago/claims-intake-back/internal/domain"
	"github.com/iago/claims-intake-back/internal/repository"
	"github.com/iago/claims-intake-back/internal/submission"
)

type submissionRequest struct {
	Identity map[string]string `json:"identity,omitempty"`
}

type errorEntryView struct {
	Key          string    `json:"key"`
	Caller       string    `json:"caller"`
	ErrorClass   string    `json:"error_class"`
	ErrorMessage string    `json:"error_message"`
	Timestamp    time.Time `json:"timestamp"`
}

type statusView struct {
	WorkItemID     string           `json:"work_item_id"`
	ClaimID        string           `json:"claim_id"`
	Channel        string           `json:"channel"`
	Status         string           `json:"status"`
	FallbackOf     string           `json:"fallback_of,omitempty"`
	ResubmissionOf string           `json:"resubmission_of,omitempty"`
	Errors         []errorEntryView `json:"errors"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

func newStatusView(record domain.StatusRecord) statusView {
	view := statusView{
		WorkItemID:     record.WorkItemID,
		ClaimID:        record.ClaimID,
		Channel:        string(record.Channel),
		Status:         string(record.Status),
		FallbackOf:     record.FallbackOf,
		ResubmissionOf: record.ResubmissionOf,
		Errors:         make([]errorEntryView, 0, len(record.ErrorLog)),
		CreatedAt:      record.CreatedAt,
		UpdatedAt:      record.UpdatedAt,
	}
	for key, entry := range record.ErrorLog {
		view.Errors = append(view.Errors, errorEntryView{
			Key:          key,
			Caller:       entry.Caller,
			ErrorClass:   entry.ErrorClass,
			ErrorMessage: entry.ErrorMessage,
			Timestamp:    entry.Timestamp,
		})
	}
	sort.Slice(view.Errors, func(i, j int) bool {
		if !view.Errors[i].Timestamp.Equal(view.Errors[j].Timestamp) {
			return view.Errors[i].Timestamp.Before(view.Errors[j].Timestamp)
		}
		return view.Errors[i].Key < view.Errors[j].Key
	})
	return view
}

func enqueueStatusCode(result submission.EnqueueResult) int {
	if result.Created {
		return http.StatusAccepted
	}
	return http.StatusOK
}

func enqueueResponse(result submission.EnqueueResult) map[string]any {
	response := map[string]any{
		"work_item_id": result.WorkItemID,
		"channel":      result.Channel,
		"created":      result.Created,
	}
	if result.Record != nil {
		response["submission"] = newStatusView(*result.Record)
	}
	return response
}

// CreateSubmission handles POST /v1/claims/{claim_id}/submissions.
func (api *API) CreateSubmission(w http.ResponseWriter, r *http.Request) {
	claimID := strings.TrimSpace(r.PathValue("claim_id"))
	if claimID == "" || len(claimID) > 128 {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "claim_id is required")
		return
	}

	var request submissionRequest
	if err := decodeJSON(r, &request); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}

	idempotencyKey := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if len(idempotencyKey) > 128 {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "idempotency key too long")
		return
	}
	payloadHash := hashPayload(map[string]any{"claim_id": claimID, "identity": request.Identity})
	if idempotencyKey != "" {
		if entry, ok := api.idempotency.Get(claimID + ":" + idempotencyKey); ok && entry.PayloadHash != payloadHash {
			writeError(w, r, http.StatusUnprocessableEntity, "idempotency_conflict", "idempotency key reused with a different payload")
			return
		}
	}

	result, err := api.submissions.Enqueue(r.Context(), submission.EnqueueRequest{
		ClaimID:        claimID,
		Identity:       domain.IdentityFromFlat(request.Identity),
		IdempotencyKey: idempotencyKey,
	})
	if err != nil {
		writeSubmissionError(w, r, err)
		return
	}
	if idempotencyKey != "" {
		api.idempotency.Put(claimID+":"+idempotencyKey, payloadHash, result.WorkItemID)
	}

	writeJSON(w, enqueueStatusCode(result), enqueueResponse(result))
}

// ListSubmissions handles GET /v1/claims/{claim_id}/submissions.
func (api *API) ListSubmissions(w http.ResponseWriter, r *http.Request) {
	claimID := strings.TrimSpace(r.PathValue("claim_id"))
	if claimID == "" {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "claim_id is required")
		return
	}

	records, err := api.statuses.List(r.Context(), claimID)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal_error", "failed to list submissions")
		return
	}
	views := make([]statusView, 0, len(records))
	for _, record := range records {
		views = append(views, newStatusView(record))
	}
	writeJSON(w, http.StatusOK, map[string]any{"claim_id": claimID, "submissions": views})
}

// GetSubmission handles GET /v1/submissions/{work_item_id}.
func (api *API) GetSubmission(w http.ResponseWriter, r *http.Request) {
	workItemID := strings.TrimSpace(r.PathValue("work_item_id"))
	if workItemID == "" {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "work_item_id is required")
		return
	}

	record, err := api.statuses.Get(r.Context(), workItemID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, "not_found", "submission not found")
			return
		}
		writeError(w, r, http.StatusInternalServerError, "internal_error", "failed to load submission")
		return
	}
	writeJSON(w, http.StatusOK, newStatusView(*record))
}

// ResubmitSubmission handles POST /v1/submissions/{work_item_id}/resubmit.
func (api *API) ResubmitSubmission(w http.ResponseWriter, r *http.Request) {
	workItemID := strings.TrimSpace(r.PathValue("work_item_id"))
	if workItemID == "" {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "work_item_id is required")
		return
	}

	var request submissionRequest
	if err := decodeJSON(r, &request); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}

	result, err := api.submissions.Resubmit(r.Context(), submission.ResubmitRequest{
		WorkItemID: workItemID,
		Identity:   domain.IdentityFromFlat(request.Identity),
	})
	if err != nil {
		writeSubmissionError(w, r, err)
		return
	}
	writeJSON(w, enqueueStatusCode(result), enqueueResponse(result))
}

func writeSubmissionError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, submission.ErrClaimIDRequired):
		writeError(w, r, http.StatusBadRequest, "invalid_request", "claim_id is required")
	case errors.Is(err, repository.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "not_found", "claim or submission not found")
	case errors.Is(err, repository.ErrInFlight):
		writeError(w, r, http.StatusConflict, "submission_in_flight", "a submission for this claim and channel is already in flight")
	case errors.Is(err, submission.ErrNotResubmittable):
		writeError(w, r, http.StatusConflict, "not_resubmittable", "submission is not in a resubmittable state")
	case errors.Is(err, submission.ErrUnknownChannel):
		writeError(w, r, http.StatusServiceUnavailable, "channel_unavailable", "no adapter configured for the selected channel")
	default:
		writeError(w, r, http.StatusInternalServerError, "internal_error", "failed to enqueue submission")
	}
}
