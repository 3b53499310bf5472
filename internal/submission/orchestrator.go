package submission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/iago/claims-intake-back/internal/channels"
	"github.com/iago/claims-intake-back/internal/documents"
	"github.com/iago/claims-intake-back/internal/domain"
	"github.com/iago/claims-intake-back/internal/notify"
	"github.com/iago/claims-intake-back/internal/policy"
	"github.com/iago/claims-intake-back/internal/queue"
	"github.com/iago/claims-intake-back/internal/repository"
	"github.com/iago/claims-intake-back/internal/status"
)

const (
	callerPerform   = "submission.Perform"
	callerExhausted = "submission.OnExhausted"
	callerEnqueue   = "submission.Enqueue"
)

var (
	ErrUnknownChannel   = errors.New("no adapter configured for channel")
	ErrNotResubmittable = errors.New("only exhausted or errored submissions can be resubmitted")
	ErrClaimIDRequired  = errors.New("claim id is required")
	errIdentityUnsealed = errors.New("work item carries sealed identity but no sealer is configured")
	workItemIDNamespace = uuid.MustParse("6f1b3c6e-5d2a-4a8e-9b7c-2f0e8d4a1c55")
)

// DocumentBuilder is the slice of documents.Processor the orchestrator needs.
type DocumentBuilder interface {
	Build(ctx context.Context, scope string, claim domain.Claim) (domain.DocumentSet, error)
	Cleanup(ctx context.Context, set domain.DocumentSet) error
	Store() documents.Store
}

type MetadataBuilder interface {
	Build(claim domain.Claim, identity domain.IdentityFields, documents domain.DocumentSet, channel domain.Channel) (domain.SubmissionMetadata, error)
}

type Dependencies struct {
	Claims    repository.ClaimsRepository
	Tracker   *status.Tracker
	Documents DocumentBuilder
	Metadata  MetadataBuilder
	Adapters  []channels.Adapter
	Selector  ChannelSelector
	Failures  FailurePolicy
	Producer  queue.Producer
	Sealer    *IdentitySealer
	Notifier  notify.Notifier
}

// Orchestrator is the work item entry point: it selects a channel, drives
// document and metadata generation into a channel adapter, records the
// outcome and dispatches fallbacks. It implements queue.Handler.
type Orchestrator struct {
	claims    repository.ClaimsRepository
	tracker   *status.Tracker
	documents DocumentBuilder
	metadata  MetadataBuilder
	adapters  map[domain.Channel]channels.Adapter
	selector  ChannelSelector
	failures  FailurePolicy
	producer  queue.Producer
	sealer    *IdentitySealer
	notifier  notify.Notifier
	logger    *log.Logger
	now       func() time.Time

	exhaustTries   int
	exhaustBackoff time.Duration
}

func NewOrchestrator(deps Dependencies, logger *log.Logger) *Orchestrator {
	adapters := make(map[domain.Channel]channels.Adapter, len(deps.Adapters))
	for _, adapter := range deps.Adapters {
		adapters[adapter.Channel()] = adapter
	}
	notifier := deps.Notifier
	if notifier == nil {
		notifier = notify.NewLogNotifier(logger)
	}
	return &Orchestrator{
		claims:    deps.Claims,
		tracker:   deps.Tracker,
		documents: deps.Documents,
		metadata:  deps.Metadata,
		adapters:  adapters,
		selector:  deps.Selector,
		failures:  deps.Failures,
		producer:  deps.Producer,
		sealer:    deps.Sealer,
		notifier:  notifier,
		logger:    logger,
		now:       time.Now,

		exhaustTries:   3,
		exhaustBackoff: 200 * time.Millisecond,
	}
}

type EnqueueRequest struct {
	ClaimID  string
	Identity domain.IdentityFields
	// IdempotencyKey, when set, derives the work item id so repeated
	// requests map onto the same StatusRecord.
	IdempotencyKey string
}

type EnqueueResult struct {
	WorkItemID string
	Channel    domain.Channel
	Record     *domain.StatusRecord
	// Created is false when the work item already existed.
	Created bool
}

// Enqueue resolves the primary channel once and dispatches the first work
// item for a claim.
func (o *Orchestrator) Enqueue(ctx context.Context, request EnqueueRequest) (EnqueueResult, error) {
	claimID := strings.TrimSpace(request.ClaimID)
	if claimID == "" {
		return EnqueueResult{}, ErrClaimIDRequired
	}
	claim, err := o.claims.GetClaim(ctx, claimID)
	if err != nil {
		return EnqueueResult{}, fmt.Errorf("load claim %s: %w", claimID, err)
	}

	channel := o.selector.Select(*claim)
	id := uuid.NewString()
	if key := strings.TrimSpace(request.IdempotencyKey); key != "" {
		id = uuid.NewSHA1(workItemIDNamespace, []byte(claimID+":"+key)).String()
	}

	item := domain.WorkItem{ID: id, ClaimID: claimID, Channel: channel}
	return o.dispatch(ctx, item, request.Identity)
}

type ResubmitRequest struct {
	WorkItemID string
	Identity   domain.IdentityFields
}

// Resubmit starts a fresh work item on the same channel as a finished
// exhausted or errored one.
func (o *Orchestrator) Resubmit(ctx context.Context, request ResubmitRequest) (EnqueueResult, error) {
	previous, err := o.tracker.Get(ctx, request.WorkItemID)
	if err != nil {
		return EnqueueResult{}, fmt.Errorf("load status %s: %w", request.WorkItemID, err)
	}
	if previous.Status != domain.StatusExhausted && previous.Status != domain.StatusErrored {
		return EnqueueResult{}, fmt.Errorf("%w: %s is %s", ErrNotResubmittable, previous.WorkItemID, previous.Status)
	}

	item := domain.WorkItem{
		ID:             uuid.NewString(),
		ClaimID:        previous.ClaimID,
		Channel:        previous.Channel,
		ResubmissionOf: previous.WorkItemID,
	}
	return o.dispatch(ctx, item, request.Identity)
}

// dispatch begins the StatusRecord and enqueues the item. An item whose
// record already exists is not enqueued again.
func (o *Orchestrator) dispatch(ctx context.Context, item domain.WorkItem, identity domain.IdentityFields) (EnqueueResult, error) {
	if _, ok := o.adapters[item.Channel]; !ok {
		return EnqueueResult{}, fmt.Errorf("%w: %s", ErrUnknownChannel, item.Channel)
	}
	if err := o.attachIdentity(&item, identity); err != nil {
		return EnqueueResult{}, err
	}
	item.RequestedAt = o.now().UTC()

	record, created, err := o.tracker.Begin(ctx, item)
	if err != nil {
		return EnqueueResult{}, err
	}
	result := EnqueueResult{WorkItemID: item.ID, Channel: item.Channel, Record: record, Created: created}
	if !created {
		return result, nil
	}

	if err := o.producer.Enqueue(ctx, item); err != nil {
		failure := domain.NewFailure(domain.FailureInternal, "enqueue work item", err)
		if _, recordErr := o.tracker.RecordFailure(ctx, record, domain.StatusErrored, callerEnqueue, failure); recordErr != nil && o.logger != nil {
			o.logger.Printf("record enqueue failure failed work_item_id=%s err=%v", item.ID, recordErr)
		}
		return EnqueueResult{}, fmt.Errorf("enqueue work item %s: %w", item.ID, err)
	}

	if o.logger != nil {
		o.logger.Printf(
			"submission enqueued work_item_id=%s claim_id=%s channel=%s fallback_of=%s resubmission_of=%s",
			item.ID,
			item.ClaimID,
			item.Channel,
			item.FallbackOf,
			item.ResubmissionOf,
		)
	}
	return result, nil
}

// Perform runs one attempt. A transient failure, including a failed status
// or claim write, comes back as a retryable error; every other outcome is
// recorded and returns nil.
func (o *Orchestrator) Perform(ctx context.Context, item domain.WorkItem) error {
	record, _, err := o.tracker.Begin(ctx, item)
	if err != nil {
		if errors.Is(err, repository.ErrInFlight) {
			if o.logger != nil {
				o.logger.Printf("submission dropped work_item_id=%s err=%v", item.ID, err)
			}
			return nil
		}
		return storeFailure("begin status", err)
	}
	if record.Status.IsTerminal() {
		if o.logger != nil {
			o.logger.Printf("submission skipped work_item_id=%s status=%s", item.ID, record.Status)
		}
		return nil
	}
	record, err = o.tracker.Resume(ctx, record)
	if err != nil {
		if errors.Is(err, repository.ErrTerminalStatus) {
			return nil
		}
		return storeFailure("resume status", err)
	}

	claim, outcome := o.attempt(ctx, item)
	return o.settle(ctx, item, record, claim, outcome)
}

// storeFailure marks a status or claim store error as transient so the
// queue retries the item and, once the budget is spent, exhausts it.
func storeFailure(reason string, err error) error {
	return domain.NewFailure(domain.FailureTransient, reason, err)
}

// retryLater records failure on the record as retryable_error and returns
// it for the queue. The entry is best effort since the store may be the
// thing that failed.
func (o *Orchestrator) retryLater(ctx context.Context, item domain.WorkItem, record *domain.StatusRecord, failure *domain.Failure) error {
	if _, err := o.tracker.RecordFailure(ctx, record, domain.StatusRetryableError, callerPerform, failure); err != nil && o.logger != nil {
		o.logger.Printf("record retryable failure failed work_item_id=%s err=%v", item.ID, err)
	}
	return failure
}

// attempt loads the claim and calls the channel adapter. Documents written
// for the attempt are removed before it returns.
func (o *Orchestrator) attempt(ctx context.Context, item domain.WorkItem) (*domain.Claim, domain.Outcome) {
	adapter, ok := o.adapters[item.Channel]
	if !ok {
		return nil, domain.OutcomeFromFailure(domain.NewFailure(domain.FailureInternal, "no adapter for channel "+string(item.Channel), nil))
	}

	identity, err := o.readIdentity(item)
	if err != nil {
		return nil, domain.OutcomeFromFailure(domain.NewFailure(domain.FailureInternal, "read identity", err))
	}

	stored, err := o.claims.GetClaim(ctx, item.ClaimID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, domain.OutcomeFromFailure(domain.NewFailure(domain.FailureInternal, "claim not found", err))
		}
		return nil, domain.OutcomeFromFailure(domain.NewFailure(domain.FailureTransient, "load claim", err))
	}
	claim := stored.WithIdentity(identity)

	var set domain.DocumentSet
	if adapter.RequiresDocuments() {
		scope := item.ID + "/" + strconv.Itoa(item.Attempt)
		set, err = o.documents.Build(ctx, scope, claim)
		if err != nil {
			return stored, domain.OutcomeFromFailure(domain.AsFailure(err))
		}
		defer func() {
			if err := o.documents.Cleanup(context.WithoutCancel(ctx), set); err != nil && o.logger != nil {
				o.logger.Printf("document cleanup failed work_item_id=%s err=%v", item.ID, err)
			}
		}()
	}

	metadata, err := o.metadata.Build(claim, identity, set, item.Channel)
	if err != nil {
		return stored, domain.OutcomeFromFailure(domain.AsFailure(err))
	}

	var files channels.DocumentOpener
	if o.documents != nil {
		files = o.documents.Store()
	}
	return stored, adapter.Submit(ctx, channels.Submission{
		WorkItemID: item.ID,
		Claim:      claim,
		Identity:   identity,
		Documents:  set,
		Metadata:   metadata,
		Files:      files,
	})
}

func (o *Orchestrator) settle(
	ctx context.Context,
	item domain.WorkItem,
	record *domain.StatusRecord,
	claim *domain.Claim,
	outcome domain.Outcome,
) error {
	switch outcome.Kind {
	case domain.OutcomeSuccess:
		if err := o.claims.SaveSubmissionResult(ctx, item.ClaimID, item.Channel, outcome.Reference); err != nil {
			return o.retryLater(ctx, item, record, domain.NewFailure(domain.FailureTransient, "save submission result", err))
		}
		if _, err := o.tracker.RecordOutcome(ctx, record, outcome, callerPerform); err != nil {
			return storeFailure("record success", err)
		}
		if o.logger != nil {
			o.logger.Printf("submission succeeded work_item_id=%s channel=%s reference=%s", item.ID, item.Channel, outcome.Reference)
		}
		o.notifyOwner(ctx, notify.EventConfirmed, item, claim, outcome.Reference, "")
		return nil

	case domain.OutcomeTransient:
		if _, err := o.tracker.RecordOutcome(ctx, record, outcome, callerPerform); err != nil {
			if o.logger != nil {
				o.logger.Printf("record retryable outcome failed work_item_id=%s err=%v", item.ID, err)
			}
		}
		if o.logger != nil {
			o.logger.Printf(
				"submission retryable work_item_id=%s channel=%s attempt=%d reason=%q",
				item.ID,
				item.Channel,
				item.Attempt+1,
				policy.MaskPIIString(outcome.Failure.Reason),
			)
		}
		return outcome.Failure
	}

	failure := outcome.Failure
	if failure == nil {
		failure = domain.NewFailure(domain.FailureInternal, "permanent failure without detail", nil)
	}
	o.saveClaimError(ctx, item, failure)

	if o.failures.Escalates(item.Channel, failure.Kind) {
		if o.logger != nil {
			o.logger.Printf("submission escalated work_item_id=%s channel=%s kind=%s", item.ID, item.Channel, failure.Kind)
		}
		return o.exhaust(ctx, item, failure)
	}

	if _, err := o.tracker.RecordFailure(ctx, record, domain.StatusErrored, callerPerform, failure); err != nil {
		return storeFailure("record permanent failure", err)
	}
	if o.logger != nil {
		o.logger.Printf("submission errored work_item_id=%s channel=%s kind=%s", item.ID, item.Channel, failure.Kind)
	}
	o.notifyOwner(ctx, notify.EventFailed, item, claim, "", failure.Class())
	return nil
}

// OnExhausted is called by the queue after the final failed attempt. The
// exhausted transition is retried a few times since no later delivery will
// come for this item.
func (o *Orchestrator) OnExhausted(ctx context.Context, item domain.WorkItem, cause error) {
	err := o.exhaust(ctx, item, cause)
	for try := 1; err != nil && try < o.exhaustTries; try++ {
		select {
		case <-ctx.Done():
			err = errors.Join(err, ctx.Err())
			o.logExhaustFailure(item, err)
			return
		case <-time.After(time.Duration(try) * o.exhaustBackoff):
		}
		err = o.exhaust(ctx, item, cause)
	}
	if err != nil {
		o.logExhaustFailure(item, err)
	}
}

func (o *Orchestrator) logExhaustFailure(item domain.WorkItem, err error) {
	if o.logger != nil {
		o.logger.Printf("exhaust failed work_item_id=%s claim_id=%s err=%v", item.ID, item.ClaimID, err)
	}
}

// exhaust marks the record exhausted and, only once that succeeded, alerts
// operators and dispatches the fallback work item. Calling it again for an
// exhausted record re-dispatches the same fallback id, which is a no-op
// when the first dispatch went through.
func (o *Orchestrator) exhaust(ctx context.Context, item domain.WorkItem, cause error) error {
	record, changed, err := o.tracker.Exhaust(ctx, item.ID, callerExhausted, cause)
	if err != nil {
		if errors.Is(err, repository.ErrTerminalStatus) {
			if o.logger != nil {
				o.logger.Printf("exhaust skipped work_item_id=%s err=%v", item.ID, err)
			}
			return nil
		}
		return storeFailure("exhaust status", err)
	}

	var claim *domain.Claim
	reason := ""
	if failure := domain.AsFailure(cause); failure != nil {
		reason = failure.Class()
	}
	if changed {
		claim, err = o.claims.GetClaim(ctx, item.ClaimID)
		if err != nil && o.logger != nil {
			o.logger.Printf("load claim for exhaustion failed claim_id=%s err=%v", item.ClaimID, err)
		}
		event := o.event(item, claim, "", reason)
		if err := o.notifier.OperatorAlert(ctx, event); err != nil && o.logger != nil {
			o.logger.Printf("operator alert failed work_item_id=%s err=%v", item.ID, err)
		}
	}

	next, ok := o.failures.Fallback(record.Channel)
	if ok {
		if _, ok := o.adapters[next]; !ok {
			if o.logger != nil {
				o.logger.Printf("fallback channel not configured work_item_id=%s channel=%s", item.ID, next)
			}
			next = ""
		}
	}
	if next == "" {
		if changed {
			o.notifyOwner(ctx, notify.EventFailed, item, claim, "", reason)
		}
		return nil
	}

	identity, err := o.readIdentity(item)
	if err != nil && o.logger != nil {
		o.logger.Printf("fallback identity unavailable work_item_id=%s err=%v", item.ID, err)
	}
	fallback := domain.WorkItem{
		ID:         uuid.NewSHA1(workItemIDNamespace, []byte(item.ID+":fallback")).String(),
		ClaimID:    item.ClaimID,
		Channel:    next,
		FallbackOf: item.ID,
	}
	if _, err := o.dispatch(ctx, fallback, identity); err != nil {
		if errors.Is(err, repository.ErrInFlight) {
			if o.logger != nil {
				o.logger.Printf("fallback skipped work_item_id=%s channel=%s err=%v", item.ID, next, err)
			}
			return nil
		}
		return storeFailure("dispatch fallback", err)
	}
	return nil
}

func (o *Orchestrator) attachIdentity(item *domain.WorkItem, identity domain.IdentityFields) error {
	if identity.IsZero() {
		return nil
	}
	if o.sealer == nil {
		item.Identity = &identity
		return nil
	}
	sealed, err := o.sealer.Seal(identity)
	if err != nil {
		return err
	}
	item.SealedIdentity = sealed
	return nil
}

func (o *Orchestrator) readIdentity(item domain.WorkItem) (domain.IdentityFields, error) {
	if len(item.SealedIdentity) > 0 {
		if o.sealer == nil {
			return domain.IdentityFields{}, errIdentityUnsealed
		}
		return o.sealer.Open(item.SealedIdentity)
	}
	if item.Identity != nil {
		return *item.Identity, nil
	}
	return domain.IdentityFields{}, nil
}

// saveClaimError stores a masked error payload on the claim for the owner
// to see. Failures to save are logged only.
func (o *Orchestrator) saveClaimError(ctx context.Context, item domain.WorkItem, failure *domain.Failure) {
	payload, err := json.Marshal(map[string]any{
		"work_item_id": item.ID,
		"channel":      item.Channel,
		"error_class":  failure.Class(),
		"kind":         failure.Kind,
		"reason":       failure.Reason,
		"detail":       failure.Detail,
		"occurred_at":  o.now().UTC(),
	})
	if err != nil {
		return
	}
	if err := o.claims.SaveSubmissionError(ctx, item.ClaimID, policy.MaskPIIJSON(payload)); err != nil && o.logger != nil {
		o.logger.Printf("save submission error failed work_item_id=%s err=%v", item.ID, err)
	}
}

func (o *Orchestrator) notifyOwner(ctx context.Context, eventType string, item domain.WorkItem, claim *domain.Claim, reference, reason string) {
	event := o.event(item, claim, reference, reason)
	var err error
	switch eventType {
	case notify.EventConfirmed:
		err = o.notifier.Confirmed(ctx, event)
	default:
		err = o.notifier.Failed(ctx, event)
	}
	if err != nil && o.logger != nil {
		o.logger.Printf("owner notification failed type=%s work_item_id=%s err=%v", eventType, item.ID, err)
	}
}

func (o *Orchestrator) event(item domain.WorkItem, claim *domain.Claim, reference, reason string) notify.Event {
	event := notify.Event{
		ClaimID:    item.ClaimID,
		WorkItemID: item.ID,
		Channel:    item.Channel,
		Reference:  reference,
		Reason:     reason,
		OccurredAt: o.now().UTC(),
	}
	if claim != nil {
		event.OwnerRef = claim.OwnerRef
	}
	return event
}
