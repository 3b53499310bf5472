package submission

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"io/fs"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/iago/claims-intake-back/internal/channels"
	"github.com/iago/claims-intake-back/internal/config"
	"github.com/iago/claims-intake-back/internal/documents"
	"github.com/iago/claims-intake-back/internal/domain"
	"github.com/iago/claims-intake-back/internal/metadata"
	"github.com/iago/claims-intake-back/internal/notify"
	"github.com/iago/claims-intake-back/internal/queue"
	"github.com/iago/claims-intake-back/internal/repository"
	"github.com/iago/claims-intake-back/internal/status"
)

type scriptedAdapter struct {
	channel       domain.Channel
	needsDocs     bool
	script        func(call int) domain.Outcome
	mu            sync.Mutex
	calls         int
	identities    []domain.IdentityFields
	missingFiles  int
	lastSubmitted channels.Submission
}

func (a *scriptedAdapter) Channel() domain.Channel { return a.channel }

func (a *scriptedAdapter) RequiresDocuments() bool { return a.needsDocs }

func (a *scriptedAdapter) Submit(ctx context.Context, submission channels.Submission) domain.Outcome {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	a.identities = append(a.identities, submission.Identity)
	a.lastSubmitted = submission
	if a.needsDocs {
		for _, document := range submission.Documents.All() {
			reader, err := submission.Files.Open(ctx, document.Key)
			if err != nil {
				a.missingFiles++
				continue
			}
			_ = reader.Close()
		}
	}
	return a.script(a.calls)
}

func (a *scriptedAdapter) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

func always(outcome domain.Outcome) func(int) domain.Outcome {
	return func(int) domain.Outcome { return outcome }
}

// fakeDocuments writes placeholder PDFs into a real TempDirStore so tests
// can observe cleanup.
type fakeDocuments struct {
	store *documents.TempDirStore
}

func (d *fakeDocuments) Build(ctx context.Context, scope string, claim domain.Claim) (domain.DocumentSet, error) {
	primary := domain.Document{Key: filepath.ToSlash(filepath.Join(scope, "primary.pdf")), TypeCode: claim.FormType, SHA256: "aa", PageCount: 2}
	attachment := domain.Document{Key: filepath.ToSlash(filepath.Join(scope, "attachment.pdf")), TypeCode: "L023", SHA256: "bb", PageCount: 1, Position: 1}
	for _, document := range []domain.Document{primary, attachment} {
		if err := d.store.Put(ctx, document.Key, []byte("%PDF-1.4 placeholder")); err != nil {
			return domain.DocumentSet{}, err
		}
	}
	return domain.DocumentSet{Primary: primary, Attachments: []domain.Document{attachment}}, nil
}

func (d *fakeDocuments) Cleanup(ctx context.Context, set domain.DocumentSet) error {
	for _, document := range set.All() {
		if err := d.store.Delete(ctx, document.Key); err != nil {
			return err
		}
	}
	return nil
}

func (d *fakeDocuments) Store() documents.Store {
	return d.store
}

func (d *fakeDocuments) files(t *testing.T) []string {
	t.Helper()
	var found []string
	_ = filepath.WalkDir(d.store.Root(), func(path string, entry fs.DirEntry, err error) error {
		if err == nil && !entry.IsDir() {
			found = append(found, path)
		}
		return nil
	})
	return found
}

type recordingProducer struct {
	next    queue.Producer
	tracker *status.Tracker

	mu                 sync.Mutex
	items              []domain.WorkItem
	fallbackBeforeExit int
}

func (p *recordingProducer) Enqueue(ctx context.Context, item domain.WorkItem) error {
	if item.FallbackOf != "" {
		primary, err := p.tracker.Get(ctx, item.FallbackOf)
		if err != nil || primary.Status != domain.StatusExhausted {
			p.mu.Lock()
			p.fallbackBeforeExit++
			p.mu.Unlock()
		}
	}
	p.mu.Lock()
	p.items = append(p.items, item)
	p.mu.Unlock()
	if p.next == nil {
		return nil
	}
	return p.next.Enqueue(ctx, item)
}

func (p *recordingProducer) fallbacks() []domain.WorkItem {
	p.mu.Lock()
	defer p.mu.Unlock()
	var result []domain.WorkItem
	for _, item := range p.items {
		if item.FallbackOf != "" {
			result = append(result, item)
		}
	}
	return result
}

type recordingNotifier struct {
	mu        sync.Mutex
	confirmed []notify.Event
	failed    []notify.Event
	alerts    []notify.Event
}

func (n *recordingNotifier) Confirmed(_ context.Context, event notify.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.confirmed = append(n.confirmed, event)
	return nil
}

func (n *recordingNotifier) Failed(_ context.Context, event notify.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failed = append(n.failed, event)
	return nil
}

func (n *recordingNotifier) OperatorAlert(_ context.Context, event notify.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, event)
	return nil
}

type harness struct {
	claims   *repository.MemoryClaimsRepository
	tracker  *status.Tracker
	docs     *fakeDocuments
	producer *recordingProducer
	primary  *scriptedAdapter
	fallback *scriptedAdapter
	notifier *recordingNotifier
	orch     *Orchestrator
}

type harnessOptions struct {
	primaryDocs bool
	next        queue.Producer
	sealer      *IdentitySealer
	// statuses and claims wrap the memory repositories when set.
	statuses func(repository.StatusRepository) repository.StatusRepository
	claims   func(repository.ClaimsRepository) repository.ClaimsRepository
}

// flakyStatuses fails the first Transition into failOn.
type flakyStatuses struct {
	repository.StatusRepository
	failOn domain.SubmissionStatus
	mu     sync.Mutex
	failed int
}

func (r *flakyStatuses) Transition(ctx context.Context, workItemID string, next domain.SubmissionStatus, entry *domain.ErrorEntry) (*domain.StatusRecord, error) {
	r.mu.Lock()
	if next == r.failOn && r.failed == 0 {
		r.failed++
		r.mu.Unlock()
		return nil, errors.New("connection reset by peer")
	}
	r.mu.Unlock()
	return r.StatusRepository.Transition(ctx, workItemID, next, entry)
}

func (r *flakyStatuses) failures() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failed
}

// flakyClaims fails the first SaveSubmissionResult.
type flakyClaims struct {
	repository.ClaimsRepository
	mu     sync.Mutex
	failed int
}

func (r *flakyClaims) SaveSubmissionResult(ctx context.Context, claimID string, channel domain.Channel, reference string) error {
	r.mu.Lock()
	if r.failed == 0 {
		r.failed++
		r.mu.Unlock()
		return errors.New("connection reset by peer")
	}
	r.mu.Unlock()
	return r.ClaimsRepository.SaveSubmissionResult(ctx, claimID, channel, reference)
}

func newHarness(t *testing.T, primary, fallback func(int) domain.Outcome, options harnessOptions) *harness {
	t.Helper()
	store, err := documents.NewTempDirStore(t.TempDir())
	if err != nil {
		t.Fatalf("temp store: %v", err)
	}
	failures, err := NewFailurePolicy(config.DefaultChannelPolicy())
	if err != nil {
		t.Fatalf("failure policy: %v", err)
	}

	var statuses repository.StatusRepository = repository.NewMemoryStatusRepository()
	if options.statuses != nil {
		statuses = options.statuses(statuses)
	}
	h := &harness{
		claims:   repository.NewMemoryClaimsRepository(),
		tracker:  status.NewTracker(statuses, nil),
		docs:     &fakeDocuments{store: store},
		primary:  &scriptedAdapter{channel: domain.ChannelStructured, needsDocs: options.primaryDocs, script: primary},
		fallback: &scriptedAdapter{channel: domain.ChannelDocumentIntake, needsDocs: true, script: fallback},
		notifier: &recordingNotifier{},
	}
	h.producer = &recordingProducer{next: options.next, tracker: h.tracker}
	var claims repository.ClaimsRepository = h.claims
	if options.claims != nil {
		claims = options.claims(claims)
	}
	h.orch = NewOrchestrator(Dependencies{
		Claims:    claims,
		Tracker:   h.tracker,
		Documents: h.docs,
		Metadata:  metadata.NewBuilder(metadata.Config{}),
		Adapters:  []channels.Adapter{h.primary, h.fallback},
		Selector:  FixedSelector(domain.ChannelStructured),
		Failures:  failures,
		Producer:  h.producer,
		Sealer:    options.sealer,
		Notifier:  h.notifier,
	}, nil)

	if err := h.claims.CreateClaim(context.Background(), &domain.Claim{
		ID:        "claim-1",
		OwnerRef:  "owner-1",
		FormType:  "21-526EZ",
		CreatedAt: time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC),
		Form: map[string]any{
			"veteranAddress": map[string]any{"country": "USA", "postalCode": "12345"},
		},
	}); err != nil {
		t.Fatalf("create claim: %v", err)
	}
	return h
}

var testIdentity = domain.IdentityFields{FirstName: "Jane", LastName: "Doe", FileNumber: "796123456"}

func (h *harness) enqueue(t *testing.T, key string) EnqueueResult {
	t.Helper()
	result, err := h.orch.Enqueue(context.Background(), EnqueueRequest{ClaimID: "claim-1", Identity: testIdentity, IdempotencyKey: key})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return result
}

func (h *harness) item(t *testing.T, id string) domain.WorkItem {
	t.Helper()
	h.producer.mu.Lock()
	defer h.producer.mu.Unlock()
	for _, item := range h.producer.items {
		if item.ID == id {
			return item
		}
	}
	t.Fatalf("work item %s was never enqueued", id)
	return domain.WorkItem{}
}

func waitForStatus(t *testing.T, tracker *status.Tracker, workItemID string, want domain.SubmissionStatus) *domain.StatusRecord {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		record, err := tracker.Get(context.Background(), workItemID)
		if err == nil && record.Status == want {
			return record
		}
		time.Sleep(5 * time.Millisecond)
	}
	record, _ := tracker.Get(context.Background(), workItemID)
	t.Fatalf("work item %s never reached %s, last=%+v", workItemID, want, record)
	return nil
}

func TestEnqueueWithIdempotencyKeyCreatesOneRecord(t *testing.T) {
	h := newHarness(t, always(domain.Succeeded("ref")), always(domain.Succeeded("ref")), harnessOptions{})

	first := h.enqueue(t, "request-1")
	second := h.enqueue(t, "request-1")
	if first.WorkItemID != second.WorkItemID {
		t.Fatalf("expected the same work item id, got %s and %s", first.WorkItemID, second.WorkItemID)
	}
	if !first.Created || second.Created {
		t.Fatalf("expected only the first call to create, got %v/%v", first.Created, second.Created)
	}
	records, _ := h.tracker.List(context.Background(), "claim-1")
	if len(records) != 1 {
		t.Fatalf("expected one status record, got %d", len(records))
	}
	if len(h.producer.items) != 1 {
		t.Fatalf("expected one enqueued item, got %d", len(h.producer.items))
	}
}

func TestEnqueueRejectsSecondInFlightItem(t *testing.T) {
	h := newHarness(t, always(domain.Succeeded("ref")), always(domain.Succeeded("ref")), harnessOptions{})

	h.enqueue(t, "")
	_, err := h.orch.Enqueue(context.Background(), EnqueueRequest{ClaimID: "claim-1", Identity: testIdentity})
	if !errors.Is(err, repository.ErrInFlight) {
		t.Fatalf("expected ErrInFlight, got %v", err)
	}
}

func TestPerformRemovesDocumentsOnEveryPath(t *testing.T) {
	outcomes := map[string]domain.Outcome{
		"success":   domain.Succeeded("ref-1"),
		"transient": domain.Transient("status 503", nil),
		"permanent": domain.Permanent(domain.FailureClientError, "status 400", nil),
	}
	for name, outcome := range outcomes {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, always(outcome), always(outcome), harnessOptions{primaryDocs: true})
			result := h.enqueue(t, "")

			_ = h.orch.Perform(context.Background(), h.item(t, result.WorkItemID))

			if h.primary.callCount() != 1 {
				t.Fatalf("expected one adapter call, got %d", h.primary.callCount())
			}
			if h.primary.missingFiles != 0 {
				t.Fatalf("expected documents to exist during submit")
			}
			if files := h.docs.files(t); len(files) != 0 {
				t.Fatalf("expected transient storage to be empty, found %v", files)
			}
		})
	}
}

func TestPerformTransientReturnsRetryableError(t *testing.T) {
	h := newHarness(t, always(domain.Transient("status 503", nil)), always(domain.Succeeded("ref")), harnessOptions{})
	result := h.enqueue(t, "")

	err := h.orch.Perform(context.Background(), h.item(t, result.WorkItemID))
	if !queue.ShouldRetry(err) {
		t.Fatalf("expected retryable error, got %v", err)
	}
	record, _ := h.tracker.Get(context.Background(), result.WorkItemID)
	if record.Status != domain.StatusRetryableError || len(record.ErrorLog) != 1 {
		t.Fatalf("expected retryable_error with one entry, got %s/%d", record.Status, len(record.ErrorLog))
	}
}

func TestTransientThenSuccessEndsInSuccessWithoutFallback(t *testing.T) {
	local := queue.NewLocalQueue(16, queue.RetryPolicy{MaxAttempts: 14, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}, nil)
	primary := func(call int) domain.Outcome {
		if call <= 3 {
			return domain.Transient("status 503", nil)
		}
		return domain.Succeeded("600123")
	}
	h := newHarness(t, primary, always(domain.Succeeded("intake-1")), harnessOptions{next: local})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = local.Consume(ctx, h.orch) }()

	result := h.enqueue(t, "")
	record := waitForStatus(t, h.tracker, result.WorkItemID, domain.StatusSuccess)

	if h.primary.callCount() != 4 {
		t.Fatalf("expected 4 attempts, got %d", h.primary.callCount())
	}
	if len(record.ErrorLog) != 3 {
		t.Fatalf("expected 3 error entries, got %d", len(record.ErrorLog))
	}
	if len(h.producer.fallbacks()) != 0 {
		t.Fatalf("expected no fallback work item")
	}
	claim, _ := h.claims.GetClaim(context.Background(), "claim-1")
	if claim.ExternalReference != "600123" || claim.SubmittedChannel != domain.ChannelStructured {
		t.Fatalf("expected reference on claim, got %+v", claim)
	}
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		h.notifier.mu.Lock()
		confirmed := len(h.notifier.confirmed)
		h.notifier.mu.Unlock()
		if confirmed == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected one confirmation")
}

func TestStatusWriteFailureIsRetried(t *testing.T) {
	for _, failOn := range []domain.SubmissionStatus{domain.StatusRetryableError, domain.StatusPending} {
		t.Run(string(failOn), func(t *testing.T) {
			local := queue.NewLocalQueue(16, queue.RetryPolicy{MaxAttempts: 14, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}, nil)
			primary := func(call int) domain.Outcome {
				if call == 1 {
					return domain.Transient("status 503", nil)
				}
				return domain.Succeeded("600123")
			}
			statuses := &flakyStatuses{failOn: failOn}
			h := newHarness(t, primary, always(domain.Succeeded("intake-1")), harnessOptions{
				next: local,
				statuses: func(repo repository.StatusRepository) repository.StatusRepository {
					statuses.StatusRepository = repo
					return statuses
				},
			})

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			go func() { _ = local.Consume(ctx, h.orch) }()

			result := h.enqueue(t, "")
			waitForStatus(t, h.tracker, result.WorkItemID, domain.StatusSuccess)

			if h.primary.callCount() != 2 {
				t.Fatalf("expected 2 adapter calls, got %d", h.primary.callCount())
			}
			if got := statuses.failures(); got != 1 {
				t.Fatalf("expected the %s write to fail once, got %d", failOn, got)
			}
			if len(h.producer.fallbacks()) != 0 {
				t.Fatalf("expected no fallback work item")
			}
			claim, _ := h.claims.GetClaim(context.Background(), "claim-1")
			if claim.ExternalReference != "600123" {
				t.Fatalf("expected reference on claim, got %+v", claim)
			}
		})
	}
}

func TestPerformStatusStoreErrorIsRetryable(t *testing.T) {
	statuses := &flakyStatuses{failOn: domain.StatusErrored}
	h := newHarness(t, always(domain.Permanent(domain.FailureClientError, "status 400", nil)), always(domain.Succeeded("x")), harnessOptions{
		statuses: func(repo repository.StatusRepository) repository.StatusRepository {
			statuses.StatusRepository = repo
			return statuses
		},
	})
	result := h.enqueue(t, "")
	item := h.item(t, result.WorkItemID)

	err := h.orch.Perform(context.Background(), item)
	if !queue.ShouldRetry(err) {
		t.Fatalf("expected retryable error when the errored write fails, got %v", err)
	}
	if err := h.orch.Perform(context.Background(), item); err != nil {
		t.Fatalf("expected second attempt to settle, got %v", err)
	}
	record, _ := h.tracker.Get(context.Background(), result.WorkItemID)
	if record.Status != domain.StatusErrored {
		t.Fatalf("expected errored, got %s", record.Status)
	}
}

func TestSaveSubmissionResultFailureIsRetried(t *testing.T) {
	claims := &flakyClaims{}
	h := newHarness(t, always(domain.Succeeded("600123")), always(domain.Succeeded("x")), harnessOptions{
		claims: func(repo repository.ClaimsRepository) repository.ClaimsRepository {
			claims.ClaimsRepository = repo
			return claims
		},
	})
	result := h.enqueue(t, "")
	item := h.item(t, result.WorkItemID)

	err := h.orch.Perform(context.Background(), item)
	if !queue.ShouldRetry(err) {
		t.Fatalf("expected retryable error, got %v", err)
	}
	record, _ := h.tracker.Get(context.Background(), result.WorkItemID)
	if record.Status != domain.StatusRetryableError || len(record.ErrorLog) != 1 {
		t.Fatalf("expected retryable_error with one entry, got %s/%d", record.Status, len(record.ErrorLog))
	}
	if len(h.notifier.confirmed) != 0 {
		t.Fatalf("expected no confirmation before the reference is stored")
	}

	item.Attempt++
	if err := h.orch.Perform(context.Background(), item); err != nil {
		t.Fatalf("second attempt: %v", err)
	}
	record, _ = h.tracker.Get(context.Background(), result.WorkItemID)
	if record.Status != domain.StatusSuccess {
		t.Fatalf("expected success, got %s", record.Status)
	}
	claim, _ := h.claims.GetClaim(context.Background(), "claim-1")
	if claim.ExternalReference != "600123" || claim.SubmittedChannel != domain.ChannelStructured {
		t.Fatalf("expected reference on claim, got %+v", claim)
	}
}

func TestOnExhaustedRetriesFailedExhaustWrite(t *testing.T) {
	statuses := &flakyStatuses{failOn: domain.StatusExhausted}
	h := newHarness(t, always(domain.Transient("timeout", nil)), always(domain.Succeeded("x")), harnessOptions{
		statuses: func(repo repository.StatusRepository) repository.StatusRepository {
			statuses.StatusRepository = repo
			return statuses
		},
	})
	h.orch.exhaustBackoff = time.Millisecond
	result := h.enqueue(t, "")
	item := h.item(t, result.WorkItemID)

	h.orch.OnExhausted(context.Background(), item, domain.NewFailure(domain.FailureTransient, "timeout", nil))

	record, _ := h.tracker.Get(context.Background(), result.WorkItemID)
	if record.Status != domain.StatusExhausted {
		t.Fatalf("expected exhausted, got %s", record.Status)
	}
	if got := len(h.producer.fallbacks()); got != 1 {
		t.Fatalf("expected one fallback, got %d", got)
	}
	if len(h.notifier.alerts) != 1 {
		t.Fatalf("expected one operator alert, got %d", len(h.notifier.alerts))
	}
}

func TestRetryBudgetExhaustionDispatchesExactlyOneFallback(t *testing.T) {
	local := queue.NewLocalQueue(16, queue.RetryPolicy{MaxAttempts: 14, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}, nil)
	h := newHarness(t, always(domain.Transient("timeout", nil)), always(domain.Succeeded("intake-1")), harnessOptions{next: local})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = local.Consume(ctx, h.orch) }()

	result := h.enqueue(t, "")
	waitForStatus(t, h.tracker, result.WorkItemID, domain.StatusExhausted)

	deadline := time.Now().Add(5 * time.Second)
	for len(h.producer.fallbacks()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	fallbacks := h.producer.fallbacks()
	if len(fallbacks) != 1 {
		t.Fatalf("expected exactly one fallback work item, got %d", len(fallbacks))
	}
	if fallbacks[0].Channel != domain.ChannelDocumentIntake || fallbacks[0].FallbackOf != result.WorkItemID {
		t.Fatalf("unexpected fallback %+v", fallbacks[0])
	}
	if h.producer.fallbackBeforeExit != 0 {
		t.Fatalf("fallback was enqueued before the primary record was exhausted")
	}
	waitForStatus(t, h.tracker, fallbacks[0].ID, domain.StatusSuccess)

	if h.primary.callCount() != 14 {
		t.Fatalf("expected 14 primary attempts, got %d", h.primary.callCount())
	}
	if h.fallback.identities[0] != testIdentity {
		t.Fatalf("expected identity to travel to the fallback, got %+v", h.fallback.identities[0])
	}
	if len(h.notifier.alerts) != 1 {
		t.Fatalf("expected one operator alert, got %d", len(h.notifier.alerts))
	}
	if files := h.docs.files(t); len(files) != 0 {
		t.Fatalf("expected no documents left behind, found %v", files)
	}
}

func TestPermanentFailureIsErroredWithoutRetryOrFallback(t *testing.T) {
	h := newHarness(t, always(domain.Permanent(domain.FailureClientError, "status 400", nil)), always(domain.Succeeded("x")), harnessOptions{})
	result := h.enqueue(t, "")

	err := h.orch.Perform(context.Background(), h.item(t, result.WorkItemID))
	if err != nil {
		t.Fatalf("expected nil error for permanent failure, got %v", err)
	}
	record, _ := h.tracker.Get(context.Background(), result.WorkItemID)
	if record.Status != domain.StatusErrored {
		t.Fatalf("expected errored, got %s", record.Status)
	}
	if h.primary.callCount() != 1 || len(h.producer.fallbacks()) != 0 {
		t.Fatalf("expected one attempt and no fallback, got %d/%d", h.primary.callCount(), len(h.producer.fallbacks()))
	}
	if len(h.notifier.failed) != 1 {
		t.Fatalf("expected owner failure notification")
	}
	claim, _ := h.claims.GetClaim(context.Background(), "claim-1")
	if len(claim.LastError) == 0 {
		t.Fatalf("expected error payload on claim")
	}
}

func TestInvalidAddressEscalatesToFallback(t *testing.T) {
	h := newHarness(t, always(domain.Permanent(domain.FailureInvalidAddress, "bad address", nil)), always(domain.Succeeded("x")), harnessOptions{})
	result := h.enqueue(t, "")

	if err := h.orch.Perform(context.Background(), h.item(t, result.WorkItemID)); err != nil {
		t.Fatalf("perform: %v", err)
	}
	record, _ := h.tracker.Get(context.Background(), result.WorkItemID)
	if record.Status != domain.StatusExhausted {
		t.Fatalf("expected exhausted, got %s", record.Status)
	}
	if len(h.producer.fallbacks()) != 1 || h.producer.fallbackBeforeExit != 0 {
		t.Fatalf("expected one fallback after exhaustion")
	}
}

func TestValidationFailureNeverCallsAdapter(t *testing.T) {
	h := newHarness(t, always(domain.Succeeded("x")), always(domain.Succeeded("x")), harnessOptions{})
	result, err := h.orch.Enqueue(context.Background(), EnqueueRequest{ClaimID: "claim-1"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if err := h.orch.Perform(context.Background(), h.item(t, result.WorkItemID)); err != nil {
		t.Fatalf("perform: %v", err)
	}
	record, _ := h.tracker.Get(context.Background(), result.WorkItemID)
	if record.Status != domain.StatusErrored {
		t.Fatalf("expected errored, got %s", record.Status)
	}
	for _, entry := range record.ErrorLog {
		if entry.ErrorClass != "ValidationError" {
			t.Fatalf("expected ValidationError entry, got %s", entry.ErrorClass)
		}
	}
	if h.primary.callCount() != 0 || len(h.producer.fallbacks()) != 0 {
		t.Fatalf("expected no adapter call and no fallback")
	}
}

func TestPerformOnTerminalRecordIsNoop(t *testing.T) {
	h := newHarness(t, always(domain.Succeeded("ref")), always(domain.Succeeded("x")), harnessOptions{})
	result := h.enqueue(t, "")
	item := h.item(t, result.WorkItemID)

	_ = h.orch.Perform(context.Background(), item)
	if err := h.orch.Perform(context.Background(), item); err != nil {
		t.Fatalf("expected redelivery to be a no-op, got %v", err)
	}
	if h.primary.callCount() != 1 {
		t.Fatalf("expected a single downstream call, got %d", h.primary.callCount())
	}
}

func TestOnExhaustedTwiceDispatchesOneFallback(t *testing.T) {
	h := newHarness(t, always(domain.Transient("timeout", nil)), always(domain.Succeeded("x")), harnessOptions{})
	result := h.enqueue(t, "")
	item := h.item(t, result.WorkItemID)
	cause := domain.NewFailure(domain.FailureTransient, "timeout", nil)

	h.orch.OnExhausted(context.Background(), item, cause)
	h.orch.OnExhausted(context.Background(), item, cause)

	if got := len(h.producer.fallbacks()); got != 1 {
		t.Fatalf("expected one fallback, got %d", got)
	}
}

func TestExhaustedWithoutFallbackNotifiesOwner(t *testing.T) {
	h := newHarness(t, always(domain.Succeeded("x")), always(domain.Transient("timeout", nil)), harnessOptions{})
	item := domain.WorkItem{ID: "wi-alt", ClaimID: "claim-1", Channel: domain.ChannelDocumentIntake}
	_, _, _ = h.tracker.Begin(context.Background(), item)

	// document_intake falls back to alternate_intake, which has no adapter here.
	h.orch.OnExhausted(context.Background(), item, domain.NewFailure(domain.FailureTransient, "timeout", nil))

	if len(h.producer.fallbacks()) != 0 {
		t.Fatalf("expected no fallback without an adapter")
	}
	if len(h.notifier.failed) != 1 || len(h.notifier.alerts) != 1 {
		t.Fatalf("expected owner failure and operator alert, got %d/%d", len(h.notifier.failed), len(h.notifier.alerts))
	}
}

func TestResubmit(t *testing.T) {
	h := newHarness(t, always(domain.Permanent(domain.FailureRejected, "rejected", nil)), always(domain.Succeeded("x")), harnessOptions{})
	result := h.enqueue(t, "")

	if _, err := h.orch.Resubmit(context.Background(), ResubmitRequest{WorkItemID: result.WorkItemID}); !errors.Is(err, ErrNotResubmittable) {
		t.Fatalf("expected ErrNotResubmittable while pending, got %v", err)
	}

	_ = h.orch.Perform(context.Background(), h.item(t, result.WorkItemID))
	again, err := h.orch.Resubmit(context.Background(), ResubmitRequest{WorkItemID: result.WorkItemID, Identity: testIdentity})
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if !again.Created || again.Record.ResubmissionOf != result.WorkItemID || again.Channel != domain.ChannelStructured {
		t.Fatalf("unexpected resubmission %+v", again)
	}
}

func TestSealedIdentityTravelsEncrypted(t *testing.T) {
	sealer, err := NewIdentitySealer(base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{7}, 32)))
	if err != nil {
		t.Fatalf("sealer: %v", err)
	}
	h := newHarness(t, always(domain.Succeeded("ref")), always(domain.Succeeded("x")), harnessOptions{sealer: sealer})
	result := h.enqueue(t, "")
	item := h.item(t, result.WorkItemID)

	if item.Identity != nil || len(item.SealedIdentity) == 0 {
		t.Fatalf("expected only sealed identity on the work item")
	}
	if bytes.Contains(item.SealedIdentity, []byte("796123456")) {
		t.Fatalf("expected file number to be encrypted")
	}

	if err := h.orch.Perform(context.Background(), item); err != nil {
		t.Fatalf("perform: %v", err)
	}
	if h.primary.identities[0] != testIdentity {
		t.Fatalf("expected adapter to receive identity, got %+v", h.primary.identities[0])
	}
	if h.primary.lastSubmitted.Claim.Revision != 1 {
		t.Fatalf("expected identity injection to bump revision, got %d", h.primary.lastSubmitted.Claim.Revision)
	}
}

func TestIdentitySealerRejectsBadKey(t *testing.T) {
	if _, err := NewIdentitySealer(base64.StdEncoding.EncodeToString([]byte("short"))); err == nil {
		t.Fatalf("expected error for short key")
	}
	sealer, err := NewIdentitySealer("")
	if err != nil || sealer != nil {
		t.Fatalf("expected nil sealer for empty key, got %v/%v", sealer, err)
	}
}
