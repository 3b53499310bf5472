package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/iago/claims-intake-back/internal/domain"
)

// Event describes a submission milestone. It never carries identity fields.
type Event struct {
	Type       string         `json:"type"`
	ClaimID    string         `json:"claim_id"`
	OwnerRef   string         `json:"owner_ref,omitempty"`
	WorkItemID string         `json:"work_item_id"`
	Channel    domain.Channel `json:"channel"`
	Reference  string         `json:"reference,omitempty"`
	Reason     string         `json:"reason,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

const (
	EventConfirmed     = "submission.confirmed"
	EventFailed        = "submission.failed"
	EventOperatorAlert = "submission.operator_alert"
)

// Notifier tells claim owners and operators about submission results.
type Notifier interface {
	// Confirmed is sent to the claim owner after a successful submission.
	Confirmed(ctx context.Context, event Event) error
	// Failed is sent to the claim owner when no channel is left to try.
	Failed(ctx context.Context, event Event) error
	// OperatorAlert is sent whenever a work item is exhausted.
	OperatorAlert(ctx context.Context, event Event) error
}

type LogNotifier struct {
	logger *log.Logger
}

func NewLogNotifier(logger *log.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Confirmed(_ context.Context, event Event) error {
	n.print(EventConfirmed, event)
	return nil
}

func (n *LogNotifier) Failed(_ context.Context, event Event) error {
	n.print(EventFailed, event)
	return nil
}

func (n *LogNotifier) OperatorAlert(_ context.Context, event Event) error {
	n.print(EventOperatorAlert, event)
	return nil
}

func (n *LogNotifier) print(eventType string, event Event) {
	if n.logger == nil {
		return
	}
	n.logger.Printf(
		"notify %s claim_id=%s work_item_id=%s channel=%s reference=%s reason=%q",
		eventType,
		event.ClaimID,
		event.WorkItemID,
		event.Channel,
		event.Reference,
		event.Reason,
	)
}

type WebhookConfig struct {
	URL        string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// WebhookNotifier posts every event as JSON to a single endpoint.
type WebhookNotifier struct {
	url        string
	timeout    time.Duration
	httpClient *http.Client
}

func NewWebhookNotifier(config WebhookConfig) *WebhookNotifier {
	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Second
	}
	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{}
	}
	return &WebhookNotifier{
		url:        strings.TrimSpace(config.URL),
		timeout:    config.Timeout,
		httpClient: config.HTTPClient,
	}
}

func (n *WebhookNotifier) Confirmed(ctx context.Context, event Event) error {
	return n.post(ctx, EventConfirmed, event)
}

func (n *WebhookNotifier) Failed(ctx context.Context, event Event) error {
	return n.post(ctx, EventFailed, event)
}

func (n *WebhookNotifier) OperatorAlert(ctx context.Context, event Event) error {
	return n.post(ctx, EventOperatorAlert, event)
}

func (n *WebhookNotifier) post(ctx context.Context, eventType string, event Event) error {
	event.Type = eventType
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	request, err := http.NewRequestWithContext(timeoutCtx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create notification request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")

	response, err := n.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("send notification: %w", err)
	}
	defer response.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(response.Body, 64<<10))

	if response.StatusCode < 200 || response.StatusCode > 299 {
		return fmt.Errorf("notification webhook status %d", response.StatusCode)
	}
	return nil
}

// Multi fans an event out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Confirmed(ctx context.Context, event Event) error {
	return m.each(func(n Notifier) error { return n.Confirmed(ctx, event) })
}

func (m Multi) Failed(ctx context.Context, event Event) error {
	return m.each(func(n Notifier) error { return n.Failed(ctx, event) })
}

func (m Multi) OperatorAlert(ctx context.Context, event Event) error {
	return m.each(func(n Notifier) error { return n.OperatorAlert(ctx, event) })
}

func (m Multi) each(send func(Notifier) error) error {
	var errs []error
	for _, notifier := range m {
		if notifier == nil {
			continue
		}
		if err := send(notifier); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
