package channels

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/iago/claims-intake-back/internal/domain"
	"golang.org/x/time/rate"
)

const maxResponseBody = 1 << 20

// DocumentOpener gives adapters read access to the attempt's documents.
type DocumentOpener interface {
	Open(ctx context.Context, key string) (io.ReadCloser, error)
}

// Submission is everything an adapter needs to deliver one attempt.
// Adapters must treat it as read-only.
type Submission struct {
	WorkItemID string
	Claim      domain.Claim
	Identity   domain.IdentityFields
	Documents  domain.DocumentSet
	Metadata   domain.SubmissionMetadata
	Files      DocumentOpener
}

// Adapter delivers a submission to one downstream channel and classifies
// the response.
type Adapter interface {
	Channel() domain.Channel
	// RequiresDocuments reports whether Submit reads Documents and Metadata.
	RequiresDocuments() bool
	Submit(ctx context.Context, submission Submission) domain.Outcome
}

type ClientConfig struct {
	BaseURL    string
	Path       string
	APIKey     string
	Timeout    time.Duration
	RPS        float64
	Burst      int
	HTTPClient *http.Client
}

type baseClient struct {
	url        string
	apiKey     string
	timeout    time.Duration
	limiter    *rate.Limiter
	httpClient *http.Client
}

func newBaseClient(config ClientConfig, defaultPath string) baseClient {
	if strings.TrimSpace(config.Path) == "" {
		config.Path = defaultPath
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.RPS <= 0 {
		config.RPS = 5
	}
	if config.Burst <= 0 {
		config.Burst = 10
	}
	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{}
	}
	return baseClient{
		url:        strings.TrimSuffix(strings.TrimSpace(config.BaseURL), "/") + "/" + strings.TrimPrefix(config.Path, "/"),
		apiKey:     strings.TrimSpace(config.APIKey),
		timeout:    config.Timeout,
		limiter:    rate.NewLimiter(rate.Limit(config.RPS), config.Burst),
		httpClient: config.HTTPClient,
	}
}

type response struct {
	StatusCode int
	Body       []byte
}

// do sends one request under the client's own timeout. Any transport error,
// including that timeout, comes back as a transient failure.
func (c baseClient) do(
	ctx context.Context,
	workItemID string,
	contentType string,
	body io.Reader,
) (response, *domain.Failure) {
	if err := c.limiter.Wait(ctx); err != nil {
		return response{}, domain.NewFailure(domain.FailureTransient, "rate limiter wait", err)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	request, err := http.NewRequestWithContext(timeoutCtx, http.MethodPost, c.url, body)
	if err != nil {
		return response{}, domain.NewFailure(domain.FailureInternal, "create request", err)
	}
	request.Header.Set("Content-Type", contentType)
	request.Header.Set("Accept", "application/json")
	if workItemID != "" {
		request.Header.Set("Idempotency-Key", workItemID)
	}
	if c.apiKey != "" {
		request.Header.Set("apikey", c.apiKey)
	}

	httpResponse, err := c.httpClient.Do(request)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(timeoutCtx.Err(), context.DeadlineExceeded) {
			return response{}, domain.NewFailure(domain.FailureTransient, "downstream timeout", err)
		}
		return response{}, domain.NewFailure(domain.FailureTransient, "downstream transport error", err)
	}
	defer httpResponse.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(httpResponse.Body, maxResponseBody))
	if err != nil {
		return response{}, domain.NewFailure(domain.FailureTransient, "read downstream body", err)
	}
	return response{StatusCode: httpResponse.StatusCode, Body: payload}, nil
}

// statusOutcome classifies non-2xx responses: 429 and 5xx are transient,
// every other 4xx is a permanent client error.
func statusOutcome(channel domain.Channel, res response) domain.Outcome {
	reason := fmt.Sprintf("%s status %d", channel, res.StatusCode)
	if res.StatusCode == http.StatusTooManyRequests || res.StatusCode >= 500 {
		return domain.Transient(reason, errors.New(truncate(string(res.Body), 300)))
	}
	return domain.Permanent(domain.FailureClientError, reason, jsonDetail(res.Body))
}

func isSuccess(statusCode int) bool {
	return statusCode >= 200 && statusCode <= 299
}

// jsonDetail keeps a JSON body as-is and wraps anything else in a string.
func jsonDetail(body []byte) json.RawMessage {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return nil
	}
	if json.Valid([]byte(trimmed)) {
		return json.RawMessage(trimmed)
	}
	encoded, _ := json.Marshal(truncate(trimmed, 700))
	return encoded
}

func truncate(value string, limit int) string {
	value = strings.TrimSpace(value)
	if len(value) > limit {
		return value[:limit]
	}
	return value
}
