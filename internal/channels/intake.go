package channels

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/textproto"
	"strings"

	"github.com/iago/claims-intake-back/internal/domain"
)

// IntakeClient uploads a primary PDF plus ordered attachments to a
// document-intake API. The same client serves the primary intake channel
// and the alternate one.
type IntakeClient struct {
	channel domain.Channel
	base    baseClient
}

func NewIntakeClient(channel domain.Channel, config ClientConfig) *IntakeClient {
	return &IntakeClient{channel: channel, base: newBaseClient(config, "/uploads")}
}

func (c *IntakeClient) Channel() domain.Channel {
	return c.channel
}

func (c *IntakeClient) RequiresDocuments() bool {
	return true
}

func (c *IntakeClient) Submit(ctx context.Context, submission Submission) domain.Outcome {
	if submission.Documents.Primary.Key == "" {
		return domain.OutcomeFromFailure(domain.NewFailure(domain.FailureInternal, "primary document missing", nil))
	}
	if submission.Files == nil {
		return domain.OutcomeFromFailure(domain.NewFailure(domain.FailureInternal, "document store not configured", nil))
	}

	body, contentType, failure := c.encode(ctx, submission)
	if failure != nil {
		return domain.OutcomeFromFailure(failure)
	}

	res, failure := c.base.do(ctx, submission.WorkItemID, contentType, body)
	if failure != nil {
		return domain.OutcomeFromFailure(failure)
	}
	if !isSuccess(res.StatusCode) {
		return statusOutcome(c.channel, res)
	}

	var parsed intakeResponse
	if err := json.Unmarshal(res.Body, &parsed); err != nil {
		return domain.Permanent(domain.FailureRejected, fmt.Sprintf("%s returned unreadable body", c.channel), jsonDetail(res.Body))
	}
	if strings.EqualFold(parsed.Status, "error") || len(parsed.Errors) > 0 {
		return domain.Permanent(domain.FailureRejected, fmt.Sprintf("%s rejected upload", c.channel), jsonDetail(res.Body))
	}
	reference := firstNonEmpty(parsed.RequestID, parsed.ID, parsed.Data.ID)
	if reference == "" {
		return domain.Permanent(domain.FailureRejected, fmt.Sprintf("%s returned no request id", c.channel), jsonDetail(res.Body))
	}
	return domain.Succeeded(reference)
}

type intakeResponse struct {
	Status    string            `json:"status"`
	RequestID string            `json:"requestId"`
	ID        string            `json:"id"`
	Errors    []json.RawMessage `json:"errors"`
	Data      struct {
		ID string `json:"id"`
	} `json:"data"`
}

// encode builds the multipart body in memory so the request can carry a
// Content-Length and be rebuilt on the next attempt.
func (c *IntakeClient) encode(ctx context.Context, submission Submission) (io.Reader, string, *domain.Failure) {
	metadata, err := json.Marshal(submission.Metadata)
	if err != nil {
		return nil, "", domain.NewFailure(domain.FailureInternal, "encode metadata", err)
	}

	var buffer bytes.Buffer
	writer := multipart.NewWriter(&buffer)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", `form-data; name="metadata"`)
	header.Set("Content-Type", "application/json")
	part, err := writer.CreatePart(header)
	if err != nil {
		return nil, "", domain.NewFailure(domain.FailureInternal, "create metadata part", err)
	}
	if _, err := part.Write(metadata); err != nil {
		return nil, "", domain.NewFailure(domain.FailureInternal, "write metadata part", err)
	}

	if failure := c.writeDocument(ctx, writer, submission.Files, "document", submission.Documents.Primary); failure != nil {
		return nil, "", failure
	}
	for index, attachment := range submission.Documents.Attachments {
		field := fmt.Sprintf("attachment_%d", index+1)
		if failure := c.writeDocument(ctx, writer, submission.Files, field, attachment); failure != nil {
			return nil, "", failure
		}
	}

	if err := writer.Close(); err != nil {
		return nil, "", domain.NewFailure(domain.FailureInternal, "close multipart body", err)
	}
	return &buffer, writer.FormDataContentType(), nil
}

func (c *IntakeClient) writeDocument(
	ctx context.Context,
	writer *multipart.Writer,
	files DocumentOpener,
	field string,
	document domain.Document,
) *domain.Failure {
	reader, err := files.Open(ctx, document.Key)
	if err != nil {
		return domain.NewFailure(domain.FailureInternal, "open "+field, err)
	}
	defer reader.Close()

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, field, field+".pdf"))
	header.Set("Content-Type", "application/pdf")
	part, err := writer.CreatePart(header)
	if err != nil {
		return domain.NewFailure(domain.FailureInternal, "create "+field+" part", err)
	}
	if _, err := io.Copy(part, reader); err != nil {
		return domain.NewFailure(domain.FailureInternal, "copy "+field, err)
	}
	return nil
}
