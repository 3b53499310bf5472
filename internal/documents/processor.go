package documents

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"path"
	"strings"
	"time"

	"github.com/iago/claims-intake-back/internal/domain"
	"golang.org/x/sync/errgroup"
)

// AttachmentSource fetches user-supplied attachment bytes.
type AttachmentSource interface {
	Fetch(ctx context.Context, ref domain.AttachmentRef) ([]byte, error)
}

type ProcessorConfig struct {
	Source string
	// StampWithClaimTime stamps documents with the claim creation time
	// instead of the wall clock, so repeated attempts stamp identically.
	StampWithClaimTime bool
	// Titles maps supported form types to the rendered document title.
	Titles map[string]string
	// MaxConcurrentFetches bounds attachment lookups per attempt.
	MaxConcurrentFetches int
}

func DefaultTitles() map[string]string {
	return map[string]string{
		"21-526EZ":  "Application for Disability Compensation and Related Compensation Benefits",
		"21-4142":   "Authorization to Disclose Information to the Department of Veterans Affairs",
		"21-0781":   "Statement in Support of Claimed Mental Health Disorder(s)",
		"21P-530EZ": "Application for Burial Benefits",
		"21-0966":   "Intent to File a Claim",
		"20-10207":  "Priority Processing Request",
	}
}

// Processor turns a claim into a stamped, content-addressed DocumentSet.
type Processor struct {
	renderer    Renderer
	pages       PageCounter
	store       Store
	attachments AttachmentSource
	config      ProcessorConfig
	now         func() time.Time
	logger      *log.Logger
}

func NewProcessor(
	renderer Renderer,
	pages PageCounter,
	store Store,
	attachments AttachmentSource,
	config ProcessorConfig,
	logger *log.Logger,
) *Processor {
	if strings.TrimSpace(config.Source) == "" {
		config.Source = "va.gov"
	}
	if config.Titles == nil {
		config.Titles = DefaultTitles()
	}
	if config.MaxConcurrentFetches <= 0 {
		config.MaxConcurrentFetches = 4
	}
	return &Processor{
		renderer:    renderer,
		pages:       pages,
		store:       store,
		attachments: attachments,
		config:      config,
		now:         func() time.Time { return time.Now().UTC() },
		logger:      logger,
	}
}

// Store exposes the transient store so channel adapters can stream documents.
func (p *Processor) Store() Store {
	return p.store
}

type formPart struct {
	formType string
	fields   map[string]any
}

// Build renders the claim's forms and gathers its attachments under scope,
// which must be unique per attempt. On error every document already written
// is removed before returning.
func (p *Processor) Build(ctx context.Context, scope string, claim domain.Claim) (domain.DocumentSet, error) {
	primary, secondary, submittable, err := splitForms(claim)
	if err != nil {
		return domain.DocumentSet{}, err
	}

	var stored []domain.Document
	fail := func(err error) (domain.DocumentSet, error) {
		p.remove(ctx, stored)
		return domain.DocumentSet{}, err
	}

	uploads, err := p.fetchAttachments(ctx, claim.Attachments)
	if err != nil {
		return fail(err)
	}

	primaryDoc, err := p.buildForm(ctx, scope, claim, primary)
	if err != nil {
		return fail(err)
	}
	stored = append(stored, primaryDoc)

	attachments := make([]domain.Document, 0, len(uploads)+1)
	var secondaryDoc *domain.Document
	if secondary != nil {
		doc, err := p.buildForm(ctx, scope, claim, *secondary)
		if err != nil {
			return fail(err)
		}
		stored = append(stored, doc)
		secondaryDoc = &doc
		if submittable {
			attachments = append(attachments, doc)
		}
	}

	for index, upload := range uploads {
		doc, err := p.storeDocument(ctx, scope, claim.Attachments[index].TypeCode, upload)
		if err != nil {
			return fail(err)
		}
		stored = append(stored, doc)
		attachments = append(attachments, doc)
	}
	if secondaryDoc != nil && !submittable {
		attachments = append(attachments, *secondaryDoc)
	}

	for index := range attachments {
		attachments[index].Position = index + 1
	}
	return domain.DocumentSet{Primary: primaryDoc, Attachments: attachments}, nil
}

// Cleanup removes every document in the set from transient storage.
func (p *Processor) Cleanup(ctx context.Context, set domain.DocumentSet) error {
	return p.remove(ctx, set.All())
}

func (p *Processor) remove(ctx context.Context, documents []domain.Document) error {
	var errs []error
	for _, document := range documents {
		if err := p.store.Delete(ctx, document.Key); err != nil {
			errs = append(errs, err)
			if p.logger != nil {
				p.logger.Printf("document cleanup failed key=%s err=%v", document.Key, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (p *Processor) buildForm(ctx context.Context, scope string, claim domain.Claim, part formPart) (domain.Document, error) {
	title, ok := p.config.Titles[part.formType]
	if !ok {
		return domain.Document{}, domain.ValidationError("unsupported form type " + part.formType)
	}

	stampedAt := p.now()
	if p.config.StampWithClaimTime && !claim.CreatedAt.IsZero() {
		stampedAt = claim.CreatedAt.UTC()
	}
	rendered, err := p.renderer.Render(RenderInput{
		Title:     title,
		FormType:  part.formType,
		Fields:    part.fields,
		CreatedAt: claim.CreatedAt,
		Stamps: []Stamp{
			{
				Text:     fmt.Sprintf("Submitted electronically via %s on %s", p.config.Source, stampedAt.Format("2006-01-02 15:04 MST")),
				Position: "tl",
				OffsetX:  10,
				OffsetY:  -10,
			},
			{
				Text:     "Application Submitted: " + stampedAt.Format("01/02/2006"),
				Position: "tr",
				OffsetX:  -10,
				OffsetY:  -10,
			},
		},
	})
	if err != nil {
		return domain.Document{}, domain.NewFailure(domain.FailureInternal, "render "+part.formType, err)
	}

	return p.storeDocument(ctx, scope, part.formType, rendered)
}

func (p *Processor) storeDocument(ctx context.Context, scope, typeCode string, data []byte) (domain.Document, error) {
	pages, err := p.pages.PageCount(data)
	if err != nil {
		return domain.Document{}, domain.NewFailure(domain.FailureValidation, "unreadable pdf for "+typeCode, err)
	}

	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])
	key := path.Join(scope, hash+".pdf")
	if err := p.store.Put(ctx, key, data); err != nil {
		return domain.Document{}, domain.NewFailure(domain.FailureTransient, "write transient document", err)
	}

	return domain.Document{
		Key:       key,
		TypeCode:  typeCode,
		SHA256:    hash,
		PageCount: pages,
		Size:      int64(len(data)),
	}, nil
}

// fetchAttachments loads every attachment concurrently. The lookups are
// independent and joined before any document is built.
func (p *Processor) fetchAttachments(ctx context.Context, refs []domain.AttachmentRef) ([][]byte, error) {
	if len(refs) == 0 {
		return nil, nil
	}
	if p.attachments == nil {
		return nil, domain.NewFailure(domain.FailureInternal, "claim has attachments but no attachment source is configured", nil)
	}

	results := make([][]byte, len(refs))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(p.config.MaxConcurrentFetches)
	for index, ref := range refs {
		group.Go(func() error {
			data, err := p.attachments.Fetch(groupCtx, ref)
			if err != nil {
				return domain.NewFailure(domain.FailureTransient, "fetch attachment "+ref.ID, err)
			}
			results[index] = data
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// splitForms separates the primary form from an optional secondary form
// carried under "secondaryForm".
func splitForms(claim domain.Claim) (formPart, *formPart, bool, error) {
	if strings.TrimSpace(claim.FormType) == "" {
		return formPart{}, nil, false, domain.ValidationError("claim has no form type")
	}
	if len(claim.Form) == 0 {
		return formPart{}, nil, false, domain.ValidationError("claim form data is empty")
	}
	identity := claim.Identity()
	if identity.FirstName == "" || identity.LastName == "" {
		return formPart{}, nil, false, domain.NewFailure(domain.FailureInternal, "missing required claim field veteranFullName", nil)
	}

	fields := make(map[string]any, len(claim.Form))
	for key, value := range claim.Form {
		if key == "secondaryForm" {
			continue
		}
		fields[key] = value
	}
	primary := formPart{formType: claim.FormType, fields: fields}

	raw, ok := claim.Form["secondaryForm"]
	if !ok || raw == nil {
		return primary, nil, false, nil
	}
	block, ok := raw.(map[string]any)
	if !ok {
		return formPart{}, nil, false, domain.ValidationError("secondaryForm must be an object")
	}
	formType := strings.TrimSpace(domain.StringField(block, "formType"))
	data, _ := block["data"].(map[string]any)
	if formType == "" || len(data) == 0 {
		return formPart{}, nil, false, domain.ValidationError("secondaryForm requires formType and data")
	}
	submittable, _ := block["submittable"].(bool)
	return primary, &formPart{formType: formType, fields: data}, submittable, nil
}
