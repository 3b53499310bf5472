package channels

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/iago/claims-intake-back/internal/domain"
)

const (
	canonicalDateLayout  = "2006-01-02"
	downstreamDateLayout = "01/02/2006"
	specialIssueToxic    = "PACT"
)

// StructuredClient submits claims as a single JSON document to the
// structured claims API.
type StructuredClient struct {
	base baseClient
}

func NewStructuredClient(config ClientConfig) *StructuredClient {
	return &StructuredClient{base: newBaseClient(config, "/claims")}
}

func (c *StructuredClient) Channel() domain.Channel {
	return domain.ChannelStructured
}

func (c *StructuredClient) RequiresDocuments() bool {
	return false
}

func (c *StructuredClient) Submit(ctx context.Context, submission Submission) domain.Outcome {
	payload, err := MapStructuredClaim(submission.Claim, submission.Identity)
	if err != nil {
		return domain.OutcomeFromFailure(domain.AsFailure(err))
	}
	encoded, err := json.Marshal(map[string]any{"form526": payload})
	if err != nil {
		return domain.OutcomeFromFailure(domain.NewFailure(domain.FailureInternal, "encode structured claim", err))
	}

	res, failure := c.base.do(ctx, submission.WorkItemID, "application/json", bytes.NewReader(encoded))
	if failure != nil {
		return domain.OutcomeFromFailure(failure)
	}

	if res.StatusCode == http.StatusUnprocessableEntity {
		var body structuredErrorResponse
		if json.Unmarshal(res.Body, &body) == nil && body.mentionsAddress() {
			return domain.Permanent(domain.FailureInvalidAddress, "structured channel rejected address", jsonDetail(res.Body))
		}
	}
	if !isSuccess(res.StatusCode) {
		return statusOutcome(c.Channel(), res)
	}

	var body structuredClaimResponse
	if err := json.Unmarshal(res.Body, &body); err != nil || strings.TrimSpace(body.Data.Attributes.ClaimID) == "" {
		// The downstream may already hold the claim; a retry could duplicate it.
		return domain.Permanent(domain.FailureRejected, "structured channel returned no claim id", jsonDetail(res.Body))
	}
	return domain.Succeeded(body.Data.Attributes.ClaimID)
}

type structuredClaimResponse struct {
	Data struct {
		ID         string `json:"id"`
		Attributes struct {
			ClaimID string `json:"claimId"`
		} `json:"attributes"`
	} `json:"data"`
}

type structuredErrorResponse struct {
	Errors []struct {
		Code   string `json:"code"`
		Title  string `json:"title"`
		Detail string `json:"detail"`
		Source struct {
			Pointer string `json:"pointer"`
		} `json:"source"`
	} `json:"errors"`
}

func (r structuredErrorResponse) mentionsAddress() bool {
	for _, item := range r.Errors {
		if strings.Contains(strings.ToLower(item.Source.Pointer), "address") || strings.EqualFold(item.Code, "invalid_address") {
			return true
		}
	}
	return false
}

type StructuredClaim struct {
	ClaimDate             string                 `json:"claimDate"`
	ClaimantCertification bool                   `json:"claimantCertification"`
	Veteran               StructuredVeteran      `json:"veteran"`
	ServicePeriods        []StructuredService    `json:"servicePeriods"`
	Disabilities          []StructuredDisability `json:"disabilities"`
}

type StructuredVeteran struct {
	FirstName      string            `json:"firstName"`
	LastName       string            `json:"lastName"`
	FileNumber     string            `json:"fileNumber"`
	DateOfBirth    string            `json:"dateOfBirth,omitempty"`
	EmailAddress   string            `json:"emailAddress,omitempty"`
	MailingAddress StructuredAddress `json:"mailingAddress"`
}

type StructuredAddress struct {
	AddressLine1 string `json:"addressLine1"`
	City         string `json:"city"`
	State        string `json:"state,omitempty"`
	Country      string `json:"country"`
	ZipFirstFive string `json:"zipFirstFive,omitempty"`
}

type StructuredService struct {
	ServiceBranch       string `json:"serviceBranch"`
	ActiveDutyBeginDate string `json:"activeDutyBeginDate"`
	ActiveDutyEndDate   string `json:"activeDutyEndDate,omitempty"`
}

type StructuredDisability struct {
	Name                 string   `json:"name"`
	DisabilityActionType string   `json:"disabilityActionType"`
	RatedDisabilityID    string   `json:"ratedDisabilityId,omitempty"`
	DiagnosticCode       string   `json:"diagnosticCode,omitempty"`
	ApproximateBeginDate string   `json:"approximateBeginDate,omitempty"`
	SpecialIssues        []string `json:"specialIssues,omitempty"`
}

// MapStructuredClaim converts the claim's native form representation into
// the structured channel schema.
func MapStructuredClaim(claim domain.Claim, identity domain.IdentityFields) (StructuredClaim, error) {
	identity = identity.Merge(claim.Identity())
	form := claim.Form

	mapped := StructuredClaim{
		ClaimDate:             claim.CreatedAt.UTC().Format(downstreamDateLayout),
		ClaimantCertification: boolField(form, "claimantCertification"),
		Veteran: StructuredVeteran{
			FirstName:    identity.FirstName,
			LastName:     identity.LastName,
			FileNumber:   identity.PreferredFileNumber(),
			EmailAddress: domain.StringField(form, "email"),
		},
	}
	if mapped.Veteran.FirstName == "" || mapped.Veteran.LastName == "" || mapped.Veteran.FileNumber == "" {
		return StructuredClaim{}, domain.ValidationError("veteran name and file number are required")
	}
	if identity.BirthDate != "" {
		birthDate, err := reformatDate(identity.BirthDate)
		if err != nil {
			return StructuredClaim{}, domain.ValidationError("invalid veteranDateOfBirth")
		}
		mapped.Veteran.DateOfBirth = birthDate
	}

	if address, ok := form["veteranAddress"].(map[string]any); ok {
		mapped.Veteran.MailingAddress = StructuredAddress{
			AddressLine1: domain.StringField(address, "street"),
			City:         domain.StringField(address, "city"),
			State:        domain.StringField(address, "state"),
			Country:      domain.StringField(address, "country"),
			ZipFirstFive: firstN(domain.StringField(address, "postalCode"), 5),
		}
	}

	service, _ := form["serviceInformation"].(map[string]any)
	periods, _ := service["servicePeriods"].([]any)
	for index, raw := range periods {
		period, ok := raw.(map[string]any)
		if !ok {
			return StructuredClaim{}, domain.ValidationError(fmt.Sprintf("servicePeriods[%d] must be an object", index))
		}
		dateRange, _ := period["dateRange"].(map[string]any)
		begin, err := reformatDate(domain.StringField(dateRange, "from"))
		if err != nil {
			return StructuredClaim{}, domain.ValidationError(fmt.Sprintf("servicePeriods[%d].dateRange.from is invalid", index))
		}
		var end string
		if to := domain.StringField(dateRange, "to"); to != "" {
			if end, err = reformatDate(to); err != nil {
				return StructuredClaim{}, domain.ValidationError(fmt.Sprintf("servicePeriods[%d].dateRange.to is invalid", index))
			}
		}
		mapped.ServicePeriods = append(mapped.ServicePeriods, StructuredService{
			ServiceBranch:       domain.StringField(period, "serviceBranch"),
			ActiveDutyBeginDate: begin,
			ActiveDutyEndDate:   end,
		})
	}
	if len(mapped.ServicePeriods) == 0 {
		return StructuredClaim{}, domain.ValidationError("at least one service period is required")
	}

	toxicConditions := toxicExposureConditions(form)
	disabilities, _ := form["disabilities"].([]any)
	for index, raw := range disabilities {
		item, ok := raw.(map[string]any)
		if !ok {
			return StructuredClaim{}, domain.ValidationError(fmt.Sprintf("disabilities[%d] must be an object", index))
		}
		name := strings.TrimSpace(domain.StringField(item, "name"))
		if name == "" {
			return StructuredClaim{}, domain.ValidationError(fmt.Sprintf("disabilities[%d].name is required", index))
		}
		disability := StructuredDisability{
			Name:                 name,
			DisabilityActionType: strings.ToUpper(firstNonEmpty(domain.StringField(item, "disabilityActionType"), "NEW")),
			RatedDisabilityID:    domain.StringField(item, "ratedDisabilityId"),
			DiagnosticCode:       domain.StringField(item, "diagnosticCode"),
		}
		if approximate := domain.StringField(item, "approximateDate"); approximate != "" {
			formatted, err := reformatDate(approximate)
			if err != nil {
				return StructuredClaim{}, domain.ValidationError(fmt.Sprintf("disabilities[%d].approximateDate is invalid", index))
			}
			disability.ApproximateBeginDate = formatted
		}
		if boolField(item, "toxicExposure") || toxicConditions[strings.ToLower(name)] {
			disability.SpecialIssues = append(disability.SpecialIssues, specialIssueToxic)
		}
		mapped.Disabilities = append(mapped.Disabilities, disability)
	}
	if len(mapped.Disabilities) == 0 {
		return StructuredClaim{}, domain.ValidationError("at least one disability is required")
	}

	return mapped, nil
}

// toxicExposureConditions reads the toxicExposure.conditions block, which
// marks conditions by lower-cased name.
func toxicExposureConditions(form map[string]any) map[string]bool {
	result := make(map[string]bool)
	block, _ := form["toxicExposure"].(map[string]any)
	conditions, _ := block["conditions"].(map[string]any)
	for name, value := range conditions {
		if marked, ok := value.(bool); ok && marked {
			result[strings.ToLower(name)] = true
		}
	}
	return result
}

func reformatDate(value string) (string, error) {
	parsed, err := time.Parse(canonicalDateLayout, strings.TrimSpace(value))
	if err != nil {
		return "", err
	}
	return parsed.Format(downstreamDateLayout), nil
}

func boolField(values map[string]any, key string) bool {
	value, _ := values[key].(bool)
	return value
}

func firstN(value string, n int) string {
	value = strings.TrimSpace(value)
	if len(value) > n {
		return value[:n]
	}
	return value
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
