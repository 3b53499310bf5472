// Package metadata derives the per-channel submission metadata sent with
// claim documents. Builders are pure: identical inputs always produce
// identical metadata, so retries recompute it freely.
package metadata

import (
	"regexp"
	"strings"

	"github.com/iago/claims-intake-back/internal/domain"
)

const maxNameLength = 50

var nameDisallowed = regexp.MustCompile(`[^A-Za-z\s\-/]`)

type Config struct {
	HomeCountry       string
	ForeignPostalCode string
	Source            string
	// BusinessLines maps form types to the downstream business line code.
	BusinessLines map[string]string
}

type Builder struct {
	config Config
}

func NewBuilder(config Config) *Builder {
	if strings.TrimSpace(config.HomeCountry) == "" {
		config.HomeCountry = "USA"
	}
	if strings.TrimSpace(config.ForeignPostalCode) == "" {
		config.ForeignPostalCode = "00000"
	}
	if strings.TrimSpace(config.Source) == "" {
		config.Source = "va.gov"
	}
	if config.BusinessLines == nil {
		config.BusinessLines = map[string]string{
			"21-526EZ":  "CMP",
			"21-0966":   "CMP",
			"21P-530EZ": "NCA",
			"20-10207":  "CMP",
		}
	}
	return &Builder{config: config}
}

// Build projects the claim, its identity and generated documents into
// channel metadata.
func (b *Builder) Build(
	claim domain.Claim,
	identity domain.IdentityFields,
	documents domain.DocumentSet,
	channel domain.Channel,
) (domain.SubmissionMetadata, error) {
	identity = identity.Merge(claim.Identity())

	firstName := sanitizeName(identity.FirstName)
	lastName := sanitizeName(identity.LastName)
	if firstName == "" || lastName == "" {
		return domain.SubmissionMetadata{}, domain.ValidationError("veteran first and last name are required")
	}
	fileNumber := identity.PreferredFileNumber()
	if fileNumber == "" {
		return domain.SubmissionMetadata{}, domain.ValidationError("file number or national identifier is required")
	}

	metadata := domain.SubmissionMetadata{
		FirstName:    firstName,
		LastName:     lastName,
		FileNumber:   strings.ReplaceAll(fileNumber, "-", ""),
		ZipCode:      b.PostalCode(claim.Address()),
		Source:       b.config.Source,
		DocType:      claim.FormType,
		BusinessLine: b.config.BusinessLines[claim.FormType],
		Channel:      channel,
	}
	if documents.Primary.Key != "" {
		metadata.HashV = documents.Primary.SHA256
		metadata.NumberPages = documents.Primary.PageCount
	}

	metadata.Attachments = make([]domain.AttachmentMetadata, 0, len(documents.Attachments))
	for index, attachment := range documents.Attachments {
		metadata.Attachments = append(metadata.Attachments, domain.AttachmentMetadata{
			Position:  index + 1,
			SHA256:    attachment.SHA256,
			PageCount: attachment.PageCount,
		})
	}
	return metadata, nil
}

// PostalCode returns the claim's postal code for home-country addresses and
// the foreign sentinel for everything else.
func (b *Builder) PostalCode(address domain.Address) string {
	if !strings.EqualFold(strings.TrimSpace(address.Country), b.config.HomeCountry) {
		return b.config.ForeignPostalCode
	}
	return address.PostalCode
}

func sanitizeName(value string) string {
	cleaned := strings.Join(strings.Fields(nameDisallowed.ReplaceAllString(value, "")), " ")
	if len(cleaned) > maxNameLength {
		cleaned = strings.TrimSpace(cleaned[:maxNameLength])
	}
	return cleaned
}
