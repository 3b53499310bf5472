package domain

import "strings"

// IdentityFields carries the claimant identity resolved at enqueue time.
// Retries run on fresh workers, so these travel with the WorkItem instead of
// being re-resolved on every attempt.
type IdentityFields struct {
	FirstName  string `json:"first_name,omitempty"`
	LastName   string `json:"last_name,omitempty"`
	FileNumber string `json:"file_number,omitempty"`
	SSN        string `json:"ssn,omitempty"`
	BirthDate  string `json:"birth_date,omitempty"`
}

// IdentityFromNested reads identity fields from form-shaped data, e.g.
// {"veteranFullName":{"first":"Jo","last":"Doe"},"vaFileNumber":"..."}.
func IdentityFromNested(values map[string]any) IdentityFields {
	if values == nil {
		return IdentityFields{}
	}
	identity := IdentityFields{
		FileNumber: strings.TrimSpace(StringField(values, "vaFileNumber")),
		SSN:        strings.TrimSpace(StringField(values, "veteranSocialSecurityNumber")),
		BirthDate:  strings.TrimSpace(StringField(values, "veteranDateOfBirth")),
	}
	if name, ok := values["veteranFullName"].(map[string]any); ok {
		identity.FirstName = strings.TrimSpace(StringField(name, "first"))
		identity.LastName = strings.TrimSpace(StringField(name, "last"))
	}
	return identity
}

// IdentityFromFlat reads identity fields from a flat key/value map such as an
// HTTP request body.
func IdentityFromFlat(values map[string]string) IdentityFields {
	get := func(keys ...string) string {
		for _, key := range keys {
			if value := strings.TrimSpace(values[key]); value != "" {
				return value
			}
		}
		return ""
	}
	return IdentityFields{
		FirstName:  get("first_name", "firstName"),
		LastName:   get("last_name", "lastName"),
		FileNumber: get("file_number", "fileNumber"),
		SSN:        get("ssn"),
		BirthDate:  get("birth_date", "birthDate"),
	}
}

// PreferredFileNumber returns the explicit file number when present and the
// national identifier otherwise.
func (i IdentityFields) PreferredFileNumber() string {
	if fileNumber := strings.TrimSpace(i.FileNumber); fileNumber != "" {
		return fileNumber
	}
	return strings.TrimSpace(i.SSN)
}

// Merge fills empty fields of i with values from other.
func (i IdentityFields) Merge(other IdentityFields) IdentityFields {
	if i.FirstName == "" {
		i.FirstName = other.FirstName
	}
	if i.LastName == "" {
		i.LastName = other.LastName
	}
	if i.FileNumber == "" {
		i.FileNumber = other.FileNumber
	}
	if i.SSN == "" {
		i.SSN = other.SSN
	}
	if i.BirthDate == "" {
		i.BirthDate = other.BirthDate
	}
	return i
}

func (i IdentityFields) IsZero() bool {
	return i == IdentityFields{}
}
