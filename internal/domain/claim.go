package domain

import (
	"encoding/json"
	"strings"
	"time"
)

// Claim is the persisted benefits submission read by the pipeline.
type Claim struct {
	ID                string
	OwnerRef          string
	FormType          string
	Form              map[string]any
	Revision          int
	Attachments       []AttachmentRef
	ExternalReference string
	SubmittedChannel  Channel
	LastError         json.RawMessage
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// AttachmentRef points at a user-supplied document already uploaded for a claim.
type AttachmentRef struct {
	ID       string `json:"id"`
	TypeCode string `json:"type_code"`
	Key      string `json:"key"`
}

type Address struct {
	Country    string
	PostalCode string
}

// WithIdentity returns a copy of the claim whose form data carries the given
// identity fields. The copy's revision is one higher than the receiver's.
func (c Claim) WithIdentity(identity IdentityFields) Claim {
	clone := c
	clone.Form = cloneMap(c.Form)
	if clone.Form == nil {
		clone.Form = make(map[string]any)
	}

	name, _ := clone.Form["veteranFullName"].(map[string]any)
	if name == nil {
		name = make(map[string]any)
	}
	if identity.FirstName != "" {
		name["first"] = identity.FirstName
	}
	if identity.LastName != "" {
		name["last"] = identity.LastName
	}
	clone.Form["veteranFullName"] = name
	if identity.SSN != "" {
		clone.Form["veteranSocialSecurityNumber"] = identity.SSN
	}
	if identity.FileNumber != "" {
		clone.Form["vaFileNumber"] = identity.FileNumber
	}
	if identity.BirthDate != "" {
		clone.Form["veteranDateOfBirth"] = identity.BirthDate
	}

	clone.Revision = c.Revision + 1
	clone.Attachments = append([]AttachmentRef(nil), c.Attachments...)
	return clone
}

// Address reads the claimant mailing address from form data. Both the
// "veteranAddress" and "claimantAddress" blocks are accepted.
func (c Claim) Address() Address {
	for _, key := range []string{"veteranAddress", "claimantAddress", "address"} {
		block, ok := c.Form[key].(map[string]any)
		if !ok {
			continue
		}
		address := Address{
			Country:    strings.TrimSpace(StringField(block, "country")),
			PostalCode: strings.TrimSpace(StringField(block, "postalCode")),
		}
		if address.PostalCode == "" {
			address.PostalCode = strings.TrimSpace(StringField(block, "zipCode"))
		}
		return address
	}
	return Address{}
}

// Identity extracts the identity fields currently present in form data.
func (c Claim) Identity() IdentityFields {
	return IdentityFromNested(c.Form)
}

// StringField reads a string value from a decoded JSON object.
func StringField(values map[string]any, key string) string {
	switch typed := values[key].(type) {
	case string:
		return typed
	case json.Number:
		return typed.String()
	case nil:
		return ""
	default:
		encoded, err := json.Marshal(typed)
		if err != nil {
			return ""
		}
		return strings.Trim(string(encoded), `"`)
	}
}

func cloneMap(values map[string]any) map[string]any {
	if values == nil {
		return nil
	}
	clone := make(map[string]any, len(values))
	for key, value := range values {
		clone[key] = cloneValue(value)
	}
	return clone
}

func cloneValue(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		return cloneMap(typed)
	case []any:
		cloned := make([]any, 0, len(typed))
		for _, child := range typed {
			cloned = append(cloned, cloneValue(child))
		}
		return cloned
	default:
		return value
	}
}

// CloneClaim deep-copies a claim so callers cannot mutate stored state.
func CloneClaim(claim *Claim) *Claim {
	if claim == nil {
		return nil
	}
	clone := *claim
	clone.Form = cloneMap(claim.Form)
	clone.Attachments = append([]AttachmentRef(nil), claim.Attachments...)
	clone.LastError = append(json.RawMessage(nil), claim.LastError...)
	return &clone
}
