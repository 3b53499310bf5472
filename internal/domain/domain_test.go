package domain

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestClaimWithIdentityDoesNotMutateReceiver(t *testing.T) {
	claim := Claim{
		ID:       "c1",
		Revision: 3,
		Form: map[string]any{
			"veteranFullName": map[string]any{"first": "Old"},
		},
	}

	updated := claim.WithIdentity(IdentityFields{FirstName: "Jane", LastName: "Doe", FileNumber: "796043735"})

	if updated.Revision != 4 {
		t.Fatalf("expected revision 4, got %d", updated.Revision)
	}
	original := claim.Form["veteranFullName"].(map[string]any)
	if original["first"] != "Old" {
		t.Fatalf("expected receiver form untouched, got %v", original["first"])
	}
	identity := updated.Identity()
	if identity.FirstName != "Jane" || identity.LastName != "Doe" || identity.FileNumber != "796043735" {
		t.Fatalf("unexpected identity after injection: %+v", identity)
	}
}

func TestIdentityConstructorsAgree(t *testing.T) {
	nested := IdentityFromNested(map[string]any{
		"veteranFullName":             map[string]any{"first": "Jane", "last": "Doe"},
		"veteranSocialSecurityNumber": "796043735",
	})
	flat := IdentityFromFlat(map[string]string{
		"first_name": "Jane",
		"last_name":  "Doe",
		"ssn":        "796043735",
	})
	if nested != flat {
		t.Fatalf("expected equal identities, got %+v and %+v", nested, flat)
	}
}

func TestPreferredFileNumber(t *testing.T) {
	withFile := IdentityFields{FileNumber: "12345678", SSN: "796043735"}
	if got := withFile.PreferredFileNumber(); got != "12345678" {
		t.Fatalf("expected file number, got %q", got)
	}
	withoutFile := IdentityFields{SSN: "796043735"}
	if got := withoutFile.PreferredFileNumber(); got != "796043735" {
		t.Fatalf("expected ssn fallback, got %q", got)
	}
}

func TestStatusTransitions(t *testing.T) {
	if !StatusPending.CanTransition(StatusRetryableError) {
		t.Fatalf("expected pending -> retryable_error")
	}
	if !StatusRetryableError.CanTransition(StatusPending) {
		t.Fatalf("expected retryable_error -> pending")
	}
	for _, terminal := range []SubmissionStatus{StatusSuccess, StatusExhausted, StatusErrored} {
		if terminal.CanTransition(StatusPending) {
			t.Fatalf("expected %s to be terminal", terminal)
		}
	}
}

func TestNewErrorKeyAvoidsCollisions(t *testing.T) {
	at := time.Unix(1700000000, 0)
	existing := map[string]ErrorEntry{}
	first := NewErrorKey(at, existing)
	existing[first] = ErrorEntry{}
	second := NewErrorKey(at, existing)
	if first == second {
		t.Fatalf("expected distinct keys, got %q twice", first)
	}
}

func TestMetadataJSONIsStable(t *testing.T) {
	metadata := SubmissionMetadata{
		FirstName:   "Jane",
		LastName:    "Doe",
		FileNumber:  "796043735",
		ZipCode:     "12345",
		Source:      "va.gov",
		DocType:     "21-526EZ",
		HashV:       "abc",
		NumberPages: 2,
		Attachments: []AttachmentMetadata{{Position: 1, SHA256: "def", PageCount: 1}},
	}
	first, err := json.Marshal(metadata)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	second, _ := json.Marshal(metadata)
	if string(first) != string(second) {
		t.Fatalf("expected byte-identical encodings")
	}

	var decoded map[string]any
	if err := json.Unmarshal(first, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded["ahash1"] != "def" || decoded["numberPages1"] != float64(1) {
		t.Fatalf("unexpected attachment keys: %v", decoded)
	}
	if decoded["numberAttachments"] != float64(1) {
		t.Fatalf("expected numberAttachments=1, got %v", decoded["numberAttachments"])
	}
}

func TestAsFailureWrapsUnknownErrors(t *testing.T) {
	failure := AsFailure(errors.New("boom"))
	if failure.Kind != FailureInternal {
		t.Fatalf("expected internal kind, got %s", failure.Kind)
	}
	if failure.Retryable() {
		t.Fatalf("internal failures must not be retryable")
	}

	transient := NewFailure(FailureTransient, "timeout", nil)
	if AsFailure(transient) != transient {
		t.Fatalf("expected failure passthrough")
	}
}
