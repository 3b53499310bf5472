package documents

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/iago/claims-intake-back/internal/domain"
)

type recordingRenderer struct {
	mu     sync.Mutex
	stamps []Stamp
}

func (r *recordingRenderer) Render(input RenderInput) ([]byte, error) {
	r.mu.Lock()
	r.stamps = append(r.stamps, input.Stamps...)
	r.mu.Unlock()
	out := "%PDF " + input.FormType + " %page"
	for _, stamp := range input.Stamps {
		out += " |" + stamp.Text
	}
	return []byte(out), nil
}

type markerPages struct{}

func (markerPages) PageCount(pdf []byte) (int, error) {
	if !bytes.HasPrefix(pdf, []byte("%PDF")) {
		return 0, errors.New("not a pdf")
	}
	return bytes.Count(pdf, []byte("%page")), nil
}

type mapAttachments struct {
	files map[string][]byte
	err   error
}

func (m mapAttachments) Fetch(_ context.Context, ref domain.AttachmentRef) ([]byte, error) {
	if m.err != nil {
		return nil, m.err
	}
	data, ok := m.files[ref.ID]
	if !ok {
		return nil, errors.New("missing attachment")
	}
	return data, nil
}

func newTestProcessor(t *testing.T, attachments AttachmentSource) (*Processor, *TempDirStore, *recordingRenderer) {
	t.Helper()
	store, err := NewTempDirStore(t.TempDir())
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	renderer := &recordingRenderer{}
	processor := NewProcessor(renderer, markerPages{}, store, attachments, ProcessorConfig{
		Source:             "va.gov",
		StampWithClaimTime: true,
	}, nil)
	return processor, store, renderer
}

func testClaim() domain.Claim {
	return domain.Claim{
		ID:        "claim-1",
		FormType:  "21-526EZ",
		CreatedAt: time.Date(2024, 3, 5, 14, 30, 0, 0, time.UTC),
		Form: map[string]any{
			"veteranFullName": map[string]any{"first": "Jane", "last": "Doe"},
			"secondaryForm": map[string]any{
				"formType":    "21-4142",
				"submittable": true,
				"data":        map[string]any{"providerFacility": "Clinic"},
			},
		},
		Attachments: []domain.AttachmentRef{
			{ID: "a1", TypeCode: "L023"},
			{ID: "a2", TypeCode: "L070"},
		},
	}
}

func countFiles(t *testing.T, root string) int {
	t.Helper()
	count := 0
	err := filepath.Walk(root, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			count++
		}
		return nil
	})
	if err != nil {
		t.Fatalf("walk store: %v", err)
	}
	return count
}

func TestBuildPlacesSubmittableSecondaryFormFirst(t *testing.T) {
	processor, store, _ := newTestProcessor(t, mapAttachments{files: map[string][]byte{
		"a1": []byte("%PDF upload-one %page %page"),
		"a2": []byte("%PDF upload-two %page"),
	}})

	set, err := processor.Build(context.Background(), "wi-1/0", testClaim())
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	if set.Primary.TypeCode != "21-526EZ" {
		t.Fatalf("unexpected primary %+v", set.Primary)
	}
	if len(set.Attachments) != 3 {
		t.Fatalf("expected 3 attachments, got %d", len(set.Attachments))
	}
	wantTypes := []string{"21-4142", "L023", "L070"}
	for index, attachment := range set.Attachments {
		if attachment.TypeCode != wantTypes[index] {
			t.Fatalf("attachment %d: expected %s, got %s", index, wantTypes[index], attachment.TypeCode)
		}
		if attachment.Position != index+1 {
			t.Fatalf("attachment %d: expected position %d, got %d", index, index+1, attachment.Position)
		}
		if len(attachment.SHA256) != 64 {
			t.Fatalf("expected sha256 hex digest, got %q", attachment.SHA256)
		}
	}
	if set.Attachments[1].PageCount != 2 {
		t.Fatalf("expected 2 pages for first upload, got %d", set.Attachments[1].PageCount)
	}
	if !strings.HasPrefix(set.Primary.Key, "wi-1/0/") {
		t.Fatalf("expected key scoped to attempt, got %q", set.Primary.Key)
	}
	if got := countFiles(t, store.Root()); got != 4 {
		t.Fatalf("expected 4 stored files, got %d", got)
	}
}

func TestBuildAppendsNonSubmittableSecondaryFormLast(t *testing.T) {
	processor, _, _ := newTestProcessor(t, mapAttachments{files: map[string][]byte{
		"a1": []byte("%PDF upload-one %page"),
		"a2": []byte("%PDF upload-two %page"),
	}})
	claim := testClaim()
	claim.Form["secondaryForm"].(map[string]any)["submittable"] = false

	set, err := processor.Build(context.Background(), "wi-2/0", claim)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	last := set.Attachments[len(set.Attachments)-1]
	if last.TypeCode != "21-4142" || last.Position != 3 {
		t.Fatalf("expected secondary form last at position 3, got %+v", last)
	}
}

func TestBuildStampsWithClaimCreationTime(t *testing.T) {
	processor, _, renderer := newTestProcessor(t, mapAttachments{files: map[string][]byte{
		"a1": []byte("%PDF %page"),
		"a2": []byte("%PDF %page"),
	}})
	processor.now = func() time.Time { return time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC) }

	if _, err := processor.Build(context.Background(), "wi-3/0", testClaim()); err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(renderer.stamps) != 4 {
		t.Fatalf("expected two stamps per generated form, got %d", len(renderer.stamps))
	}
	if renderer.stamps[0].Position != "tl" || renderer.stamps[1].Position != "tr" {
		t.Fatalf("unexpected stamp order %+v", renderer.stamps[:2])
	}
	if !strings.Contains(renderer.stamps[0].Text, "2024-03-05") {
		t.Fatalf("expected claim time in provenance stamp, got %q", renderer.stamps[0].Text)
	}
	if !strings.Contains(renderer.stamps[1].Text, "03/05/2024") {
		t.Fatalf("expected claim date in reviewed marker, got %q", renderer.stamps[1].Text)
	}
}

func TestBuildRejectsUnsupportedFormWithoutLeavingFiles(t *testing.T) {
	processor, store, _ := newTestProcessor(t, mapAttachments{files: map[string][]byte{
		"a1": []byte("%PDF %page"),
		"a2": []byte("%PDF %page"),
	}})
	claim := testClaim()
	claim.Form["secondaryForm"].(map[string]any)["formType"] = "99-0000"

	_, err := processor.Build(context.Background(), "wi-4/0", claim)
	var failure *domain.Failure
	if !errors.As(err, &failure) || failure.Kind != domain.FailureValidation {
		t.Fatalf("expected validation failure, got %v", err)
	}
	if got := countFiles(t, store.Root()); got != 0 {
		t.Fatalf("expected no files left behind, got %d", got)
	}
}

func TestBuildTreatsAttachmentFetchErrorsAsTransient(t *testing.T) {
	processor, store, _ := newTestProcessor(t, mapAttachments{err: errors.New("connection reset")})

	_, err := processor.Build(context.Background(), "wi-5/0", testClaim())
	var failure *domain.Failure
	if !errors.As(err, &failure) || !failure.Retryable() {
		t.Fatalf("expected retryable failure, got %v", err)
	}
	if got := countFiles(t, store.Root()); got != 0 {
		t.Fatalf("expected no files left behind, got %d", got)
	}
}

func TestBuildRequiresVeteranName(t *testing.T) {
	processor, _, _ := newTestProcessor(t, nil)
	claim := domain.Claim{ID: "c", FormType: "21-526EZ", Form: map[string]any{"foo": "bar"}}

	_, err := processor.Build(context.Background(), "wi-6/0", claim)
	var failure *domain.Failure
	if !errors.As(err, &failure) || failure.Kind != domain.FailureInternal {
		t.Fatalf("expected internal failure, got %v", err)
	}
}

func TestCleanupRemovesAllDocuments(t *testing.T) {
	processor, store, _ := newTestProcessor(t, mapAttachments{files: map[string][]byte{
		"a1": []byte("%PDF %page"),
		"a2": []byte("%PDF other %page"),
	}})
	set, err := processor.Build(context.Background(), "wi-7/0", testClaim())
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	if err := processor.Cleanup(context.Background(), set); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if got := countFiles(t, store.Root()); got != 0 {
		t.Fatalf("expected empty store, got %d files", got)
	}
	if _, err := store.Open(context.Background(), set.Primary.Key); !errors.Is(err, ErrDocumentNotFound) {
		t.Fatalf("expected not found after cleanup, got %v", err)
	}
}

func TestFormRendererStampsEveryPage(t *testing.T) {
	fields := map[string]any{"veteranFullName": map[string]any{"first": "José", "last": "Doe"}}
	for index := 0; index < 80; index++ {
		fields[fmt.Sprintf("remark%02d", index)] = "line of free text"
	}
	input := RenderInput{
		Title:     "Intent to File a Claim",
		FormType:  "21-0966",
		Fields:    fields,
		CreatedAt: time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC),
	}
	plain, err := NewFormRenderer().Render(input)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	input.Stamps = []Stamp{{Text: "Submitted electronically", Position: "tl", OffsetX: 10, OffsetY: -10}}
	stamped, err := NewFormRenderer().Render(input)
	if err != nil {
		t.Fatalf("render stamped: %v", err)
	}
	if !bytes.HasPrefix(stamped, []byte("%PDF")) {
		t.Fatalf("expected pdf header")
	}
	if bytes.Equal(plain, stamped) {
		t.Fatalf("expected the stamp to change the document")
	}

	inspector := NewPDFInspector()
	plainPages, err := inspector.PageCount(plain)
	if err != nil {
		t.Fatalf("page count: %v", err)
	}
	stampedPages, err := inspector.PageCount(stamped)
	if err != nil {
		t.Fatalf("page count stamped: %v", err)
	}
	if plainPages < 2 || stampedPages != plainPages {
		t.Fatalf("expected stamps to keep a multi-page layout, got %d and %d pages", plainPages, stampedPages)
	}
}

func TestStampOrigin(t *testing.T) {
	cases := []struct {
		stamp Stamp
		x, y  float64
	}{
		{Stamp{Position: "tl", OffsetX: 10, OffsetY: -10}, 10, 14},
		{Stamp{Position: "tr", OffsetX: -10, OffsetY: -10}, 140, 14},
		{Stamp{Position: "bc"}, 75, 300},
		{Stamp{Position: "c"}, 75, 152},
	}
	for _, tc := range cases {
		x, y := tc.stamp.origin(200, 300, 50, 4, float64(tc.stamp.OffsetX), float64(tc.stamp.OffsetY))
		if x != tc.x || y != tc.y {
			t.Fatalf("%s: expected (%v, %v), got (%v, %v)", tc.stamp.Position, tc.x, tc.y, x, y)
		}
	}
}

func TestBuildIsByteStableAcrossAttempts(t *testing.T) {
	store, err := NewTempDirStore(t.TempDir())
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	processor := NewProcessor(NewFormRenderer(), NewPDFInspector(), store, nil, ProcessorConfig{
		Source:             "va.gov",
		StampWithClaimTime: true,
	}, nil)
	claim := testClaim()
	claim.Attachments = nil

	processor.now = func() time.Time { return time.Date(2030, 1, 1, 9, 0, 0, 0, time.UTC) }
	first, err := processor.Build(context.Background(), "wi-6/0", claim)
	if err != nil {
		t.Fatalf("first build: %v", err)
	}
	processor.now = func() time.Time { return time.Date(2030, 1, 2, 17, 45, 3, 0, time.UTC) }
	second, err := processor.Build(context.Background(), "wi-6/1", claim)
	if err != nil {
		t.Fatalf("second build: %v", err)
	}

	if first.Primary.SHA256 != second.Primary.SHA256 {
		t.Fatalf("expected identical primary documents, got %s and %s", first.Primary.SHA256, second.Primary.SHA256)
	}
	if len(first.Attachments) != 1 || first.Attachments[0].SHA256 != second.Attachments[0].SHA256 {
		t.Fatalf("expected identical secondary form, got %+v and %+v", first.Attachments, second.Attachments)
	}
	if first.Primary.PageCount != 1 {
		t.Fatalf("expected a one page form, got %d", first.Primary.PageCount)
	}
}
