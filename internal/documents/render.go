package documents

import (
	"bytes"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-pdf/fpdf"
)

// RenderInput is everything the renderer needs to lay out one form.
type RenderInput struct {
	Title     string
	FormType  string
	Fields    map[string]any
	CreatedAt time.Time
	// Stamps are drawn over every page once the fields are laid out.
	Stamps []Stamp
}

// Renderer produces the stamped PDF for a form.
type Renderer interface {
	Render(input RenderInput) ([]byte, error)
}

// FormRenderer lays out form data as labelled lines, one field per line, in
// key order. Document dates are pinned to the claim creation time and the
// catalog is written in sorted order, so equal input renders equal bytes.
type FormRenderer struct{}

func NewFormRenderer() *FormRenderer {
	return &FormRenderer{}
}

func (r *FormRenderer) Render(input RenderInput) ([]byte, error) {
	if len(input.Fields) == 0 {
		return nil, fmt.Errorf("form %s has no fields", input.FormType)
	}

	pdf := fpdf.New("P", "mm", "Letter", "")
	pdf.SetCreationDate(input.CreatedAt)
	pdf.SetModificationDate(input.CreatedAt)
	pdf.SetCatalogSort(true)
	pdf.SetTitle(input.Title, true)
	pdf.SetAutoPageBreak(true, 15)
	tr := pdf.UnicodeTranslatorFromDescriptor("")

	pdf.AddPage()
	pdf.SetFont("Helvetica", "B", 14)
	pdf.Ln(12)
	pdf.CellFormat(0, 10, tr(input.Title), "", 1, "L", false, 0, "")
	pdf.SetFont("Helvetica", "", 9)
	pdf.CellFormat(0, 6, tr("VA Form "+input.FormType), "", 1, "L", false, 0, "")
	pdf.Ln(4)

	pdf.SetFont("Helvetica", "", 10)
	for _, line := range flattenFields("", input.Fields) {
		pdf.MultiCell(0, 5, tr(line), "", "L", false)
	}
	drawStamps(pdf, input.Stamps, tr)

	if err := pdf.Error(); err != nil {
		return nil, fmt.Errorf("layout pdf: %w", err)
	}
	var buffer bytes.Buffer
	if err := pdf.Output(&buffer); err != nil {
		return nil, fmt.Errorf("write pdf: %w", err)
	}
	return buffer.Bytes(), nil
}

func drawStamps(pdf *fpdf.Fpdf, stamps []Stamp, tr func(string) string) {
	if len(stamps) == 0 {
		return
	}
	width, height := pdf.GetPageSize()
	last := pdf.PageCount()
	for page := 1; page <= last; page++ {
		pdf.SetPage(page)
		for _, stamp := range stamps {
			text := tr(stamp.Text)
			pdf.SetFont("Helvetica", "", stamp.points())
			x, y := stamp.origin(
				width,
				height,
				pdf.GetStringWidth(text),
				pdf.PointConvert(stamp.points()),
				pdf.PointConvert(float64(stamp.OffsetX)),
				pdf.PointConvert(float64(stamp.OffsetY)),
			)
			pdf.Text(x, y, text)
		}
	}
	pdf.SetPage(last)
}

func flattenFields(prefix string, fields map[string]any) []string {
	keys := make([]string, 0, len(fields))
	for key := range fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	lines := make([]string, 0, len(keys))
	for _, key := range keys {
		label := key
		if prefix != "" {
			label = prefix + "." + key
		}
		switch typed := fields[key].(type) {
		case map[string]any:
			lines = append(lines, flattenFields(label, typed)...)
		case []any:
			for index, item := range typed {
				itemLabel := fmt.Sprintf("%s[%d]", label, index)
				if nested, ok := item.(map[string]any); ok {
					lines = append(lines, flattenFields(itemLabel, nested)...)
					continue
				}
				lines = append(lines, itemLabel+": "+fmt.Sprint(item))
			}
		case nil:
			continue
		default:
			lines = append(lines, label+": "+strings.TrimSpace(fmt.Sprint(typed)))
		}
	}
	return lines
}
