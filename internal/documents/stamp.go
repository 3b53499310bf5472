package documents

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// Stamp is one text overlay drawn on every page of a rendered form.
type Stamp struct {
	Text string
	// Position anchors the text: tl, tc, tr, l, c, r, bl, bc, br.
	Position string
	// OffsetX and OffsetY move the text from its anchor in points, with y
	// growing upwards.
	OffsetX int
	OffsetY int
	Points  int
}

func (s Stamp) points() float64 {
	if s.Points <= 0 {
		return 8
	}
	return float64(s.Points)
}

// origin returns the baseline start of the stamp on a page of the given
// size. Every length is in the document unit; size is the font height.
func (s Stamp) origin(pageWidth, pageHeight, textWidth, size, offsetX, offsetY float64) (float64, float64) {
	vertical, horizontal := "c", "c"
	switch len(s.Position) {
	case 1:
		horizontal = s.Position
	case 2:
		vertical, horizontal = s.Position[:1], s.Position[1:]
	}

	x := (pageWidth - textWidth) / 2
	switch horizontal {
	case "l":
		x = 0
	case "r":
		x = pageWidth - textWidth
	}
	y := (pageHeight + size) / 2
	switch vertical {
	case "t":
		y = size
	case "b":
		y = pageHeight
	}
	return x + offsetX, y - offsetY
}

// PageCounter reads the page count of a finished PDF. Failing to read one
// means the document is unusable.
type PageCounter interface {
	PageCount(pdf []byte) (int, error)
}

var disableConfigDir sync.Once

// PDFInspector implements PageCounter with pdfcpu in relaxed validation mode.
type PDFInspector struct {
	conf *model.Configuration
}

func NewPDFInspector() *PDFInspector {
	disableConfigDir.Do(api.DisableConfigDir)
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	return &PDFInspector{conf: conf}
}

func (s *PDFInspector) PageCount(pdf []byte) (int, error) {
	count, err := api.PageCount(bytes.NewReader(pdf), s.conf)
	if err != nil {
		return 0, fmt.Errorf("count pages: %w", err)
	}
	return count, nil
}
