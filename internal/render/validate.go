package render

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"github.com/orrn/weighprint/internal/core"
)

var ErrEmptyDocument = errors.New("rendered document has no pages")

// Validated rejects renderer output that does not parse as a PDF, so a broken
// document is never cached or sent to a printer.
type Validated struct {
	next core.Renderer
	conf *model.Configuration
}

func NewValidated(next core.Renderer) *Validated {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	return &Validated{next: next, conf: conf}
}

func (v *Validated) Render(ctx context.Context, p core.Payload) ([]byte, error) {
	pdf, err := v.next.Render(ctx, p)
	if err != nil {
		return nil, err
	}
	if err := Check(pdf, v.conf); err != nil {
		return nil, err
	}
	return pdf, nil
}

// Check parses pdf and requires at least one page.
func Check(pdf []byte, conf *model.Configuration) error {
	pages, err := api.PageCount(bytes.NewReader(pdf), conf)
	if err != nil {
		return fmt.Errorf("invalid pdf: %w", err)
	}
	if pages == 0 {
		return ErrEmptyDocument
	}
	return nil
}
