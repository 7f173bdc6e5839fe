package render

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-pdf/fpdf"
)

// PDF renders receipts as single-page A4 PDFs.
type PDF struct {
	// Issuer is printed in the header (business name).
	Issuer string
}

func NewPDF(issuer string) *PDF {
	return &PDF{Issuer: issuer}
}

func (r *PDF) Render(spec Spec) ([]byte, error) {
	if strings.TrimSpace(spec.Folio) == "" {
		return nil, errors.New("render: folio is required")
	}

	doc := fpdf.New("P", "mm", "A4", "")
	doc.SetMargins(18, 18, 18)
	doc.AddPage()

	if r.Issuer != "" {
		doc.SetFont("Helvetica", "B", 16)
		doc.CellFormat(0, 9, r.Issuer, "", 1, "L", false, 0, "")
	}

	title := spec.Title
	if title == "" {
		title = "Comprobante"
	}
	doc.SetFont("Helvetica", "B", 13)
	doc.CellFormat(0, 8, title, "", 1, "L", false, 0, "")

	doc.SetFont("Helvetica", "", 10)
	doc.CellFormat(0, 6, "Folio: "+spec.Folio, "", 1, "L", false, 0, "")
	doc.CellFormat(0, 6, time.Now().Format("2006-01-02 15:04"), "", 1, "L", false, 0, "")
	if spec.Customer != "" {
		doc.CellFormat(0, 6, "Cliente: "+spec.Customer, "", 1, "L", false, 0, "")
	}
	doc.Ln(4)

	if len(spec.Lines) > 0 {
		doc.SetFont("Helvetica", "B", 10)
		doc.CellFormat(130, 7, "Concepto", "B", 0, "L", false, 0, "")
		doc.CellFormat(0, 7, "Importe", "B", 1, "R", false, 0, "")
		doc.SetFont("Helvetica", "", 10)
		for _, ln := range spec.Lines {
			doc.CellFormat(130, 7, ln.Description, "", 0, "L", false, 0, "")
			doc.CellFormat(0, 7, fmt.Sprintf("$%.2f", ln.Amount), "", 1, "R", false, 0, "")
		}
		doc.Ln(2)
	}
	if spec.Total != 0 {
		doc.SetFont("Helvetica", "B", 11)
		doc.CellFormat(130, 8, "Total", "T", 0, "L", false, 0, "")
		doc.CellFormat(0, 8, fmt.Sprintf("$%.2f", spec.Total), "T", 1, "R", false, 0, "")
	}
	if spec.Note != "" {
		doc.Ln(4)
		doc.SetFont("Helvetica", "I", 9)
		doc.MultiCell(0, 5, spec.Note, "", "L", false)
	}

	var buf bytes.Buffer
	if err := doc.Output(&buf); err != nil {
		return nil, fmt.Errorf("render: %w", err)
	}
	return buf.Bytes(), nil
}
