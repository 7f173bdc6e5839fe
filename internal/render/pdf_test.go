package render

import (
	"bytes"
	"testing"
)

func TestPDFRender(t *testing.T) {
	r := NewPDF("Refacciones El Chino")
	b, err := r.Render(Spec{
		Folio:    "F-0142",
		Customer: "Marta G.",
		Lines: []Line{
			{Description: "Balatas delanteras", Amount: 850},
			{Description: "Mano de obra", Amount: 400},
		},
		Total: 1250,
		Note:  "Gracias por su compra.",
	})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if len(b) == 0 {
		t.Fatal("empty output")
	}
	if !bytes.HasPrefix(b, []byte("%PDF")) {
		t.Fatalf("not a PDF: %q", b[:8])
	}
}

func TestPDFRenderRequiresFolio(t *testing.T) {
	r := NewPDF("")
	if _, err := r.Render(Spec{}); err == nil {
		t.Fatal("expected error for missing folio")
	}
}
