// Package render builds document attachments (delivery receipts) from a
// render spec. The scheduler treats it as an opaque capability; when it
// fails, the executor degrades the delivery to a plain-text notice.
package render

// Line is one charge row on a receipt.
type Line struct {
	Description string  `json:"description"`
	Amount      float64 `json:"amount"`
}

// Spec describes one receipt document. Folio is the human-facing
// identifier and is the one field the degraded text fallback must carry.
type Spec struct {
	Folio    string  `json:"folio"`
	Customer string  `json:"customer,omitempty"`
	Title    string  `json:"title,omitempty"`
	Lines    []Line  `json:"lines,omitempty"`
	Total    float64 `json:"total,omitempty"`
	Note     string  `json:"note,omitempty"`
}

type Renderer interface {
	Render(spec Spec) ([]byte, error)
}
