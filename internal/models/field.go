package models

// FieldKind discriminates the variants a provider field value collapses to
// after normalization.
type FieldKind string

const (
	FieldKindScalar    FieldKind = "scalar"
	FieldKindSelection FieldKind = "selection"
	FieldKindSignature FieldKind = "signature"
	FieldKindDate      FieldKind = "date"
)

// FieldValue is the uniform internal shape of one extracted field. The
// provider returns free-form records; the normalizer collapses each into
// exactly one variant.
type FieldValue struct {
	Kind FieldKind `json:"kind"`

	// Text carries the display value for every kind: the scalar string,
	// "Yes"/"No" for selections, "Signed"/"Not Signed" for signatures, and
	// YYYY-MM-DD for dates.
	Text string `json:"text"`

	// Checked is meaningful for selection and signature kinds only.
	Checked bool `json:"checked,omitempty"`

	// Raw preserves the original literal when it could not be normalized
	// (unparseable dates surface it to the user).
	Raw string `json:"raw,omitempty"`

	// Confidence is the provider's per-field confidence, 0 when absent.
	Confidence float64 `json:"confidence,omitempty"`
}

// Scalar builds a plain text field value.
func Scalar(text string) FieldValue {
	return FieldValue{Kind: FieldKindScalar, Text: text}
}

// Selection builds a selection-mark field value.
func Selection(checked bool) FieldValue {
	text := "No"
	if checked {
		text = "Yes"
	}
	return FieldValue{Kind: FieldKindSelection, Text: text, Checked: checked}
}

// Signature builds a signature field value.
func Signature(signed bool) FieldValue {
	text := "Not Signed"
	if signed {
		text = "Signed"
	}
	return FieldValue{Kind: FieldKindSignature, Text: text, Checked: signed}
}

// Date builds a normalized date field value. The caller guarantees the
// YYYY-MM-DD shape.
func Date(iso string) FieldValue {
	return FieldValue{Kind: FieldKindDate, Text: iso}
}

// IsEmpty reports whether the field carries no display value.
func (f FieldValue) IsEmpty() bool {
	return f.Text == ""
}
