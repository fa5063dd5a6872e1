package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFieldValueVariants(t *testing.T) {
	tests := []struct {
		name     string
		value    FieldValue
		wantKind FieldKind
		wantText string
	}{
		{"scalar", Scalar("Acme Hauling"), FieldKindScalar, "Acme Hauling"},
		{"selection checked", Selection(true), FieldKindSelection, "Yes"},
		{"selection unchecked", Selection(false), FieldKindSelection, "No"},
		{"signature signed", Signature(true), FieldKindSignature, "Signed"},
		{"signature unsigned", Signature(false), FieldKindSignature, "Not Signed"},
		{"date", Date("2025-06-05"), FieldKindDate, "2025-06-05"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantKind, tt.value.Kind)
			assert.Equal(t, tt.wantText, tt.value.Text)
		})
	}
}

func TestFieldValueIsEmpty(t *testing.T) {
	assert.True(t, Scalar("").IsEmpty())
	assert.False(t, Scalar("x").IsEmpty())
	assert.False(t, Selection(false).IsEmpty())
}
