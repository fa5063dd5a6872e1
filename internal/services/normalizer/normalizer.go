// -----------------------------------------------------------------------
// Field Normalizer - pure transformation from provider field shapes to a
// uniform internal record
// -----------------------------------------------------------------------

package normalizer

import (
	"fmt"
	"strings"

	"github.com/ternarybob/papyrus/internal/models"
)

// valueKeys are the nesting keys providers use for the actual value, in
// lookup order.
var valueKeys = []string{"value", "content", "text", "valueString", "valueDate", "valueData", "date"}

// dateKeys identify a value as a date regardless of the declared kind.
var dateKeys = map[string]bool{"valueDate": true, "date": true}

// ConfidenceKey is the reserved field name carrying the page's overall
// extraction confidence inside extractedFields.
const ConfidenceKey = "_confidence"

// ExtractField collapses one raw provider value into its FieldValue
// variant. Accepted shapes: direct scalars, arrays (first element), and
// maps keyed by any of the known value keys. Selection marks become the
// selection variant, signatures the signature variant, and values carried
// under a date key become normalized dates; everything else is a scalar.
func ExtractField(raw interface{}) models.FieldValue {
	switch v := raw.(type) {
	case nil:
		return models.Scalar("")
	case []interface{}:
		if len(v) == 0 {
			return models.Scalar("")
		}
		return ExtractField(v[0])
	case map[string]interface{}:
		return fieldFromMap(v)
	default:
		return models.Scalar(scalarText(raw))
	}
}

// ExtractValue collapses one raw field value into its display string.
func ExtractValue(raw interface{}) string {
	return ExtractField(raw).Text
}

func fieldFromMap(m map[string]interface{}) models.FieldValue {
	switch kind(m) {
	case "selectionmark":
		return withFieldConfidence(m, models.Selection(isSelected(m)))
	case "signature":
		return withFieldConfidence(m, models.Signature(isSigned(m)))
	}

	text, dated := mapText(m)
	if dated {
		return withFieldConfidence(m, dateField(text))
	}
	return withFieldConfidence(m, models.Scalar(text))
}

// mapText finds the display value under the known nesting keys; the second
// return reports whether the matched key (or the declared kind) marks the
// value as a date.
func mapText(m map[string]interface{}) (string, bool) {
	dated := kind(m) == "date"
	for _, key := range valueKeys {
		nested, ok := m[key]
		if !ok {
			continue
		}
		if s := ExtractField(nested).Text; s != "" {
			return s, dated || dateKeys[key]
		}
	}
	return "", dated
}

// dateField normalizes a date literal. An unparseable literal is kept as
// the display text so it surfaces to the user unchanged.
func dateField(literal string) models.FieldValue {
	if literal == "" {
		return models.Scalar("")
	}
	if iso, ok := NormalizeDate(literal); ok {
		field := models.Date(iso)
		if iso != literal {
			field.Raw = literal
		}
		return field
	}
	return models.FieldValue{Kind: models.FieldKindDate, Text: literal, Raw: literal}
}

// withFieldConfidence attaches the provider's per-field confidence when
// the record carries one.
func withFieldConfidence(m map[string]interface{}, field models.FieldValue) models.FieldValue {
	if c, ok := m["confidence"].(float64); ok {
		field.Confidence = c
	}
	return field
}

func kind(m map[string]interface{}) string {
	for _, key := range []string{"kind", "type"} {
		if v, ok := m[key].(string); ok {
			return strings.ToLower(strings.TrimSpace(v))
		}
	}
	return ""
}

func isSelected(m map[string]interface{}) bool {
	for _, key := range []string{"state", "value"} {
		if v, ok := m[key].(string); ok {
			return strings.EqualFold(strings.TrimSpace(v), "selected")
		}
		if v, ok := m[key].(bool); ok {
			return v
		}
	}
	return false
}

func isSigned(m map[string]interface{}) bool {
	for _, key := range []string{"state", "value"} {
		if v, ok := m[key].(string); ok {
			return strings.EqualFold(strings.TrimSpace(v), "signed")
		}
		if v, ok := m[key].(bool); ok {
			return v
		}
	}
	return false
}

// scalarText renders a leaf value as display text.
func scalarText(raw interface{}) string {
	switch v := raw.(type) {
	case string:
		return strings.TrimSpace(Dequote(v))
	case bool:
		if v {
			return "true"
		}
		return "false"
	case float64:
		return trimFloat(v)
	case float32:
		return trimFloat(float64(v))
	case int:
		return fmt.Sprintf("%d", v)
	case int64:
		return fmt.Sprintf("%d", v)
	default:
		return strings.TrimSpace(fmt.Sprintf("%v", v))
	}
}

// NormalizeTyped collapses a raw provider field map into field→FieldValue.
// The reserved confidence key is skipped; it is session metadata, not a
// field.
func NormalizeTyped(fields map[string]interface{}) map[string]models.FieldValue {
	result := make(map[string]models.FieldValue, len(fields))
	for name, raw := range fields {
		if name == ConfidenceKey {
			continue
		}
		result[name] = ExtractField(raw)
	}
	return result
}

// NormalizeFields flattens a raw provider field map into field→string.
func NormalizeFields(fields map[string]interface{}) map[string]string {
	typed := NormalizeTyped(fields)
	result := make(map[string]string, len(typed))
	for name, field := range typed {
		result[name] = field.Text
	}
	return result
}

// Dequote strips one layer of wrapping quotes.
func Dequote(s string) string {
	trimmed := strings.TrimSpace(s)
	if len(trimmed) >= 2 {
		first, last := trimmed[0], trimmed[len(trimmed)-1]
		if (first == '"' && last == '"') || (first == '\'' && last == '\'') {
			return trimmed[1 : len(trimmed)-1]
		}
	}
	return trimmed
}

// trimFloat renders numbers without a trailing .000000 tail; integral
// values print as integers.
func trimFloat(f float64) string {
	if f == float64(int64(f)) {
		return fmt.Sprintf("%d", int64(f))
	}
	return strings.TrimRight(strings.TrimRight(fmt.Sprintf("%f", f), "0"), ".")
}
