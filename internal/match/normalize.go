package match

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

const arrayDelimiter = "||"

// Normalizer produces a canonical string key from a heterogeneous field
// value so that equality comparisons work regardless of the source type
// representation. Normalize is total and pure: it never fails, and an
// empty result always means "no match value".
type Normalizer struct {
	// RoundNumbers rounds numeric values to whole numbers before
	// formatting, so 15.2 and 15 produce the same key. This matches the
	// historical fuzzy matching for migrated numeric identifiers; turn it
	// off for genuinely fractional data.
	RoundNumbers bool
}

// NewNormalizer returns a normalizer with the legacy rounding behavior on.
func NewNormalizer() Normalizer {
	return Normalizer{RoundNumbers: true}
}

// Normalize canonicalizes a raw field value.
func (n Normalizer) Normalize(value interface{}) string {
	switch v := value.(type) {
	case nil:
		return ""
	case bool:
		return strconv.FormatBool(v)
	case string:
		return n.normalizeString(v)
	case float64:
		return n.formatNumber(v)
	case float32:
		return n.formatNumber(float64(v))
	case int:
		return n.formatNumber(float64(v))
	case int32:
		return n.formatNumber(float64(v))
	case int64:
		return n.formatNumber(float64(v))
	case []interface{}:
		return n.normalizeArray(v)
	case []string:
		arr := make([]interface{}, len(v))
		for i, s := range v {
			arr[i] = s
		}
		return n.normalizeArray(arr)
	case map[string]interface{}:
		return n.normalizeObject(v)
	default:
		return n.normalizeString(fmt.Sprintf("%v", v))
	}
}

func (n Normalizer) normalizeString(s string) string {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return ""
	}
	if f, err := strconv.ParseFloat(trimmed, 64); err == nil {
		return n.formatNumber(f)
	}
	return strings.ToLower(trimmed)
}

func (n Normalizer) formatNumber(f float64) string {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return ""
	}
	if n.RoundNumbers {
		return strconv.FormatInt(int64(math.Round(f)), 10)
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// normalizeArray normalizes each element, drops empties, sorts and joins
// with a fixed delimiter so multi-value matches are order-independent.
func (n Normalizer) normalizeArray(values []interface{}) string {
	parts := make([]string, 0, len(values))
	for _, v := range values {
		if norm := n.Normalize(v); norm != "" {
			parts = append(parts, norm)
		}
	}
	if len(parts) == 0 {
		return ""
	}
	sort.Strings(parts)
	return strings.Join(parts, arrayDelimiter)
}

// normalizeObject tries the common identifier fields first, then a nested
// value property, then falls back to a stable serialization.
func (n Normalizer) normalizeObject(obj map[string]interface{}) string {
	for _, idKey := range []string{"item_id", "id"} {
		if id, ok := obj[idKey]; ok {
			if norm := n.Normalize(id); norm != "" {
				return norm
			}
		}
	}
	if v, ok := obj["value"]; ok {
		return n.Normalize(v)
	}

	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		if norm := n.Normalize(obj[k]); norm != "" {
			parts = append(parts, k+"="+norm)
		}
	}
	return strings.Join(parts, "&")
}
