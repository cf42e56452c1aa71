package utils

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// Vendors spell "no value" many ways; all of them parse to nil.
var emptyNumerics = map[string]bool{
	"": true, "-": true, "--": true, "null": true, "none": true, "nan": true,
}

// ParseFloat parses a vendor numeric field, returning nil for the vendor's
// "no value" spellings.
func ParseFloat(s string) *float64 {
	s = strings.TrimSpace(s)
	if emptyNumerics[strings.ToLower(s)] {
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return &f
}

// ParseInt64 parses a vendor integer field with the same tolerance.
// Fractional inputs are rounded; vendors report volumes both ways.
func ParseInt64(s string) *int64 {
	f := ParseFloat(s)
	if f == nil {
		return nil
	}
	n := int64(math.Round(*f))
	return &n
}

// NumField converts a loosely-typed JSON value to a float pointer. Vendor
// payloads mix numbers and strings in the same column, so both forms are
// accepted.
func NumField(v interface{}) *float64 {
	switch val := v.(type) {
	case nil:
		return nil
	case float64:
		if math.IsNaN(val) || math.IsInf(val, 0) {
			return nil
		}
		f := val
		return &f
	case json.Number:
		return ParseFloat(val.String())
	case string:
		return ParseFloat(val)
	case int:
		f := float64(val)
		return &f
	case int64:
		f := float64(val)
		return &f
	default:
		return nil
	}
}

// StrField converts a loosely-typed JSON value to its string form.
func StrField(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case json.Number:
		return val.String()
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	default:
		return ""
	}
}
