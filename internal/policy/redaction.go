// Package policy masks caller PII before tool arguments are persisted.
package policy

import (
	"encoding/json"
	"regexp"
)

var (
	emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	phonePattern = regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`)
	cardPattern  = regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`)
)

// RedactPII masks email addresses, card numbers and phone numbers.
func RedactPII(input string) (redacted string, changed bool) {
	out := input
	// cards first so a long digit run is not taken for a phone number
	for _, r := range []struct {
		re   *regexp.Regexp
		mask string
	}{
		{emailPattern, "[REDACTED_EMAIL]"},
		{cardPattern, "[REDACTED_CARD]"},
		{phonePattern, "[REDACTED_PHONE]"},
	} {
		next := r.re.ReplaceAllString(out, r.mask)
		changed = changed || next != out
		out = next
	}
	return out, changed
}

// RedactArguments masks PII inside the string values of a JSON arguments
// document, leaving keys, numbers and structure intact. Arguments that are
// not valid JSON are redacted as plain text.
func RedactArguments(raw string) string {
	var doc any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		out, _ := RedactPII(raw)
		return out
	}
	doc, changed := redactValue(doc)
	if !changed {
		return raw
	}
	b, err := json.Marshal(doc)
	if err != nil {
		out, _ := RedactPII(raw)
		return out
	}
	return string(b)
}

func redactValue(v any) (any, bool) {
	switch t := v.(type) {
	case string:
		return RedactPII(t)
	case []any:
		changed := false
		for i, item := range t {
			var c bool
			t[i], c = redactValue(item)
			changed = changed || c
		}
		return t, changed
	case map[string]any:
		changed := false
		for k, item := range t {
			var c bool
			t[k], c = redactValue(item)
			changed = changed || c
		}
		return t, changed
	default:
		return v, false
	}
}
