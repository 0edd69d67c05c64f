package validate

import "strings"

// Sanitize rewrites a decoded frame into a safe copy: every string value is
// HTML-encoded and scrubbed of hostile control characters, everything else
// passes through. Encoding is idempotent; a document that already carries
// entities is not encoded twice.
func Sanitize(m map[string]any) map[string]any {
	out, _ := sanitizeValue(m, false, "").(map[string]any)
	return out
}

// SanitizeSkipText behaves like Sanitize but leaves payload.text verbatim,
// for downstreams that expect raw user text and do their own escaping.
func SanitizeSkipText(m map[string]any) map[string]any {
	out, _ := sanitizeValue(m, true, "").(map[string]any)
	return out
}

func sanitizeValue(node any, skipText bool, path string) any {
	switch val := node.(type) {
	case string:
		if skipText && path == "payload.text" {
			return val
		}
		return SanitizeString(val)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			childPath := k
			if path != "" {
				childPath = path + "." + k
			}
			out[k] = sanitizeValue(item, skipText, childPath)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = sanitizeValue(item, skipText, path)
		}
		return out
	default:
		return node
	}
}

// encoder rewrites the four HTML-significant characters plus the ampersand.
// The ampersand goes first inside Replacer's single pass so freshly written
// entities are not re-escaped.
var encoder = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
	"'", "&#x27;",
)

// entities marks a string as already encoded. Presence of any of them skips
// re-encoding, which keeps SanitizeString idempotent.
var entities = []string{"&lt;", "&gt;", "&amp;", "&quot;", "&#x27;"}

// hostileControls are dropped outright: NUL plus the control characters that
// survive JSON decoding yet have no business in user text. Tab, newline and
// carriage return stay.
var hostileControls = map[rune]struct{}{
	0x00: {},
	0x08: {},
	0x0c: {},
	0x0e: {},
	0x0f: {},
}

// SanitizeString strips hostile control characters and HTML-encodes the
// markup-significant characters. Calling it on its own output returns the
// input unchanged.
func SanitizeString(s string) string {
	s = stripControl(s)
	if alreadyEncoded(s) {
		return s
	}
	if !strings.ContainsAny(s, `&<>"'`) {
		return s
	}
	return encoder.Replace(s)
}

func alreadyEncoded(s string) bool {
	for _, e := range entities {
		if strings.Contains(s, e) {
			return true
		}
	}
	return false
}

func stripControl(s string) string {
	// Fast path: most strings carry no control bytes at all.
	clean := true
	for _, r := range s {
		if _, hostile := hostileControls[r]; hostile {
			clean = false
			break
		}
	}
	if clean {
		return s
	}

	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if _, hostile := hostileControls[r]; hostile {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
