package admission

import "strings"

// NormalizePlate canonicalizes a detected plate string: uppercase, with
// whitespace and punctuation variance stripped. Deterministic and idempotent:
// NormalizePlate(NormalizePlate(p)) == NormalizePlate(p).
func NormalizePlate(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range strings.ToUpper(raw) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}
