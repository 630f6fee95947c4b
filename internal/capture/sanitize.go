package capture

import (
	"time"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
)

// timestampSanitizer keeps only the digits, dashes and dots of an RFC3339
// timestamp, dropping the "T" separator, the colons and the UTC "Z" suffix.
var timestampSanitizer = runes.Remove(runes.Predicate(func(r rune) bool {
	if unicode.IsDigit(r) || r == '-' || r == '.' {
		return false
	}
	return true
}))

// sanitizeTimestamp renders capturedAt as a filesystem-safe path component
// (spec section 6's {timestamp_sanitized}).
func sanitizeTimestamp(capturedAt time.Time) string {
	raw := capturedAt.Format("2006-01-02T15:04:05.000Z")
	sanitized, _, err := transform.String(timestampSanitizer, raw)
	if err != nil {
		return raw
	}
	return sanitized
}
