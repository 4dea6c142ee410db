package models

import "strings"

// SanitizeKeySegment escapes the key delimiter so an IPv6 address or a forged
// X-Forwarded-For value cannot collide with another bucket.
func SanitizeKeySegment(s string) string {
	return strings.ReplaceAll(s, ":", "_")
}
