package util

import "strings"

// ContainsFold reports whether sub is within s, ignoring case.
// An empty sub never matches.
func ContainsFold(s, sub string) bool {
	if sub == "" {
		return false
	}
	return strings.Contains(strings.ToLower(s), strings.ToLower(sub))
}
