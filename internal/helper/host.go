package helper

import (
	"strings"

	"github.com/tidwall/match"
)

// MatchHost reports whether host (with or without a port) matches any of the
// given patterns. Patterns may use '*' and '?' wildcards, e.g. "*.example.com".
func MatchHost(host string, patterns []string) bool {
	h := HostOnly(host)
	for _, p := range patterns {
		if match.Match(h, strings.ToLower(p)) {
			return true
		}
	}
	return false
}
