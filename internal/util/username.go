package util

import (
	"regexp"
	"strings"
)

var usernameRe = regexp.MustCompile(`[^0-9A-Za-z_]+`)

// NormalizeUsername canonicalizes a Telegram username: strips a leading @,
// drops characters Telegram never allows, and lowercases the rest.
func NormalizeUsername(raw string) string {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(s, "@")
	s = usernameRe.ReplaceAllString(s, "")

	return strings.ToLower(s)
}
