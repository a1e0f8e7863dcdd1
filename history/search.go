package history

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	queryTokenRe = regexp.MustCompile(`[^\s"']+|"([^"]*)"|'([^']*)'`)
	plainWordRe  = regexp.MustCompile(`^[a-zA-Z0-9]+$`)
)

// rolePrefixes maps query prefixes to the stored role they filter on.
var rolePrefixes = []struct {
	prefix string
	role   Role
}{
	{"user:", RoleUser},
	{"me:", RoleUser},
	{"bot:", RoleBot},
	{"ai:", RoleBot},
	{"assistant:", RoleBot},
}

// ParseQuery converts user input into FTS5 syntax.
// Supports "phrase search", user:term and bot:term (alias ai:, assistant:).
func ParseQuery(input string) string {
	var parts []string

	tokens := queryTokenRe.FindAllString(strings.TrimSpace(input), -1)

	for _, token := range tokens {
		if strings.HasPrefix(token, "\"") || strings.HasPrefix(token, "'") {
			parts = append(parts, token)
			continue
		}

		if part, ok := roleFilter(token); ok {
			parts = append(parts, part)
			continue
		}

		// prefix match for plain words
		if len(token) > 3 && plainWordRe.MatchString(token) {
			parts = append(parts, token+"*")
		} else {
			parts = append(parts, token)
		}
	}

	if len(parts) == 0 {
		return ""
	}

	return strings.Join(parts, " AND ")
}

func roleFilter(token string) (string, bool) {
	lower := strings.ToLower(token)
	for _, rp := range rolePrefixes {
		if !strings.HasPrefix(lower, rp.prefix) {
			continue
		}
		term := token[len(rp.prefix):]
		if term == "" {
			return fmt.Sprintf("role:%s", rp.role), true
		}
		return fmt.Sprintf("(role:%s AND content:%s)", rp.role, term), true
	}
	return "", false
}
