package bus

import (
	"fmt"
	"strings"
)

// Match reports whether a routing key matches a binding pattern. Words are
// separated by dots; "*" matches exactly one word and "#" matches zero or
// more words.
func Match(pattern, key string) bool {
	return matchWords(strings.Split(pattern, "."), strings.Split(key, "."))
}

func matchWords(pattern, key []string) bool {
	for len(pattern) > 0 {
		switch pattern[0] {
		case "#":
			rest := pattern[1:]
			// collapse runs of "#"
			for len(rest) > 0 && rest[0] == "#" {
				rest = rest[1:]
			}
			if len(rest) == 0 {
				return true
			}
			for i := 0; i <= len(key); i++ {
				if matchWords(rest, key[i:]) {
					return true
				}
			}
			return false
		case "*":
			if len(key) == 0 {
				return false
			}
		default:
			if len(key) == 0 || key[0] != pattern[0] {
				return false
			}
		}
		pattern, key = pattern[1:], key[1:]
	}
	return len(key) == 0
}

// ValidatePattern rejects patterns no routing key could sensibly match.
func ValidatePattern(pattern string) error {
	if pattern == "" {
		return fmt.Errorf("bus: empty binding pattern")
	}
	for _, w := range strings.Split(pattern, ".") {
		if w == "" {
			return fmt.Errorf("bus: empty word in pattern %q", pattern)
		}
		if w != "*" && w != "#" && strings.ContainsAny(w, "*#") {
			return fmt.Errorf("bus: wildcard must be a whole word in pattern %q", pattern)
		}
	}
	return nil
}

// ParseBindings splits a comma separated pattern list and validates each
// entry.
func ParseBindings(list []string) ([]string, error) {
	var out []string
	for _, raw := range list {
		for _, p := range strings.Split(raw, ",") {
			p = strings.TrimSpace(p)
			if p == "" {
				continue
			}
			if err := ValidatePattern(p); err != nil {
				return nil, err
			}
			out = append(out, p)
		}
	}
	return out, nil
}
