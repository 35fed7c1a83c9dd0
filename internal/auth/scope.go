package auth

import "strings"

// Scope is the capability set of a credential, resolved once per
// authenticated request. Patterns are exact paths, "*" for everything,
// or a suffix wildcard such as "/payments/*".
type Scope []string

// Allows reports whether any pattern in the scope grants endpoint
func (s Scope) Allows(endpoint string) bool {
	for _, pattern := range s {
		if matchPattern(pattern, endpoint) {
			return true
		}
	}
	return false
}

// HasEndpointPermission reports whether scope grants access to endpoint
func HasEndpointPermission(scope []string, endpoint string) bool {
	return Scope(scope).Allows(endpoint)
}

func matchPattern(pattern, endpoint string) bool {
	switch {
	case pattern == "":
		return false
	case pattern == "*":
		return true
	case strings.HasSuffix(pattern, "/*"):
		return strings.HasPrefix(endpoint, strings.TrimSuffix(pattern, "*"))
	default:
		return pattern == endpoint
	}
}

// NormalizeScope trims, drops empties and duplicates
func NormalizeScope(scope []string) []string {
	seen := make(map[string]struct{}, len(scope))
	out := make([]string, 0, len(scope))
	for _, p := range scope {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}
