package core

import "strings"

const MaxNameLength = 64

// ValidateName checks an agent name: 1..64 letters, digits, '_' or '-'.
func ValidateName(name string) error {
	if name == "" {
		return Invalid("agent name required")
	}
	if len(name) > MaxNameLength {
		return Invalid("agent name %q longer than %d characters", name, MaxNameLength)
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
		default:
			return Invalid("agent name %q contains %q", name, r)
		}
	}
	return nil
}

// ValidateProject checks a project key is present.
func ValidateProject(project string) error {
	if ProjectSlug(project) == "" {
		return Invalid("project key required")
	}
	return nil
}

// ProjectSlug maps a human project key ("/data/Backend", "Backend") to the
// identifier stores use. Case and separators are folded so both spellings
// name one project.
func ProjectSlug(key string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(strings.TrimSpace(key)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		default:
			if b.Len() > 0 && !dash {
				b.WriteByte('-')
				dash = true
			}
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}

// UniqueNames trims, drops empties and de-duplicates while keeping order.
func UniqueNames(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, n := range in {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}
