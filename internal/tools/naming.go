package tools

import "strings"

// NamespaceSeparator joins a namespace and a tool name.
const NamespaceSeparator = "_"

// SanitizeName normalizes a tool name to the [A-Za-z0-9_-]+ pattern
// providers accept. Invalid characters become underscores, runs of
// underscores collapse, names starting with a digit get an "n_" prefix,
// and an empty result becomes "unnamed".
func SanitizeName(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	lastUnderscore := false
	for _, r := range name {
		switch {
		case r == '-' ||
			(r >= 'A' && r <= 'Z') ||
			(r >= 'a' && r <= 'z') ||
			(r >= '0' && r <= '9'):
			b.WriteRune(r)
			lastUnderscore = false
		default:
			// Underscores and invalid characters collapse into one '_'.
			if !lastUnderscore {
				b.WriteByte('_')
				lastUnderscore = true
			}
		}
	}

	out := strings.Trim(b.String(), "_")
	if out == "" {
		return "unnamed"
	}
	if out[0] >= '0' && out[0] <= '9' {
		out = "n_" + out
	}
	return out
}

// QualifiedName applies the namespace and sanitizes the result.
func QualifiedName(namespace, name string) string {
	if namespace == "" {
		return SanitizeName(name)
	}
	return SanitizeName(namespace + NamespaceSeparator + name)
}
