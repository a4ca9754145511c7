package state

import "strings"

const keySeparator = ":"

// BuildKey derives the deterministic state key for a rule's tracked
// identity. The tenant ID is always part of the key, so two tenants can
// never collide even with identical field values.
func BuildKey(prefix, tenantID string, values []string) string {
	parts := make([]string, 0, len(values)+2)
	parts = append(parts, escape(prefix), escape(tenantID))
	for _, v := range values {
		parts = append(parts, escape(v))
	}
	return strings.Join(parts, keySeparator)
}

// escape keeps field values containing the separator from producing
// ambiguous keys.
func escape(s string) string {
	return strings.ReplaceAll(s, keySeparator, "\\:")
}
