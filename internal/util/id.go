package util

import (
	"strings"

	"github.com/google/uuid"
)

func NewID(prefix string) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}

// NormalizeText lowercases and collapses runs of whitespace to a single space.
func NormalizeText(value string) string {
	return strings.Join(strings.Fields(strings.ToLower(value)), " ")
}

// NormalizeTags normalizes, drops blanks and de-duplicates while keeping first-seen order.
func NormalizeTags(values []string) []string {
	out := make([]string, 0, len(values))
	seen := make(map[string]struct{}, len(values))
	for _, value := range values {
		tag := NormalizeText(value)
		if tag == "" {
			continue
		}
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	return out
}
