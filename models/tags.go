package models

import (
	"sort"
	"strings"
)

// NoneTag is the sentinel tag for records without a tag.
const NoneTag = "None"

// NormalizeTag maps an absent tag to NoneTag and trims surrounding
// whitespace. Any other value is returned as is.
//
// Examples:
//   - "" -> "None"
//   - "  " -> "None"
//   - " red " -> "red"
//   - "None" -> "None"
func NormalizeTag(tag string) string {
	tag = strings.TrimSpace(tag)
	if tag == "" {
		return NoneTag
	}
	return tag
}

// ParseTagName validates a user supplied tag name and returns it trimmed.
// Blank names are rejected with ErrInvalidTag.
func ParseTagName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", ErrInvalidTag
	}
	return name, nil
}

// SortedTags returns the keys of set in ascending order.
func SortedTags(set map[string]struct{}) []string {
	tags := make([]string, 0, len(set))
	for t := range set {
		tags = append(tags, t)
	}
	sort.Strings(tags)
	return tags
}
