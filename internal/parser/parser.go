package parser

import (
	"strings"

	"github.com/conorfennell/ankimport/internal/domain"
)

// Fields is the front/back pair extracted from a source note.
type Fields struct {
	Front string
	Back  string
	Extra []string // any fields after the back, in order
}

// ParseFields splits a note's joined field string. The first field is the
// front, the second the back; notes with a single field have an empty back.
func ParseFields(joined string) Fields {
	parts := strings.Split(joined, domain.FieldSeparator)
	var f Fields
	switch len(parts) {
	case 0:
	case 1:
		f.Front = parts[0]
	default:
		f.Front = parts[0]
		f.Back = parts[1]
		if len(parts) > 2 {
			f.Extra = parts[2:]
		}
	}
	return f
}

// ParseTags splits the source's space separated tag string, dropping empty
// and duplicate tags while keeping first-seen order.
func ParseTags(raw string) []string {
	seen := make(map[string]bool)
	var tags []string
	for _, t := range strings.Fields(raw) {
		key := strings.ToLower(t)
		if seen[key] {
			continue
		}
		seen[key] = true
		tags = append(tags, t)
	}
	return tags
}
