package models

import (
	"regexp"
	"strings"
)

var artifactIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:/-]{0,254}$`)

// ValidArtifactID reports whether id conforms to the artifact-id format.
func ValidArtifactID(id string) bool {
	return artifactIDPattern.MatchString(id)
}

// ExtractArtifacts pulls artifact ids out of a completion payload. The
// payload's "artifacts" entry may hold bare string ids or objects carrying an
// "id" field. Malformed entries are dropped; duplicates are collapsed while
// preserving first-seen order.
func ExtractArtifacts(result map[string]any) []string {
	raw, ok := result["artifacts"]
	if !ok || raw == nil {
		return nil
	}

	var entries []any
	switch v := raw.(type) {
	case []any:
		entries = v
	case []string:
		for _, s := range v {
			entries = append(entries, s)
		}
	case []map[string]any:
		for _, m := range v {
			entries = append(entries, m)
		}
	default:
		return nil
	}

	seen := make(map[string]bool)
	var ids []string
	for _, entry := range entries {
		id := artifactID(entry)
		if id == "" || seen[id] || !ValidArtifactID(id) {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	return ids
}

func artifactID(entry any) string {
	switch v := entry.(type) {
	case string:
		return strings.TrimSpace(v)
	case map[string]any:
		if id, ok := v["id"].(string); ok {
			return strings.TrimSpace(id)
		}
	}
	return ""
}
