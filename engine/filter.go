package engine

import (
	"path/filepath"
	"strings"

	"github.com/agentreview/agentreview/llm"
)

// FilterBySeverity drops findings whose severity is strictly below the
// threshold. Pure function; an empty result is valid.
func FilterBySeverity(findings []llm.Finding, threshold int) []llm.Finding {
	if len(findings) == 0 {
		return nil
	}
	kept := make([]llm.Finding, 0, len(findings))
	for _, f := range findings {
		if f.Severity >= threshold {
			kept = append(kept, f)
		}
	}
	return kept
}

// FilterFiles keeps changed files matching any of the agent's file
// filters. Empty filters match everything.
func FilterFiles(files []ChangedFile, filters []string) []ChangedFile {
	if len(filters) == 0 {
		return files
	}
	var kept []ChangedFile
	for _, f := range files {
		if matchesAnyFilter(f.Path, filters) {
			kept = append(kept, f)
		}
	}
	return kept
}

// matchesAnyFilter returns true if the path matches any glob or
// extension pattern.
func matchesAnyFilter(path string, filters []string) bool {
	for _, pattern := range filters {
		// Bare extensions like ".go" match by suffix.
		if strings.HasPrefix(pattern, ".") && !strings.ContainsAny(pattern, "*?[") {
			if strings.HasSuffix(path, pattern) {
				return true
			}
			continue
		}

		// Handle ** patterns by checking directory prefix and suffix.
		if strings.Contains(pattern, "**") {
			parts := strings.SplitN(pattern, "**", 2)
			prefix, suffix := parts[0], strings.TrimPrefix(parts[1], "/")
			if prefix != "" && !strings.HasPrefix(path, prefix) {
				continue
			}
			if suffix == "" {
				return true
			}
			if strings.ContainsAny(suffix, "*?[") {
				if matched, _ := filepath.Match(suffix, filepath.Base(path)); matched {
					return true
				}
			} else if strings.HasSuffix(path, suffix) {
				return true
			}
			continue
		}

		// Standard glob matching on the full path.
		if matched, _ := filepath.Match(pattern, path); matched {
			return true
		}

		// Also try matching just the filename for patterns like "*.go".
		if matched, _ := filepath.Match(pattern, filepath.Base(path)); matched {
			return true
		}
	}
	return false
}

// BuildDiff concatenates file patches into one unified diff for the
// prompt.
func BuildDiff(files []ChangedFile) string {
	var sb strings.Builder
	for _, f := range files {
		sb.WriteString("--- a/" + f.Path + "\n")
		sb.WriteString("+++ b/" + f.Path + "\n")
		sb.WriteString(f.Patch)
		if !strings.HasSuffix(f.Patch, "\n") {
			sb.WriteString("\n")
		}
	}
	return sb.String()
}
