package engine

import (
	"strings"
	"testing"

	"github.com/agentreview/agentreview/llm"
)

func TestFilterBySeverity(t *testing.T) {
	findings := []llm.Finding{
		{Path: "a.go", Line: 1, Severity: 1, Comment: "nit"},
		{Path: "a.go", Line: 2, Severity: 3, Comment: "issue"},
		{Path: "a.go", Line: 3, Severity: 5, Comment: "critical"},
	}

	tests := []struct {
		name      string
		threshold int
		wantLines []int
	}{
		{"threshold zero keeps all", 0, []int{1, 2, 3}},
		{"threshold at boundary keeps equal", 3, []int{2, 3}},
		{"threshold above all drops all", 6, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kept := FilterBySeverity(findings, tt.threshold)
			if len(kept) != len(tt.wantLines) {
				t.Fatalf("got %d findings, want %d", len(kept), len(tt.wantLines))
			}
			for i, f := range kept {
				if f.Line != tt.wantLines[i] {
					t.Errorf("finding %d: line %d, want %d", i, f.Line, tt.wantLines[i])
				}
			}
		})
	}

	if FilterBySeverity(nil, 0) != nil {
		t.Error("nil findings should stay nil")
	}
}

func TestFilterFiles(t *testing.T) {
	files := []ChangedFile{
		{Path: "cmd/server/main.go"},
		{Path: "internal/db/query.sql"},
		{Path: "README.md"},
		{Path: "pkg/api/handler.go"},
	}

	tests := []struct {
		name      string
		filters   []string
		wantPaths []string
	}{
		{
			name:      "empty filters match everything",
			filters:   nil,
			wantPaths: []string{"cmd/server/main.go", "internal/db/query.sql", "README.md", "pkg/api/handler.go"},
		},
		{
			name:      "bare extension",
			filters:   []string{".go"},
			wantPaths: []string{"cmd/server/main.go", "pkg/api/handler.go"},
		},
		{
			name:      "glob on filename",
			filters:   []string{"*.md"},
			wantPaths: []string{"README.md"},
		},
		{
			name:      "double star prefix",
			filters:   []string{"internal/**"},
			wantPaths: []string{"internal/db/query.sql"},
		},
		{
			name:      "double star with suffix",
			filters:   []string{"**/*.go"},
			wantPaths: []string{"cmd/server/main.go", "pkg/api/handler.go"},
		},
		{
			name:      "multiple filters union",
			filters:   []string{".sql", "*.md"},
			wantPaths: []string{"internal/db/query.sql", "README.md"},
		},
		{
			name:      "no match",
			filters:   []string{".py"},
			wantPaths: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kept := FilterFiles(files, tt.filters)
			if len(kept) != len(tt.wantPaths) {
				t.Fatalf("got %d files, want %d", len(kept), len(tt.wantPaths))
			}
			for i, f := range kept {
				if f.Path != tt.wantPaths[i] {
					t.Errorf("file %d: path %q, want %q", i, f.Path, tt.wantPaths[i])
				}
			}
		})
	}
}

func TestBuildDiff(t *testing.T) {
	diff := BuildDiff([]ChangedFile{
		{Path: "a.go", Patch: "@@ -1 +1 @@\n-old\n+new"},
		{Path: "b.go", Patch: "@@ -2 +2 @@\n+added\n"},
	})

	for _, want := range []string{
		"--- a/a.go\n+++ b/a.go\n",
		"--- a/b.go\n+++ b/b.go\n",
		"+new\n",
		"+added\n",
	} {
		if !strings.Contains(diff, want) {
			t.Errorf("diff missing %q:\n%s", want, diff)
		}
	}
}

func TestDedupKeyStable(t *testing.T) {
	a := DedupKey(1, "abc", "main.go", 10)
	b := DedupKey(1, "abc", "main.go", 10)
	if a != b {
		t.Error("same inputs must produce the same key")
	}
	if DedupKey(2, "abc", "main.go", 10) == a {
		t.Error("different agent must produce a different key")
	}
	if DedupKey(1, "def", "main.go", 10) == a {
		t.Error("different commit must produce a different key")
	}
	if len(a) != 64 {
		t.Errorf("key length = %d, want 64 hex chars", len(a))
	}
}
