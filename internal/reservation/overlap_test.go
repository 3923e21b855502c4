package reservation

import "testing"

func TestPatternsConflict(t *testing.T) {
	cases := []struct {
		a, b string
		want bool
	}{
		{"src/api/handler.go", "src/api/handler.go", true},
		{"src/**", "src/api/handler.go", true},
		{"src/api/handler.go", "src/**", true},
		{"src/*.go", "src/main.go", true},
		{"src/**", "src/**", true},
		{"src/**", "docs/readme.md", false},
		{"src/api/*.go", "src/web/*.go", false},
		{"*.md", "README.md", true},
	}
	for _, tc := range cases {
		if got := patternsConflict(tc.a, tc.b); got != tc.want {
			t.Errorf("patternsConflict(%q, %q) = %v, want %v", tc.a, tc.b, got, tc.want)
		}
	}
}

func TestOverlappingReturnsRequestedSubset(t *testing.T) {
	got := overlapping(
		[]string{"src/api/users.go", "docs/**", "cmd/main.go"},
		[]string{"src/**", "cmd/main.go"},
	)
	if len(got) != 2 || got[0] != "src/api/users.go" || got[1] != "cmd/main.go" {
		t.Fatalf("unexpected overlap set: %v", got)
	}
}

func TestOverlappingEmptyWhenDisjoint(t *testing.T) {
	if got := overlapping([]string{"a/**"}, []string{"b/**"}); got != nil {
		t.Fatalf("disjoint patterns must not overlap: %v", got)
	}
}
