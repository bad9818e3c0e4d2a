package names

import (
	"regexp"
	"testing"
)

var namePattern = regexp.MustCompile(`^[A-Z][a-z]+[A-Z][a-z]+[0-9]*$`)

func TestGenerate(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		name := Generate()
		if !namePattern.MatchString(name) {
			t.Fatalf("unexpected name shape %q", name)
		}
		seen[name] = true
	}
	// Should generate variety (at least 10 unique names in 100 tries)
	if len(seen) < 10 {
		t.Fatalf("expected variety, got only %d unique names", len(seen))
	}
}

func TestGenerateUniqueSkipsTaken(t *testing.T) {
	taken := map[string]bool{}
	for i := 0; i < 50; i++ {
		name := GenerateUnique(func(n string) bool { return taken[n] }, 5)
		if taken[name] {
			t.Fatalf("GenerateUnique returned taken name %q", name)
		}
		taken[name] = true
	}
}

func TestGenerateUniqueFallsBackToSuffix(t *testing.T) {
	name := GenerateUnique(func(n string) bool { return namePattern.MatchString(n) && !regexp.MustCompile(`[0-9]$`).MatchString(n) }, 3)
	if !regexp.MustCompile(`[0-9]+$`).MatchString(name) {
		t.Fatalf("expected numbered fallback, got %q", name)
	}
}
