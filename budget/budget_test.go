package budget_test

import (
	"strings"
	"testing"

	"github.com/xraph/credits/budget"
)

func TestDeriveIDDeterministic(t *testing.T) {
	a := budget.DeriveID("alice@example.com")
	b := budget.DeriveID("alice@example.com")
	if a != b {
		t.Fatalf("DeriveID not deterministic: %q != %q", a, b)
	}
	if !strings.HasPrefix(a, budget.IDPrefix) {
		t.Errorf("missing namespace prefix: %q", a)
	}
	if got, want := len(a), len(budget.IDPrefix)+24; got != want {
		t.Errorf("length: got %d, want %d", got, want)
	}
}

func TestDeriveIDNormalizesEmail(t *testing.T) {
	base := budget.DeriveID("alice@example.com")
	for _, variant := range []string{"Alice@Example.com", "  alice@example.com\t", "ALICE@EXAMPLE.COM "} {
		if got := budget.DeriveID(variant); got != base {
			t.Errorf("DeriveID(%q) = %q, want %q", variant, got, base)
		}
	}
}

func TestDeriveIDDistinct(t *testing.T) {
	seen := make(map[string]string)
	for _, email := range []string{"a@example.com", "b@example.com", "a@example.org", "alice@example.com"} {
		got := budget.DeriveID(email)
		if prev, dup := seen[got]; dup {
			t.Fatalf("collision between %q and %q", prev, email)
		}
		seen[got] = email
	}
}
