package catalog_test

import (
	"testing"

	"github.com/xraph/credits/catalog"
	"github.com/xraph/credits/types"
)

func TestDefaultCatalog(t *testing.T) {
	c := catalog.Default()

	tests := []struct {
		id      string
		tier    catalog.Tier
		price   int64
		credits int64
		popular bool
	}{
		{"pro", catalog.TierPro, 1000, 1000, false},
		{"growth", catalog.TierGrowth, 5000, 5000, true},
		{"scale", catalog.TierScale, 10000, 10000, false},
	}

	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			p, ok := c.Find(tt.id)
			if !ok {
				t.Fatalf("plan %q not found", tt.id)
			}
			if p.Tier != tt.tier {
				t.Errorf("tier: got %s, want %s", p.Tier, tt.tier)
			}
			if p.Price.Amount != tt.price || p.Credits.Amount != tt.credits {
				t.Errorf("price/credits: got %v/%v", p.Price, p.Credits)
			}
			if p.Popular != tt.popular {
				t.Errorf("popular: got %v", p.Popular)
			}
			if len(p.Features) == 0 || p.Name == "" || p.Tagline == "" {
				t.Errorf("plan %q missing display fields", tt.id)
			}
		})
	}

	if c.Len() != 3 {
		t.Errorf("Len: got %d, want 3", c.Len())
	}
}

func TestFindUnknown(t *testing.T) {
	c := catalog.Default()
	for _, id := range []string{"", "enterprise", "PRO"} {
		if _, ok := c.Find(id); ok {
			t.Errorf("Find(%q) should miss", id)
		}
	}

	var nilCatalog *catalog.Catalog
	if _, ok := nilCatalog.Find("pro"); ok {
		t.Error("nil catalog should not find plans")
	}
}

func TestCatalogIsImmutable(t *testing.T) {
	features := []string{"a"}
	c := catalog.MustNew(catalog.Plan{ID: "x", Tier: catalog.TierPro, Credits: types.USD(100), Features: features})
	features[0] = "mutated"

	p, _ := c.Find("x")
	if p.Features[0] != "a" {
		t.Errorf("catalog shares caller slice: %v", p.Features)
	}

	p.Features[0] = "changed"
	again, _ := c.Find("x")
	if again.Features[0] != "a" {
		t.Errorf("Find leaks internal slice: %v", again.Features)
	}

	all := c.All()
	all[0].Name = "renamed"
	if p2, _ := c.Find("x"); p2.Name == "renamed" {
		t.Error("All leaks internal plans")
	}
}

func TestNewRejectsBadPlans(t *testing.T) {
	tests := []struct {
		name  string
		plans []catalog.Plan
	}{
		{"empty id", []catalog.Plan{{Credits: types.USD(1)}}},
		{"duplicate", []catalog.Plan{{ID: "a", Credits: types.USD(1)}, {ID: "a", Credits: types.USD(1)}}},
		{"no credits", []catalog.Plan{{ID: "a"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := catalog.New(tt.plans...); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestTierLabel(t *testing.T) {
	tests := map[catalog.Tier]string{
		catalog.TierNone:   "No active tier",
		catalog.Tier(""):   "No active tier",
		catalog.TierPro:    "Pro",
		catalog.TierGrowth: "Growth",
		catalog.TierScale:  "Scale",
	}
	for tier, want := range tests {
		if got := tier.Label(); got != want {
			t.Errorf("Label(%q): got %q, want %q", tier, got, want)
		}
	}
	if catalog.ParseTier("bogus") != catalog.TierNone {
		t.Error("ParseTier should map unknown values to none")
	}
}
