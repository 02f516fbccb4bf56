// Package catalog holds the immutable table of purchasable credit tiers.
package catalog

import (
	"fmt"
	"slices"

	"github.com/xraph/credits/types"
)

// Catalog is a read-only plan table. The zero value is empty.
type Catalog struct {
	plans []Plan
	byID  map[string]int
}

// New builds a catalog from plans. Plans are copied; duplicate or blank
// IDs are rejected.
func New(plans ...Plan) (*Catalog, error) {
	c := &Catalog{
		plans: make([]Plan, 0, len(plans)),
		byID:  make(map[string]int, len(plans)),
	}
	for _, p := range plans {
		if p.ID == "" {
			return nil, fmt.Errorf("catalog: plan with empty id")
		}
		if _, dup := c.byID[p.ID]; dup {
			return nil, fmt.Errorf("catalog: duplicate plan id %q", p.ID)
		}
		if !p.Credits.IsPositive() {
			return nil, fmt.Errorf("catalog: plan %q grants no credits", p.ID)
		}
		p.Features = slices.Clone(p.Features)
		c.byID[p.ID] = len(c.plans)
		c.plans = append(c.plans, p)
	}
	return c, nil
}

// MustNew is like New but panics on error.
func MustNew(plans ...Plan) *Catalog {
	c, err := New(plans...)
	if err != nil {
		panic(err)
	}
	return c
}

// Default returns the standard Pro / Growth / Scale catalog.
func Default() *Catalog {
	return MustNew(
		Plan{
			ID:      "pro",
			Tier:    TierPro,
			Name:    "Pro",
			Tagline: "For individuals shipping fast",
			Price:   types.USD(1000),
			Credits: types.USD(1000),
			Features: []string{
				"10 USD AI credits included",
				"Core model access through the AI gateway",
				"Email-based usage attribution",
			},
		},
		Plan{
			ID:      "growth",
			Tier:    TierGrowth,
			Name:    "Growth",
			Tagline: "For heavy weekly usage",
			Price:   types.USD(5000),
			Credits: types.USD(5000),
			Popular: true,
			Features: []string{
				"50 USD AI credits included",
				"Higher monthly usage envelope",
				"Priority support queue",
			},
		},
		Plan{
			ID:      "scale",
			Tier:    TierScale,
			Name:    "Scale",
			Tagline: "For teams and production workloads",
			Price:   types.USD(10000),
			Credits: types.USD(10000),
			Features: []string{
				"100 USD AI credits included",
				"Best per-credit buying efficiency",
				"Recommended for multi-user teams",
			},
		},
	)
}

// Find returns the plan with the given id.
func (c *Catalog) Find(id string) (Plan, bool) {
	if c == nil {
		return Plan{}, false
	}
	i, ok := c.byID[id]
	if !ok {
		return Plan{}, false
	}
	p := c.plans[i]
	p.Features = slices.Clone(p.Features)
	return p, true
}

// All returns a copy of every plan in catalog order.
func (c *Catalog) All() []Plan {
	if c == nil {
		return nil
	}
	out := make([]Plan, len(c.plans))
	for i, p := range c.plans {
		p.Features = slices.Clone(p.Features)
		out[i] = p
	}
	return out
}

// Len returns the number of plans.
func (c *Catalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.plans)
}
