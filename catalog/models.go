package catalog

import "github.com/xraph/credits/types"

type Tier string

const (
	TierNone   Tier = "none"
	TierPro    Tier = "pro"
	TierGrowth Tier = "growth"
	TierScale  Tier = "scale"
)

// Label returns the display label for a tier.
func (t Tier) Label() string {
	switch t {
	case TierPro:
		return "Pro"
	case TierGrowth:
		return "Growth"
	case TierScale:
		return "Scale"
	default:
		return "No active tier"
	}
}

// Valid reports whether t is a known tier, including TierNone.
func (t Tier) Valid() bool {
	switch t {
	case TierNone, TierPro, TierGrowth, TierScale:
		return true
	}
	return false
}

// ParseTier maps a stored tier string to a Tier. Empty and unknown
// values map to TierNone.
func ParseTier(s string) Tier {
	t := Tier(s)
	if !t.Valid() {
		return TierNone
	}
	return t
}

type Plan struct {
	ID       string      `json:"id"`
	Tier     Tier        `json:"tier"`
	Name     string      `json:"name"`
	Tagline  string      `json:"tagline"`
	Price    types.Money `json:"price"`
	Credits  types.Money `json:"credits"`
	Popular  bool        `json:"popular,omitempty"`
	Features []string    `json:"features"`
}
