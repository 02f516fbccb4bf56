package credits

import (
	"github.com/xraph/credits/catalog"
	"github.com/xraph/credits/ledger"
	"github.com/xraph/credits/types"
)

// Re-export common types for convenience so users don't have to import
// the leaf packages.

// Money is re-exported from types package.
type Money = types.Money

// Entity is re-exported from types package.
type Entity = types.Entity

// Identity is re-exported from ledger package.
type Identity = ledger.Identity

// Balance is re-exported from ledger package.
type Balance = ledger.Balance

// Event is re-exported from ledger package.
type Event = ledger.Event

// Plan is re-exported from catalog package.
type Plan = catalog.Plan

// Tier is re-exported from catalog package.
type Tier = catalog.Tier

// Re-export Money constructors
var (
	USD      = types.USD
	Zero     = types.Zero
	ParseUSD = types.ParseUSD
)

// Re-export Entity constructor
var NewEntity = types.NewEntity
