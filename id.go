package credits

import "github.com/xraph/credits/id"

// ID is the primary identifier type for credit events and sync attempts.
type ID = id.ID

// Prefix identifies the entity type encoded in a TypeID.
type Prefix = id.Prefix
