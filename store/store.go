package store

import (
	"context"

	"github.com/xraph/credits/ledger"
	"github.com/xraph/credits/syncstate"
)

// Store is the unified storage interface for credits.
type Store interface {
	ledger.Store
	syncstate.Store

	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}
