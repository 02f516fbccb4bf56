// Package credits is a credit ledger that mirrors every grant into an AI
// gateway's per-user budget.
//
// Users buy fixed-price credit tiers or receive manual top-ups. Each grant
// is applied to the user's balance and appended to the ledger as one
// atomic store operation. The cumulative credit total is then pushed to the
// gateway as the user's absolute spend ceiling, so downstream model calls
// are limited by what the user paid for.
//
// # Quick Start
//
//	import (
//	    "github.com/xraph/credits"
//	    "github.com/xraph/credits/gateway"
//	    "github.com/xraph/credits/store/postgres"
//	)
//
//	st, err := postgres.Open(ctx, databaseURL)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	gw := gateway.New(gateway.Config{
//	    BaseURL: os.Getenv("LITELLM_ADMIN_URL"),
//	    APIKey:  os.Getenv("LITELLM_MASTER_KEY"),
//	})
//
//	engine := credits.New(st,
//	    credits.WithBudgetSyncer(gw),
//	    credits.WithReconcileInterval(time.Minute),
//	)
//	if err := engine.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer engine.Stop()
//
// # Purchases and sync
//
// SyncAfterPurchase records the purchase and then syncs the ceiling:
//
//	out, err := engine.SyncAfterPurchase(ctx, "ada@example.com", "growth")
//	if err != nil {
//	    // nothing was charged
//	}
//	if out.SyncErr != nil && out.Retryable() {
//	    // the purchase is committed; retry only the sync half
//	    _, err = engine.SyncLimit(ctx, "ada@example.com")
//	}
//
// A failed sync never rolls the purchase back. SyncLimit re-sends the
// committed total, so retries cannot double-count. With a reconcile
// interval set, a background sweep retries pending syncs on its own.
//
// # Errors
//
// Failures are typed: *ValidationError for bad input, *ConfigurationError
// for a missing gateway endpoint or key, and *ExternalSyncError for
// transport failures or error statuses from the gateway. Use IsValidation,
// IsConfiguration, IsExternalSync and IsRetryable to branch on them.
//
// # TypeID
//
// Credit events and sync attempts use TypeIDs:
//
//	cevt_01h2xcejqtf2nbrexx3vqjhp41   // credit event
//	bsync_01h455vb4pex5vsknk084sn02q  // sync attempt
//
// Balances are keyed by normalized email and have no ID of their own.
package credits
