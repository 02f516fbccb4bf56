package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/xraph/credits/catalog"
	"github.com/xraph/credits/identity"
	"github.com/xraph/credits/ledger"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply store schema migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *runtime) error {
				if err := rt.store.Migrate(ctx); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "migrated %s store\n", rt.cfg.Store.Driver)
				return nil
			})
		},
	}
}

func newPlansCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "plans",
		Short: "List the plan catalog",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return printPlans(cmd.OutOrStdout(), catalog.Default().All())
		},
	}
}

func printPlans(w io.Writer, plans []catalog.Plan) error {
	if output == "json" {
		return writeJSON(w, plans)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTIER\tPRICE\tCREDITS\tPOPULAR")
	for _, p := range plans {
		popular := ""
		if p.Popular {
			popular = "yes"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", p.ID, p.Tier.Label(), p.Price, p.Credits, popular)
	}
	return tw.Flush()
}

func newSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync <email>",
		Short: "Push a user's budget ceiling to the gateway",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *runtime) error {
				if err := rt.store.Migrate(ctx); err != nil {
					return err
				}
				res, err := rt.engine.SyncLimit(ctx, args[0])
				if err != nil {
					return err
				}
				if output == "json" {
					return writeJSON(cmd.OutOrStdout(), res)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "synced %s: budget %s (%s), limit $%.2f, customer %s, cache flushed %t\n",
					res.Customer, res.BudgetID, res.Budget, res.LimitUSD, res.CustomerBinding, res.CacheFlushed)
				return nil
			})
		},
	}
}

func newReconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Retry budget syncs that did not complete",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *runtime) error {
				if err := rt.store.Migrate(ctx); err != nil {
					return err
				}
				report, err := rt.engine.Reconcile(ctx)
				if err != nil {
					return err
				}
				if output == "json" {
					return writeJSON(cmd.OutOrStdout(), report)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "reconciled %d/%d in %s\n",
					report.Succeeded, report.Attempted, report.Elapsed.Round(time.Millisecond))
				if len(report.Failed) > 0 {
					fmt.Fprintf(cmd.OutOrStdout(), "still pending: %s\n", strings.Join(report.Failed, ", "))
				}
				return nil
			})
		},
	}
}

func newTokenCmd() *cobra.Command {
	var (
		name    string
		subject string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token <email>",
		Short: "Mint a session token for local testing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Session.Secret == "" {
				return fmt.Errorf("token: SESSION_SECRET is not set")
			}
			tok, err := identity.Sign([]byte(cfg.Session.Secret), ledger.Identity{
				Email:       args[0],
				Subject:     subject,
				DisplayName: name,
			}, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name claim")
	cmd.Flags().StringVar(&subject, "subject", "", "subject claim")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	return cmd
}

// withRuntime runs fn against a fully built runtime and closes it after.
func withRuntime(ctx context.Context, fn func(context.Context, *runtime) error) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	rt, err := setup(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rt.close()
	return fn(ctx, rt)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
