package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ariefcatur/go-stock-orders/internal/bootstrap"
	"github.com/ariefcatur/go-stock-orders/internal/orders"
	"github.com/ariefcatur/go-stock-orders/internal/postgres"
	"github.com/spf13/cobra"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, app *bootstrap.App) error {
				if err := postgres.Migrate(ctx, app.DB); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "schema applied")
				return nil
			})
		},
	}
}

func productCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "product", Short: "Manage products"}

	var (
		name     string
		price    int64
		inactive bool
	)
	add := &cobra.Command{
		Use:   "add [code]",
		Short: "Create or update a product",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, app *bootstrap.App) error {
				p, err := app.Store.UpsertProduct(ctx, orders.Product{Code: args[0], Name: name, Price: price, Active: !inactive})
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "product %s (id %d) price=%d active=%v\n", p.Code, p.ID, p.Price, p.Active)
				return nil
			})
		},
	}
	add.Flags().StringVar(&name, "name", "", "display name")
	add.Flags().Int64Var(&price, "price", 0, "price in minor units")
	add.Flags().BoolVar(&inactive, "inactive", false, "hide the product from new orders")
	_ = add.MarkFlagRequired("name")
	_ = add.MarkFlagRequired("price")

	cmd.AddCommand(add)
	return cmd
}

func stockCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "stock", Short: "Inventory intake and levels"}

	add := &cobra.Command{
		Use:   "add [product-code] [file]",
		Short: "Add one unit per line of file (or stdin)",
		Long: `Every non-empty line becomes one available unit whose secret is the line itself.

Examples:
  stockctl stock add NETFLIX-1M accounts.txt
  cat accounts.txt | stockctl stock add NETFLIX-1M`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var src io.Reader = cmd.InOrStdin()
			if len(args) == 2 {
				f, err := os.Open(args[1])
				if err != nil {
					return err
				}
				defer f.Close()
				src = f
			}
			secrets, err := readSecrets(src)
			if err != nil {
				return err
			}
			if len(secrets) == 0 {
				return errors.New("no units to add")
			}
			return withApp(cmd, func(ctx context.Context, app *bootstrap.App) error {
				n, err := app.Store.AddStockUnits(ctx, args[0], secrets)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "added %d units to %s\n", n, strings.ToUpper(args[0]))
				return nil
			})
		},
	}

	levels := &cobra.Command{
		Use:   "levels [product-code]",
		Short: "Count units per status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, app *bootstrap.App) error {
				lv, err := app.Store.StockLevels(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s available=%d reserved=%d sold=%d\n", strings.ToUpper(args[0]),
					lv[orders.UnitAvailable], lv[orders.UnitReserved], lv[orders.UnitSold])
				return nil
			})
		},
	}

	cmd.AddCommand(add, levels)
	return cmd
}

func sweepCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "sweep", Short: "Run a sweeper once"}

	expire := &cobra.Command{
		Use:   "expire",
		Short: "Reclaim lapsed reservations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, app *bootstrap.App) error {
				res, err := app.Expiry.Run(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}
	reconcile := &cobra.Command{
		Use:   "reconcile",
		Short: "Match recent gateway transactions against pending orders",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, app *bootstrap.App) error {
				if app.Reconcile == nil {
					return errors.New("reconciliation is disabled (reconcile.enabled=false)")
				}
				res, err := app.Reconcile.Run(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}

	cmd.AddCommand(expire, reconcile)
	return cmd
}

func orderCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "order", Short: "Inspect and cancel orders"}

	show := &cobra.Command{
		Use:   "show [code]",
		Short: "Print an order with its lines, payments and audit trail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, app *bootstrap.App) error {
				o, err := app.Store.GetOrderByCode(ctx, strings.ToUpper(args[0]))
				if err != nil {
					return err
				}
				lines, err := app.Store.Lines(ctx, o.ID)
				if err != nil {
					return err
				}
				payments, err := app.Store.Payments(ctx, o.ID)
				if err != nil {
					return err
				}
				trail, err := app.Store.AuditTrail(ctx, "order", o.ID)
				if err != nil {
					return err
				}
				w := cmd.OutOrStdout()
				fmt.Fprintf(w, "%s %s total=%d reserved_until=%s invoice=%s\n",
					o.Code, o.Status, o.AmountTotal, o.ReservedUntil.Format("2006-01-02 15:04:05Z07:00"), o.InvoiceNumber)
				for _, l := range lines {
					fmt.Fprintf(w, "  %s x%d @%d = %d\n", l.ProductCode, l.Quantity, l.UnitPrice, l.Subtotal)
				}
				for _, p := range payments {
					fmt.Fprintf(w, "  payment %s:%s %s amount=%d via %s\n", p.Provider, p.ExternalTxnID, p.Status, p.Amount, p.Source)
				}
				for _, e := range trail {
					fmt.Fprintf(w, "  %s %-18s by %s %s\n", e.CreatedAt.Format("2006-01-02 15:04:05"), e.Action, e.Actor, e.Payload)
				}
				return nil
			})
		},
	}
	cancel := &cobra.Command{
		Use:   "cancel [code]",
		Short: "Cancel a pending order and release its units",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, app *bootstrap.App) error {
				o, err := app.Orders.Cancel(ctx, strings.ToUpper(args[0]), "stockctl")
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", o.Code, o.Status)
				return nil
			})
		},
	}

	cmd.AddCommand(show, cancel)
	return cmd
}

// readSecrets returns the trimmed non-empty lines of r.
func readSecrets(r io.Reader) ([]string, error) {
	var out []string
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64<<10), 1<<20)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			out = append(out, line)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read units: %w", err)
	}
	return out, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
