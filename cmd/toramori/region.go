package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/systemcmd0122/toramori/internal/config"
	"github.com/systemcmd0122/toramori/internal/connectivity"
	"github.com/systemcmd0122/toramori/internal/region"
	"go.uber.org/zap"
)

var regionCmd = &cobra.Command{
	Use:   "region",
	Short: "Manage region codes in the postgres store",
	Long: `region adds and lists the region codes users redeem to join a community.

Both subcommands need store.driver=postgres; with the memory store use
regions.seed in the config file instead.`,
}

var regionAddCmd = &cobra.Command{
	Use:   "add <name> <code>",
	Short: "Register a new active region code",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRegions(cmd.Context(), func(ctx context.Context, svc *region.Service) error {
			d, err := svc.Create(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Printf("created region %s (%s) id=%s\n", d.Name, d.Code, d.ID)
			return nil
		})
	},
}

var regionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List active region codes",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRegions(cmd.Context(), func(ctx context.Context, svc *region.Service) error {
			list, err := svc.ActiveRegions(ctx, true)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tCODE\tUSAGE\tCREATED")
			for _, d := range list {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", d.Name, d.Code, d.CurrentUsageCount, d.CreatedAt.Format("2006-01-02"))
			}
			return w.Flush()
		})
	},
}

func init() {
	regionCmd.AddCommand(regionAddCmd)
	regionCmd.AddCommand(regionListCmd)
}

func withRegions(ctx context.Context, fn func(context.Context, *region.Service) error) error {
	if cfg.Database.Driver != config.DriverPostgres {
		return fmt.Errorf("region commands require store.driver=postgres (got %q)", cfg.Database.Driver)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	logger := zap.NewNop()
	b, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer b.close()
	return fn(ctx, region.NewService(b.store, connectivity.NewStatic(true), logger))
}
