/*
tariff.go - Offline tariff tooling

PURPOSE:
  Lets the back office check a tariff file before uploading it, and see
  how a given usage is split across its bands.

EXAMPLES:
  settlement tariff check water.json
  settlement tariff quote water.json 27.5
*/
package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/warp/settlement-engine/factory"
	"github.com/warp/settlement-engine/generic"
	"github.com/warp/settlement-engine/tariff"
)

func newTariffCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tariff",
		Short: "Validate and quote tariff files",
	}
	cmd.AddCommand(newTariffCheckCmd())
	cmd.AddCommand(newTariffQuoteCmd())
	return cmd
}

func newTariffCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check <file>",
		Short: "Validate a tariff JSON file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			service, tiers, err := loadTariffFile(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d tiers effective from %s\n",
				service, len(tiers), tiers[0].EffectiveFrom)
			return nil
		},
	}
}

func newTariffQuoteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "quote <file> <usage>",
		Short: "Price a usage against a tariff JSON file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			usage, err := decimal.NewFromString(args[1])
			if err != nil {
				return fmt.Errorf("usage %q is not a number: %w", args[1], err)
			}
			if usage.IsNegative() {
				return generic.NewValidationError("usage", "non_negative", "usage must not be negative")
			}
			service, tiers, err := loadTariffFile(args[0])
			if err != nil {
				return err
			}

			q := tariff.Breakdown(usage, tiers)
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s usage %s\n", service, q.Usage)
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TIER\tQUANTITY\tUNIT PRICE\tAMOUNT")
			for _, b := range q.Bands {
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", b.TierOrder, b.Quantity, b.UnitPrice, b.Amount)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(out, "TOTAL %s\n", q.Total)
			return nil
		},
	}
}

func loadTariffFile(path string) (generic.ServiceCode, []generic.PricingTier, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", nil, err
	}
	service, tiers, err := factory.NewTariffFactory().ParseTariff(string(raw))
	if err != nil {
		return "", nil, fmt.Errorf("%s: %w", path, err)
	}
	if len(tiers) == 0 {
		return "", nil, fmt.Errorf("%s: no tiers", path)
	}
	return service, tiers, nil
}
