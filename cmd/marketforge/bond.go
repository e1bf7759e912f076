package main

import (
	"fmt"
	"math/big"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/alanyoungcy/marketforge/internal/domain"
)

func newBondCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bond",
		Short: "Creation bond helpers",
	}
	cmd.AddCommand(newBondQuoteCmd())
	return cmd
}

func newBondQuoteCmd() *cobra.Command {
	var amount string
	var bps uint16

	cmd := &cobra.Command{
		Use:   "quote",
		Short: "Split a bond into the creation fee and the refundable part",
		Long: `Quote applies the bond manager's fee rule offline:

  fee        = floor(amount * bps / 10000)
  refundable = amount - fee

Amounts are in the collateral token's smallest unit.

EXAMPLES:
  marketforge bond quote --amount 100000000 --bps 250
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			n, ok := new(big.Int).SetString(amount, 10)
			if !ok {
				return fmt.Errorf("amount %q is not a base-10 integer", amount)
			}
			b, err := domain.ComputeBond(n, bps)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintf(w, "AMOUNT\t%s\n", b.Amount)
			fmt.Fprintf(w, "PENALTY\t%d bps\n", b.PenaltyBps)
			fmt.Fprintf(w, "FEE\t%s\n", b.Fee)
			fmt.Fprintf(w, "REFUNDABLE\t%s\n", b.Refundable)
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&amount, "amount", "", "bond amount in base units (required)")
	cmd.Flags().Uint16Var(&bps, "bps", 0, "creation penalty in basis points")
	_ = cmd.MarkFlagRequired("amount")

	return cmd
}
