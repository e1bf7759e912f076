package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/alanyoungcy/marketforge/internal/app"
	"github.com/alanyoungcy/marketforge/internal/domain"
)

func newDeployCmd(opts *rootOptions) *cobra.Command {
	var draftPath string

	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Deploy one market from a draft file and wait for the result",
		Long: `Deploy runs the full deployment pipeline for a single market draft
without starting the API. Progress is written to the log.

The draft is the YAML form of a finished discovery session:

  name: BTC Dominance
  description: Share of total crypto market cap held by bitcoin
  icon_url: https://cdn.example.com/btc.png
  start_price: "54.2"
  definition:
    measurable: true
    metric_definition:
      name: bitcoin_dominance
      unit: percent
  selected_source:
    url: https://api.coingecko.com/api/v3/global
    authority: CoinGecko
    is_primary: true
  validation:
    value: "54.2"
    unit: percent

EXAMPLES:
  marketforge deploy --config config.toml --draft btc-dominance.yaml
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			draft, err := loadDraft(draftPath)
			if err != nil {
				return err
			}

			cfg, logger, err := loadConfig(opts, "deploy")
			if err != nil {
				return err
			}

			application := app.New(cfg, logger)
			defer application.Close()

			ctx, stop := signalContext(cmd.Context())
			defer stop()

			rec, runErr := application.Deploy(ctx, draft)
			if rec.ID != "" {
				printRecord(cmd.OutOrStdout(), rec)
			}
			if runErr != nil {
				return fmt.Errorf("deploy: %w", runErr)
			}
			if rec.Status != domain.PipelineStatusSucceeded {
				return fmt.Errorf("deploy: pipeline %s ended %s", rec.ID, rec.Status)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&draftPath, "draft", "d", "", "path to the market draft YAML (required)")
	_ = cmd.MarkFlagRequired("draft")

	return cmd
}

// loadDraft reads a YAML draft and checks it has everything a deployment
// needs, so a broken file fails before any connection is opened.
func loadDraft(path string) (domain.MarketDraft, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return domain.MarketDraft{}, fmt.Errorf("reading draft: %w", err)
	}

	var draft domain.MarketDraft
	if err := yaml.Unmarshal(raw, &draft); err != nil {
		return domain.MarketDraft{}, fmt.Errorf("parsing draft %s: %w", path, err)
	}
	// A hand-written draft is confirmed by being written down.
	draft.NameConfirmed = true
	draft.DescriptionConfirmed = true
	draft.IconConfirmed = true

	if err := draft.CheckComplete(); err != nil {
		return domain.MarketDraft{}, fmt.Errorf("draft %s: %w", path, err)
	}
	return draft, nil
}

func printRecord(out io.Writer, rec domain.PipelineRecord) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "PIPELINE\t%s\n", rec.ID)
	fmt.Fprintf(w, "MODE\t%s\n", rec.Mode)
	fmt.Fprintf(w, "STATUS\t%s\n", rec.Status)
	if rec.MarketAddress != "" {
		fmt.Fprintf(w, "MARKET\t%s\n", rec.MarketAddress)
	}
	if rec.TxHash != "" {
		fmt.Fprintf(w, "TX\t%s\n", rec.TxHash)
	}
	if rec.FailedStep != "" {
		fmt.Fprintf(w, "FAILED STEP\t%s\n", rec.FailedStep)
	}
	if rec.Error != "" {
		fmt.Fprintf(w, "ERROR\t%s\n", rec.Error)
	}
	w.Flush()
}
