package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fundsight/ingest-cli/internal/model"
	"github.com/fundsight/ingest-cli/internal/source"
)

var (
	ingestSourceID string
	ingestAll      bool
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Run the ingestion pipeline",
	Long:  "Runs the fetch, extract, enrich, persist pipeline for one source or for every source in the registry.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("ingest"); err != nil {
			return err
		}
		if ingestSourceID == "" && !ingestAll {
			return eris.New("either --source or --all is required")
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}

		p, err := buildPipeline(st)
		if err != nil {
			return err
		}

		var sources []model.Source
		if ingestAll {
			sources, err = source.LoadSources(cfg.Source.RegistryFile)
			if err != nil {
				return err
			}
		} else {
			src, err := findSource(ingestSourceID)
			if err != nil {
				return err
			}
			sources = []model.Source{src}
		}

		var results []*model.Run
		failed := 0
		for _, src := range sources {
			r, err := p.Run(ctx, src)
			if err != nil {
				failed++
				zap.L().Error("ingest failed",
					zap.String("source_id", src.ID),
					zap.Error(err),
				)
			}
			if r != nil {
				results = append(results, r)
			}
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(results); err != nil {
			return err
		}

		if failed > 0 {
			return eris.Errorf("ingest: %d of %d sources failed", failed, len(sources))
		}
		return nil
	},
}

func init() {
	ingestCmd.Flags().StringVar(&ingestSourceID, "source", "", "source ID from the registry")
	ingestCmd.Flags().BoolVar(&ingestAll, "all", false, "ingest every registered source")
	rootCmd.AddCommand(ingestCmd)
}
