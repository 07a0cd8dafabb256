package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/patrickwarner/adengine/internal/config"
	"github.com/patrickwarner/adengine/internal/db"
	"github.com/patrickwarner/adengine/internal/models"
)

func newValidateCatalogCmd() *cobra.Command {
	var fromPostgres bool
	cmd := &cobra.Command{
		Use:   "validate-catalog [file]",
		Short: "Report creatives the engine would drop as malformed",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			creatives, err := loadForValidation(cmd.Context(), fromPostgres, args)
			if err != nil {
				return err
			}
			errs := db.ValidateCatalog(creatives)
			out := cmd.OutOrStdout()
			for _, e := range errs {
				fmt.Fprintln(out, e)
			}
			fmt.Fprintf(out, "%d creatives, %d problems\n", len(creatives), len(errs))
			if len(errs) > 0 {
				return fmt.Errorf("catalog has %d problems", len(errs))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&fromPostgres, "postgres", false, "validate the catalog stored in POSTGRES_DSN")
	return cmd
}

func loadForValidation(ctx context.Context, fromPostgres bool, args []string) ([]models.CreativeAd, error) {
	if fromPostgres {
		cfg, err := config.Load()
		if err != nil {
			return nil, err
		}
		pg, err := db.InitPostgres(cfg.PostgresDSN, 1, 1, cfg.DBConnMaxLifetime, cfg.DBConnMaxIdleTime)
		if err != nil {
			return nil, fmt.Errorf("failed to connect postgres: %w", err)
		}
		defer pg.Close()
		return pg.LoadCreatives(ctx)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("catalog file required unless --postgres is set")
	}
	return db.LoadCatalogFile(args[0])
}
