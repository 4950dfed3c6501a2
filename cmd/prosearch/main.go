package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/mohammad-safakhou/prosearch/config"
	"github.com/mohammad-safakhou/prosearch/internal/agent/core"
	"github.com/mohammad-safakhou/prosearch/internal/agent/fetch"
	"github.com/mohammad-safakhou/prosearch/internal/agent/telemetry"
	"github.com/mohammad-safakhou/prosearch/internal/server"
)

func main() {
	root := &cobra.Command{Use: "prosearch", Short: "Iterative search-augmented research agent"}
	root.AddCommand(serveCMD(), researchCMD(), migrateCMD())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCMD() *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			return server.Run(cfg)
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "config file (default is ./prosearch.yaml)")
	return cmd
}

func researchCMD() *cobra.Command {
	var cfgPath string
	var queries int
	var loops int
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "research <topic>",
		Short: "Run one research loop from the command line",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			tele := telemetry.New(cfg.Telemetry, nil)
			orch, err := core.NewOrchestrator(cfg, tele, log.New(os.Stderr, "[ORCH] ", log.LstdFlags))
			if err != nil {
				return err
			}
			if cfg.Research.FetchFullContent {
				orch.SetFetcher(fetch.New(cfg.Fetch))
			}

			opts := core.RunOptions{InitialQueryCount: queries}
			if cmd.Flags().Changed("max-loops") {
				opts.MaxResearchLoops = loops
				opts.MaxLoopsSet = true
			}
			result, err := orch.Research(cmd.Context(), args[0], opts)
			if err != nil {
				return err
			}

			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(result)
			}
			fmt.Println(result.Answer)
			if len(result.Sources) > 0 {
				fmt.Println("\nSources:")
				for _, s := range result.Sources {
					fmt.Printf("  - %s: %s\n", s.Label, s.OriginalURL)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "config file (default is ./prosearch.yaml)")
	cmd.Flags().IntVar(&queries, "queries", 0, "initial query count override")
	cmd.Flags().IntVar(&loops, "max-loops", 0, "max research loops override")
	cmd.Flags().BoolVar(&asJSON, "json", false, "emit the full result as JSON")
	return cmd
}

func migrateCMD() *cobra.Command {
	var cfgPath string
	var dir string
	var direction string
	var steps int
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			dsn, err := cfg.Storage.Postgres.DSN()
			if err != nil {
				return err
			}
			return server.Migrate(dir, dsn, direction, steps)
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "config file (default is ./prosearch.yaml)")
	cmd.Flags().StringVar(&dir, "dir", "file://migrations", "migrations source")
	cmd.Flags().StringVar(&direction, "direction", "up", "up or down")
	cmd.Flags().IntVar(&steps, "steps", 0, "limit to N steps (0 = all)")
	return cmd
}
