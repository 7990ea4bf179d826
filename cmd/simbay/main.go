package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/simlabs/simbay/internal/adapters/docker"
	httpadapter "github.com/simlabs/simbay/internal/adapters/http"
	"github.com/simlabs/simbay/internal/config"
	"github.com/simlabs/simbay/internal/core/manager"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:           "simbay",
		Short:         "Pool manager for GPU simulation containers",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (.toml, .yaml or .json)")
	root.AddCommand(serveCmd(), cleanupCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newLogger() zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()
}

func buildManager(log zerolog.Logger) (*manager.Manager, config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, cfg, err
	}
	engine, err := docker.NewAdapter(log)
	if err != nil {
		return nil, cfg, err
	}
	mgr, err := manager.New(cfg, engine, log)
	if err != nil {
		return nil, cfg, err
	}
	return mgr, cfg, nil
}

func serveCmd() *cobra.Command {
	var staticDir string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the instance pool API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger()
			mgr, cfg, err := buildManager(log)
			if err != nil {
				return err
			}

			handler := httpadapter.NewInstanceHandler(mgr, cfg, log)
			proxy := httpadapter.NewStreamProxy(mgr.Allocator(), cfg.MaxInstances)
			app := httpadapter.NewApp(handler, proxy, staticDir)

			log.Info().Str("addr", cfg.Addr).
				Int("max_instances", cfg.MaxInstances).
				Str("image", cfg.Image).
				Msg("simbay listening")
			return app.Listen(cfg.Addr)
		},
	}
	cmd.Flags().StringVar(&staticDir, "static", "./static", "dashboard directory ('' disables)")
	return cmd
}

func cleanupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Stop and remove every managed container",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger()
			mgr, _, err := buildManager(log)
			if err != nil {
				return err
			}

			results := mgr.CleanupAll(context.Background())
			ids := make([]int, 0, len(results))
			for id := range results {
				ids = append(ids, id)
			}
			sort.Ints(ids)

			failed := 0
			for _, id := range ids {
				r := results[id]
				if r.Error != "" {
					failed++
					fmt.Printf("instance %d: %s\n", id, r.Error)
					continue
				}
				fmt.Printf("instance %d: removed\n", id)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d instances could not be cleaned up", failed, len(ids))
			}
			return nil
		},
	}
}
