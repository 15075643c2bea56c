package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"maestro/internal/app"
	"maestro/internal/config"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	// Webhook credentials and other secrets live in .env, not the config
	// file. Missing .env is fine.
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:           "maestro",
		Short:         "maestro orchestrates device automation tasks",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	var configPath string
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "./config.yaml", "path to config file")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.New(configPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.Run(ctx)
		},
	}

	checkCmd := &cobra.Command{
		Use:   "check",
		Short: "Validate the config file and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr := config.NewManager(configPath)
			cfg, err := mgr.Load()
			if err != nil {
				return err
			}
			fmt.Printf("config ok: %d tasks, %d resource groups\n", len(cfg.Tasks), len(cfg.ResourceGroups))
			return nil
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("maestro %s (%s)\n", version, commit)
		},
	}

	root.AddCommand(serveCmd, checkCmd, versionCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
