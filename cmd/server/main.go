package main

import (
	"context"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/pesio-ai/be-expense-approvals/internal/config"
	"github.com/pesio-ai/be-expense-approvals/internal/database"
	"github.com/pesio-ai/be-expense-approvals/internal/logger"
)

func main() {
	// A missing .env is fine; real deployments set the environment directly.
	_ = godotenv.Load()

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "expense-approvals",
		Short:         "Expense approval routing service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd(), newSweepCmd(), newMigrateCmd())
	return root
}

func newServeCmd() *cobra.Command {
	var skipMigrate bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and gRPC servers and the background expiry sweeper",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := bootstrap()
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, log, !skipMigrate)
		},
	}
	cmd.Flags().BoolVar(&skipMigrate, "skip-migrate", false, "do not apply pending migrations on start")
	return cmd
}

func newSweepCmd() *cobra.Command {
	var projectID string
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Deactivate expired delegations once and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := bootstrap()
			if err != nil {
				return err
			}
			return sweepOnce(cmd.Context(), cfg, log, projectID)
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "sweep a single project instead of all")
	return cmd
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		RunE: func(*cobra.Command, []string) error {
			cfg, log, err := bootstrap()
			if err != nil {
				return err
			}
			dbCfg := databaseConfig(cfg)
			if err := database.Migrate(dbCfg); err != nil {
				return err
			}
			version, dirty, err := database.MigrationVersion(dbCfg)
			if err != nil {
				return err
			}
			log.Info().Uint("version", version).Bool("dirty", dirty).Msg("Migrations applied")
			return nil
		},
	}
}

func bootstrap() (*config.Config, *logger.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	log := logger.New(logger.Config{
		Level:       cfg.Service.LogLevel,
		Environment: cfg.Service.Environment,
		ServiceName: cfg.Service.Name,
		Version:     cfg.Service.Version,
	})
	return cfg, log, nil
}

func databaseConfig(cfg *config.Config) database.Config {
	return database.Config{
		Host:        cfg.Database.Host,
		Port:        cfg.Database.Port,
		User:        cfg.Database.User,
		Password:    cfg.Database.Password,
		Database:    cfg.Database.Database,
		SSLMode:     cfg.Database.SSLMode,
		MaxConns:    cfg.Database.MaxConns,
		MinConns:    cfg.Database.MinConns,
		MaxConnTime: cfg.Database.MaxConnTime,
		MaxIdleTime: cfg.Database.MaxIdleTime,
		HealthCheck: cfg.Database.HealthCheck,
	}
}

func sweepOnce(ctx context.Context, cfg *config.Config, log *logger.Logger, projectID string) error {
	app, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer app.Close()

	var n int
	if projectID != "" {
		n, err = app.sweeper.Sweep(ctx, projectID)
	} else {
		n, err = app.sweeper.SweepAll(ctx)
	}
	log.Info().Int("deactivated", n).Str("project_id", projectID).Msg("Sweep finished")
	return err
}
