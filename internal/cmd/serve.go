package cmd

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/FairForge/aura/internal/config"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the evaluation scheduler",
	Long: `Run the rule API and evaluate every Aura's rules on the configured
interval until interrupted. Configuration comes from --config and AURA_*
environment variables.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger, err := cfg.Log.NewLogger()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", zap.Error(err))
		return err
	}

	logger.Info("aura started",
		zap.String("version", Version),
		zap.Int("port", cfg.Server.Port),
		zap.String("rules_source", cfg.Rules.Source),
		zap.String("policy", cfg.Engine.Policy),
		zap.Duration("interval", cfg.Scheduler.Interval))

	return a.run(ctx)
}
