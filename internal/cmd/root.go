package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/FairForge/aura/internal/config"
)

var (
	configPath string
	envFiles   []string
)

var rootCmd = &cobra.Command{
	Use:   "aura",
	Short: "Behavior rule engine for Auras",
	Long: `aura evaluates each Aura's behavior rules against its live sense data
and delivers the notifications, messages and webhooks that fire.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return config.LoadDotEnv(envFiles...)
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.CompletionOptions.HiddenDefaultCmd = false
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv(config.EnvPrefix+"CONFIG"), "Path to the YAML config file")
	rootCmd.PersistentFlags().StringSliceVar(&envFiles, "env-file", nil, "Dotenv files to load before reading config (default .env)")
}
