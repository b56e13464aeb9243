package cli

import (
	"fmt"
	"os"

	"asset_market/internal/app"
	"asset_market/internal/infra"

	"github.com/spf13/cobra"
)

const version = "0.1.0-dev"

// Global flags
type globalOptions struct {
	configFile string
	logLevel   string
}

// NewRootCommand builds the marketd command tree.
func NewRootCommand() *cobra.Command {
	opts := &globalOptions{}

	rootCmd := &cobra.Command{
		Use:   "marketd",
		Short: "marketd - asset exchange ledger",
		Long: `marketd runs an escrow marketplace for uniquely identified assets.
Sellers list assets at a fixed price, buyers pay price plus a percentage fee,
and every settlement either completes entirely or leaves no trace.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configFile, "config", "c", "configs/config.yaml", "configuration file path")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override the configured log level (debug, info, warn, error)")

	rootCmd.AddCommand(newServeCommand(opts), newDemoCommand(opts))
	return rootCmd
}

// Execute runs the root command. This is called by main.main().
func Execute() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// bootstrap loads configuration, applies flag overrides and wires the application.
func (o *globalOptions) bootstrap(mutate func(cfg *infra.Config)) (*app.Bootstrap, error) {
	cfg, err := infra.LoadConfigOrDefault(o.configFile)
	if err != nil {
		return nil, err
	}
	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
	}
	if mutate != nil {
		mutate(cfg)
	}

	b := app.NewBootstrap()
	if err := b.InitializeWith(cfg); err != nil {
		return nil, err
	}
	return b, nil
}
