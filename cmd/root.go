// Package cmd implements the ruleforge command line interface.
package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"ruleforge/config"
)

var (
	cfgPath string
	cfg     *config.Config
	logger  *zap.SugaredLogger
)

var rootCmd = &cobra.Command{
	Use:   "ruleforge",
	Short: "Declarative threat detection rule engine",
	Long: `ruleforge compiles declarative detection rules and matches them
against event logs, either one event at a time or in batch scans.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgPath)
		if err != nil {
			return err
		}
		logger, err = buildLogger(cfg.Logging)
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// Execute runs the CLI and exits non-zero on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "config file (default: ./ruleforge.yaml)")
}

func buildLogger(lc config.LoggingConfig) (*zap.SugaredLogger, error) {
	level := zapcore.InfoLevel
	if err := level.UnmarshalText([]byte(strings.ToLower(lc.Level))); err != nil {
		return nil, fmt.Errorf("invalid log level %q", lc.Level)
	}

	zcfg := zap.NewProductionConfig()
	if strings.EqualFold(lc.Format, "console") {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)

	base, err := zcfg.Build()
	if err != nil {
		return nil, err
	}
	return base.Sugar(), nil
}
