package cmd

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/bitsurgeon/firmlens/internal/config"
	"github.com/bitsurgeon/firmlens/internal/observability"
)

// loadedConfig is the configuration resolved by the persistent pre-run; all
// subcommands read it instead of touching viper directly.
var loadedConfig *config.Config

// NewRootCommand builds a fresh root command tree. A new instance per
// invocation keeps flag state from leaking between runs.
func NewRootCommand() *cobra.Command {
	var cfgFile string

	root := &cobra.Command{
		Use:           "firmlens",
		Short:         "Firmlens recursively unpacks firmware images and schedules analysis plugins over every object found inside.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := initializeConfig(cfgFile); err != nil {
				return err
			}

			cfg, err := config.NewConfigFromViper(viper.GetViper())
			if err != nil {
				// Fall back to a minimal logger so the error is visible.
				observability.InitializeLogger(config.LoggerConfig{Level: "info", Format: "console", ServiceName: "firmlens"})
				return err
			}
			loadedConfig = cfg

			observability.InitializeLogger(cfg.Logger)
			observability.GetLogger().Debug("Starting firmlens", zap.String("version", Version))
			return nil
		},
	}

	root.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is ~/.firmlens.yaml)")
	root.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	root.AddCommand(newAnalyzeCmd())
	root.AddCommand(newPluginsCmd())
	return root
}

// initializeConfig wires viper: defaults, optional config file, and
// FIRMLENS_* environment variables.
func initializeConfig(cfgFile string) error {
	v := viper.GetViper()
	config.SetDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		defaultFile, err := config.DefaultConfigFile()
		if err == nil {
			v.SetConfigFile(defaultFile)
		}
	}

	v.SetEnvPrefix("FIRMLENS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || os.IsNotExist(err) {
			// No config file; defaults and env vars apply.
			return nil
		}
		return fmt.Errorf("error reading config file: %w", err)
	}
	return nil
}
