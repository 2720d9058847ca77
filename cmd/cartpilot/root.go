package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"cartpilot/internal/config"
	"cartpilot/internal/locale"
	"cartpilot/internal/observability"
)

// Version is set at build time:
//
//	go build -ldflags "-X main.Version=1.2.0" ./cmd/cartpilot
var Version = "dev"

// app carries what PersistentPreRunE resolved to the subcommands.
type app struct {
	cfgFile string
	cfg     *config.Config
	logger  *zap.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:           "cartpilot",
		Short:         "Add-to-cart and checkout automation for Jumbo and Lider",
		Version:       Version,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init()
		},
	}
	root.PersistentFlags().StringVarP(&a.cfgFile, "config", "c", "config.yaml", "config file, created with defaults when missing")
	root.SetVersionTemplate("{{printf \"%s\\n\" .Version}}")

	root.AddCommand(newServeCmd(a), newWarmupCmd(a), newVersionCmd())
	return root
}

func (a *app) init() error {
	cfg, err := config.LoadConfig(a.cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	a.cfg = cfg

	observability.InitializeLogger(cfg.Logger)
	a.logger = observability.GetLogger()

	if err := locale.Init(); err != nil {
		a.logger.Warn("Locale initialization failed, messages stay untranslated", zap.Error(err))
	}
	a.logger.Debug("Configuration loaded",
		zap.String("config", a.cfgFile),
		zap.String("version", Version),
		zap.String("locale", locale.Current()))
	return nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		// No config or logger needed.
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Println(Version)
		},
	}
}
