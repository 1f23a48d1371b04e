// -- cmd/root.go --
package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xkilldash9x/vmpilot/internal/config"
	"github.com/xkilldash9x/vmpilot/internal/observability"
	"github.com/xkilldash9x/vmpilot/internal/service"
)

// app is the state shared by the subcommands of one invocation.
type app struct {
	cfgFile string
	v       *viper.Viper
	cfg     *config.Config
	factory service.ComponentFactory
}

// NewRootCommand builds a fresh command tree. Each call gets its own viper instance,
// so repeated invocations do not leak flags or config into each other.
func NewRootCommand() *cobra.Command {
	return newRootCommand(service.NewComponentFactory())
}

func newRootCommand(factory service.ComponentFactory) *cobra.Command {
	a := &app{v: viper.New(), factory: factory}

	root := &cobra.Command{
		Use:           "vmpilot",
		Short:         "vmpilot operates a remote computer through its screen to complete a goal.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load()
		},
	}
	root.PersistentFlags().StringVarP(&a.cfgFile, "config", "c", "", "config file (default is ./config.yaml)")
	root.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	root.AddCommand(newServeCmd(a), newRunCmd(a), newVersionCmd())
	return root
}

// load reads config and initializes logging before any subcommand runs.
func (a *app) load() error {
	config.SetDefaults(a.v)
	if err := initializeConfig(a.v, a.cfgFile); err != nil {
		observability.InitializeLogger(config.LoggerConfig{Level: "info", Format: "console", ServiceName: "vmpilot"})
		return err
	}
	cfg, err := config.NewConfigFromViper(a.v)
	if err != nil {
		observability.InitializeLogger(config.LoggerConfig{Level: "info", Format: "console", ServiceName: "vmpilot"})
		return err
	}
	a.cfg = cfg

	observability.InitializeLogger(cfg.Logger)
	observability.GetLogger().Info("Starting vmpilot", zap.String("version", Version))
	return nil
}

// initializeConfig reads in the config file and ENV variables if set.
func initializeConfig(v *viper.Viper, cfgFile string) error {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("VMPILOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("error reading config file: %w", err)
		}
		// No config file; defaults and env vars apply.
	}
	return nil
}

// Execute runs the command tree with ctx and logs a failure once.
func Execute(ctx context.Context) error {
	defer observability.Sync()
	if err := NewRootCommand().ExecuteContext(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			observability.GetLogger().Error("Command execution failed", zap.Error(err))
		}
		return err
	}
	return nil
}
