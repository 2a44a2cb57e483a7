package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/milan604/rtl433dp-console/pkg/config"
)

const envPrefix = "RTL433DP"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configFile string

	root := &cobra.Command{
		Use:   "rtl433dp-console",
		Short: "Admin console for the rtl433dp device platform",
		Long: `rtl433dp-console serves the operator console of the rtl433dp platform.

It signs operators in against an OpenID Connect provider, keeps one
session per browser and proxies the rtl433dp REST API with the
operator's access token.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Path to a config file (yaml, json or toml)")

	root.AddCommand(
		serveCmd(&configFile),
		configCmd(&configFile),
		versionCmd(),
	)
	return root
}

// loadConfig layers defaults, the optional file, RTL433DP_* environment
// variables and flags, in that order of precedence from lowest.
func loadConfig(file string, flags *pflag.FlagSet, extra ...config.Option) (*config.Config, error) {
	opts := []config.Option{
		config.WithDefaults(config.Defaults()),
		config.WithSensitiveKeys(config.SensitiveKeys...),
		config.WithEnv(envPrefix),
	}
	if file != "" {
		opts = append(opts, config.WithFile(file))
	}
	if flags != nil {
		opts = append(opts, config.WithPFlags(flags))
	}
	return config.New(append(opts, extra...)...)
}
